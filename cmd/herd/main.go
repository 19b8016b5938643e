// Package main provides the entry point for the herd CLI.
package main

import (
	"os"

	"github.com/herdctl/herd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
