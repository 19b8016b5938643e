// Package cli implements the herd command-line interface.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/herdctl/herd/internal/herderr"
)

var (
	cfgFile string
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "herd",
	Short: "Drive a coding agent through a tracker's sub-task graph",
	Long: `herd fetches a parent issue's sub-tasks from the configured tracker,
builds their dependency graph and runs a coding agent on every ready
task in parallel git worktrees until the set is done, a verification
gate confirms the work, or a task exhausts its retries.

Quick start:
  herd run PROJ-100       Execute all sub-tasks of PROJ-100
  herd status PROJ-100    Show graph, runtime and queue state
  herd push PROJ-100      Deliver queued tracker updates
  herd watch PROJ-100     Live dashboard for a running loop`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Coded errors render their full
// What/Why/Fix message; everything else prints plainly.
func Execute() error {
	err := rootCmd.Execute()
	if err == nil {
		return nil
	}
	var coded *herderr.Error
	if errors.As(err, &coded) {
		fmt.Fprintln(os.Stderr, coded.UserMessage())
	} else {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .herd/herd.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newPushCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newResetCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
}
