package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newConfigCmd creates the config command.
func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long: `Print the merged configuration: defaults, herd.yaml and HERD_*
environment overrides. Credentials are redacted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			redacted := *cfg
			if redacted.Jira.APIToken != "" {
				redacted.Jira.APIToken = "***"
			}
			if redacted.GitHub.Token != "" {
				redacted.GitHub.Token = "***"
			}
			if redacted.GitLab.Token != "" {
				redacted.GitLab.Token = "***"
			}

			out, err := yaml.Marshal(&redacted)
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			fmt.Print(string(out))
			return nil
		},
	}
}
