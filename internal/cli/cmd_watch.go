package cli

import (
	"github.com/spf13/cobra"

	"github.com/herdctl/herd/internal/dashboard"
	"github.com/herdctl/herd/internal/workspace"
)

// newWatchCmd creates the watch command.
func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <parent>",
		Short: "Live dashboard for a running loop",
		Long: `Open a terminal dashboard that follows the runtime state of a loop:
active agents with elapsed time, completed and failed tasks, and
tracker sync status. Press q to quit.

The dashboard is a pure reader; it can run beside 'herd run' in
another terminal or attach to a finished run's final state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			paths := workspace.NewPaths(cfg.BaseDir, args[0])
			store, _ := openStores(paths, logger)
			return dashboard.Run(cmd.Context(), store)
		},
	}
}
