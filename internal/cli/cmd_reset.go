package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/herdctl/herd/internal/herderr"
	"github.com/herdctl/herd/internal/lock"
	"github.com/herdctl/herd/internal/workspace"
)

// newResetCmd creates the reset command.
func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <parent>",
		Short: "Discard runtime state for a parent",
		Long: `Delete the runtime state, session and iteration log for a parent so
the next run starts fresh. The cached tracker data and the pending
update queue survive: queued side-effects are never lost to a reset.

Refuses to reset while a loop for the parent is still alive.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resetParent(args[0])
		},
	}
}

func resetParent(identifier string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	paths := workspace.NewPaths(cfg.BaseDir, identifier)

	sess, err := paths.LoadSession()
	if err != nil {
		return err
	}
	if sess != nil && lock.PIDAlive(sess.PID) {
		return herderr.ErrLoopRunning(identifier, sess.PID)
	}

	if err := paths.ResetExecution(); err != nil {
		return err
	}
	fmt.Printf("reset %s\n", identifier)
	return nil
}
