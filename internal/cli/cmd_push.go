package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/herdctl/herd/internal/queue"
	"github.com/herdctl/herd/internal/workspace"
)

// newPushCmd creates the push command.
func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push <parent>",
		Short: "Deliver queued tracker updates",
		Long: `Drain the pending-update queue for a parent, delivering each entry to
the configured tracker in order. Synced entries are stamped, failed
entries keep their error and stay queued for the next push; nothing is
ever deleted.

Example:
  herd push PROJ-100`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return pushUpdates(cmd, args[0])
		},
	}
}

func pushUpdates(cmd *cobra.Command, identifier string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := checkIdentifier(cfg, identifier); err != nil {
		return err
	}
	b, err := buildBackend(cfg, logger)
	if err != nil {
		return err
	}

	paths := workspace.NewPaths(cfg.BaseDir, identifier)
	store, q := openStores(paths, logger)

	pusher := queue.NewPusher(q, b, store, cfg.DoneStatus, logger)
	result, err := pusher.Push(cmd.Context())
	if err != nil {
		return err
	}

	if result.Attempted == 0 {
		fmt.Println("nothing to push")
		return nil
	}
	fmt.Printf("pushed %d/%d updates\n", result.Synced, result.Attempted)
	if result.Failed > 0 {
		return fmt.Errorf("%d updates failed; they remain queued", result.Failed)
	}
	return nil
}
