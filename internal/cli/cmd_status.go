package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/herdctl/herd/internal/graph"
	"github.com/herdctl/herd/internal/state"
	"github.com/herdctl/herd/internal/workspace"
)

// statusReport is the machine-readable status shape.
type statusReport struct {
	Parent         string              `json:"parent"`
	Title          string              `json:"title,omitempty"`
	Stats          graph.Stats         `json:"stats"`
	Runtime        *state.RuntimeState `json:"runtime,omitempty"`
	PendingUpdates int                 `json:"pendingUpdates"`
}

// newStatusCmd creates the status command.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <parent>",
		Short: "Show graph, runtime and queue state for a parent",
		Long: `Render the cached dependency graph, the runtime state of the last or
current loop, and the pending-update queue depth. Reads only the local
workspace; the tracker is never contacted.

Example:
  herd status PROJ-100
  herd status PROJ-100 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(args[0])
		},
	}
}

func showStatus(identifier string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	paths := workspace.NewPaths(cfg.BaseDir, identifier)

	parent, err := paths.LoadParent()
	if err != nil {
		return err
	}
	if parent == nil {
		return fmt.Errorf("no local data for %s; run 'herd run %s' first", identifier, identifier)
	}
	payloads, err := paths.LoadTasks()
	if err != nil {
		return err
	}
	g, err := buildGraph(parent, payloads)
	if err != nil {
		return err
	}

	store, q := openStores(paths, logger)
	runtime, err := store.Load()
	if err != nil {
		return err
	}
	pending, err := q.ListPending()
	if err != nil {
		return err
	}

	report := statusReport{
		Parent:         parent.Identifier,
		Title:          parent.Title,
		Stats:          g.Stats(),
		Runtime:        runtime,
		PendingUpdates: len(pending),
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Printf("%s  %s\n", report.Parent, report.Title)
	s := report.Stats
	fmt.Printf("tasks: %d total, %d done, %d ready, %d blocked, %d in progress, %d failed\n",
		s.Total, s.Done, s.Ready, s.Blocked, s.InProgress, s.Failed)
	if runtime != nil {
		if len(runtime.ActiveTasks) > 0 {
			fmt.Printf("running now:")
			for _, task := range runtime.ActiveTasks {
				fmt.Printf(" %s", task.Identifier)
			}
			fmt.Println()
		}
		for id, synced := range runtime.BackendStatuses {
			fmt.Printf("synced: %s -> %s\n", id, synced.Status)
		}
	}
	fmt.Printf("pending updates: %d\n", report.PendingUpdates)
	return nil
}
