package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/herdctl/herd/internal/agent"
	"github.com/herdctl/herd/internal/events"
	"github.com/herdctl/herd/internal/herderr"
	"github.com/herdctl/herd/internal/lock"
	"github.com/herdctl/herd/internal/loop"
	"github.com/herdctl/herd/internal/queue"
	"github.com/herdctl/herd/internal/state"
	"github.com/herdctl/herd/internal/workspace"
	"github.com/herdctl/herd/internal/worktree"
)

// newRunCmd creates the run command.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <parent>",
		Short: "Execute all sub-tasks of a parent issue",
		Long: `Fetch the parent's sub-tasks, build their dependency graph and run
the agent on every ready task in parallel worktrees. The loop iterates
until everything is done, a verification gate confirms the work, a task
exhausts its retries, or nothing can make progress.

Queued tracker updates are pushed at the end of a successful run; use
'herd push' to deliver them later otherwise.

Example:
  herd run PROJ-100`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(cmd.Context(), args[0])
		},
	}
}

func runLoop(parentCtx context.Context, identifier string) error {
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
	if sess, err := paths.LoadSession(); err != nil {
		return err
	} else if sess != nil && sess.PID != os.Getpid() && lock.PIDAlive(sess.PID) {
		return herderr.ErrLoopRunning(identifier, sess.PID)
	}

	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	parent, payloads, err := fetchOrCache(ctx, b, paths, identifier, logger)
	if err != nil {
		return err
	}
	g, err := buildGraph(parent, payloads)
	if err != nil {
		return err
	}

	store, q := openStores(paths, logger)
	stats := g.Stats()
	if err := store.Init(parent.Identifier, parent.Title, state.InitOptions{
		LoopPID:    os.Getpid(),
		TotalTasks: stats.Total,
	}); err != nil {
		return err
	}

	if err := paths.SaveSession(workspace.SessionInfo{
		ParentIdentifier: parent.Identifier,
		Backend:          b.Name(),
		RepoPath:         cfg.RepoPath,
		PID:              os.Getpid(),
		StartedAt:        time.Now().UTC(),
	}); err != nil {
		return err
	}
	defer func() { _ = paths.ClearSession() }()

	worktrees := worktree.NewManager(cfg.RepoPath, cfg.BranchPrefix, cfg.LockTimeout, logger)
	invoker := agent.NewInvoker(cfg.AgentCommand, cfg.AgentSkill, cfg.AgentTimeout, logger)
	invoker.OnStart = func(identifier string, pid int) {
		_ = store.WithState(func(rs *state.RuntimeState) error {
			if active := rs.Active(identifier); active != nil {
				active.PID = pid
			}
			return nil
		})
	}

	tracker := loop.NewTracker(b, cfg.MaxRetries, cfg.VerificationTimeout, logger)

	// Render events on stdout and fan them out in-process; the global
	// subscription feeds the structured log. Close ends the feed.
	publisher := events.NewCLIPublisher(os.Stdout,
		events.WithInnerPublisher(events.NewMemoryPublisher()))
	defer publisher.Close()

	feed := publisher.Subscribe(events.GlobalIdentifier)
	go func() {
		for ev := range feed {
			logger.Debug("event", "type", ev.Type, "identifier", ev.Identifier)
		}
	}()

	l := loop.New(g, tracker, invoker, worktrees, store, q, loop.Options{
		MaxParallelAgents: cfg.MaxParallelAgents,
		MaxIterations:     cfg.MaxIterations,
		DoneStatus:        cfg.DoneStatus,
		Recorder: func(summary loop.IterationSummary) {
			_ = paths.AppendIteration(summary)
		},
		Publisher: publisher,
	}, logger)

	reason, err := l.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("loop finished: %s\n", reason)

	if reason.Success() {
		// Deliver whatever queued up; failures stay queued for herd push.
		pusher := queue.NewPusher(q, b, store, cfg.DoneStatus, logger)
		result, perr := pusher.Push(parentCtx)
		if perr != nil {
			logger.Warn("push after run failed", "error", perr)
		} else if result.Attempted > 0 {
			fmt.Printf("synced %d/%d queued updates\n", result.Synced, result.Attempted)
		}
		return nil
	}
	return fmt.Errorf("run did not complete: %s", reason)
}
