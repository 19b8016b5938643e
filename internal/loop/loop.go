package loop

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/herdctl/herd/internal/agent"
	"github.com/herdctl/herd/internal/backend"
	"github.com/herdctl/herd/internal/events"
	"github.com/herdctl/herd/internal/graph"
	"github.com/herdctl/herd/internal/herderr"
	"github.com/herdctl/herd/internal/queue"
	"github.com/herdctl/herd/internal/state"
)

// ExitReason is the terminal state of one orchestrator run.
type ExitReason string

const (
	ExitSuccessAllDone          ExitReason = "SuccessAllDone"
	ExitSuccessVerificationGate ExitReason = "SuccessVerificationGate"
	ExitNoProgressBlocked       ExitReason = "NoProgressBlocked"
	ExitPermanentFailure        ExitReason = "PermanentFailure"
	ExitMaxIterationsReached    ExitReason = "MaxIterationsReached"
	ExitInterrupted             ExitReason = "Interrupted"
)

// Success reports whether the reason counts as a successful run.
func (r ExitReason) Success() bool {
	return r == ExitSuccessAllDone || r == ExitSuccessVerificationGate
}

// Runner invokes the agent for one task. *agent.Invoker implements it;
// tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, taskID, identifier, worktree string) agent.ExecutionResult
}

// WorktreeProvider resolves the working copy a task executes in. The
// provider owns any version-control locking its preparation needs.
type WorktreeProvider interface {
	Worktree(ctx context.Context, task graph.SubTask) (string, error)
}

// IterationSummary records one loop iteration for the audit trail.
type IterationSummary struct {
	Iteration int       `json:"iteration"`
	Scheduled []string  `json:"scheduled"`
	Done      int       `json:"done"`
	Total     int       `json:"total"`
	Exit      string    `json:"exit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Options configures one orchestrator run.
type Options struct {
	MaxParallelAgents int
	MaxIterations     int
	// DoneStatus is the tracker status pushed on verified completion.
	DoneStatus string
	// Recorder, if set, receives a summary after every iteration.
	Recorder func(IterationSummary)
	// Publisher receives progress events. Defaults to a no-op.
	Publisher events.Publisher
}

// Loop owns one run for one parent.
type Loop struct {
	graph     *graph.Graph
	tracker   *Tracker
	runner    Runner
	worktrees WorktreeProvider
	store     *state.Store
	queue     *queue.Queue
	opts      Options
	logger    *slog.Logger

	retryQueue map[string]graph.SubTask
}

// New assembles a loop. The graph must already be built and the runtime
// state initialized.
func New(g *graph.Graph, tracker *Tracker, runner Runner, worktrees WorktreeProvider,
	store *state.Store, q *queue.Queue, opts Options, logger *slog.Logger) *Loop {
	if opts.MaxParallelAgents <= 0 {
		opts.MaxParallelAgents = 3
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 50
	}
	if opts.DoneStatus == "" {
		opts.DoneStatus = "Done"
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NewNopPublisher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		graph:      g,
		tracker:    tracker,
		runner:     runner,
		worktrees:  worktrees,
		store:      store,
		queue:      q,
		opts:       opts,
		logger:     logger,
		retryQueue: make(map[string]graph.SubTask),
	}
}

// Run executes iterations until a terminal state. On interrupt the
// active records are cleared and everything else stays on disk so the
// run can be resumed.
func (l *Loop) Run(ctx context.Context) (ExitReason, error) {
	for iteration := 1; iteration <= l.opts.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return l.interrupted(ctx)
		}

		if gate := l.graph.VerificationTask(); gate != nil && gate.Status == graph.StatusDone {
			l.record(iteration, nil, string(ExitSuccessVerificationGate))
			l.logger.Info("verification gate done, exiting", "identifier", gate.Identifier)
			return ExitSuccessVerificationGate, nil
		}
		stats := l.graph.Stats()
		if stats.Total > 0 && stats.Done == stats.Total {
			l.record(iteration, nil, string(ExitSuccessAllDone))
			return ExitSuccessAllDone, nil
		}
		if stats.Total == 0 {
			l.record(iteration, nil, string(ExitSuccessAllDone))
			return ExitSuccessAllDone, nil
		}

		schedulable := l.schedulable()
		if len(schedulable) == 0 {
			l.record(iteration, nil, string(ExitNoProgressBlocked))
			l.logger.Warn("no schedulable tasks remain",
				"done", stats.Done, "blocked", stats.Blocked, "failed", stats.Failed)
			return ExitNoProgressBlocked, nil
		}

		parallelism := l.opts.MaxParallelAgents
		if len(schedulable) < parallelism {
			parallelism = len(schedulable)
		}
		selected := schedulable[:parallelism]

		identifiers := make([]string, len(selected))
		for i, task := range selected {
			identifiers[i] = task.Identifier
		}
		l.logger.Info("iteration start",
			"iteration", iteration,
			"scheduled", identifiers,
			"done", stats.Done,
			"total", stats.Total)
		l.opts.Publisher.Publish(events.NewEvent(events.EventIteration, "", events.IterationData{
			Iteration: iteration,
			Scheduled: identifiers,
			Done:      stats.Done,
			Total:     stats.Total,
		}))

		results, lockFailed := l.runBatch(ctx, selected)

		if ctx.Err() != nil {
			return l.interrupted(ctx)
		}

		anyFailed := false
		for _, task := range lockFailed {
			l.logger.Error("worktree lock unavailable, failing task", "identifier", task.Identifier)
			if err := l.store.Fail(task.Identifier); err != nil {
				return ExitPermanentFailure, err
			}
			l.graph = graph.Transition(l.graph, task.ID, graph.StatusFailed)
			l.opts.Publisher.Publish(events.NewEvent(events.EventTaskFailed, task.Identifier, nil))
			anyFailed = true
		}

		toVerify, err := l.handleNeedsWork(results)
		if err != nil {
			return ExitPermanentFailure, err
		}

		verified := l.tracker.ProcessResults(ctx, toVerify)
		for _, v := range verified {
			switch v.Verdict {
			case VerdictVerified:
				l.graph = graph.Transition(l.graph, v.Result.TaskID, graph.StatusDone)
				if err := l.store.Complete(v.Result.Identifier); err != nil {
					return ExitPermanentFailure, err
				}
				if _, err := l.queue.Enqueue(backend.Update{
					Type:       backend.UpdateStatusChange,
					TaskID:     v.Result.TaskID,
					Identifier: v.Result.Identifier,
					NewStatus:  l.opts.DoneStatus,
				}); err != nil {
					return ExitPermanentFailure, err
				}
				l.opts.Publisher.Publish(events.NewEvent(events.EventTaskCompleted, v.Result.Identifier, nil))

			case VerdictRetry:
				if err := l.store.RemoveActive(v.Result.Identifier); err != nil {
					return ExitPermanentFailure, err
				}
				if task, ok := l.graph.Get(v.Result.TaskID); ok {
					if _, queued := l.retryQueue[task.ID]; !queued {
						l.retryQueue[task.ID] = task
					}
				}
				l.opts.Publisher.Publish(events.NewEvent(events.EventTaskRetried, v.Result.Identifier,
					events.RetryData{Attempts: v.Attempts, Reason: v.Reason}))

			case VerdictPermanent:
				if err := l.store.Fail(v.Result.Identifier); err != nil {
					return ExitPermanentFailure, err
				}
				l.graph = graph.Transition(l.graph, v.Result.TaskID, graph.StatusFailed)
				l.opts.Publisher.Publish(events.NewEvent(events.EventTaskFailed, v.Result.Identifier, nil))
				anyFailed = true
			}
		}

		l.record(iteration, identifiers, "")

		if HasPermanentFailure(verified) || anyFailed {
			l.logger.Error("permanent failure, stopping loop")
			return ExitPermanentFailure, nil
		}
	}

	l.logger.Error("iteration budget exhausted", "maxIterations", l.opts.MaxIterations)
	return ExitMaxIterationsReached, nil
}

// Graph returns the current graph snapshot, for status reporting.
func (l *Loop) Graph() *graph.Graph {
	return l.graph
}

// schedulable merges the graph's ready set with the retry queue,
// deduplicated by id and ordered by identifier. The retry queue is
// consumed by the call.
func (l *Loop) schedulable() []graph.SubTask {
	byID := make(map[string]graph.SubTask)
	for _, task := range l.graph.Ready() {
		byID[task.ID] = task
	}
	for id, task := range l.retryQueue {
		byID[id] = task
	}
	l.retryQueue = make(map[string]graph.SubTask)

	tasks := make([]graph.SubTask, 0, len(byID))
	for _, task := range byID {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Identifier < tasks[j].Identifier
	})
	return tasks
}

// runBatch fans the selected tasks out to agents and waits for the full
// batch. Tasks whose worktree cannot be locked are returned separately;
// the caller fails them permanently.
func (l *Loop) runBatch(ctx context.Context, selected []graph.SubTask) ([]agent.ExecutionResult, []graph.SubTask) {
	results := make([]agent.ExecutionResult, len(selected))
	lockErrs := make([]error, len(selected))

	var g errgroup.Group
	for i, task := range selected {
		l.tracker.Assign(task)

		g.Go(func() error {
			worktree, err := l.worktrees.Worktree(ctx, task)
			if err != nil {
				lockErrs[i] = err
				results[i] = agent.ExecutionResult{
					TaskID:     task.ID,
					Identifier: task.Identifier,
					Status:     agent.ResultError,
					Err:        err,
				}
				return nil
			}

			if err := l.store.AddActive(state.ActiveTask{
				Identifier:   task.Identifier,
				PaneSlot:     i,
				StartedAt:    time.Now().UTC(),
				WorktreePath: worktree,
			}); err != nil {
				l.logger.Warn("active record write failed", "identifier", task.Identifier, "error", err)
			}
			l.opts.Publisher.Publish(events.NewEvent(events.EventTaskStarted, task.Identifier, nil))

			results[i] = l.runner.Run(ctx, task.ID, task.Identifier, worktree)
			return nil
		})
	}
	_ = g.Wait()

	var ok []agent.ExecutionResult
	var lockFailed []graph.SubTask
	for i, task := range selected {
		if lockErrs[i] != nil && herderr.HasCode(lockErrs[i], herderr.CodeLockTimeout) {
			lockFailed = append(lockFailed, task)
			continue
		}
		ok = append(ok, results[i])
	}
	return ok, lockFailed
}

// handleNeedsWork consumes NEEDS_WORK results: the named target is forced
// back to ready (even from done) and queued for re-execution with a
// comment explaining why. The emitting result is not passed on to
// verification; the gate re-blocks naturally once its reverted blocker
// leaves done.
func (l *Loop) handleNeedsWork(results []agent.ExecutionResult) ([]agent.ExecutionResult, error) {
	var toVerify []agent.ExecutionResult
	for _, res := range results {
		outcome, err := agent.Parse(res.RawOutput)
		if err != nil || outcome.Status != agent.StatusNeedsWork {
			toVerify = append(toVerify, res)
			continue
		}

		target, ok := l.graph.ByIdentifier(outcome.Target)
		if !ok {
			l.logger.Warn("needs-work target unknown, ignoring",
				"from", res.Identifier, "target", outcome.Target)
			toVerify = append(toVerify, res)
			continue
		}

		l.logger.Info("re-opening task",
			"target", target.Identifier, "from", res.Identifier, "reason", outcome.Reason)

		if _, err := l.queue.Enqueue(backend.Update{
			Type:       backend.UpdateAddComment,
			TaskID:     target.ID,
			Identifier: target.Identifier,
			Body:       fmt.Sprintf("Re-opened by %s: %s", res.Identifier, outcome.Reason),
		}); err != nil {
			return nil, err
		}

		l.graph = graph.Transition(l.graph, target.ID, graph.StatusReady)
		reverted, _ := l.graph.Get(target.ID)
		l.retryQueue[target.ID] = reverted
		l.opts.Publisher.Publish(events.NewEvent(events.EventTaskReopened, target.Identifier,
			events.ReopenData{By: res.Identifier, Reason: outcome.Reason}))

		if err := l.store.RemoveActive(res.Identifier); err != nil {
			return nil, err
		}
	}
	return toVerify, nil
}

// interrupted flushes state for resumption and surfaces the cancellation.
func (l *Loop) interrupted(ctx context.Context) (ExitReason, error) {
	l.logger.Warn("run interrupted, clearing active records")
	if err := l.store.ClearActives(); err != nil {
		l.logger.Error("active record flush failed", "error", err)
	}
	return ExitInterrupted, ctx.Err()
}

func (l *Loop) record(iteration int, scheduled []string, exit string) {
	if l.opts.Recorder == nil {
		return
	}
	stats := l.graph.Stats()
	l.opts.Recorder(IterationSummary{
		Iteration: iteration,
		Scheduled: scheduled,
		Done:      stats.Done,
		Total:     stats.Total,
		Exit:      exit,
		Timestamp: time.Now().UTC(),
	})
}
