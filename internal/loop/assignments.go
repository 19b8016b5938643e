// Package loop drives one orchestrator run: iteration scheduling, agent
// fan-out, result verification and graph reconciliation.
package loop

import (
	"context"
	"log/slog"
	"time"

	"github.com/herdctl/herd/internal/agent"
	"github.com/herdctl/herd/internal/backend"
	"github.com/herdctl/herd/internal/graph"
)

// DefaultVerificationTimeout bounds the tracker re-fetch per result.
const DefaultVerificationTimeout = 30 * time.Second

// AssignmentRecord tracks one task's attempt history for this run.
// Records live in memory only; a new process starts a fresh budget.
type AssignmentRecord struct {
	TaskID     string
	Identifier string
	Attempts   int
	LastResult *agent.ExecutionResult
}

// Verdict classifies a verified result.
type Verdict string

const (
	VerdictVerified  Verdict = "verified"
	VerdictRetry     Verdict = "retry"
	VerdictPermanent Verdict = "permanent"
)

// VerifiedResult is one execution result after tracker-side verification.
type VerifiedResult struct {
	Result   agent.ExecutionResult
	Verdict  Verdict
	Attempts int
	// Reason explains retry and permanent verdicts.
	Reason string
}

// Tracker holds the per-run assignment table and applies the retry policy.
type Tracker struct {
	backend             backend.Backend
	maxRetries          int
	verificationTimeout time.Duration
	assignments         map[string]*AssignmentRecord
	logger              *slog.Logger
}

// NewTracker returns a tracker verifying against b. maxRetries is the
// inclusive retry budget: a task with attempts <= maxRetries may retry.
func NewTracker(b backend.Backend, maxRetries int, verificationTimeout time.Duration, logger *slog.Logger) *Tracker {
	if verificationTimeout <= 0 {
		verificationTimeout = DefaultVerificationTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		backend:             b,
		maxRetries:          maxRetries,
		verificationTimeout: verificationTimeout,
		assignments:         make(map[string]*AssignmentRecord),
		logger:              logger,
	}
}

// Assign records one more attempt for the task and returns the new count.
func (t *Tracker) Assign(task graph.SubTask) int {
	rec, ok := t.assignments[task.ID]
	if !ok {
		rec = &AssignmentRecord{TaskID: task.ID, Identifier: task.Identifier}
		t.assignments[task.ID] = rec
	}
	rec.Attempts++
	return rec.Attempts
}

// Attempts returns the attempt count for a task id, zero if never assigned.
func (t *Tracker) Attempts(taskID string) int {
	if rec, ok := t.assignments[taskID]; ok {
		return rec.Attempts
	}
	return 0
}

// ProcessResults verifies each execution result against the tracker and
// classifies it. A reported success counts as verified only when the
// server-side status re-fetch agrees it normalized to done; disagreement
// and reported failures consume the retry budget.
//
// The budget comparison is inclusive: attempts <= maxRetries may retry,
// attempts beyond that are permanent.
func (t *Tracker) ProcessResults(ctx context.Context, results []agent.ExecutionResult) []VerifiedResult {
	verified := make([]VerifiedResult, 0, len(results))
	for _, res := range results {
		rec := t.assignments[res.TaskID]
		if rec == nil {
			// Defensive: results for unassigned tasks cannot happen in
			// one process, but classify rather than drop.
			rec = &AssignmentRecord{TaskID: res.TaskID, Identifier: res.Identifier, Attempts: 1}
			t.assignments[res.TaskID] = rec
		}
		resCopy := res
		rec.LastResult = &resCopy

		v := VerifiedResult{Result: res, Attempts: rec.Attempts}

		if res.Success {
			if t.serverConfirmsDone(ctx, res.Identifier) {
				v.Verdict = VerdictVerified
				verified = append(verified, v)
				continue
			}
			v.Reason = "agent reported success but tracker status is not done"
		} else if res.Err != nil {
			v.Reason = res.Err.Error()
		} else {
			v.Reason = string(res.Status)
		}

		if rec.Attempts <= t.maxRetries {
			v.Verdict = VerdictRetry
		} else {
			v.Verdict = VerdictPermanent
		}
		t.logger.Info("result classified",
			"identifier", res.Identifier,
			"verdict", v.Verdict,
			"attempts", rec.Attempts,
			"reason", v.Reason)
		verified = append(verified, v)
	}
	return verified
}

// serverConfirmsDone re-fetches the tracker-side status. Unreachable
// trackers read as disagreement; the retry budget absorbs the outage.
func (t *Tracker) serverConfirmsDone(ctx context.Context, identifier string) bool {
	fetchCtx, cancel := context.WithTimeout(ctx, t.verificationTimeout)
	defer cancel()

	status, err := t.backend.FetchStatus(fetchCtx, identifier)
	if err != nil {
		t.logger.Warn("verification fetch failed", "identifier", identifier, "error", err)
		return false
	}
	return graph.NormalizeTrackerStatus(status) == graph.StatusDone
}

// RetryTasks returns the scheduled tasks whose verdict is retry,
// preserving schedule order.
func RetryTasks(verified []VerifiedResult, scheduled []graph.SubTask) []graph.SubTask {
	retryIDs := make(map[string]bool)
	for _, v := range verified {
		if v.Verdict == VerdictRetry {
			retryIDs[v.Result.TaskID] = true
		}
	}
	var retries []graph.SubTask
	for _, task := range scheduled {
		if retryIDs[task.ID] {
			retries = append(retries, task)
		}
	}
	return retries
}

// HasPermanentFailure reports whether any verdict exhausted its budget.
func HasPermanentFailure(verified []VerifiedResult) bool {
	for _, v := range verified {
		if v.Verdict == VerdictPermanent {
			return true
		}
	}
	return false
}
