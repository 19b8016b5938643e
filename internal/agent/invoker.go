package agent

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/herdctl/herd/internal/herderr"
)

// ResultStatus is the collapsed status the orchestrator schedules on.
// The full agent status survives in RawOutput.
type ResultStatus string

const (
	ResultSubtaskComplete    ResultStatus = "SUBTASK_COMPLETE"
	ResultVerificationFailed ResultStatus = "VERIFICATION_FAILED"
	ResultError              ResultStatus = "ERROR"
)

// ExecutionResult is the outcome of one agent invocation for one sub-task.
type ExecutionResult struct {
	TaskID     string
	Identifier string
	Success    bool
	Status     ResultStatus
	Duration   time.Duration
	Pane       int
	Err        error
	// RawOutput is the agent's full stdout, always preserved even when
	// the run failed or the output did not parse.
	RawOutput string
}

// DefaultTimeout bounds a single agent invocation.
const DefaultTimeout = 30 * time.Minute

// Invoker spawns the agent subprocess for one task in one worktree.
type Invoker struct {
	// Command is the agent binary on PATH.
	Command string
	// BaseArgs precede the per-task arguments.
	BaseArgs []string
	// Skill selects the agent skill to run the task with.
	Skill string
	// Timeout bounds one invocation; zero means DefaultTimeout.
	Timeout time.Duration
	// OnStart, if set, is called with the child pid once the process
	// is running. Used to record the pid in runtime state.
	OnStart func(identifier string, pid int)

	logger *slog.Logger
}

// NewInvoker returns an invoker running command with the given skill.
func NewInvoker(command, skill string, timeout time.Duration, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		Command: command,
		Skill:   skill,
		Timeout: timeout,
		logger:  logger,
	}
}

// Run invokes the agent for one task inside its worktree and blocks until
// the agent exits or the timeout fires. The task identifier and the skill
// selector are the only task-bound parameters; everything else the agent
// discovers from its working directory.
func (inv *Invoker) Run(ctx context.Context, taskID, identifier, worktree string) ExecutionResult {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{}, inv.BaseArgs...)
	if inv.Skill != "" {
		args = append(args, "--skill", inv.Skill)
	}
	args = append(args, identifier)

	cmd := exec.CommandContext(runCtx, inv.Command, args...)
	cmd.Dir = worktree

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	setProcAttr(cmd) // process group, so agent children die with it

	// On timeout kill the whole group, not just the direct child: a
	// lingering grandchild inherits the output pipes and would otherwise
	// hold Wait open for its own lifetime. WaitDelay force-closes the
	// pipes if anything survives the kill.
	cmd.Cancel = func() error {
		return killProcessGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = 5 * time.Second

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return ExecutionResult{
			TaskID:     taskID,
			Identifier: identifier,
			Status:     ResultError,
			Duration:   time.Since(started),
			Err:        fmt.Errorf("start agent: %w", err),
		}
	}
	if inv.OnStart != nil {
		inv.OnStart(identifier, cmd.Process.Pid)
	}
	inv.logger.Info("agent started",
		"identifier", identifier,
		"pid", cmd.Process.Pid,
		"worktree", worktree)

	waitErr := cmd.Wait()
	duration := time.Since(started)
	raw := stdout.String()

	if runCtx.Err() != nil {
		inv.logger.Warn("agent timed out", "identifier", identifier, "after", duration)
		return ExecutionResult{
			TaskID:     taskID,
			Identifier: identifier,
			Status:     ResultError,
			Duration:   duration,
			Err:        herderr.ErrAgentTimeout(identifier, timeout.String()),
			RawOutput:  raw,
		}
	}

	outcome, parseErr := Parse(raw)
	if parseErr != nil {
		// Exit code is not authoritative, but it is the best diagnostic
		// when there is no decodable document.
		err := parseErr
		if waitErr != nil {
			err = fmt.Errorf("agent exited: %w (stderr: %s)", waitErr, truncate(stderr.String(), 512))
		}
		return ExecutionResult{
			TaskID:     taskID,
			Identifier: identifier,
			Status:     ResultError,
			Duration:   duration,
			Err:        err,
			RawOutput:  raw,
		}
	}

	result := ExecutionResult{
		TaskID:     taskID,
		Identifier: identifier,
		Duration:   duration,
		RawOutput:  raw,
	}
	switch {
	case outcome.Status.IsSuccess():
		result.Status = ResultSubtaskComplete
		result.Success = true
	case outcome.Status.IsFailure():
		result.Status = ResultVerificationFailed
		result.Err = fmt.Errorf("agent reported %s: %s", outcome.Status, outcome.Reason)
	default:
		result.Status = ResultError
		result.Err = fmt.Errorf("agent finished with non-terminal status %s", outcome.Status)
	}
	return result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
