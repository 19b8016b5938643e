// Package herderr provides structured error types for herd.
package herderr

import (
	"errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for herd.
const (
	// Configuration errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeConfigMissing Code = "CONFIG_MISSING"

	// Tracker errors
	CodeParentNotFound     Code = "PARENT_NOT_FOUND"
	CodeTrackerUnreachable Code = "TRACKER_UNREACHABLE"
	CodeBadIdentifier      Code = "BAD_IDENTIFIER"

	// Agent errors
	CodeAgentTimeout Code = "AGENT_TIMEOUT"
	CodeAgentParse   Code = "AGENT_PARSE"
	CodeMaxRetries   Code = "MAX_RETRIES_EXCEEDED"

	// Lock errors
	CodeLockTimeout Code = "LOCK_TIMEOUT"

	// State errors
	CodeStateCorrupt Code = "STATE_CORRUPT"
	CodeLoopRunning  Code = "LOOP_RUNNING"
)

// Error is the structured error type for herd.
type Error struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a herd Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// UserMessage returns a user-friendly message for CLI output.
func (e *Error) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// WithCause returns a copy of the error with the given cause.
func (e *Error) WithCause(err error) *Error {
	return &Error{Code: e.Code, What: e.What, Why: e.Why, Fix: e.Fix, Cause: err}
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code Code) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Code == code
	}
	return false
}

// --- Error constructors ---

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *Error {
	return &Error{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Check .herd/herd.yaml and fix the invalid field",
	}
}

// ErrConfigMissing returns an error for missing configuration.
func ErrConfigMissing(field string) *Error {
	return &Error{
		Code: CodeConfigMissing,
		What: fmt.Sprintf("missing required configuration: %s", field),
		Why:  "This field is required but not set in configuration or environment",
		Fix:  fmt.Sprintf("Add '%s' to .herd/herd.yaml or export the matching HERD_ variable", field),
	}
}

// ErrParentNotFound returns an error when the parent issue doesn't exist.
func ErrParentNotFound(identifier string) *Error {
	return &Error{
		Code: CodeParentNotFound,
		What: fmt.Sprintf("parent %s not found", identifier),
		Why:  "The tracker has no issue with this identifier",
		Fix:  "Check the identifier and the configured backend",
	}
}

// ErrTrackerUnreachable returns an error when the tracker cannot be reached.
func ErrTrackerUnreachable(op string) *Error {
	return &Error{
		Code: CodeTrackerUnreachable,
		What: fmt.Sprintf("tracker unreachable during %s", op),
		Why:  "The tracker API did not respond",
		Fix:  "Check network connectivity and credentials, then retry",
	}
}

// ErrBadIdentifier returns an error for an identifier failing regex validation.
func ErrBadIdentifier(identifier, pattern string) *Error {
	return &Error{
		Code: CodeBadIdentifier,
		What: fmt.Sprintf("identifier %q does not match %q", identifier, pattern),
		Why:  "Identifier formats are enforced per backend",
		Fix:  "Use the backend's canonical identifier form, or adjust identifier_pattern in config",
	}
}

// ErrAgentTimeout returns an error when an agent invocation times out.
func ErrAgentTimeout(identifier string, duration string) *Error {
	return &Error{
		Code: CodeAgentTimeout,
		What: fmt.Sprintf("agent timed out on %s", identifier),
		Why:  fmt.Sprintf("No result after %s", duration),
		Fix:  "Increase agent_timeout in config, or inspect the preserved worktree",
	}
}

// ErrMaxRetries returns an error when the retry budget is exhausted.
func ErrMaxRetries(identifier string, attempts int) *Error {
	return &Error{
		Code: CodeMaxRetries,
		What: fmt.Sprintf("task %s failed after %d attempts", identifier, attempts),
		Why:  "Maximum retry attempts exceeded without verified completion",
		Fix:  "Inspect the preserved worktree and runtime state, fix manually, then re-run",
	}
}

// ErrLockTimeout returns an error when the worktree mutex cannot be acquired.
func ErrLockTimeout(path string, timeout string) *Error {
	return &Error{
		Code: CodeLockTimeout,
		What: fmt.Sprintf("could not acquire lock on %s", path),
		Why:  fmt.Sprintf("Another process held the lock for longer than %s", timeout),
		Fix:  "If no other herd process is running, remove the .git-lock directory manually",
	}
}

// ErrLoopRunning returns an error when a loop for the parent is already live.
func ErrLoopRunning(identifier string, pid int) *Error {
	return &Error{
		Code: CodeLoopRunning,
		What: fmt.Sprintf("a loop for %s is already running (pid %d)", identifier, pid),
		Why:  "Two loops for the same parent would corrupt runtime state",
		Fix:  "Wait for the running loop, or 'herd reset' if the pid is dead",
	}
}
