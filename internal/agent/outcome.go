// Package agent owns the contract with the code-generation agent: decoding
// its structured result document and invoking it as a subprocess.
package agent

import (
	"encoding/json"
	"time"
)

// OutcomeStatus discriminates the agent result union.
type OutcomeStatus string

const (
	StatusSubtaskComplete    OutcomeStatus = "SUBTASK_COMPLETE"
	StatusSubtaskPartial     OutcomeStatus = "SUBTASK_PARTIAL"
	StatusAllComplete        OutcomeStatus = "ALL_COMPLETE"
	StatusAllBlocked         OutcomeStatus = "ALL_BLOCKED"
	StatusNoSubtasks         OutcomeStatus = "NO_SUBTASKS"
	StatusVerificationFailed OutcomeStatus = "VERIFICATION_FAILED"
	StatusNeedsWork          OutcomeStatus = "NEEDS_WORK"
	StatusPass               OutcomeStatus = "PASS"
	StatusFail               OutcomeStatus = "FAIL"
)

// Outcome is the decoded agent result document. Which fields are required
// depends on Status; see requiredFields.
type Outcome struct {
	Status    OutcomeStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`

	// Identifier of the sub-task the agent worked on.
	Identifier string `json:"identifier,omitempty"`
	// Summary of what was done.
	Summary string `json:"summary,omitempty"`
	// Reason explains a blocked, failed or needs-work outcome.
	Reason string `json:"reason,omitempty"`
	// Target is the identifier a NEEDS_WORK outcome points at.
	Target string `json:"target,omitempty"`
	// Remaining lists unfinished items on a partial outcome.
	Remaining []string `json:"remaining,omitempty"`
}

// requiredFields lists the status-specific fields the parser enforces.
// status and timestamp are always required.
var requiredFields = map[OutcomeStatus][]string{
	StatusSubtaskComplete:    {"identifier", "summary"},
	StatusSubtaskPartial:     {"identifier", "remaining"},
	StatusAllComplete:        {"summary"},
	StatusAllBlocked:         {"reason"},
	StatusNoSubtasks:         {},
	StatusVerificationFailed: {"identifier", "reason"},
	StatusNeedsWork:          {"target", "reason"},
	StatusPass:               {},
	StatusFail:               {"reason"},
}

// IsTerminal reports whether the status ends the agent's work on the task.
func (s OutcomeStatus) IsTerminal() bool {
	switch s {
	case StatusSubtaskPartial, StatusNeedsWork:
		return false
	}
	return true
}

// IsSuccess reports whether the status is a terminal success.
func (s OutcomeStatus) IsSuccess() bool {
	switch s {
	case StatusSubtaskComplete, StatusAllComplete, StatusPass:
		return true
	}
	return false
}

// IsFailure reports whether the status is a terminal failure.
func (s OutcomeStatus) IsFailure() bool {
	switch s {
	case StatusVerificationFailed, StatusFail:
		return true
	}
	return false
}

// Serialize encodes the outcome as the canonical JSON document.
func (o *Outcome) Serialize() ([]byte, error) {
	return json.Marshal(o)
}
