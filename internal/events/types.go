// Package events provides event types and publishing infrastructure for herd.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// EventTaskStarted indicates an agent was spawned for a task.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted indicates a task was verified done.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskRetried indicates a task was sent back for another attempt.
	EventTaskRetried EventType = "task_retried"
	// EventTaskFailed indicates a task exhausted its retry budget.
	EventTaskFailed EventType = "task_failed"
	// EventTaskReopened indicates a gate sent a done task back to ready.
	EventTaskReopened EventType = "task_reopened"
	// EventIteration indicates one loop iteration finished.
	EventIteration EventType = "iteration"
	// EventUpdateQueued indicates a tracker side-effect was enqueued.
	EventUpdateQueued EventType = "update_queued"
	// EventUpdateSynced indicates a queued update reached the tracker.
	EventUpdateSynced EventType = "update_synced"
	// EventError indicates a non-fatal error.
	EventError EventType = "error"
)

// Event represents a published event. Identifier is the sub-task the
// event concerns, empty for run-level events.
type Event struct {
	Type       EventType `json:"type"`
	Identifier string    `json:"identifier,omitempty"`
	Data       any       `json:"data,omitempty"`
	Time       time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, identifier string, data any) Event {
	return Event{
		Type:       eventType,
		Identifier: identifier,
		Data:       data,
		Time:       time.Now(),
	}
}

// IterationData summarizes one loop iteration for subscribers.
type IterationData struct {
	Iteration int      `json:"iteration"`
	Scheduled []string `json:"scheduled"`
	Done      int      `json:"done"`
	Total     int      `json:"total"`
}

// RetryData explains why a task will run again.
type RetryData struct {
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason"`
}

// ReopenData names the gate that reverted a task.
type ReopenData struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

// ErrorData represents error information.
type ErrorData struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}
