// Package model holds the wire and storage types shared by every core
// component: tasks, nodes, and the broker-queued envelopes/messages that
// move between them.
package model

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	StatusPending     TaskStatus = "PENDING"
	StatusDispatching TaskStatus = "DISPATCHING"
	StatusProcessing  TaskStatus = "PROCESSING"
	StatusCompleted   TaskStatus = "COMPLETED"
	StatusFailed      TaskStatus = "FAILED"
	StatusCancelled   TaskStatus = "CANCELLED"
)

// Task is a unit of work to translate inline text or a stored audio
// artifact into one or more target languages.
type Task struct {
	TaskID           string
	Status           TaskStatus
	SourceLanguage   string
	TargetLanguages  []string
	TextContent      string
	AudioPointer     string
	AssignedNodeID   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ResultFilePath   string
	ErrorMessage     string
	OriginalText     string
	RetryCount       int
	AccuracyScore    *float64
}

// HasInlineText reports whether the task carries inline text rather than
// a pointer to previously stored audio. Exactly one of the two is ever
// populated (enforced at creation time, outside this core).
func (t *Task) HasInlineText() bool {
	return t.TextContent != ""
}
