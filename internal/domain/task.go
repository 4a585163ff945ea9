// Package domain holds the investigation pipeline's core types.
// A Task tracks one background processing job for one account:
// pending → processing → complete | failed.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// TaskStatus tracks task lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskComplete   TaskStatus = "complete"
	TaskFailed     TaskStatus = "failed"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskProcessing, TaskComplete, TaskFailed:
		return true
	}
	return false
}

// IsTerminal returns true for complete and failed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskComplete || s == TaskFailed
}

// rank orders statuses along the forward-only lifecycle.
func (s TaskStatus) rank() int {
	switch s {
	case TaskPending:
		return 0
	case TaskProcessing:
		return 1
	case TaskComplete, TaskFailed:
		return 2
	}
	return -1
}

// CanTransition reports whether a task may move from one status to another.
// Staying in the same non-terminal status is allowed; terminal statuses never change.
func CanTransition(from, to TaskStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.IsTerminal() {
		return from == to
	}
	return to.rank() >= from.rank()
}

// Task is one account-processing job as seen by clients.
type Task struct {
	ID          string          `json:"taskId"`
	AccountID   string          `json:"accountId"`
	Status      TaskStatus      `json:"status"`
	Progress    int             `json:"progress"`
	CurrentStep string          `json:"currentStep,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// IsTerminal returns true if the task has reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// TaskUpdate is a partial update. Nil fields are left untouched.
type TaskUpdate struct {
	Status      *TaskStatus
	Progress    *int
	CurrentStep *string
	Result      json.RawMessage
	Error       *string
}

// Apply merges u into a copy of t and returns it.
//
// Progress is clamped to [0,100] and never moves backwards. A terminal task
// accepts only a repeat of its own status and is otherwise returned as is with
// ErrInvalidTransition. The caller stamps UpdatedAt.
func (t Task) Apply(u TaskUpdate) (Task, error) {
	if t.IsTerminal() {
		if u.Status != nil && *u.Status == t.Status {
			return t, nil
		}
		return t, ErrInvalidTransition
	}

	next := t
	if u.Status != nil {
		if !CanTransition(t.Status, *u.Status) {
			return t, ErrInvalidTransition
		}
		next.Status = *u.Status
	}
	if u.Progress != nil {
		p := clampProgress(*u.Progress)
		if p > next.Progress {
			next.Progress = p
		}
	}
	if u.CurrentStep != nil {
		next.CurrentStep = *u.CurrentStep
	}
	if u.Error != nil {
		next.Error = strings.TrimSpace(*u.Error)
	}

	switch next.Status {
	case TaskComplete:
		next.Progress = 100
		if len(u.Result) > 0 {
			next.Result = u.Result
		}
		next.Error = ""
	case TaskFailed:
		next.Result = nil
		if next.Error == "" {
			next.Error = "task failed"
		}
	default:
		next.Result = nil
	}
	return next, nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// StatusPtr, IntPtr and StringPtr build TaskUpdate fields inline.
func StatusPtr(s TaskStatus) *TaskStatus { return &s }
func IntPtr(n int) *int                  { return &n }
func StringPtr(s string) *string         { return &s }

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	AccountID string
	Status    TaskStatus
	Limit     int
}
