package store

import (
	"errors"
	"time"

	"github.com/finsight-lab/finsight/internal/providers"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidState is returned on an invalid state machine transition
	ErrInvalidState = errors.New("invalid session state")

	// ErrTaskNotFound is returned when a task id is unknown within a session
	ErrTaskNotFound = errors.New("task not found")

	// ErrTooManySessions is returned when the active session cap is reached
	ErrTooManySessions = errors.New("too many active sessions")
)

// Status is the overall session status.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are valid.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskStatus is one task's lifecycle status.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskError     TaskStatus = "error"
)

// Terminal reports whether the task record is immutable.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskError
}

// validTaskTransition encodes PENDING -> RUNNING -> {COMPLETED|ERROR}.
func validTaskTransition(from, to TaskStatus) bool {
	switch from {
	case TaskPending:
		return to == TaskRunning || to == TaskCompleted || to == TaskError
	case TaskRunning:
		return to == TaskCompleted || to == TaskError
	default:
		return false
	}
}

// Subject identifies what a session analyzes.
type Subject struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name,omitempty"`
}

// TaskOutput is one agent's result payload.
type TaskOutput struct {
	Text       string   `json:"text"`
	Model      string   `json:"model,omitempty"`
	TokensUsed int      `json:"tokens_used,omitempty"`
	Sources    []string `json:"sources,omitempty"`
}

// TaskRecord is one agent's unit of work within a stage. Mutated only
// through Store.UpdateTask; immutable once terminal.
type TaskRecord struct {
	ID            string              `json:"id"`
	Stage         int                 `json:"stage"`
	Agent         string              `json:"agent"`
	Status        TaskStatus          `json:"status"`
	Output        *TaskOutput         `json:"output,omitempty"`
	Attempts      int                 `json:"attempts"`
	LastErrorKind providers.ErrorKind `json:"last_error_kind,omitempty"`
	StartedAt     time.Time           `json:"started_at,omitzero"`
	FinishedAt    time.Time           `json:"finished_at,omitzero"`
}

// Session is one end-to-end analysis run. Fields are read through
// snapshots; all mutation goes through the Store.
type Session struct {
	ID          string                 `json:"id"`
	Subject     Subject                `json:"subject"`
	Stage       int                    `json:"stage"`
	Status      Status                 `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt time.Time              `json:"completed_at,omitzero"`
	Error       string                 `json:"error,omitempty"`
	Tasks       map[string]*TaskRecord `json:"tasks"`
	TaskOrder   []string               `json:"task_order"`
}

// TaskSeed declares a task record to create when a stage begins.
type TaskSeed struct {
	ID    string
	Agent string
}

// TaskUpdate carries one task mutation from an executor.
type TaskUpdate struct {
	TaskID    string
	Status    TaskStatus
	Output    *TaskOutput
	ErrorKind providers.ErrorKind
	Attempts  int
}

// StatusSnapshot is the poll-surface view of a session, also used as
// the reconciliation payload for reconnecting clients.
type StatusSnapshot struct {
	SessionID        string        `json:"session_id"`
	Subject          Subject       `json:"subject"`
	Stage            int           `json:"stage"`
	Status           Status        `json:"overall_status"`
	CompletedTaskIDs []string      `json:"completed_task_ids"`
	Elapsed          time.Duration `json:"elapsed"`
	Error            string        `json:"error,omitempty"`
}
