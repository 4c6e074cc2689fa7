package model

import "time"

// Log entry kinds.
const (
	LogKindStdout = "stdout"
	LogKindStderr = "stderr"
	LogKindCustom = "custom"
)

// Operation statuses for long-running remote operations (deployments,
// proxy actions, ad-hoc executions).
const (
	OperationQueued     = "queued"
	OperationInProgress = "in_progress"
	OperationFinished   = "finished"
	OperationFailed     = "failed"
	OperationCancelled  = "cancelled"
)

// LogEntry is one line of an operation's execution log. Entries are
// append-only and numbered monotonically starting at 1 per operation, so a
// concurrently polling reader may assume entry order=n was appended before
// order=n+1.
type LogEntry struct {
	ID          int64     `json:"id" db:"id"`
	OperationID string    `json:"operation_id" db:"operation_id"`
	Order       int       `json:"order" db:"entry_order"`
	Command     string    `json:"command,omitempty" db:"command"`
	Output      string    `json:"output" db:"output"`
	Kind        string    `json:"kind" db:"kind"`
	Hidden      bool      `json:"hidden" db:"hidden"`
	Batch       int       `json:"batch" db:"batch"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Operation is the persistent record of a remote execution run. The engine
// appends log entries against it and records the remote process id so an
// external actor can cancel the run.
type Operation struct {
	ID              string     `json:"id" db:"id"`
	ServerID        string     `json:"server_id" db:"server_id"`
	Kind            string     `json:"kind" db:"kind"`
	Status          string     `json:"status" db:"status"`
	CurrentPID      *int       `json:"current_pid,omitempty" db:"current_pid"`
	CancelRequested bool       `json:"cancel_requested" db:"cancel_requested"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}
