package database

import (
	"encoding/json"
	"errors"
	"time"
)

// Task status constants. The kernel reports one of these when a task
// finishes; "running" is the state between registration and completion.
const (
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusAborted   = "aborted"
	TaskStatusCancelled = "cancelled"
)

// ErrNotFound reports that the requested task does not exist. Callers branch
// on it with errors.Is to map lookups to 404s.
var ErrNotFound = errors.New("not found")

// TaskRecord is one row of the tasks table.
type TaskRecord struct {
	ID         string    `json:"id" db:"id"`
	UserID     string    `json:"user_id" db:"user_id"`
	Query      string    `json:"query" db:"query"`
	Status     string    `json:"status" db:"status"`
	Iterations int       `json:"iterations" db:"iterations"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// TaskSummary is the list view of a task: the record plus event counts for
// the history UI.
type TaskSummary struct {
	TaskRecord
	TotalEvents  int        `json:"total_events" db:"total_events"`
	LastActivity *time.Time `json:"last_activity" db:"last_activity"`
}

// StoredEvent is one row of the task_events table. Payload holds the full
// event envelope as it went over the stream, so replaying history returns
// byte-identical JSON.
type StoredEvent struct {
	ID        int64           `json:"id" db:"id"`
	TaskID    string          `json:"task_id" db:"task_id"`
	Seq       int64           `json:"seq" db:"seq"`
	Event     string          `json:"event" db:"event"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
}

// CreateTaskRequest registers a task before its first event.
type CreateTaskRequest struct {
	TaskID string `json:"task_id"`
	UserID string `json:"user_id,omitempty"`
	Query  string `json:"query"`
}

// EventFilter narrows a SearchEvents query. Zero values mean "no filter".
type EventFilter struct {
	TaskID   string    `json:"task_id,omitempty"`
	Event    string    `json:"event,omitempty"`
	FromDate time.Time `json:"from_date,omitempty"`
	ToDate   time.Time `json:"to_date,omitempty"`
	Limit    int       `json:"limit,omitempty"`
	Offset   int       `json:"offset,omitempty"`
}

// EventPage is one page of search results.
type EventPage struct {
	Events []StoredEvent `json:"events"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}
