package database

import (
	"context"

	"agent-kernel/kernel_go/pkg/events"
)

// Store persists tasks and their event streams. The server tees every
// emitted event into it and the history API reads it back; the sqlite
// implementation is the only one shipped, but handlers depend on this
// interface so tests can substitute their own.
type Store interface {
	// Task lifecycle
	CreateTask(ctx context.Context, req *CreateTaskRequest) (*TaskRecord, error)
	GetTask(ctx context.Context, taskID string) (*TaskRecord, error)
	UpdateTaskStatus(ctx context.Context, taskID, status string, iterations int) error
	ListTasks(ctx context.Context, limit, offset int, userID string) ([]TaskSummary, int, error)
	DeleteTask(ctx context.Context, taskID string) error

	// Event storage
	AppendEvent(ctx context.Context, taskID string, event events.AgentEvent) error
	TaskEvents(ctx context.Context, taskID string, afterSeq int64, limit int) ([]StoredEvent, error)
	SearchEvents(ctx context.Context, filter *EventFilter) (*EventPage, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}
