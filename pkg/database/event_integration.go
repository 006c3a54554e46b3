package database

import (
	"context"

	"agent-kernel/kernel_go/internal/utils"
	"agent-kernel/kernel_go/pkg/events"
)

// Recorder tees a task's event stream into the store. The server calls
// OnEvent for every envelope it reads before broadcasting it to observers.
type Recorder struct {
	store  Store
	logger utils.ExtendedLogger
}

// NewRecorder creates a recorder over a store.
func NewRecorder(store Store, logger utils.ExtendedLogger) *Recorder {
	return &Recorder{store: store, logger: utils.OrSilent(logger)}
}

// OnEvent persists one envelope. Persistence failures are logged and
// swallowed: a full disk must not kill a running task, and observers still
// get the live copy.
func (r *Recorder) OnEvent(ctx context.Context, taskID string, event events.AgentEvent) {
	if err := r.store.AppendEvent(ctx, taskID, event); err != nil {
		r.logger.Errorf("⚠️ failed to persist %s event for task %s: %v", event.Event, taskID, err)
	}
}
