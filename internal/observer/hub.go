// Package observer fans live task events out to polling HTTP clients. Each
// observer owns a bounded in-memory buffer; the durable copy lives in the
// task store.
package observer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"agent-kernel/kernel_go/pkg/events"
)

// Statuses reported on the observer record.
const (
	StatusActive = "active"
)

// DefaultMaxEvents caps each observer's buffer. Old events are dropped from
// the front; clients that fall that far behind catch up from the history
// API.
const DefaultMaxEvents = 1000

// Observer is one registered polling client.
type Observer struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// buffer holds an observer's undelivered window. base counts events dropped
// by trimming, so cursors stay valid across trims.
type buffer struct {
	base int
	evs  []events.AgentEvent
}

// Hub registers observers and delivers published events to them.
type Hub struct {
	mu        sync.RWMutex
	observers map[string]*Observer
	buffers   map[string]*buffer
	maxEvents int
}

// NewHub creates an empty hub. maxEvents <= 0 uses DefaultMaxEvents.
func NewHub(maxEvents int) *Hub {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Hub{
		observers: make(map[string]*Observer),
		buffers:   make(map[string]*buffer),
		maxEvents: maxEvents,
	}
}

// Register creates an observer. With a task id it receives only that task's
// events; without one it receives everything.
func (h *Hub) Register(taskID string) *Observer {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	obs := &Observer{
		ID:           uuid.NewString(),
		TaskID:       taskID,
		Status:       StatusActive,
		CreatedAt:    now,
		LastActivity: now,
	}
	h.observers[obs.ID] = obs
	h.buffers[obs.ID] = &buffer{}
	return obs
}

// Get returns a copy of the observer record.
func (h *Hub) Get(id string) (Observer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	obs, ok := h.observers[id]
	if !ok {
		return Observer{}, false
	}
	return *obs, true
}

// Remove deletes an observer and its buffer.
func (h *Hub) Remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.observers[id]; !ok {
		return false
	}
	delete(h.observers, id)
	delete(h.buffers, id)
	return true
}

// Publish delivers an event to every matching observer and returns the
// delivery count.
func (h *Hub) Publish(taskID string, ev events.AgentEvent) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for id, obs := range h.observers {
		if obs.TaskID != "" && obs.TaskID != taskID {
			continue
		}
		buf := h.buffers[id]
		buf.evs = append(buf.evs, ev)
		if len(buf.evs) > h.maxEvents {
			drop := len(buf.evs) - h.maxEvents
			buf.base += drop
			buf.evs = buf.evs[drop:]
		}
		delivered++
	}
	return delivered
}

// Events returns the events after the since cursor along with the new
// cursor. since is the total number of events the client has already seen;
// 0 fetches from the start of the buffer. The second return is false for an
// unknown observer.
func (h *Hub) Events(id string, since int) ([]events.AgentEvent, int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	obs, ok := h.observers[id]
	if !ok {
		return nil, 0, false
	}
	obs.LastActivity = time.Now()

	buf := h.buffers[id]
	last := buf.base + len(buf.evs)
	if since < buf.base {
		since = buf.base
	}
	if since >= last {
		return []events.AgentEvent{}, last, true
	}

	window := buf.evs[since-buf.base:]
	out := make([]events.AgentEvent, len(window))
	copy(out, window)
	return out, last, true
}

// Delivered returns how many events the observer has been sent in total,
// including trimmed ones.
func (h *Hub) Delivered(id string) (int, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	buf, ok := h.buffers[id]
	if !ok {
		return 0, false
	}
	return buf.base + len(buf.evs), true
}

// CleanupInactive removes observers idle longer than maxAge and returns how
// many were dropped.
func (h *Hub) CleanupInactive(maxAge time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, obs := range h.observers {
		if obs.LastActivity.Before(cutoff) {
			delete(h.observers, id)
			delete(h.buffers, id)
			removed++
		}
	}
	return removed
}

// Stats summarizes the hub for the health endpoint.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	buffered := 0
	for _, buf := range h.buffers {
		buffered += len(buf.evs)
	}
	return map[string]interface{}{
		"observers":       len(h.observers),
		"buffered_events": buffered,
	}
}
