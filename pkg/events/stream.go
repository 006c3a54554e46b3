package events

import (
	"context"
	"sync"
	"time"
)

// DefaultStreamBuffer is the channel depth of a task's event stream. Large
// enough that a briefly slow consumer does not stall the step loop.
const DefaultStreamBuffer = 256

// Stream is the per-task event channel. One producer (the task's execution
// flow) emits; any consumer iterates Events(). Emission order is preserved.
// After Close, further emits are dropped.
type Stream struct {
	ch chan AgentEvent

	taskID  string
	traceID string

	mu     sync.Mutex
	closed bool
	seq    int
}

// NewStream creates a stream with the given buffer (0 means the default).
func NewStream(taskID, traceID string, buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	return &Stream{
		ch:      make(chan AgentEvent, buffer),
		taskID:  taskID,
		traceID: traceID,
	}
}

// Events returns the consumer side of the stream.
func (s *Stream) Events() <-chan AgentEvent {
	return s.ch
}

// Emit places an event on the stream, stamping timestamp and task identity.
// Blocks while the buffer is full unless ctx is cancelled; a cancelled emit
// or a closed stream drops the event and returns false.
func (s *Stream) Emit(ctx context.Context, data EventData) bool {
	ev := AgentEvent{
		Event:     data.GetEventType(),
		Timestamp: time.Now(),
		TaskID:    s.taskID,
		TraceID:   s.traceID,
	}
	ev.Data = data

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.seq++
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case s.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// EmitWithSpan is Emit with an explicit span id attached to the envelope.
func (s *Stream) EmitWithSpan(ctx context.Context, data EventData, spanID string) bool {
	ev := AgentEvent{
		Event:     data.GetEventType(),
		Timestamp: time.Now(),
		TaskID:    s.taskID,
		TraceID:   s.traceID,
		SpanID:    spanID,
		Data:      data,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.seq++
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case s.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Emitted returns how many events were accepted so far.
func (s *Stream) Emitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Close ends the stream. Idempotent; pending buffered events remain readable.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Collect drains a stream into a slice, for tests and one-shot callers.
func Collect(ch <-chan AgentEvent) []AgentEvent {
	var out []AgentEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}
