package database

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-kernel/kernel_go/pkg/events"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "kernel.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func envelope(taskID string, et events.EventType, data events.EventData) events.AgentEvent {
	return events.AgentEvent{Event: et, Timestamp: time.Now(), TaskID: taskID, Data: data}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.db")

	first, err := Open(path, nil)
	require.NoError(t, err)
	_, err = first.CreateTask(context.Background(), &CreateTaskRequest{TaskID: "t1", Query: "q"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// Reopening must skip applied migrations and keep existing rows.
	second, err := Open(path, nil)
	require.NoError(t, err)
	defer second.Close()

	rec, err := second.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "q", rec.Query)
}

func TestTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.CreateTask(ctx, &CreateTaskRequest{TaskID: "task-1", UserID: "alice", Query: "summarize the incident"})
	require.NoError(t, err)
	assert.Equal(t, "task-1", rec.ID)
	assert.Equal(t, TaskStatusRunning, rec.Status)
	assert.Zero(t, rec.Iterations)
	assert.False(t, rec.CreatedAt.IsZero())

	t.Run("duplicate id rejected", func(t *testing.T) {
		_, err := s.CreateTask(ctx, &CreateTaskRequest{TaskID: "task-1", Query: "again"})
		require.Error(t, err)
	})

	require.NoError(t, s.UpdateTaskStatus(ctx, "task-1", TaskStatusCompleted, 4))

	got, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, got.Status)
	assert.Equal(t, 4, got.Iterations)

	summaries, total, err := s.ListTasks(ctx, 10, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, summaries, 1)
	assert.Equal(t, "task-1", summaries[0].ID)

	require.NoError(t, s.DeleteTask(ctx, "task-1"))
	_, err = s.GetTask(ctx, "task-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNotFoundErrors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetTask(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.UpdateTaskStatus(ctx, "ghost", TaskStatusFailed, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.DeleteTask(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendAndReadEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, &CreateTaskRequest{TaskID: "task-1", Query: "q"})
	require.NoError(t, err)

	require.NoError(t, s.AppendEvent(ctx, "task-1", envelope("task-1", events.Planning, &events.PlanningData{Query: "q"})))
	require.NoError(t, s.AppendEvent(ctx, "task-1", envelope("task-1", events.StageStart, &events.StageStartData{TotalSteps: 2})))
	require.NoError(t, s.AppendEvent(ctx, "task-1", envelope("task-1", events.ExecutionComplete, &events.ExecutionCompleteData{StepsCompleted: 2})))

	all, err := s.TaskEvents(ctx, "task-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{all[0].Seq, all[1].Seq, all[2].Seq})
	assert.Equal(t, string(events.Planning), all[0].Event)
	assert.WithinDuration(t, time.Now(), all[0].Timestamp, 5*time.Second)

	// The payload is the full envelope as it went over the stream.
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(all[0].Payload, &env))
	assert.Equal(t, string(events.Planning), env["event"])
	assert.Equal(t, "task-1", env["task_id"])

	tail, err := s.TaskEvents(ctx, "task-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(3), tail[0].Seq)
	assert.Equal(t, string(events.ExecutionComplete), tail[0].Event)
}

func TestEventSequencesAreTaskLocal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := s.CreateTask(ctx, &CreateTaskRequest{TaskID: id, Query: "q"})
		require.NoError(t, err)
	}

	// Interleave appends across the two tasks.
	require.NoError(t, s.AppendEvent(ctx, "a", envelope("a", events.Planning, &events.PlanningData{Query: "q"})))
	require.NoError(t, s.AppendEvent(ctx, "b", envelope("b", events.Planning, &events.PlanningData{Query: "q"})))
	require.NoError(t, s.AppendEvent(ctx, "a", envelope("a", events.Done, &events.DoneData{Success: true})))
	require.NoError(t, s.AppendEvent(ctx, "b", envelope("b", events.Done, &events.DoneData{Success: true})))

	for _, id := range []string{"a", "b"} {
		evs, err := s.TaskEvents(ctx, id, 0, 0)
		require.NoError(t, err)
		require.Len(t, evs, 2)
		assert.Equal(t, int64(1), evs[0].Seq)
		assert.Equal(t, int64(2), evs[1].Seq)
	}
}

func TestSearchEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, &CreateTaskRequest{TaskID: "task-1", Query: "q"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, "task-1", envelope("task-1", events.StageStart, &events.StageStartData{TotalSteps: 3})))
	}
	require.NoError(t, s.AppendEvent(ctx, "task-1", envelope("task-1", events.Done, &events.DoneData{Success: true})))

	t.Run("filter by event name", func(t *testing.T) {
		page, err := s.SearchEvents(ctx, &EventFilter{TaskID: "task-1", Event: string(events.StageStart)})
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		assert.Len(t, page.Events, 3)
	})

	t.Run("paging", func(t *testing.T) {
		page, err := s.SearchEvents(ctx, &EventFilter{TaskID: "task-1", Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Equal(t, 4, page.Total)
		assert.Len(t, page.Events, 2)
		assert.Equal(t, 2, page.Limit)
		assert.Equal(t, 2, page.Offset)
	})

	t.Run("unknown task is empty", func(t *testing.T) {
		page, err := s.SearchEvents(ctx, &EventFilter{TaskID: "ghost"})
		require.NoError(t, err)
		assert.Zero(t, page.Total)
		assert.Empty(t, page.Events)
	})
}

func TestDeleteTaskCascadesEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, &CreateTaskRequest{TaskID: "task-1", Query: "q"})
	require.NoError(t, err)
	require.NoError(t, s.AppendEvent(ctx, "task-1", envelope("task-1", events.Planning, &events.PlanningData{Query: "q"})))

	require.NoError(t, s.DeleteTask(ctx, "task-1"))

	page, err := s.SearchEvents(ctx, &EventFilter{TaskID: "task-1"})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestListTasksFiltersByUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, &CreateTaskRequest{TaskID: "t-alice", UserID: "alice", Query: "one"})
	require.NoError(t, err)
	_, err = s.CreateTask(ctx, &CreateTaskRequest{TaskID: "t-bob", UserID: "bob", Query: "two"})
	require.NoError(t, err)
	require.NoError(t, s.AppendEvent(ctx, "t-alice", envelope("t-alice", events.Planning, &events.PlanningData{Query: "one"})))

	summaries, total, err := s.ListTasks(ctx, 10, 0, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, summaries, 1)
	assert.Equal(t, "t-alice", summaries[0].ID)
	assert.Equal(t, 1, summaries[0].TotalEvents)
	assert.NotNil(t, summaries[0].LastActivity)
}

func TestRecorder(t *testing.T) {
	s := openTestStore(t)
	rec := NewRecorder(s, nil)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, &CreateTaskRequest{TaskID: "t1", Query: "q"})
	require.NoError(t, err)

	rec.OnEvent(ctx, "t1", envelope("t1", events.Planning, &events.PlanningData{Query: "q"}))
	evs, err := s.TaskEvents(ctx, "t1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, evs, 1)

	// Unknown task violates the foreign key; the recorder logs and moves on.
	rec.OnEvent(ctx, "ghost", envelope("ghost", events.Planning, &events.PlanningData{Query: "q"}))
	page, err := s.SearchEvents(ctx, &EventFilter{TaskID: "ghost"})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}
