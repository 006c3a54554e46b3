package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-kernel/kernel_go/internal/observer"
	"agent-kernel/kernel_go/internal/utils"
	"agent-kernel/kernel_go/pkg/config"
	"agent-kernel/kernel_go/pkg/database"
	"agent-kernel/kernel_go/pkg/events"
	"agent-kernel/kernel_go/pkg/kernel"
	"agent-kernel/kernel_go/pkg/tools"
)

// newTestAPI wires an API around a temp sqlite store and a clientless kernel,
// which plans a single fallback step and completes immediately.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	store, err := database.Open(filepath.Join(t.TempDir(), "kernel.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := tools.NewRegistry(nil)
	return &API{
		cfg:      config.Default(),
		kernel:   kernel.New(kernel.Config{Registry: registry}),
		registry: registry,
		store:    store,
		recorder: database.NewRecorder(store, nil),
		hub:      observer.NewHub(0),
		logger:   utils.NewSilentLogger(),
		taskCtx:  context.Background(),
	}
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleExecuteRunsTaskToCompletion(t *testing.T) {
	api := newTestAPI(t)
	router := api.routes()

	resp := doJSON(t, router, "POST", "/api/execute",
		`{"task_id": "task-exec", "user_id": "alice", "query": "just do something"}`)
	require.Equal(t, http.StatusAccepted, resp.Code)

	var ack ExecuteResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &ack))
	assert.Equal(t, "task-exec", ack.TaskID)
	assert.Equal(t, database.TaskStatusRunning, ack.Status)
	require.NotEmpty(t, ack.ObserverID)

	require.Eventually(t, func() bool {
		task, err := api.store.GetTask(context.Background(), "task-exec")
		return err == nil && task.Status != database.TaskStatusRunning
	}, 5*time.Second, 20*time.Millisecond)
	api.tasks.Wait()

	task, err := api.store.GetTask(context.Background(), "task-exec")
	require.NoError(t, err)
	assert.Equal(t, database.TaskStatusCompleted, task.Status)
	assert.Equal(t, 1, task.Iterations)

	stored, err := api.store.TaskEvents(context.Background(), "task-exec", 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, stored)
	assert.Equal(t, string(events.Planning), stored[0].Event)
	assert.Equal(t, string(events.Done), stored[len(stored)-1].Event)

	// The observer registered by the execute call buffered the same stream.
	poll := doJSON(t, router, "GET", "/api/observer/"+ack.ObserverID+"/events", "")
	require.Equal(t, http.StatusOK, poll.Code)
	var page struct {
		Events []struct {
			Event  string `json:"event"`
			TaskID string `json:"task_id"`
		} `json:"events"`
		LastEventIndex int    `json:"last_event_index"`
		HasMore        bool   `json:"has_more"`
		ObserverID     string `json:"observer_id"`
	}
	require.NoError(t, json.Unmarshal(poll.Body.Bytes(), &page))
	require.Len(t, page.Events, len(stored))
	assert.Equal(t, string(events.Planning), page.Events[0].Event)
	assert.Equal(t, string(events.Done), page.Events[len(page.Events)-1].Event)
	assert.Equal(t, "task-exec", page.Events[0].TaskID)
	assert.Equal(t, len(stored), page.LastEventIndex)
	assert.True(t, page.HasMore)
	assert.Equal(t, ack.ObserverID, page.ObserverID)

	// Polling from the returned cursor yields nothing new.
	poll = doJSON(t, router, "GET",
		fmt.Sprintf("/api/observer/%s/events?since=%d", ack.ObserverID, page.LastEventIndex), "")
	require.Equal(t, http.StatusOK, poll.Code)
	require.NoError(t, json.Unmarshal(poll.Body.Bytes(), &page))
	assert.Empty(t, page.Events)
	assert.False(t, page.HasMore)
}

func TestHandleExecuteValidation(t *testing.T) {
	api := newTestAPI(t)
	router := api.routes()

	t.Run("malformed body", func(t *testing.T) {
		resp := doJSON(t, router, "POST", "/api/execute", "{")
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("blank query", func(t *testing.T) {
		resp := doJSON(t, router, "POST", "/api/execute", `{"query": "   "}`)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
		assert.Contains(t, resp.Body.String(), "query is required")
	})

	t.Run("duplicate task id", func(t *testing.T) {
		_, err := api.store.CreateTask(context.Background(),
			&database.CreateTaskRequest{TaskID: "taken", Query: "q"})
		require.NoError(t, err)

		resp := doJSON(t, router, "POST", "/api/execute", `{"task_id": "taken", "query": "run it"}`)
		assert.Equal(t, http.StatusConflict, resp.Code)
	})
}

func TestObserverEndpoints(t *testing.T) {
	api := newTestAPI(t)
	router := api.routes()

	resp := doJSON(t, router, "POST", "/api/observer/register", `{"task_id": "t1"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	var reg RegisterObserverResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &reg))
	require.NotEmpty(t, reg.ObserverID)
	assert.Equal(t, "created", reg.Status)

	// Only the observed task's events reach a scoped observer.
	api.hub.Publish("t1", events.AgentEvent{
		Event:     events.Planning,
		Timestamp: time.Now(),
		TaskID:    "t1",
		Data:      &events.PlanningData{Query: "q"},
	})
	api.hub.Publish("t2", events.AgentEvent{
		Event:     events.Planning,
		Timestamp: time.Now(),
		TaskID:    "t2",
		Data:      &events.PlanningData{Query: "q"},
	})

	poll := doJSON(t, router, "GET", "/api/observer/"+reg.ObserverID+"/events", "")
	require.Equal(t, http.StatusOK, poll.Code)
	var page struct {
		Events         []map[string]interface{} `json:"events"`
		LastEventIndex int                      `json:"last_event_index"`
	}
	require.NoError(t, json.Unmarshal(poll.Body.Bytes(), &page))
	require.Len(t, page.Events, 1)
	assert.Equal(t, 1, page.LastEventIndex)

	status := doJSON(t, router, "GET", "/api/observer/"+reg.ObserverID+"/status", "")
	require.Equal(t, http.StatusOK, status.Code)
	var st ObserverStatusResponse
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &st))
	assert.Equal(t, reg.ObserverID, st.ObserverID)
	assert.Equal(t, observer.StatusActive, st.Status)
	assert.Equal(t, 1, st.TotalEvents)
	assert.False(t, st.CreatedAt.IsZero())

	del := doJSON(t, router, "DELETE", "/api/observer/"+reg.ObserverID, "")
	require.Equal(t, http.StatusOK, del.Code)
	assert.Contains(t, del.Body.String(), "removed")

	t.Run("unknown observer is 404", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound,
			doJSON(t, router, "GET", "/api/observer/"+reg.ObserverID+"/events", "").Code)
		assert.Equal(t, http.StatusNotFound,
			doJSON(t, router, "GET", "/api/observer/"+reg.ObserverID+"/status", "").Code)
		assert.Equal(t, http.StatusNotFound,
			doJSON(t, router, "DELETE", "/api/observer/"+reg.ObserverID, "").Code)
	})
}

func TestListTasksEndpoint(t *testing.T) {
	api := newTestAPI(t)
	router := api.routes()
	ctx := context.Background()

	_, err := api.store.CreateTask(ctx, &database.CreateTaskRequest{TaskID: "t-alice", UserID: "alice", Query: "one"})
	require.NoError(t, err)
	_, err = api.store.CreateTask(ctx, &database.CreateTaskRequest{TaskID: "t-bob", UserID: "bob", Query: "two"})
	require.NoError(t, err)

	resp := doJSON(t, router, "GET", "/api/tasks", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var out struct {
		Tasks []database.TaskSummary `json:"tasks"`
		Total int                    `json:"total"`
		Limit int                    `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, 2, out.Total)
	assert.Len(t, out.Tasks, 2)
	assert.Equal(t, 50, out.Limit)

	resp = doJSON(t, router, "GET", "/api/tasks?user=alice", "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Total)
	require.Len(t, out.Tasks, 1)
	assert.Equal(t, "t-alice", out.Tasks[0].ID)
}

func TestToolsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	router := api.routes()

	resp := doJSON(t, router, "GET", "/api/tools", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var out struct {
		Tools []map[string]interface{} `json:"tools"`
		Count int                      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Zero(t, out.Count)
	assert.NotNil(t, out.Tools)

	api.registry.MustRegister(tools.NewTool("echo", "Repeats its input").
		StringParam("text", "what to repeat", false).
		Handle(func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"success": true}, nil
		}).MustBuild())

	resp = doJSON(t, router, "GET", "/api/tools", "")
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Count)
	require.Len(t, out.Tools, 1)
	assert.Equal(t, "function", out.Tools[0]["type"])
	fn, ok := out.Tools[0]["function"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "echo", fn["name"])
}

func TestHealthEndpoint(t *testing.T) {
	api := newTestAPI(t)

	resp := doJSON(t, api.routes(), "GET", "/api/health", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, "healthy", out["status"])

	cfg, ok := out["config"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, api.cfg.Provider, cfg["provider"])
	assert.Equal(t, api.cfg.ModelID, cfg["model"])

	stats, ok := out["observers"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(0), stats["observers"])
}

func TestCORSHeaders(t *testing.T) {
	api := newTestAPI(t)
	router := api.routes()

	req := httptest.NewRequest("OPTIONS", "/api/execute", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	// The default allowlist is "*", which echoes the caller's origin back.
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "http://localhost:3000", resp.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Equal(t, "true", resp.Header().Get("Access-Control-Allow-Credentials"))
}
