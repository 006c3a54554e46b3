// Package server runs the kernel's HTTP API: execute tasks asynchronously,
// poll their event streams through observers, browse persisted history, and
// scrape metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agent-kernel/kernel_go/internal/llm"
	"agent-kernel/kernel_go/internal/observer"
	"agent-kernel/kernel_go/internal/utils"
	"agent-kernel/kernel_go/pkg/config"
	"agent-kernel/kernel_go/pkg/database"
	"agent-kernel/kernel_go/pkg/events"
	"agent-kernel/kernel_go/pkg/kernel"
	"agent-kernel/kernel_go/pkg/logger"
	"agent-kernel/kernel_go/pkg/mcpclient"
	"agent-kernel/kernel_go/pkg/memory"
	"agent-kernel/kernel_go/pkg/tools"
)

// Observers nobody polls are dropped so their buffers do not pile up.
const (
	observerCleanupInterval = 10 * time.Minute
	observerMaxAge          = 30 * time.Minute
)

// ServerCmd represents the server command
var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the kernel HTTP API server",
	Long: `Start the HTTP API server that executes tasks and streams their events.

The server provides:
- REST endpoint to execute tasks asynchronously
- Polling API for observers to follow live event streams
- Task history backed by sqlite
- Prometheus metrics and health endpoints

Examples:
  agent-kernel server                        # Start with default settings
  agent-kernel server --port 9000           # Start on custom port
  agent-kernel server --provider openai     # Use OpenAI provider
  agent-kernel server --cors-origins "*"    # Allow all origins`,
	RunE: runServer,
}

func init() {
	// Add server command flags
	ServerCmd.Flags().IntP("port", "p", 8000, "server port")
	ServerCmd.Flags().StringP("host", "H", "0.0.0.0", "server host")
	ServerCmd.Flags().StringSlice("cors-origins", []string{"*"}, "CORS allowed origins")
	ServerCmd.Flags().String("db-path", "data/kernel.db", "sqlite database path for task history")
	ServerCmd.Flags().String("mcp-config", "", "path to an mcpServers JSON file")

	// Bind flags to viper
	viper.BindPFlag("server.port", ServerCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", ServerCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.cors_origins", ServerCmd.Flags().Lookup("cors-origins"))
	viper.BindPFlag("storage.database", ServerCmd.Flags().Lookup("db-path"))
	viper.BindPFlag("mcp_config", ServerCmd.Flags().Lookup("mcp-config"))
}

// API carries the server's long-lived dependencies. One instance serves all
// requests; per-task state lives in the store and the observer hub.
type API struct {
	cfg      config.KernelConfig
	kernel   *kernel.Kernel
	registry *tools.Registry
	store    database.Store
	recorder *database.Recorder
	hub      *observer.Hub
	logger   utils.ExtendedLogger

	// taskCtx parents every background task run so shutdown stops them all.
	taskCtx context.Context
	tasks   sync.WaitGroup
}

// ExecuteRequest is the body of POST /api/execute.
type ExecuteRequest struct {
	TaskID        string                 `json:"task_id,omitempty"`
	UserID        string                 `json:"user_id,omitempty"`
	Query         string                 `json:"query"`
	Goals         string                 `json:"goals,omitempty"`
	Constraints   string                 `json:"constraints,omitempty"`
	Inputs        map[string]interface{} `json:"inputs,omitempty"`
	MaxIterations int                    `json:"max_iterations,omitempty"`
}

// ExecuteResponse acknowledges an accepted task. ObserverID is already
// registered on the task, so callers can poll events immediately.
type ExecuteResponse struct {
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	ObserverID string `json:"observer_id"`
}

// RegisterObserverRequest scopes a new observer. An empty TaskID receives
// events from every task.
type RegisterObserverRequest struct {
	TaskID string `json:"task_id,omitempty"`
}

// RegisterObserverResponse represents the response for observer registration
type RegisterObserverResponse struct {
	ObserverID string `json:"observer_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// GetEventsResponse is one page of an observer's stream. LastEventIndex is
// the cursor to pass back as ?since= on the next poll.
type GetEventsResponse struct {
	Events         []events.AgentEvent `json:"events"`
	LastEventIndex int                 `json:"last_event_index"`
	HasMore        bool                `json:"has_more"`
	ObserverID     string              `json:"observer_id"`
}

// ObserverStatusResponse represents the response for observer status
type ObserverStatusResponse struct {
	ObserverID   string    `json:"observer_id"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	TotalEvents  int       `json:"total_events"`
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	log, err := logger.CreateLogger(cfg.Log.File, cfg.Log.Level, cfg.Log.Format, true)
	if err != nil {
		return err
	}
	defer log.Close()

	store, err := database.Open(cfg.Storage.Database, log)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer store.Close()

	llmCfg, err := cfg.LLMConfig(log)
	if err != nil {
		return err
	}
	client, err := llm.InitializeLLM(llmCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize LLM: %w", err)
	}

	registry := tools.NewRegistry(log)
	var mcpClients []*mcpclient.Client
	if path := viper.GetString("mcp_config"); path != "" {
		servers, names, err := mcpclient.LoadServers(path)
		if err != nil {
			return err
		}
		mcpClients, err = mcpclient.ConnectAll(cmd.Context(), registry, servers, names, log)
		if err != nil {
			return err
		}
	}
	defer func() { _ = mcpclient.CloseAll(mcpClients) }()

	mem, err := memory.NewStore(cfg.Storage.Root, log)
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}

	kern := kernel.New(kernel.Config{
		Client:        client,
		Registry:      registry,
		Memory:        mem,
		Retry:         cfg.RetryConfig(),
		MaxIterations: cfg.MaxIterations,
		PromoteMemory: cfg.PromoteMemory,
		Logger:        log,
	})

	taskCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()

	api := &API{
		cfg:      cfg,
		kernel:   kern,
		registry: registry,
		store:    store,
		recorder: database.NewRecorder(store, log),
		hub:      observer.NewHub(0),
		logger:   log,
		taskCtx:  taskCtx,
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		WriteTimeout: time.Second * 30,
		ReadTimeout:  time.Second * 30,
		IdleTimeout:  time.Second * 300,
		Handler:      api.routes(),
	}

	// Start server in a goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	log.Infof("✅ Server started on %s", cfg.Server.Addr())
	log.Infof("🔗 Execute endpoint: http://%s/api/execute", cfg.Server.Addr())
	log.Infof("📡 Polling API: http://%s/api/observer/{observer_id}/events", cfg.Server.Addr())

	janitorDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(observerCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := api.hub.CleanupInactive(observerMaxAge); n > 0 {
					log.Infof("🧹 Removed %d inactive observers", n)
				}
			case <-janitorDone:
				return
			}
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Infof("🛑 Shutting down server...")
	close(janitorDone)
	cancelTasks()
	api.tasks.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Infof("✅ Server shutdown complete")
	return nil
}

func (api *API) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(api.corsMiddleware)

	// Task history API (gin engine mounted into the mux router). Registered
	// before the /api subrouter so the longer prefix wins.
	router.PathPrefix("/api/history").Handler(HistoryRoutes(api.store))

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/execute", api.handleExecute).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/health", api.handleHealth).Methods("GET")
	apiRouter.HandleFunc("/tools", api.handleTools).Methods("GET")
	apiRouter.HandleFunc("/tasks", api.handleListTasks).Methods("GET")

	// Polling API
	apiRouter.HandleFunc("/observer/register", api.handleRegisterObserver).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/observer/{observer_id}/events", api.handleGetEvents).Methods("GET")
	apiRouter.HandleFunc("/observer/{observer_id}/status", api.handleObserverStatus).Methods("GET")
	apiRouter.HandleFunc("/observer/{observer_id}", api.handleRemoveObserver).Methods("DELETE")

	// Prometheus metrics
	router.Path("/metrics").Handler(promhttp.Handler())

	return router
}

// handleExecute accepts a task, registers it in the store, and runs it in
// the background. Events are persisted and fanned out to observers as they
// happen.
func (api *API) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}

	if _, err := api.store.CreateTask(r.Context(), &database.CreateTaskRequest{
		TaskID: req.TaskID,
		UserID: req.UserID,
		Query:  req.Query,
	}); err != nil {
		http.Error(w, fmt.Sprintf("Failed to register task: %v", err), http.StatusConflict)
		return
	}

	obs := api.hub.Register(req.TaskID)

	api.tasks.Add(1)
	go api.executeTask(req)

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(ExecuteResponse{
		TaskID:     req.TaskID,
		Status:     database.TaskStatusRunning,
		ObserverID: obs.ID,
	})
}

// executeTask runs one task to completion, teeing its stream into the store
// and the observer hub, then records the terminal status.
func (api *API) executeTask(req ExecuteRequest) {
	defer api.tasks.Done()

	stream := events.NewStream(req.TaskID, "", 0)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range stream.Events() {
			api.recorder.OnEvent(context.Background(), req.TaskID, ev)
			api.hub.Publish(req.TaskID, ev)
		}
	}()

	res, runErr := api.kernel.RunTaskStream(api.taskCtx, kernel.TaskRequest{
		TaskID:        req.TaskID,
		UserID:        req.UserID,
		Query:         req.Query,
		Goals:         req.Goals,
		Constraints:   req.Constraints,
		Inputs:        req.Inputs,
		MaxIterations: req.MaxIterations,
	}, stream)
	<-drained

	status := database.TaskStatusCompleted
	iterations := 0
	if res != nil && res.Execution != nil {
		iterations = res.Execution.Iterations
	}
	switch {
	case runErr != nil:
		status = database.TaskStatusCancelled
	case res.Execution != nil && res.Execution.Aborted:
		status = database.TaskStatusAborted
	case res.Execution != nil && res.Execution.StepsFailed > 0:
		status = database.TaskStatusFailed
	}

	if err := api.store.UpdateTaskStatus(context.Background(), req.TaskID, status, iterations); err != nil {
		api.logger.Errorf("⚠️ Failed to record terminal status for task %s: %v", req.TaskID, err)
	}
}

// handleRegisterObserver handles observer registration
func (api *API) handleRegisterObserver(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	var req RegisterObserverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	obs := api.hub.Register(req.TaskID)

	_ = json.NewEncoder(w).Encode(RegisterObserverResponse{
		ObserverID: obs.ID,
		Status:     "created",
		Message:    "Observer registered successfully",
	})
}

// handleGetEvents handles event polling for an observer
func (api *API) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	observerID := mux.Vars(r)["observer_id"]
	since := queryInt(r, "since", 0)

	evs, cursor, ok := api.hub.Events(observerID, since)
	if !ok {
		http.Error(w, "Observer not found", http.StatusNotFound)
		return
	}
	if evs == nil {
		evs = []events.AgentEvent{}
	}

	_ = json.NewEncoder(w).Encode(GetEventsResponse{
		Events:         evs,
		LastEventIndex: cursor,
		HasMore:        len(evs) > 0,
		ObserverID:     observerID,
	})
}

// handleObserverStatus reports an observer's liveness and delivery counters.
func (api *API) handleObserverStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	observerID := mux.Vars(r)["observer_id"]
	obs, ok := api.hub.Get(observerID)
	if !ok {
		http.Error(w, "Observer not found", http.StatusNotFound)
		return
	}
	total, _ := api.hub.Delivered(observerID)

	_ = json.NewEncoder(w).Encode(ObserverStatusResponse{
		ObserverID:   obs.ID,
		Status:       obs.Status,
		CreatedAt:    obs.CreatedAt,
		LastActivity: obs.LastActivity,
		TotalEvents:  total,
	})
}

// handleRemoveObserver handles observer removal
func (api *API) handleRemoveObserver(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	observerID := mux.Vars(r)["observer_id"]
	if !api.hub.Remove(observerID) {
		http.Error(w, "Observer not found", http.StatusNotFound)
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]string{
		"observer_id": observerID,
		"status":      "removed",
	})
}

// handleListTasks lists recent tasks straight from the store.
func (api *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	tasks, total, err := api.store.ListTasks(r.Context(), limit, offset, r.URL.Query().Get("user"))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to list tasks: %v", err), http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []database.TaskSummary{}
	}

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"tasks":  tasks,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// handleTools returns the function schemas the planner sees.
func (api *API) handleTools(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	schemas := api.registry.FunctionSchemas()
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"tools": schemas,
		"count": len(schemas),
	})
}

// Health check endpoint
func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "healthy",
		"time":      time.Now(),
		"observers": api.hub.Stats(),
		"config": map[string]interface{}{
			"provider":       api.cfg.Provider,
			"model":          api.cfg.ModelID,
			"temperature":    api.cfg.Temperature,
			"max_iterations": api.cfg.MaxIterations,
			"tools":          api.registry.Len(),
		},
	})
}

// CORS middleware
func (api *API) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range api.cfg.Server.CORSOrigins {
			if allowed == "*" || allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				break
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Observer-ID")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
