package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"agent-kernel/kernel_go/pkg/database"
)

// HistoryRoutes builds the task-history API as its own gin engine so the mux
// router can mount it under /api/history. Everything here reads or deletes
// persisted state; live streams stay on the polling API.
func HistoryRoutes(store database.Store) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	api := engine.Group("/api/history")
	{
		// Task records
		api.GET("/tasks", listHistoryTasks(store))
		api.GET("/tasks/:task_id", getHistoryTask(store))
		api.DELETE("/tasks/:task_id", deleteHistoryTask(store))

		// Events
		api.GET("/tasks/:task_id/events", getHistoryTaskEvents(store))
		api.GET("/events", searchHistoryEvents(store))

		// Health check
		api.GET("/health", historyHealthCheck(store))
	}
	return engine
}

// listHistoryTasks lists persisted tasks with pagination
func listHistoryTasks(store database.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit parameter"})
			return
		}
		offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset parameter"})
			return
		}

		tasks, total, err := store.ListTasks(c.Request.Context(), limit, offset, c.Query("user"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		// Ensure tasks is never null - convert to empty array if nil
		if tasks == nil {
			tasks = []database.TaskSummary{}
		}

		c.JSON(http.StatusOK, gin.H{
			"tasks":  tasks,
			"total":  total,
			"limit":  limit,
			"offset": offset,
		})
	}
}

// getHistoryTask gets a specific task record
func getHistoryTask(store database.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		task, err := store.GetTask(c.Request.Context(), c.Param("task_id"))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, database.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, task)
	}
}

// deleteHistoryTask deletes a task and its events
func deleteHistoryTask(store database.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("task_id")

		err := store.DeleteTask(c.Request.Context(), taskID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, database.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "Task deleted successfully", "task_id": taskID})
	}
}

// getHistoryTaskEvents replays a task's stored event stream in seq order
func getHistoryTaskEvents(store database.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after parameter"})
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "500"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit parameter"})
			return
		}

		evs, err := store.TaskEvents(c.Request.Context(), c.Param("task_id"), after, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if evs == nil {
			evs = []database.StoredEvent{}
		}

		c.JSON(http.StatusOK, gin.H{
			"events": evs,
			"total":  len(evs),
			"after":  after,
			"limit":  limit,
		})
	}
}

// searchHistoryEvents searches stored events with filters
func searchHistoryEvents(store database.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter database.EventFilter

		filter.TaskID = c.Query("task_id")
		filter.Event = c.Query("event")

		if raw := c.Query("from_date"); raw != "" {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				filter.FromDate = t
			}
		}
		if raw := c.Query("to_date"); raw != "" {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				filter.ToDate = t
			}
		}

		if limit, err := strconv.Atoi(c.DefaultQuery("limit", "100")); err == nil {
			filter.Limit = limit
		}
		if offset, err := strconv.Atoi(c.DefaultQuery("offset", "0")); err == nil {
			filter.Offset = offset
		}

		page, err := store.SearchEvents(c.Request.Context(), &filter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, page)
	}
}

// historyHealthCheck pings the store
func historyHealthCheck(store database.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now()})
	}
}
