package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"agent-kernel/kernel_go/internal/utils"
	"agent-kernel/kernel_go/pkg/events"
)

// SQLite implements Store on a local sqlite file.
type SQLite struct {
	db     *sql.DB
	logger utils.ExtendedLogger
}

var _ Store = (*SQLite)(nil)

// Open opens (or creates) the database at path and applies pending
// migrations.
func Open(path string, logger utils.ExtendedLogger) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows a single writer; one pooled connection avoids
	// SQLITE_BUSY when several tasks stream events at once.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger = utils.OrSilent(logger)
	if err := NewMigrationRunner(db, logger).RunMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLite{db: db, logger: logger}, nil
}

// CreateTask registers a task in the running state.
func (s *SQLite) CreateTask(ctx context.Context, req *CreateTaskRequest) (*TaskRecord, error) {
	query := `
		INSERT INTO tasks (id, user_id, query, status)
		VALUES (?, ?, ?, ?)
		RETURNING id, user_id, query, status, iterations, created_at, updated_at
	`

	var rec TaskRecord
	err := s.db.QueryRowContext(ctx, query, req.TaskID, req.UserID, req.Query, TaskStatusRunning).Scan(
		&rec.ID, &rec.UserID, &rec.Query, &rec.Status, &rec.Iterations, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task %s: %w", req.TaskID, err)
	}
	return &rec, nil
}

// GetTask returns a task by id, or ErrNotFound.
func (s *SQLite) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	query := `
		SELECT id, user_id, query, status, iterations, created_at, updated_at
		FROM tasks
		WHERE id = ?
	`

	var rec TaskRecord
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&rec.ID, &rec.UserID, &rec.Query, &rec.Status, &rec.Iterations, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}
	return &rec, nil
}

// UpdateTaskStatus records the terminal status and iteration count of a task.
func (s *SQLite) UpdateTaskStatus(ctx context.Context, taskID, status string, iterations int) error {
	query := `
		UPDATE tasks
		SET status = ?, iterations = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, iterations, taskID)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", taskID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// ListTasks pages through tasks newest-first, optionally filtered by user,
// with per-task event counts for the history view.
func (s *SQLite) ListTasks(ctx context.Context, limit, offset int, userID string) ([]TaskSummary, int, error) {
	var whereClause string
	var args []interface{}
	if userID != "" {
		whereClause = " WHERE t.user_id = ?"
		args = append(args, userID)
	}

	countQuery := `SELECT COUNT(*) FROM tasks t` + whereClause
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT
			t.id, t.user_id, t.query, t.status, t.iterations, t.created_at, t.updated_at,
			COUNT(e.id) AS total_events,
			MAX(e.timestamp) AS last_activity
		FROM tasks t
		LEFT JOIN task_events e ON e.task_id = t.id` + whereClause + `
		GROUP BY t.id, t.user_id, t.query, t.status, t.iterations, t.created_at, t.updated_at
		ORDER BY t.created_at DESC
		LIMIT ? OFFSET ?
	`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	summaries := make([]TaskSummary, 0)
	for rows.Next() {
		var sum TaskSummary
		var lastActivityStr *string
		err := rows.Scan(
			&sum.ID, &sum.UserID, &sum.Query, &sum.Status, &sum.Iterations, &sum.CreatedAt, &sum.UpdatedAt,
			&sum.TotalEvents, &lastActivityStr,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan task: %w", err)
		}
		// MAX() comes back as text because sqlite drops the column type on
		// expressions.
		if lastActivityStr != nil {
			if ts, err := time.Parse("2006-01-02 15:04:05.999999999-07:00", *lastActivityStr); err == nil {
				sum.LastActivity = &ts
			} else {
				sum.LastActivity = &sum.UpdatedAt
			}
		}
		summaries = append(summaries, sum)
	}

	return summaries, total, rows.Err()
}

// DeleteTask removes a task and, via the cascade, its events.
func (s *SQLite) DeleteTask(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", taskID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// AppendEvent stores one stream envelope under the next per-task sequence
// number. The single-connection pool makes the MAX(seq)+1 subselect safe.
func (s *SQLite) AppendEvent(ctx context.Context, taskID string, event events.AgentEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.Event, err)
	}

	query := `
		INSERT INTO task_events (task_id, seq, event, timestamp, payload)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM task_events WHERE task_id = ?), ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query, taskID, taskID, string(event.Event), event.Timestamp, string(payload))
	if err != nil {
		return fmt.Errorf("failed to store %s event for task %s: %w", event.Event, taskID, err)
	}
	return nil
}

// TaskEvents returns a task's events with seq greater than afterSeq, in
// order. Pass afterSeq 0 for the full history; observers poll with their
// last seen seq as the cursor.
func (s *SQLite) TaskEvents(ctx context.Context, taskID string, afterSeq int64, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 500
	}

	query := `
		SELECT id, task_id, seq, event, timestamp, payload
		FROM task_events
		WHERE task_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, taskID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events for task %s: %w", taskID, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// SearchEvents pages through events across tasks, newest-first.
func (s *SQLite) SearchEvents(ctx context.Context, filter *EventFilter) (*EventPage, error) {
	whereClause := "WHERE 1=1"
	args := []interface{}{}

	if filter.TaskID != "" {
		whereClause += " AND task_id = ?"
		args = append(args, filter.TaskID)
	}
	if filter.Event != "" {
		whereClause += " AND event = ?"
		args = append(args, filter.Event)
	}
	if !filter.FromDate.IsZero() {
		whereClause += " AND timestamp >= ?"
		args = append(args, filter.FromDate)
	}
	if !filter.ToDate.IsZero() {
		whereClause += " AND timestamp <= ?"
		args = append(args, filter.ToDate)
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM task_events %s", whereClause)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT id, task_id, seq, event, timestamp, payload
		FROM task_events %s
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, whereClause)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search events: %w", err)
	}
	defer rows.Close()

	list, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	return &EventPage{Events: list, Total: total, Limit: limit, Offset: offset}, nil
}

func scanEvents(rows *sql.Rows) ([]StoredEvent, error) {
	list := make([]StoredEvent, 0)
	for rows.Next() {
		var ev StoredEvent
		var payload string
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.Seq, &ev.Event, &ev.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		list = append(list, ev)
	}
	return list, rows.Err()
}

// Ping tests the database connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}
