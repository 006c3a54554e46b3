package database

import (
	"database/sql"
	"fmt"

	"agent-kernel/kernel_go/internal/utils"
)

// Migration is one versioned schema change. The SQL is compiled in rather
// than read from disk so the store works regardless of working directory.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations lists every schema change in order. Append only; released
// versions are never edited.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "create_tasks_and_events",
		SQL: `
			CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL DEFAULT '',
				query TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'running',
				iterations INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS task_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				seq INTEGER NOT NULL,
				event TEXT NOT NULL,
				timestamp DATETIME NOT NULL,
				payload TEXT NOT NULL,
				UNIQUE (task_id, seq)
			);
		`,
	},
	{
		Version: 2,
		Name:    "index_tasks_and_events",
		SQL: `
			CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);
			CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
			CREATE INDEX IF NOT EXISTS idx_task_events_event ON task_events(event);
		`,
	},
}

// MigrationRunner applies pending migrations inside transactions, tracking
// applied versions in schema_migrations.
type MigrationRunner struct {
	db     *sql.DB
	logger utils.ExtendedLogger
}

// NewMigrationRunner creates a runner over an open database handle.
func NewMigrationRunner(db *sql.DB, logger utils.ExtendedLogger) *MigrationRunner {
	return &MigrationRunner{db: db, logger: utils.OrSilent(logger)}
}

// RunMigrations applies every migration that has not been applied yet.
func (mr *MigrationRunner) RunMigrations() error {
	if err := mr.createMigrationsTable(); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := mr.appliedVersions()
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	mr.logger.Debugf("📊 %d migrations known, %d already applied", len(migrations), len(applied))

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		mr.logger.Infof("🔄 Applying migration %d: %s", m.Version, m.Name)
		if err := mr.runMigration(m); err != nil {
			return fmt.Errorf("failed to run migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func (mr *MigrationRunner) createMigrationsTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	_, err := mr.db.Exec(query)
	return err
}

func (mr *MigrationRunner) appliedVersions() (map[int]bool, error) {
	rows, err := mr.db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (mr *MigrationRunner) runMigration(m Migration) error {
	tx, err := mr.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	mr.logger.Infof("✅ Applied migration %d: %s", m.Version, m.Name)
	return nil
}
