// ABOUTME: SQLite store for crewd using modernc.org/sqlite
// ABOUTME: Bindings, channel messages, scheduled tasks, run logs, sessions, traces

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the shared persistence layer. Multiple worker processes
// open the same database file; SQLite in WAL mode handles the concurrent
// readers, and every lookup re-reads the database rather than caching, so
// workers never act on stale binding or task state.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (and if necessary creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for concurrent access across worker processes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id      TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			system_prompt TEXT,
			max_turns     INTEGER NOT NULL DEFAULT 60,
			created_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS channel_bindings (
			binding_id      TEXT PRIMARY KEY,
			channel_type    TEXT NOT NULL,
			external_id     TEXT NOT NULL,
			name            TEXT NOT NULL,
			agent_id        TEXT NOT NULL,
			trigger_pattern TEXT,
			enabled         INTEGER NOT NULL DEFAULT 1,
			config_json     TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			FOREIGN KEY (agent_id) REFERENCES agents(agent_id)
		);

		CREATE INDEX IF NOT EXISTS idx_bindings_channel
			ON channel_bindings(channel_type, external_id);
		CREATE INDEX IF NOT EXISTS idx_bindings_enabled
			ON channel_bindings(channel_type, enabled);

		CREATE TABLE IF NOT EXISTS channel_messages (
			message_id          TEXT PRIMARY KEY,
			binding_id          TEXT NOT NULL,
			direction           TEXT NOT NULL,
			external_message_id TEXT,
			sender_id           TEXT,
			sender_name         TEXT,
			content             TEXT NOT NULL,
			message_type        TEXT NOT NULL DEFAULT 'text',
			created_at          TEXT NOT NULL,

			CHECK (direction IN ('inbound', 'outbound')),
			FOREIGN KEY (binding_id) REFERENCES channel_bindings(binding_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_binding
			ON channel_messages(binding_id, created_at);

		CREATE TABLE IF NOT EXISTS scheduled_tasks (
			task_id        TEXT PRIMARY KEY,
			name           TEXT NOT NULL UNIQUE,
			agent_id       TEXT NOT NULL,
			prompt         TEXT NOT NULL,
			schedule_type  TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			context_mode   TEXT NOT NULL DEFAULT 'isolated',
			session_id     TEXT,
			binding_id     TEXT,
			status         TEXT NOT NULL DEFAULT 'active',
			next_run       TEXT,
			last_run       TEXT,
			run_count      INTEGER NOT NULL DEFAULT 0,
			max_runs       INTEGER,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,

			CHECK (schedule_type IN ('cron', 'interval', 'once')),
			CHECK (context_mode IN ('isolated', 'session')),
			CHECK (status IN ('active', 'paused', 'completed')),
			FOREIGN KEY (agent_id) REFERENCES agents(agent_id)
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_due
			ON scheduled_tasks(status, next_run);

		CREATE TABLE IF NOT EXISTS task_run_logs (
			run_log_id     TEXT PRIMARY KEY,
			task_id        TEXT NOT NULL,
			started_at     TEXT NOT NULL,
			completed_at   TEXT,
			duration_ms    INTEGER,
			status         TEXT NOT NULL DEFAULT 'running',
			result_summary TEXT,
			error          TEXT,
			trace_id       TEXT,

			CHECK (status IN ('running', 'completed', 'failed')),
			FOREIGN KEY (task_id) REFERENCES scheduled_tasks(task_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_run_logs_task
			ON task_run_logs(task_id, started_at DESC);

		CREATE TABLE IF NOT EXISTS sessions (
			session_id   TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			display_json TEXT,
			context_blob BLOB,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS runs (
			run_id      TEXT PRIMARY KEY,
			source      TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'active',
			started_at  TEXT NOT NULL,
			finished_at TEXT,

			CHECK (status IN ('active', 'completed', 'failed'))
		);

		CREATE TABLE IF NOT EXISTS traces (
			trace_id      TEXT PRIMARY KEY,
			request       TEXT NOT NULL,
			answer        TEXT,
			success       INTEGER NOT NULL,
			error         TEXT,
			total_turns   INTEGER NOT NULL DEFAULT 0,
			input_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			duration_ms   INTEGER,
			created_at    TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
