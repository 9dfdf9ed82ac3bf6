// Package store implements Zerg persistence on pure-Go SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrTerminal is returned when mutating a run already in a terminal status.
var ErrTerminal = errors.New("run is terminal")

// Store wraps a SQLite database. All goroutines serialize through one
// connection, which eliminates SQLITE_BUSY from concurrent writers.
type Store struct {
	db *sql.DB
}

// Open creates a Store at dbPath (":memory:" for tests).
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS owners (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL DEFAULT 'USER',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			model TEXT NOT NULL,
			system_instructions TEXT NOT NULL DEFAULT '',
			task_instructions TEXT NOT NULL DEFAULT '',
			allowed_tools TEXT NOT NULL DEFAULT '[]',
			cron_spec TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'idle',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'chat',
			agent_state TEXT,
			memory_strategy TEXT NOT NULL DEFAULT '',
			wake_condition TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls TEXT,
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			parent_id TEXT NOT NULL DEFAULT '',
			sent_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, sent_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			workflow_id TEXT NOT NULL DEFAULT '',
			thread_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'queued',
			trigger_source TEXT NOT NULL DEFAULT 'manual',
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER,
			total_cost_usd REAL,
			summary TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_owner_started ON runs(owner_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS triggers (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			type TEXT NOT NULL,
			secret TEXT NOT NULL DEFAULT '',
			config TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS connectors (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			type TEXT NOT NULL,
			provider TEXT NOT NULL,
			credential TEXT NOT NULL DEFAULT '',
			config TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(owner_id, type, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS account_credentials (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			connector_type TEXT NOT NULL,
			encrypted_value TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			test_status TEXT NOT NULL DEFAULT 'untested',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(owner_id, connector_type)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_credential_overrides (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			connector_type TEXT NOT NULL,
			encrypted_value TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			UNIQUE(agent_id, connector_type)
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			canvas TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS node_execution_states (
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			phase TEXT NOT NULL DEFAULT 'pending',
			envelope TEXT,
			error TEXT NOT NULL DEFAULT '',
			started_at INTEGER,
			finished_at INTEGER,
			PRIMARY KEY(run_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT PRIMARY KEY,
			state BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}
