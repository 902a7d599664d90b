// Package store persists cursors, usage aggregates, runtime session
// snapshots and operational events in a single SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/clawcontrol/clawcontrol/internal/logging"
)

const currentSchemaVersion = 2

// Store wraps the SQLite handle shared by every persistence concern.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and brings the schema
// up to date.
func Open(path string, busyTimeoutMs int) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	if busyTimeoutMs <= 0 {
		busyTimeoutMs = 5000
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", path, busyTimeoutMs))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		L_warn("store: failed to enable WAL mode", "error", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMs)); err != nil {
		L_warn("store: failed to set busy_timeout", "error", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		L_warn("store: failed to enable foreign keys", "error", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_info("store: opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for read-side query builders.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		// Table doesn't exist yet, fresh database
		version = 0
	}

	if version >= currentSchemaVersion {
		L_debug("store: schema up to date", "version", version)
		return nil
	}

	L_info("store: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		L_debug("store: applied migration", "version", i+1)
	}

	return nil
}

// migrateV1 creates the initial schema: cursors, usage rollups and
// bucket tables, leases.
func migrateV1(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);

	CREATE TABLE IF NOT EXISTS usage_cursors (
		source_path TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		device_id INTEGER NOT NULL DEFAULT 0,
		inode INTEGER NOT NULL DEFAULT 0,
		offset_bytes INTEGER NOT NULL DEFAULT 0,
		file_size_bytes INTEGER NOT NULL DEFAULT 0,
		file_mtime_ms INTEGER NOT NULL DEFAULT 0,
		updated_at_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_cursors_updated ON usage_cursors(updated_at_ms);

	CREATE TABLE IF NOT EXISTS session_usage (
		session_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL DEFAULT '',
		session_key TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		channel TEXT NOT NULL DEFAULT '',
		session_kind TEXT NOT NULL DEFAULT '',
		session_class TEXT NOT NULL DEFAULT 'unknown',
		operation_id TEXT NOT NULL DEFAULT '',
		work_order_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		provider_key TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_write_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		tool_call_count INTEGER NOT NULL DEFAULT 0,
		cost_micros INTEGER NOT NULL DEFAULT 0,
		has_errors INTEGER NOT NULL DEFAULT 0,
		first_seen_at_ms INTEGER NOT NULL DEFAULT 0,
		last_seen_at_ms INTEGER NOT NULL DEFAULT 0,
		updated_at_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_session_usage_agent ON session_usage(agent_id);
	CREATE INDEX IF NOT EXISTS idx_session_usage_last_seen ON session_usage(last_seen_at_ms);

	CREATE TABLE IF NOT EXISTS session_daily_usage (
		session_id TEXT NOT NULL,
		day_start_ms INTEGER NOT NULL,
		model_key TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_write_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		tool_call_count INTEGER NOT NULL DEFAULT 0,
		cost_micros INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, day_start_ms, model_key)
	);
	CREATE INDEX IF NOT EXISTS idx_daily_day ON session_daily_usage(day_start_ms);

	CREATE TABLE IF NOT EXISTS session_hourly_usage (
		session_id TEXT NOT NULL,
		hour_start_ms INTEGER NOT NULL,
		model_key TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_write_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		tool_call_count INTEGER NOT NULL DEFAULT 0,
		cost_micros INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, hour_start_ms, model_key)
	);
	CREATE INDEX IF NOT EXISTS idx_hourly_hour ON session_hourly_usage(hour_start_ms);

	CREATE TABLE IF NOT EXISTS session_tool_daily (
		session_id TEXT NOT NULL,
		day_start_ms INTEGER NOT NULL,
		tool_name TEXT NOT NULL,
		call_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, day_start_ms, tool_name)
	);

	CREATE TABLE IF NOT EXISTS session_tool_totals (
		session_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		call_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, tool_name)
	);

	CREATE TABLE IF NOT EXISTS leases (
		name TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		acquired_at_ms INTEGER NOT NULL,
		expires_at_ms INTEGER NOT NULL
	);
	`
	_, err := db.Exec(schema, time.Now().UnixMilli())
	return err
}

// migrateV2 adds the runtime session snapshot and ops tables.
func migrateV2(db *sql.DB) error {
	schema := `
	INSERT INTO schema_version (version, applied_at) VALUES (2, ?);

	CREATE TABLE IF NOT EXISTS agent_sessions (
		session_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL DEFAULT '',
		session_key TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'idle',
		label TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		percent_used REAL NOT NULL DEFAULT 0,
		dispatch_mode TEXT NOT NULL DEFAULT '',
		operation_id TEXT NOT NULL DEFAULT '',
		work_order_id TEXT NOT NULL DEFAULT '',
		aborted_last_run INTEGER NOT NULL DEFAULT 0,
		last_seen_at_ms INTEGER NOT NULL DEFAULT 0,
		raw_json TEXT NOT NULL DEFAULT '',
		updated_at_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_agent_sessions_agent ON agent_sessions(agent_id);
	CREATE INDEX IF NOT EXISTS idx_agent_sessions_seen ON agent_sessions(last_seen_at_ms);

	CREATE TABLE IF NOT EXISTS ops_actionable_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint TEXT NOT NULL UNIQUE,
		scope_token TEXT NOT NULL DEFAULT '',
		team_id TEXT NOT NULL DEFAULT '',
		ops_runtime_agent_id TEXT NOT NULL DEFAULT '',
		relay_key TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		job_id TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT 'low',
		decision_required INTEGER NOT NULL DEFAULT 0,
		summary TEXT NOT NULL DEFAULT '',
		recommendation TEXT NOT NULL DEFAULT '',
		evidence TEXT NOT NULL DEFAULT '',
		run_at_ms INTEGER NOT NULL DEFAULT 0,
		work_order_id TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL DEFAULT 0,
		relayed_at_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_ops_pending ON ops_actionable_events(relayed_at_ms, created_at_ms);
	CREATE INDEX IF NOT EXISTS idx_ops_team ON ops_actionable_events(team_id);
	CREATE INDEX IF NOT EXISTS idx_ops_relay ON ops_actionable_events(relay_key);

	CREATE TABLE IF NOT EXISTS work_orders (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'P3',
		status TEXT NOT NULL DEFAULT 'open',
		owner_agent_id TEXT NOT NULL DEFAULT '',
		scope_token TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL DEFAULT 0,
		updated_at_ms INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := db.Exec(schema, time.Now().UnixMilli())
	return err
}

// maxInParams caps the number of bound parameters per IN clause so a
// single query never exceeds SQLite's parameter limit.
const maxInParams = 900

// ChunkStrings splits ids into slices of at most maxInParams entries.
func ChunkStrings(ids []string) [][]string {
	if len(ids) == 0 {
		return nil
	}
	var chunks [][]string
	for len(ids) > maxInParams {
		chunks = append(chunks, ids[:maxInParams])
		ids = ids[maxInParams:]
	}
	return append(chunks, ids)
}

// Placeholders returns "?,?,...,?" with n positions.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

// Args converts a string slice into driver args.
func Args(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
