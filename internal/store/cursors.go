package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GetCursor returns the cursor for a source path, nil when the path
// has never been ingested.
func (s *Store) GetCursor(sourcePath string) (*Cursor, error) {
	var c Cursor
	err := s.db.QueryRow(`
		SELECT source_path, agent_id, session_id, device_id, inode,
		       offset_bytes, file_size_bytes, file_mtime_ms, updated_at_ms
		FROM usage_cursors WHERE source_path = ?
	`, sourcePath).Scan(&c.SourcePath, &c.AgentID, &c.SessionID, &c.DeviceID, &c.Inode,
		&c.OffsetBytes, &c.FileSize, &c.FileMtimeMs, &c.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	return &c, nil
}

// KnownPaths returns every cursor path ordered by staleness, oldest
// update first. Ingestion uses this to prioritize files it has not
// visited recently.
func (s *Store) KnownPaths() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT source_path, updated_at_ms FROM usage_cursors`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	known := make(map[string]int64)
	for rows.Next() {
		var path string
		var updated int64
		if err := rows.Scan(&path, &updated); err != nil {
			return nil, err
		}
		known[path] = updated
	}
	return known, rows.Err()
}

// DeleteCursor removes the cursor for a path that no longer exists.
func (s *Store) DeleteCursor(sourcePath string) error {
	_, err := s.db.Exec(`DELETE FROM usage_cursors WHERE source_path = ?`, sourcePath)
	return err
}

func upsertCursorTx(tx *sql.Tx, c Cursor) error {
	if c.UpdatedAtMs == 0 {
		c.UpdatedAtMs = time.Now().UnixMilli()
	}
	_, err := tx.Exec(`
		INSERT INTO usage_cursors
			(source_path, agent_id, session_id, device_id, inode,
			 offset_bytes, file_size_bytes, file_mtime_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_path) DO UPDATE SET
			agent_id = excluded.agent_id,
			session_id = excluded.session_id,
			device_id = excluded.device_id,
			inode = excluded.inode,
			offset_bytes = excluded.offset_bytes,
			file_size_bytes = excluded.file_size_bytes,
			file_mtime_ms = excluded.file_mtime_ms,
			updated_at_ms = excluded.updated_at_ms
	`, c.SourcePath, c.AgentID, c.SessionID, c.DeviceID, c.Inode,
		c.OffsetBytes, c.FileSize, c.FileMtimeMs, c.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

// UpsertCursor persists a cursor outside a delta commit, used when a
// file yielded no new events but its position still advanced.
func (s *Store) UpsertCursor(c Cursor) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := upsertCursorTx(tx, c); err != nil {
		return err
	}
	return tx.Commit()
}
