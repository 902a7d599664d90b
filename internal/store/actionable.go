package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const actionableEventCols = `id, fingerprint, scope_token, team_id, ops_runtime_agent_id, relay_key,
	source, job_id, severity, decision_required, summary, recommendation, evidence,
	run_at_ms, work_order_id, created_at_ms, relayed_at_ms`

func scanActionableEvent(row interface{ Scan(...interface{}) error }) (ActionableEvent, error) {
	var e ActionableEvent
	var decision int
	err := row.Scan(&e.ID, &e.Fingerprint, &e.ScopeToken, &e.TeamID, &e.OpsRuntimeAgentID, &e.RelayKey,
		&e.Source, &e.JobID, &e.Severity, &decision, &e.Summary, &e.Recommendation, &e.Evidence,
		&e.RunAtMs, &e.WorkOrderID, &e.CreatedAtMs, &e.RelayedAtMs)
	e.DecisionRequired = decision != 0
	return e, err
}

// InsertActionableEvent stores one deduplicated finding. Returns false
// when an event with the same fingerprint already exists.
func (s *Store) InsertActionableEvent(e ActionableEvent) (bool, error) {
	if e.CreatedAtMs == 0 {
		e.CreatedAtMs = time.Now().UnixMilli()
	}
	_, err := s.db.Exec(`
		INSERT INTO ops_actionable_events
			(fingerprint, scope_token, team_id, ops_runtime_agent_id, relay_key,
			 source, job_id, severity, decision_required, summary, recommendation, evidence,
			 run_at_ms, work_order_id, created_at_ms, relayed_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, e.Fingerprint, e.ScopeToken, e.TeamID, e.OpsRuntimeAgentID, e.RelayKey,
		e.Source, e.JobID, e.Severity, boolToInt(e.DecisionRequired), e.Summary,
		e.Recommendation, e.Evidence, e.RunAtMs, e.WorkOrderID, e.CreatedAtMs)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return false, nil
		}
		return false, fmt.Errorf("insert actionable event: %w", err)
	}
	return true, nil
}

// GetActionableEvent fetches the stored row for one fingerprint, nil
// when absent.
func (s *Store) GetActionableEvent(fingerprint string) (*ActionableEvent, error) {
	e, err := scanActionableEvent(s.db.QueryRow(`
		SELECT `+actionableEventCols+`
		FROM ops_actionable_events WHERE fingerprint = ?
	`, fingerprint))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get actionable event: %w", err)
	}
	return &e, nil
}

// SetEventWorkOrder patches the work-order linkage onto an existing
// event, keyed by fingerprint.
func (s *Store) SetEventWorkOrder(fingerprint, workOrderID string) error {
	_, err := s.db.Exec(`
		UPDATE ops_actionable_events SET work_order_id = ? WHERE fingerprint = ?
	`, workOrderID, fingerprint)
	if err != nil {
		return fmt.Errorf("set event work order: %w", err)
	}
	return nil
}

// PollActionableEvents returns up to maxItems unrelayed events,
// oldest first, marking them relayed in the same transaction so two
// pollers never hand out the same event twice. Either scope field may
// be empty; a teamID-only scope matches every relay key for that team.
func (s *Store) PollActionableEvents(teamID, relayKey string, maxItems int) ([]ActionableEvent, error) {
	if maxItems <= 0 || maxItems > 100 {
		maxItems = 100
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin poll tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT ` + actionableEventCols + `
		FROM ops_actionable_events
		WHERE relayed_at_ms = 0`
	args := []interface{}{}
	if teamID != "" {
		query += ` AND team_id = ?`
		args = append(args, teamID)
	}
	if relayKey != "" {
		query += ` AND relay_key = ?`
		args = append(args, relayKey)
	}
	query += ` ORDER BY created_at_ms ASC, id ASC LIMIT ?`
	args = append(args, maxItems)

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("poll events: %w", err)
	}

	var events []ActionableEvent
	var ids []interface{}
	for rows.Next() {
		e, err := scanActionableEvent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, e)
		ids = append(ids, e.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(events) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UnixMilli()
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	if _, err := tx.Exec(`
		UPDATE ops_actionable_events SET relayed_at_ms = `+fmt.Sprint(now)+`
		WHERE id IN (`+placeholders+`)`, ids...); err != nil {
		return nil, fmt.Errorf("mark relayed: %w", err)
	}
	for i := range events {
		events[i].RelayedAtMs = now
	}

	return events, tx.Commit()
}

// InsertWorkOrder creates a work order row.
func (s *Store) InsertWorkOrder(w WorkOrder) error {
	now := time.Now().UnixMilli()
	if w.CreatedAtMs == 0 {
		w.CreatedAtMs = now
	}
	if w.UpdatedAtMs == 0 {
		w.UpdatedAtMs = now
	}
	if w.Status == "" {
		w.Status = "open"
	}
	_, err := s.db.Exec(`
		INSERT INTO work_orders (id, title, priority, status, owner_agent_id, scope_token, source, tags, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			priority = excluded.priority,
			updated_at_ms = excluded.updated_at_ms
	`, w.ID, w.Title, w.Priority, w.Status, w.OwnerAgentID, w.ScopeToken, w.Source, w.Tags, w.CreatedAtMs, w.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("insert work order: %w", err)
	}
	return nil
}

// GetWorkOrder fetches one work order, nil when absent.
func (s *Store) GetWorkOrder(id string) (*WorkOrder, error) {
	var w WorkOrder
	err := s.db.QueryRow(`
		SELECT id, title, priority, status, owner_agent_id, scope_token, source, tags, created_at_ms, updated_at_ms
		FROM work_orders WHERE id = ?
	`, id).Scan(&w.ID, &w.Title, &w.Priority, &w.Status, &w.OwnerAgentID, &w.ScopeToken, &w.Source, &w.Tags, &w.CreatedAtMs, &w.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get work order: %w", err)
	}
	return &w, nil
}
