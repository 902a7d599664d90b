package store

import (
	"fmt"
	"time"
)

const agentSessionCols = `session_id, agent_id, session_key, state, label, kind, model,
	percent_used, dispatch_mode, operation_id, work_order_id, aborted_last_run,
	last_seen_at_ms, raw_json, updated_at_ms`

func scanAgentSession(row interface{ Scan(...interface{}) error }) (AgentSession, error) {
	var a AgentSession
	var aborted int
	err := row.Scan(&a.SessionID, &a.AgentID, &a.SessionKey, &a.State, &a.Label,
		&a.Kind, &a.Model, &a.PercentUsed, &a.DispatchMode, &a.OperationID,
		&a.WorkOrderID, &aborted, &a.LastSeenAtMs, &a.RawJSON, &a.UpdatedAtMs)
	a.AbortedLastRun = aborted != 0
	return a, err
}

// UpsertAgentSession writes the runtime's view of a session. The
// gateway is canonical for identity, so agent id, session key, state
// and liveness always overwrite what is stored. Descriptive fields
// keep their prior value when the incoming write leaves them empty,
// so a dispatch write never blanks out telemetry detail.
func (s *Store) UpsertAgentSession(a AgentSession) error {
	if a.UpdatedAtMs == 0 {
		a.UpdatedAtMs = time.Now().UnixMilli()
	}
	_, err := s.db.Exec(`
		INSERT INTO agent_sessions
			(session_id, agent_id, session_key, state, label, kind, model,
			 percent_used, dispatch_mode, operation_id, work_order_id,
			 aborted_last_run, last_seen_at_ms, raw_json, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			agent_id = excluded.agent_id,
			session_key = excluded.session_key,
			state = excluded.state,
			label = CASE WHEN excluded.label = '' THEN agent_sessions.label ELSE excluded.label END,
			kind = CASE WHEN excluded.kind = '' THEN agent_sessions.kind ELSE excluded.kind END,
			model = CASE WHEN excluded.model = '' THEN agent_sessions.model ELSE excluded.model END,
			percent_used = CASE WHEN excluded.percent_used = 0 THEN agent_sessions.percent_used ELSE excluded.percent_used END,
			dispatch_mode = CASE WHEN excluded.dispatch_mode = '' THEN agent_sessions.dispatch_mode ELSE excluded.dispatch_mode END,
			operation_id = CASE WHEN excluded.operation_id = '' THEN agent_sessions.operation_id ELSE excluded.operation_id END,
			work_order_id = CASE WHEN excluded.work_order_id = '' THEN agent_sessions.work_order_id ELSE excluded.work_order_id END,
			aborted_last_run = excluded.aborted_last_run,
			last_seen_at_ms = excluded.last_seen_at_ms,
			raw_json = CASE WHEN excluded.raw_json = '' THEN agent_sessions.raw_json ELSE excluded.raw_json END,
			updated_at_ms = excluded.updated_at_ms
	`, a.SessionID, a.AgentID, a.SessionKey, a.State, a.Label, a.Kind, a.Model,
		a.PercentUsed, a.DispatchMode, a.OperationID, a.WorkOrderID,
		boolToInt(a.AbortedLastRun), a.LastSeenAtMs, a.RawJSON, a.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("upsert agent session: %w", err)
	}
	return nil
}

// ListAgentSessions returns session snapshots, most recently seen
// first, optionally filtered by agent.
func (s *Store) ListAgentSessions(agentID string, limit int) ([]AgentSession, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + agentSessionCols + `
		FROM agent_sessions`
	args := []interface{}{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY last_seen_at_ms DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agent sessions: %w", err)
	}
	defer rows.Close()

	var out []AgentSession
	for rows.Next() {
		a, err := scanAgentSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AgentSessionsByID fetches snapshots for a set of session ids,
// chunking the IN clause to stay under the parameter limit.
func (s *Store) AgentSessionsByID(sessionIDs []string) (map[string]AgentSession, error) {
	out := make(map[string]AgentSession, len(sessionIDs))
	for _, chunk := range ChunkStrings(sessionIDs) {
		rows, err := s.db.Query(`
			SELECT `+agentSessionCols+`
			FROM agent_sessions WHERE session_id IN (`+Placeholders(len(chunk))+`)
		`, Args(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("agent sessions by id: %w", err)
		}
		for rows.Next() {
			a, err := scanAgentSession(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[a.SessionID] = a
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}
