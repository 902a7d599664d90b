package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/clawcontrol/clawcontrol/internal/usage"
)

// classElevateSQL merges two session classes keeping the higher
// precedence one (cron > workflow > interactive > unknown).
const classElevateSQL = `CASE
	WHEN session_usage.session_class = 'background_cron' OR excluded.session_class = 'background_cron' THEN 'background_cron'
	WHEN session_usage.session_class = 'background_workflow' OR excluded.session_class = 'background_workflow' THEN 'background_workflow'
	WHEN session_usage.session_class = 'interactive' OR excluded.session_class = 'interactive' THEN 'interactive'
	ELSE 'unknown'
END`

// CommitDelta applies one folded file delta and its cursor advance in
// a single transaction, so a crash never leaves counted usage without
// the matching cursor move.
func (s *Store) CommitDelta(sessionID, agentID string, d *usage.SessionDelta, cursor Cursor) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delta tx: %w", err)
	}
	defer tx.Rollback()

	if !d.Empty() {
		if err := upsertSessionUsageTx(tx, sessionID, agentID, d); err != nil {
			return err
		}
		if err := upsertBucketsTx(tx, "session_daily_usage", "day_start_ms", sessionID, d.Daily); err != nil {
			return err
		}
		if err := upsertBucketsTx(tx, "session_hourly_usage", "hour_start_ms", sessionID, d.Hourly); err != nil {
			return err
		}
		if err := upsertToolsTx(tx, sessionID, d); err != nil {
			return err
		}
	}

	if err := upsertCursorTx(tx, cursor); err != nil {
		return err
	}

	return tx.Commit()
}

func upsertSessionUsageTx(tx *sql.Tx, sessionID, agentID string, d *usage.SessionDelta) error {
	now := time.Now().UnixMilli()
	providerKey := ""
	if d.Model != "" {
		providerKey = usage.ProviderKey(d.Model)
	}
	_, err := tx.Exec(`
		INSERT INTO session_usage
			(session_id, agent_id, session_key, source, channel, session_kind,
			 session_class, operation_id, work_order_id, model, provider_key,
			 input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
			 total_tokens, tool_call_count, cost_micros,
			 has_errors, first_seen_at_ms, last_seen_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			agent_id = CASE WHEN session_usage.agent_id = '' THEN excluded.agent_id ELSE session_usage.agent_id END,
			session_key = CASE WHEN session_usage.session_key = '' THEN excluded.session_key ELSE session_usage.session_key END,
			source = CASE WHEN session_usage.source = '' THEN excluded.source ELSE session_usage.source END,
			channel = CASE WHEN session_usage.channel = '' THEN excluded.channel ELSE session_usage.channel END,
			session_kind = CASE WHEN session_usage.session_kind = '' THEN excluded.session_kind ELSE session_usage.session_kind END,
			session_class = `+classElevateSQL+`,
			operation_id = CASE WHEN session_usage.operation_id = '' THEN excluded.operation_id ELSE session_usage.operation_id END,
			work_order_id = CASE WHEN session_usage.work_order_id = '' THEN excluded.work_order_id ELSE session_usage.work_order_id END,
			model = CASE WHEN session_usage.model = '' THEN excluded.model ELSE session_usage.model END,
			provider_key = CASE WHEN session_usage.provider_key = '' THEN excluded.provider_key ELSE session_usage.provider_key END,
			input_tokens = session_usage.input_tokens + excluded.input_tokens,
			output_tokens = session_usage.output_tokens + excluded.output_tokens,
			cache_read_tokens = session_usage.cache_read_tokens + excluded.cache_read_tokens,
			cache_write_tokens = session_usage.cache_write_tokens + excluded.cache_write_tokens,
			total_tokens = session_usage.total_tokens + excluded.total_tokens,
			tool_call_count = session_usage.tool_call_count + excluded.tool_call_count,
			cost_micros = session_usage.cost_micros + excluded.cost_micros,
			has_errors = MAX(session_usage.has_errors, excluded.has_errors),
			first_seen_at_ms = CASE
				WHEN excluded.first_seen_at_ms > 0 AND (session_usage.first_seen_at_ms = 0 OR excluded.first_seen_at_ms < session_usage.first_seen_at_ms)
				THEN excluded.first_seen_at_ms ELSE session_usage.first_seen_at_ms END,
			last_seen_at_ms = MAX(session_usage.last_seen_at_ms, excluded.last_seen_at_ms),
			updated_at_ms = excluded.updated_at_ms
	`, sessionID, agentID, d.SessionKey, d.Source, d.Channel, d.SessionKind,
		string(d.Class), d.OperationID, d.WorkOrderID, d.Model, providerKey,
		d.InputTokens, d.OutputTokens, d.CacheReadTokens, d.CacheWriteTokens,
		d.TotalTokens, d.ToolCallCount, d.CostMicros,
		boolToInt(d.HasErrors), d.FirstSeenMs, d.LastSeenMs, now)
	if err != nil {
		return fmt.Errorf("upsert session_usage: %w", err)
	}
	return nil
}

func upsertBucketsTx(tx *sql.Tx, table, startCol, sessionID string, buckets map[usage.BucketKey]*usage.BucketDelta) error {
	for key, b := range buckets {
		_, err := tx.Exec(fmt.Sprintf(`
			INSERT INTO %s
				(session_id, %s, model_key, model,
				 input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
				 total_tokens, tool_call_count, cost_micros)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, %s, model_key) DO UPDATE SET
				model = CASE WHEN %s.model = '' THEN excluded.model ELSE %s.model END,
				input_tokens = %s.input_tokens + excluded.input_tokens,
				output_tokens = %s.output_tokens + excluded.output_tokens,
				cache_read_tokens = %s.cache_read_tokens + excluded.cache_read_tokens,
				cache_write_tokens = %s.cache_write_tokens + excluded.cache_write_tokens,
				total_tokens = %s.total_tokens + excluded.total_tokens,
				tool_call_count = %s.tool_call_count + excluded.tool_call_count,
				cost_micros = %s.cost_micros + excluded.cost_micros
		`, table, startCol, startCol,
			table, table, table, table, table, table, table, table, table),
			sessionID, key.StartMs, key.ModelKey, b.Model,
			b.InputTokens, b.OutputTokens, b.CacheReadTokens, b.CacheWriteTokens,
			b.TotalTokens, b.ToolCallCount, b.CostMicros)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", table, err)
		}
	}
	return nil
}

func upsertToolsTx(tx *sql.Tx, sessionID string, d *usage.SessionDelta) error {
	for key, count := range d.ToolDaily {
		_, err := tx.Exec(`
			INSERT INTO session_tool_daily (session_id, day_start_ms, tool_name, call_count)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id, day_start_ms, tool_name) DO UPDATE SET
				call_count = session_tool_daily.call_count + excluded.call_count
		`, sessionID, key.DayStartMs, key.Tool, count)
		if err != nil {
			return fmt.Errorf("upsert session_tool_daily: %w", err)
		}
	}
	for tool, count := range d.ToolTotals {
		_, err := tx.Exec(`
			INSERT INTO session_tool_totals (session_id, tool_name, call_count)
			VALUES (?, ?, ?)
			ON CONFLICT(session_id, tool_name) DO UPDATE SET
				call_count = session_tool_totals.call_count + excluded.call_count
		`, sessionID, tool, count)
		if err != nil {
			return fmt.Errorf("upsert session_tool_totals: %w", err)
		}
	}
	return nil
}

// GetSessionUsage returns the lifetime rollup for one session, nil
// when the session has no ingested usage.
func (s *Store) GetSessionUsage(sessionID string) (*SessionUsage, error) {
	var u SessionUsage
	var hasErrors int
	err := s.db.QueryRow(`
		SELECT session_id, agent_id, session_key, source, channel, session_kind,
		       session_class, operation_id, work_order_id, model, provider_key,
		       input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
		       total_tokens, tool_call_count, cost_micros,
		       has_errors, first_seen_at_ms, last_seen_at_ms, updated_at_ms
		FROM session_usage WHERE session_id = ?
	`, sessionID).Scan(&u.SessionID, &u.AgentID, &u.SessionKey, &u.Source, &u.Channel, &u.SessionKind,
		&u.Class, &u.OperationID, &u.WorkOrderID, &u.Model, &u.ProviderKey,
		&u.InputTokens, &u.OutputTokens, &u.CacheReadTokens, &u.CacheWriteTokens,
		&u.TotalTokens, &u.ToolCallCount, &u.CostMicros,
		&hasErrors, &u.FirstSeenAtMs, &u.LastSeenAtMs, &u.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session usage: %w", err)
	}
	u.HasErrors = hasErrors != 0
	return &u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
