package explore

import (
	"fmt"
	"strings"

	"github.com/clawcontrol/clawcontrol/internal/store"
	"github.com/clawcontrol/clawcontrol/internal/usage"
)

// Totals is the additive slice of counters every explore answer uses.
type Totals struct {
	InputTokens      int64 `json:"inputTokens"`
	OutputTokens     int64 `json:"outputTokens"`
	CacheReadTokens  int64 `json:"cacheReadTokens"`
	CacheWriteTokens int64 `json:"cacheWriteTokens"`
	TotalTokens      int64 `json:"totalTokens"`
	ToolCallCount    int64 `json:"toolCallCount"`
	CostMicros       int64 `json:"costMicros"`
}

func (t *Totals) add(o Totals) {
	t.InputTokens += o.InputTokens
	t.OutputTokens += o.OutputTokens
	t.CacheReadTokens += o.CacheReadTokens
	t.CacheWriteTokens += o.CacheWriteTokens
	t.TotalTokens += o.TotalTokens
	t.ToolCallCount += o.ToolCallCount
	t.CostMicros += o.CostMicros
}

// bucketRow is one daily or hourly aggregate row.
type bucketRow struct {
	SessionID string
	StartMs   int64
	ModelKey  string
	Model     string
	Totals
}

// toolRow is one (session, day, tool) call-count row.
type toolRow struct {
	SessionID  string
	DayStartMs int64
	Tool       string
	CallCount  int64
}

// sessionDims is the dimension row for one session.
type sessionDims struct {
	store.SessionUsage
}

// loadBucketRows reads daily or hourly aggregates overlapping the
// range.
func (e *Engine) loadBucketRows(table, startCol string, fromMs, toMs int64) ([]bucketRow, error) {
	rows, err := e.st.DB().Query(fmt.Sprintf(`
		SELECT session_id, %s, model_key, model,
		       input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
		       total_tokens, tool_call_count, cost_micros
		FROM %s WHERE %s >= ? AND %s <= ?
	`, startCol, table, startCol, startCol), fromMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	defer rows.Close()

	var out []bucketRow
	for rows.Next() {
		var r bucketRow
		if err := rows.Scan(&r.SessionID, &r.StartMs, &r.ModelKey, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.CacheReadTokens, &r.CacheWriteTokens,
			&r.TotalTokens, &r.ToolCallCount, &r.CostMicros); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// loadToolRows reads tool-daily rows for a set of sessions in range,
// chunking the session id list.
func (e *Engine) loadToolRows(sessionIDs []string, fromMs, toMs int64) ([]toolRow, error) {
	var out []toolRow
	for _, chunk := range store.ChunkStrings(sessionIDs) {
		args := append([]interface{}{fromMs, toMs}, store.Args(chunk)...)
		rows, err := e.st.DB().Query(`
			SELECT session_id, day_start_ms, tool_name, call_count
			FROM session_tool_daily
			WHERE day_start_ms >= ? AND day_start_ms <= ?
			  AND session_id IN (`+store.Placeholders(len(chunk))+`)
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("load tool rows: %w", err)
		}
		for rows.Next() {
			var r toolRow
			if err := rows.Scan(&r.SessionID, &r.DayStartMs, &r.Tool, &r.CallCount); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// loadSessionDims fetches dimension rows for a set of sessions,
// chunked. Rows written before provider keys were stored derive one
// from the model label.
func (e *Engine) loadSessionDims(sessionIDs []string) (map[string]sessionDims, error) {
	out := make(map[string]sessionDims, len(sessionIDs))
	for _, chunk := range store.ChunkStrings(sessionIDs) {
		rows, err := e.st.DB().Query(`
			SELECT session_id, agent_id, session_key, source, channel, session_kind,
			       session_class, operation_id, work_order_id, model, provider_key,
			       has_errors, first_seen_at_ms, last_seen_at_ms
			FROM session_usage WHERE session_id IN (`+store.Placeholders(len(chunk))+`)
		`, store.Args(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("load session dims: %w", err)
		}
		for rows.Next() {
			var d sessionDims
			var hasErrors int
			if err := rows.Scan(&d.SessionID, &d.AgentID, &d.SessionKey, &d.Source, &d.Channel,
				&d.SessionKind, &d.Class, &d.OperationID, &d.WorkOrderID, &d.Model, &d.ProviderKey,
				&hasErrors, &d.FirstSeenAtMs, &d.LastSeenAtMs); err != nil {
				rows.Close()
				return nil, err
			}
			d.HasErrors = hasErrors != 0
			if d.ProviderKey == "" && d.Model != "" {
				d.ProviderKey = usage.ProviderKey(d.Model)
			}
			out[d.SessionID] = d
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

// matchRow applies every filter to a bucket row and its session
// dimensions. Missing dims behave as an all-empty session.
func matchRow(f Filters, r bucketRow, d sessionDims) bool {
	if len(f.AgentIDs) > 0 && !containsFold(f.AgentIDs, d.AgentID) {
		return false
	}
	if len(f.ModelKeys) > 0 && !containsFold(f.ModelKeys, r.ModelKey) {
		return false
	}
	if len(f.Providers) > 0 {
		provider := usage.ProviderKey(r.Model)
		if provider == "unknown" {
			provider = usage.ProviderKey(r.ModelKey)
		}
		if !containsFold(f.Providers, provider) {
			return false
		}
	}
	if len(f.Sources) > 0 && !containsFold(f.Sources, d.Source) {
		return false
	}
	if len(f.SessionClasses) > 0 && !containsFold(f.SessionClasses, d.Class) {
		return false
	}
	if f.Q != "" {
		blob := strings.ToLower(strings.Join([]string{
			d.SessionID, d.AgentID, d.SessionKey, d.Source, d.Channel, d.SessionKind,
			d.Class, d.ProviderKey, d.OperationID, d.WorkOrderID, d.Model, r.Model, r.ModelKey,
		}, "\x00"))
		if !strings.Contains(blob, strings.ToLower(f.Q)) {
			return false
		}
	}
	return true
}

// filterRows keeps the bucket rows passing all filters, returning the
// matching rows plus their session dims.
func (e *Engine) filterRows(rows []bucketRow, f Filters) ([]bucketRow, map[string]sessionDims, error) {
	idSet := make(map[string]bool)
	var ids []string
	for _, r := range rows {
		if !idSet[r.SessionID] {
			idSet[r.SessionID] = true
			ids = append(ids, r.SessionID)
		}
	}
	dims, err := e.loadSessionDims(ids)
	if err != nil {
		return nil, nil, err
	}

	var kept []bucketRow
	for _, r := range rows {
		if matchRow(f, r, dims[r.SessionID]) {
			kept = append(kept, r)
		}
	}
	return kept, dims, nil
}
