package explore

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/clawcontrol/clawcontrol/internal/cache"
	"github.com/clawcontrol/clawcontrol/internal/store"
	"github.com/clawcontrol/clawcontrol/internal/usage"
)

// Engine serves explore queries from the aggregate store with a short
// per-query cache.
type Engine struct {
	st    *store.Store
	cache *cache.Cache
	now   func() time.Time
}

// New builds an explore engine.
func New(st *store.Store) *Engine {
	return &Engine{st: st, cache: cache.New(), now: time.Now}
}

const dayMs = int64(24 * time.Hour / time.Millisecond)

// SummaryDay is one day of the dense series.
type SummaryDay struct {
	DayStartMs int64 `json:"dayStartMs"`
	Totals
}

// Summary is the range rollup.
type Summary struct {
	Totals
	SessionCount        int          `json:"sessionCount"`
	CacheEfficiencyPct  float64      `json:"cacheEfficiencyPct"`
	AvgTokensPerDay     int64        `json:"avgTokensPerDay"`
	AvgCostMicrosPerDay int64        `json:"avgCostMicrosPerDay"`
	Days                []SummaryDay `json:"days"`
}

// GetSummary aggregates the filtered range to totals plus a dense
// daily series, zero-filling days without data.
func (e *Engine) GetSummary(req Request) (*Summary, error) {
	req = req.normalize(e.now())
	v, err := e.cache.LoadOrCompute(req.cacheKey("summary"), queryCacheTTL, func() (interface{}, error) {
		return e.getSummary(req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Summary), nil
}

func (e *Engine) getSummary(req Request) (*Summary, error) {
	rows, _, err := e.filteredDailyRows(req)
	if err != nil {
		return nil, err
	}

	s := &Summary{}
	byDay := make(map[int64]*Totals)
	sessions := make(map[string]bool)
	for _, r := range rows {
		s.Totals.add(r.Totals)
		sessions[r.SessionID] = true
		t := byDay[r.StartMs]
		if t == nil {
			t = &Totals{}
			byDay[r.StartMs] = t
		}
		t.add(r.Totals)
	}
	s.SessionCount = len(sessions)

	if denom := s.CacheReadTokens + s.InputTokens; denom > 0 {
		s.CacheEfficiencyPct = math.Round(float64(s.CacheReadTokens)/float64(denom)*10000) / 100
	}

	firstDay := usage.DayStartMs(time.UnixMilli(req.Range.FromMs))
	lastDay := usage.DayStartMs(time.UnixMilli(req.Range.ToMs))
	dayCount := int64(0)
	for day := firstDay; day <= lastDay; day += dayMs {
		dayCount++
		sd := SummaryDay{DayStartMs: day}
		if t := byDay[day]; t != nil {
			sd.Totals = *t
		}
		s.Days = append(s.Days, sd)
	}
	if dayCount > 0 {
		s.AvgTokensPerDay = s.TotalTokens / dayCount
		s.AvgCostMicrosPerDay = s.CostMicros / dayCount
	}
	return s, nil
}

// filteredDailyRows loads the daily aggregates in range and applies
// all filters.
func (e *Engine) filteredDailyRows(req Request) ([]bucketRow, map[string]sessionDims, error) {
	firstDay := usage.DayStartMs(time.UnixMilli(req.Range.FromMs))
	rows, err := e.loadBucketRows("session_daily_usage", "day_start_ms", firstDay, req.Range.ToMs)
	if err != nil {
		return nil, nil, err
	}
	return e.filterRows(rows, req.Filters)
}

// BreakdownGroup is one grouped rollup.
type BreakdownGroup struct {
	Key string `json:"key"`
	Totals
	SessionCount int `json:"sessionCount"`
}

// breakdownDims enumerates the accepted groupBy values.
var breakdownDims = map[string]bool{
	"agent":        true,
	"model":        true,
	"provider":     true,
	"source":       true,
	"sessionClass": true,
	"tool":         true,
}

// GetBreakdown groups the filtered range by one dimension. Tool
// grouping distributes each daily row's values across that day's tool
// calls proportionally to call count. An unrecognized dimension is an
// error, never a silent "unknown" group.
func (e *Engine) GetBreakdown(req Request, groupBy string) ([]BreakdownGroup, error) {
	if !breakdownDims[groupBy] {
		return nil, fmt.Errorf("invalid groupBy %q: want agent, model, provider, source, sessionClass or tool", groupBy)
	}
	req = req.normalize(e.now())
	v, err := e.cache.LoadOrCompute(req.cacheKey("breakdown:"+groupBy), queryCacheTTL, func() (interface{}, error) {
		return e.getBreakdown(req, groupBy)
	})
	if err != nil {
		return nil, err
	}
	return v.([]BreakdownGroup), nil
}

func (e *Engine) getBreakdown(req Request, groupBy string) ([]BreakdownGroup, error) {
	rows, dims, err := e.filteredDailyRows(req)
	if err != nil {
		return nil, err
	}

	if groupBy == "tool" {
		return e.toolBreakdown(req, rows)
	}

	keyOf := func(r bucketRow, d sessionDims) string {
		switch groupBy {
		case "agent":
			return orUnknown(d.AgentID)
		case "model":
			return r.ModelKey
		case "provider":
			if p := usage.ProviderKey(r.Model); p != "unknown" {
				return p
			}
			return usage.ProviderKey(r.ModelKey)
		case "source":
			return orUnknown(d.Source)
		case "sessionClass":
			return orUnknown(d.Class)
		}
		return "unknown"
	}

	groups := make(map[string]*BreakdownGroup)
	groupSessions := make(map[string]map[string]bool)
	for _, r := range rows {
		key := keyOf(r, dims[r.SessionID])
		g := groups[key]
		if g == nil {
			g = &BreakdownGroup{Key: key}
			groups[key] = g
			groupSessions[key] = make(map[string]bool)
		}
		g.Totals.add(r.Totals)
		groupSessions[key][r.SessionID] = true
	}
	for key, g := range groups {
		g.SessionCount = len(groupSessions[key])
	}
	return sortGroups(groups), nil
}

// toolBreakdown attributes each daily row's values to that session
// day's tools, weighted by call count. The integer-division remainder
// goes to the heaviest tool; rows with no tool calls land on
// "unknown".
func (e *Engine) toolBreakdown(req Request, rows []bucketRow) ([]BreakdownGroup, error) {
	ids := make([]string, 0, len(rows))
	seen := make(map[string]bool)
	for _, r := range rows {
		if !seen[r.SessionID] {
			seen[r.SessionID] = true
			ids = append(ids, r.SessionID)
		}
	}
	firstDay := usage.DayStartMs(time.UnixMilli(req.Range.FromMs))
	toolRows, err := e.loadToolRows(ids, firstDay, req.Range.ToMs)
	if err != nil {
		return nil, err
	}

	type dayKey struct {
		sessionID string
		dayStart  int64
	}
	toolsByDay := make(map[dayKey][]toolRow)
	for _, tr := range toolRows {
		k := dayKey{tr.SessionID, tr.DayStartMs}
		toolsByDay[k] = append(toolsByDay[k], tr)
	}

	groups := make(map[string]*BreakdownGroup)
	groupSessions := make(map[string]map[string]bool)
	credit := func(tool, sessionID string, t Totals) {
		g := groups[tool]
		if g == nil {
			g = &BreakdownGroup{Key: tool}
			groups[tool] = g
			groupSessions[tool] = make(map[string]bool)
		}
		g.Totals.add(t)
		groupSessions[tool][sessionID] = true
	}

	for _, r := range rows {
		tools := toolsByDay[dayKey{r.SessionID, r.StartMs}]
		if len(tools) == 0 {
			credit("unknown", r.SessionID, r.Totals)
			continue
		}
		var weightSum int64
		heaviest := 0
		for i, tr := range tools {
			weightSum += tr.CallCount
			if tr.CallCount > tools[heaviest].CallCount {
				heaviest = i
			}
		}
		if weightSum <= 0 {
			credit("unknown", r.SessionID, r.Totals)
			continue
		}

		var distributed Totals
		for _, tr := range tools {
			share := scaleTotals(r.Totals, tr.CallCount, weightSum)
			credit(tr.Tool, r.SessionID, share)
			distributed.add(share)
		}
		remainder := r.Totals
		remainder.sub(distributed)
		credit(tools[heaviest].Tool, r.SessionID, remainder)
	}
	return sortGroups(groups), nil
}

func scaleTotals(t Totals, num, den int64) Totals {
	return Totals{
		InputTokens:      t.InputTokens * num / den,
		OutputTokens:     t.OutputTokens * num / den,
		CacheReadTokens:  t.CacheReadTokens * num / den,
		CacheWriteTokens: t.CacheWriteTokens * num / den,
		TotalTokens:      t.TotalTokens * num / den,
		ToolCallCount:    t.ToolCallCount * num / den,
		CostMicros:       t.CostMicros * num / den,
	}
}

func (t *Totals) sub(o Totals) {
	t.InputTokens -= o.InputTokens
	t.OutputTokens -= o.OutputTokens
	t.CacheReadTokens -= o.CacheReadTokens
	t.CacheWriteTokens -= o.CacheWriteTokens
	t.TotalTokens -= o.TotalTokens
	t.ToolCallCount -= o.ToolCallCount
	t.CostMicros -= o.CostMicros
}

func sortGroups(groups map[string]*BreakdownGroup) []BreakdownGroup {
	out := make([]BreakdownGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CostMicros != out[j].CostMicros {
			return out[i].CostMicros > out[j].CostMicros
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
