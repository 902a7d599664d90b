package explore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/clawcontrol/clawcontrol/internal/store"
	"github.com/clawcontrol/clawcontrol/internal/usage"
)

func setupTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 5000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st), st
}

func commitEvents(t *testing.T, st *store.Store, sessionID, agentID string, events ...usage.UsageEvent) {
	t.Helper()
	d := usage.NewSessionDelta()
	for _, ev := range events {
		d.AddEvent(ev)
	}
	d.Finalize()
	cur := store.Cursor{SourcePath: "/" + sessionID}
	if err := st.CommitDelta(sessionID, agentID, d, cur); err != nil {
		t.Fatalf("commit %s: %v", sessionID, err)
	}
}

var (
	day1 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	day2 = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
)

func rangeOver(from, to time.Time) TimeRange {
	return TimeRange{FromMs: from.UnixMilli(), ToMs: to.UnixMilli()}
}

func seedBasic(t *testing.T, st *store.Store) {
	commitEvents(t, st, "s1", "main",
		usage.UsageEvent{SeenAt: day1, Model: "claude-sonnet-4", SessionKey: "telegram:1",
			InputTokens: 100, CacheReadTokens: 300, TotalTokens: 400, CostMicros: 10000},
		usage.UsageEvent{SeenAt: day2, Model: "claude-sonnet-4",
			InputTokens: 50, TotalTokens: 50, CostMicros: 5000},
	)
	commitEvents(t, st, "s2", "other",
		usage.UsageEvent{SeenAt: day1, Model: "gpt-4o", Source: "cron",
			InputTokens: 10, TotalTokens: 10, CostMicros: 1000},
	)
}

func TestNormalize(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 30, 45, 0, time.UTC)

	r := Request{}.normalize(now)
	if r.Range.ToMs != now.Truncate(time.Minute).UnixMilli() {
		t.Errorf("default to: %d", r.Range.ToMs)
	}
	if r.Range.ToMs-r.Range.FromMs != int64(30*24*time.Hour/time.Millisecond) {
		t.Errorf("default span: %d", r.Range.ToMs-r.Range.FromMs)
	}
	if r.PageSize != 50 || r.Page != 1 || r.Sort != SortCostDesc || r.Range.Timezone != "UTC" {
		t.Errorf("defaults: %+v", r)
	}

	r = Request{Range: TimeRange{FromMs: 200, ToMs: 100}, PageSize: 999, Sort: "bogus"}.normalize(now)
	if r.Range.FromMs != 100 || r.Range.ToMs != 200 {
		t.Errorf("swap: %+v", r.Range)
	}
	if r.PageSize != maxPageSize || r.Sort != SortCostDesc {
		t.Errorf("clamp: %+v", r)
	}
}

func TestGetSummary(t *testing.T) {
	e, st := setupTestEngine(t)
	seedBasic(t, st)

	s, err := e.GetSummary(Request{Range: rangeOver(day1, day2.Add(24 * time.Hour))})
	if err != nil {
		t.Fatal(err)
	}
	if s.InputTokens != 160 || s.TotalTokens != 460 || s.CostMicros != 16000 {
		t.Errorf("totals: %+v", s.Totals)
	}
	if s.SessionCount != 2 {
		t.Errorf("sessions: %d", s.SessionCount)
	}
	// cacheRead/(cacheRead+input) = 300/460.
	if s.CacheEfficiencyPct != 65.22 {
		t.Errorf("cache efficiency: %v", s.CacheEfficiencyPct)
	}
	// Mar 1 .. Mar 3 inclusive = 3 days, dense and zero-filled.
	if len(s.Days) != 3 {
		t.Fatalf("days: %d", len(s.Days))
	}
	if s.Days[0].CostMicros != 11000 || s.Days[1].CostMicros != 5000 || s.Days[2].CostMicros != 0 {
		t.Errorf("series: %+v", s.Days)
	}
}

func TestGetSummaryFilters(t *testing.T) {
	e, st := setupTestEngine(t)
	seedBasic(t, st)
	rng := rangeOver(day1, day2)

	s, err := e.GetSummary(Request{Range: rng, Filters: Filters{AgentIDs: []string{"main"}}})
	if err != nil {
		t.Fatal(err)
	}
	if s.SessionCount != 1 || s.CostMicros != 15000 {
		t.Errorf("agent filter: %+v", s)
	}

	s, _ = e.GetSummary(Request{Range: rng, Filters: Filters{Providers: []string{"openai"}}})
	if s.SessionCount != 1 || s.CostMicros != 1000 {
		t.Errorf("provider filter: %+v", s)
	}

	s, _ = e.GetSummary(Request{Range: rng, Filters: Filters{Q: "telegram"}})
	if s.SessionCount != 1 || s.InputTokens != 150 {
		t.Errorf("q filter: %+v", s)
	}

	s, _ = e.GetSummary(Request{Range: rng, Filters: Filters{SessionClasses: []string{"background_cron"}}})
	if s.SessionCount != 1 || s.CostMicros != 1000 {
		t.Errorf("class filter: %+v", s)
	}
}

func TestGetBreakdownByModel(t *testing.T) {
	e, st := setupTestEngine(t)
	seedBasic(t, st)

	groups, err := e.GetBreakdown(Request{Range: rangeOver(day1, day2)}, "model")
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Fatalf("groups: %+v", groups)
	}
	// Sorted by cost desc.
	if groups[0].Key != "claude-sonnet-4" || groups[0].CostMicros != 15000 {
		t.Errorf("first: %+v", groups[0])
	}
	if groups[1].Key != "gpt-4o" || groups[1].SessionCount != 1 {
		t.Errorf("second: %+v", groups[1])
	}
}

func TestGetBreakdownRejectsUnknownDimension(t *testing.T) {
	e, st := setupTestEngine(t)
	seedBasic(t, st)
	req := Request{Range: rangeOver(day1, day2)}

	for _, bad := range []string{"class", "session_class", "day", ""} {
		if _, err := e.GetBreakdown(req, bad); err == nil {
			t.Errorf("groupBy %q should error", bad)
		}
	}

	groups, err := e.GetBreakdown(req, "sessionClass")
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) == 0 {
		t.Fatal("sessionClass should group")
	}
	for _, g := range groups {
		if g.Key == "" {
			t.Errorf("empty key: %+v", g)
		}
	}
}

func TestToolBreakdownWeighted(t *testing.T) {
	e, st := setupTestEngine(t)

	// One day, 101 cost, tools read x3 and exec x1. Integer shares are
	// 75 and 25; the remainder 1 goes to the heaviest tool.
	commitEvents(t, st, "s1", "main",
		usage.UsageEvent{SeenAt: day1, Model: "claude-sonnet-4",
			InputTokens: 101, TotalTokens: 101, CostMicros: 101,
			ToolCalls: []string{"read", "exec"}},
		usage.UsageEvent{SeenAt: day1.Add(time.Minute), ToolCalls: []string{"read"}},
		usage.UsageEvent{SeenAt: day1.Add(2 * time.Minute), ToolCalls: []string{"read"}},
	)
	// A session with no tool rows lands on "unknown".
	commitEvents(t, st, "s2", "main",
		usage.UsageEvent{SeenAt: day1, Model: "gpt-4o", InputTokens: 7, TotalTokens: 7, CostMicros: 7},
	)

	groups, err := e.GetBreakdown(Request{Range: rangeOver(day1, day2)}, "tool")
	if err != nil {
		t.Fatal(err)
	}

	byKey := make(map[string]BreakdownGroup)
	var total int64
	for _, g := range groups {
		byKey[g.Key] = g
		total += g.CostMicros
	}
	if byKey["read"].CostMicros != 76 {
		t.Errorf("read: %+v", byKey["read"])
	}
	if byKey["exec"].CostMicros != 25 {
		t.Errorf("exec: %+v", byKey["exec"])
	}
	if byKey["unknown"].CostMicros != 7 {
		t.Errorf("unknown: %+v", byKey["unknown"])
	}
	// Attribution conserves the base totals.
	if total != 108 {
		t.Errorf("conservation: %d", total)
	}
}

func TestGetActivity(t *testing.T) {
	e, st := setupTestEngine(t)
	seedBasic(t, st)

	act, err := e.GetActivity(Request{Range: rangeOver(day1, day2)})
	if err != nil {
		t.Fatal(err)
	}
	if len(act.Weekdays) != 7 || len(act.Hours) != 24 {
		t.Fatalf("shape: %d %d", len(act.Weekdays), len(act.Hours))
	}
	// day1 is Sunday 2026-03-01 10:00 UTC, day2 Monday 14:00.
	if act.Weekdays[0].CostMicros != 11000 {
		t.Errorf("sunday: %+v", act.Weekdays[0])
	}
	if act.Hours[10].CostMicros != 11000 || act.Hours[14].CostMicros != 5000 {
		t.Errorf("hours: %+v %+v", act.Hours[10], act.Hours[14])
	}
}

func TestGetActivityTimezoneShift(t *testing.T) {
	e, st := setupTestEngine(t)
	seedBasic(t, st)

	// UTC+14 pushes Sunday 10:00 UTC to Monday 00:00 local.
	act, err := e.GetActivity(Request{Range: TimeRange{
		FromMs: day1.UnixMilli(), ToMs: day2.UnixMilli(), Timezone: "Pacific/Kiritimati",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if act.Weekdays[1].CostMicros != 11000 {
		t.Errorf("shifted weekday: %+v", act.Weekdays)
	}
	if act.Hours[0].CostMicros != 11000 {
		t.Errorf("shifted hour: %+v", act.Hours[0])
	}
}

func TestGetSessions(t *testing.T) {
	e, st := setupTestEngine(t)
	seedBasic(t, st)

	page, err := e.GetSessions(Request{Range: rangeOver(day1, day2)})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 || len(page.Items) != 2 {
		t.Fatalf("page: %+v", page)
	}
	// cost_desc: s1 (15000) first.
	if page.Items[0].SessionID != "s1" {
		t.Errorf("order: %+v", page.Items)
	}
	it := page.Items[0]
	if it.ModelCount != 1 || len(it.Models) != 1 || it.Models[0] != "claude-sonnet-4" {
		t.Errorf("models: %+v", it)
	}
	if it.AgentID != "main" || it.Source != "telegram" {
		t.Errorf("dims: %+v", it)
	}
}

func TestGetSessionsPagination(t *testing.T) {
	e, st := setupTestEngine(t)
	seedBasic(t, st)

	page, err := e.GetSessions(Request{Range: rangeOver(day1, day2), Page: 2, PageSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 || len(page.Items) != 1 || page.Items[0].SessionID != "s2" {
		t.Errorf("page 2: %+v", page)
	}

	page, _ = e.GetSessions(Request{Range: rangeOver(day1, day2), Page: 9, PageSize: 1})
	if len(page.Items) != 0 {
		t.Errorf("past-end page: %+v", page)
	}
}

func TestGetOptions(t *testing.T) {
	e, st := setupTestEngine(t)
	seedBasic(t, st)
	commitEvents(t, st, "s3", "main",
		usage.UsageEvent{SeenAt: day1, Model: "claude-sonnet-4", ToolCalls: []string{"browser"}})

	opts, err := e.GetOptions(Request{Range: rangeOver(day1, day2)})
	if err != nil {
		t.Fatal(err)
	}
	if len(opts.Agents) != 2 || opts.Agents[0] != "main" {
		t.Errorf("agents: %v", opts.Agents)
	}
	if len(opts.Models) != 2 {
		t.Errorf("models: %v", opts.Models)
	}
	if len(opts.Providers) != 2 || opts.Providers[0] != "anthropic" {
		t.Errorf("providers: %v", opts.Providers)
	}
	if len(opts.Tools) != 1 || opts.Tools[0] != "browser" {
		t.Errorf("tools: %v", opts.Tools)
	}

	// Options reflect the filtered set.
	opts, _ = e.GetOptions(Request{Range: rangeOver(day1, day2), Filters: Filters{AgentIDs: []string{"other"}}})
	if len(opts.Models) != 1 || opts.Models[0] != "gpt-4o" {
		t.Errorf("filtered models: %v", opts.Models)
	}
}

func TestQueryCaching(t *testing.T) {
	e, st := setupTestEngine(t)
	seedBasic(t, st)
	rng := rangeOver(day1, day2)

	s1, err := e.GetSummary(Request{Range: rng})
	if err != nil {
		t.Fatal(err)
	}

	// New data lands but the cached answer is served within the TTL.
	commitEvents(t, st, "s9", "main",
		usage.UsageEvent{SeenAt: day1, Model: "claude-sonnet-4", InputTokens: 999, TotalTokens: 999})
	s2, err := e.GetSummary(Request{Range: rng})
	if err != nil {
		t.Fatal(err)
	}
	if s2.InputTokens != s1.InputTokens {
		t.Errorf("cache miss: %d vs %d", s2.InputTokens, s1.InputTokens)
	}
}
