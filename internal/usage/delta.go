package usage

import "time"

// Counters are the additive usage totals shared by every aggregate
// level. All additions are 64-bit and never go negative.
type Counters struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	TotalTokens      int64
	ToolCallCount    int64
	CostMicros       int64
}

// Add folds another counter set in.
func (c *Counters) Add(o Counters) {
	c.InputTokens += o.InputTokens
	c.OutputTokens += o.OutputTokens
	c.CacheReadTokens += o.CacheReadTokens
	c.CacheWriteTokens += o.CacheWriteTokens
	c.TotalTokens += o.TotalTokens
	c.ToolCallCount += o.ToolCallCount
	c.CostMicros += o.CostMicros
}

// IsZero reports whether every counter is zero.
func (c Counters) IsZero() bool {
	return c.InputTokens == 0 && c.OutputTokens == 0 && c.CacheReadTokens == 0 &&
		c.CacheWriteTokens == 0 && c.TotalTokens == 0 && c.ToolCallCount == 0 &&
		c.CostMicros == 0
}

// BucketKey identifies one (bucket start, model) sub-delta.
type BucketKey struct {
	StartMs  int64
	ModelKey string
}

// BucketDelta is the per-bucket accumulation plus the first raw model
// label observed for the bucket.
type BucketDelta struct {
	Counters
	Model string
}

// ToolDayKey identifies one (day start, tool) call-count bucket.
type ToolDayKey struct {
	DayStartMs int64
	Tool       string
}

// SessionDelta is the in-memory fold of one ingestion pass over one
// file. Identity fields hold the first non-empty value seen; later
// empties never overwrite.
type SessionDelta struct {
	Counters

	SessionKey  string
	Source      string
	Channel     string
	SessionKind string
	OperationID string
	WorkOrderID string
	Model       string
	Class       SessionClass

	HasErrors   bool
	FirstSeenMs int64
	LastSeenMs  int64

	Daily      map[BucketKey]*BucketDelta
	Hourly     map[BucketKey]*BucketDelta
	ToolDaily  map[ToolDayKey]int64
	ToolTotals map[string]int64

	Events int
}

// NewSessionDelta returns an empty delta ready for folding.
func NewSessionDelta() *SessionDelta {
	return &SessionDelta{
		Class:      ClassUnknown,
		Daily:      make(map[BucketKey]*BucketDelta),
		Hourly:     make(map[BucketKey]*BucketDelta),
		ToolDaily:  make(map[ToolDayKey]int64),
		ToolTotals: make(map[string]int64),
	}
}

// DayStartMs returns the UTC midnight for an instant, in unix ms.
func DayStartMs(t time.Time) int64 {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).UnixMilli()
}

// HourStartMs returns the UTC hour start for an instant, in unix ms.
func HourStartMs(t time.Time) int64 {
	return t.UTC().Truncate(time.Hour).UnixMilli()
}

// AddEvent folds one accepted event into the delta. Events are applied
// in file order; the fold itself is commutative for counters and
// first-non-empty for identity.
func (d *SessionDelta) AddEvent(ev UsageEvent) {
	d.Events++

	evCounters := Counters{
		InputTokens:      ev.InputTokens,
		OutputTokens:     ev.OutputTokens,
		CacheReadTokens:  ev.CacheReadTokens,
		CacheWriteTokens: ev.CacheWriteTokens,
		TotalTokens:      ev.TotalTokens,
		ToolCallCount:    int64(len(ev.ToolCalls)),
		CostMicros:       ev.CostMicros,
	}
	d.Counters.Add(evCounters)
	d.HasErrors = d.HasErrors || ev.HasError

	if d.SessionKey == "" {
		d.SessionKey = ev.SessionKey
	}
	if d.Source == "" {
		d.Source = ev.Source
	}
	if d.Channel == "" {
		d.Channel = ev.Channel
	}
	if d.SessionKind == "" {
		d.SessionKind = ev.SessionKind
	}
	if d.OperationID == "" {
		d.OperationID = ev.OperationID
	}
	if d.WorkOrderID == "" {
		d.WorkOrderID = ev.WorkOrderID
	}
	if d.Model == "" {
		d.Model = ev.Model
	}

	d.Class = MaxClass(d.Class, ClassifySession(
		d.Source, d.Channel, d.SessionKey, d.SessionKind, d.OperationID, d.WorkOrderID))

	if !ev.SeenAt.IsZero() {
		ms := ev.SeenAt.UnixMilli()
		if d.FirstSeenMs == 0 || ms < d.FirstSeenMs {
			d.FirstSeenMs = ms
		}
		if ms > d.LastSeenMs {
			d.LastSeenMs = ms
		}

		modelKey := ModelKey(ev.Model)
		dayKey := BucketKey{StartMs: DayStartMs(ev.SeenAt), ModelKey: modelKey}
		hourKey := BucketKey{StartMs: HourStartMs(ev.SeenAt), ModelKey: modelKey}
		d.bucket(d.Daily, dayKey, ev.Model).Add(evCounters)
		d.bucket(d.Hourly, hourKey, ev.Model).Add(evCounters)

		for _, tool := range ev.ToolCalls {
			d.ToolDaily[ToolDayKey{DayStartMs: dayKey.StartMs, Tool: tool}]++
		}
	}

	for _, tool := range ev.ToolCalls {
		d.ToolTotals[tool]++
	}
}

func (d *SessionDelta) bucket(m map[BucketKey]*BucketDelta, key BucketKey, model string) *BucketDelta {
	b, ok := m[key]
	if !ok {
		b = &BucketDelta{Model: model}
		m[key] = b
	}
	if b.Model == "" {
		b.Model = model
	}
	return b
}

// Finalize applies the source fallback: when no explicit source was
// seen, the first colon token of the session key stands in.
func (d *SessionDelta) Finalize() {
	if d.Source == "" && d.SessionKey != "" {
		d.Source = SourceFromKey(d.SessionKey)
	}
}

// Empty reports whether applying this delta would be a no-op: no
// counters, no bucket entries, no identity hints, no error bit.
func (d *SessionDelta) Empty() bool {
	if !d.Counters.IsZero() || d.HasErrors {
		return false
	}
	if len(d.Daily) > 0 || len(d.Hourly) > 0 || len(d.ToolDaily) > 0 || len(d.ToolTotals) > 0 {
		return false
	}
	return d.SessionKey == "" && d.Source == "" && d.Channel == "" &&
		d.SessionKind == "" && d.OperationID == "" && d.WorkOrderID == "" && d.Model == ""
}
