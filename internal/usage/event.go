// Package usage parses OpenClaw session JSONL lines into typed usage
// events and folds them into per-session deltas ready for the store.
package usage

import "time"

// UsageEvent is one parsed JSONL line. Monetary values are integer
// micro-USD; token counts are non-negative int64.
type UsageEvent struct {
	SeenAt time.Time

	Model       string
	SessionKey  string
	Source      string
	Channel     string
	SessionKind string
	OperationID string
	WorkOrderID string

	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	TotalTokens      int64
	CostMicros       int64

	ToolCalls []string
	HasError  bool
	HasUsage  bool
}

// SessionClass buckets a session by how it was started.
type SessionClass string

const (
	ClassUnknown            SessionClass = "unknown"
	ClassInteractive        SessionClass = "interactive"
	ClassBackgroundWorkflow SessionClass = "background_workflow"
	ClassBackgroundCron     SessionClass = "background_cron"
)

// classRank orders classes for merge precedence (cron > workflow >
// interactive > unknown).
func classRank(c SessionClass) int {
	switch c {
	case ClassBackgroundCron:
		return 3
	case ClassBackgroundWorkflow:
		return 2
	case ClassInteractive:
		return 1
	default:
		return 0
	}
}

// MaxClass returns the higher-ranked of two session classes.
func MaxClass(a, b SessionClass) SessionClass {
	if classRank(b) > classRank(a) {
		return b
	}
	if a == "" {
		return ClassUnknown
	}
	return a
}
