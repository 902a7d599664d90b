// Package explore answers usage analytics queries over the aggregate
// store: range summaries, breakdowns, activity heatmaps and session
// listings.
package explore

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	defaultRangeDur = 30 * 24 * time.Hour
	queryCacheTTL   = 15 * time.Second
)

// Sort orders for session listings.
const (
	SortCostDesc   = "cost_desc"
	SortTokensDesc = "tokens_desc"
	SortRecentDesc = "recent_desc"
)

// TimeRange bounds a query in unix ms; Timezone names the IANA zone
// used for activity bucketing.
type TimeRange struct {
	FromMs   int64  `json:"from"`
	ToMs     int64  `json:"to"`
	Timezone string `json:"timezone"`
}

// Filters narrow the result set. Empty slices mean no restriction.
type Filters struct {
	AgentIDs       []string `json:"agentIds"`
	ModelKeys      []string `json:"modelKeys"`
	Providers      []string `json:"providers"`
	Sources        []string `json:"sources"`
	SessionClasses []string `json:"sessionClasses"`
	Q              string   `json:"q"`
}

// Request is one explore query after client-side decoding.
type Request struct {
	Range    TimeRange `json:"range"`
	Filters  Filters   `json:"filters"`
	Page     int       `json:"page"`
	PageSize int       `json:"pageSize"`
	Sort     string    `json:"sort"`
}

// normalize applies defaults and clamps: a swapped range is corrected,
// the default range is the last 30 days ending at the current minute
// floor.
func (r Request) normalize(now time.Time) Request {
	if r.Range.FromMs == 0 && r.Range.ToMs == 0 {
		end := now.Truncate(time.Minute)
		r.Range.ToMs = end.UnixMilli()
		r.Range.FromMs = end.Add(-defaultRangeDur).UnixMilli()
	}
	if r.Range.FromMs > r.Range.ToMs {
		r.Range.FromMs, r.Range.ToMs = r.Range.ToMs, r.Range.FromMs
	}
	if r.Range.Timezone == "" {
		r.Range.Timezone = "UTC"
	}
	if r.Page < 1 {
		r.Page = 1
	}
	if r.PageSize < 1 {
		r.PageSize = defaultPageSize
	}
	if r.PageSize > maxPageSize {
		r.PageSize = maxPageSize
	}
	switch r.Sort {
	case SortCostDesc, SortTokensDesc, SortRecentDesc:
	default:
		r.Sort = SortCostDesc
	}
	return r
}

// cacheKey derives a stable key from the normalized request plus the
// operation name.
func (r Request) cacheKey(op string) string {
	data, _ := json.Marshal(r)
	return fmt.Sprintf("%s:%s", op, data)
}
