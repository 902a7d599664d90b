package explore

import (
	"time"

	"github.com/clawcontrol/clawcontrol/internal/usage"
)

// ActivityBucket is one weekday or hour-of-day rollup.
type ActivityBucket struct {
	Key int `json:"key"`
	Totals
}

// Activity is the weekday/hour heatmap. All 7 weekday and 24 hour
// buckets are always present, zero-filled when idle. Weekday 0 is
// Sunday.
type Activity struct {
	Timezone string           `json:"timezone"`
	Weekdays []ActivityBucket `json:"weekdays"`
	Hours    []ActivityBucket `json:"hours"`
}

// GetActivity buckets the hourly aggregates by local weekday and hour
// in the requested IANA zone.
func (e *Engine) GetActivity(req Request) (*Activity, error) {
	req = req.normalize(e.now())
	v, err := e.cache.LoadOrCompute(req.cacheKey("activity"), queryCacheTTL, func() (interface{}, error) {
		return e.getActivity(req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Activity), nil
}

func (e *Engine) getActivity(req Request) (*Activity, error) {
	loc, err := time.LoadLocation(req.Range.Timezone)
	if err != nil {
		loc = time.UTC
	}

	firstHour := usage.HourStartMs(time.UnixMilli(req.Range.FromMs))
	rows, err := e.loadBucketRows("session_hourly_usage", "hour_start_ms", firstHour, req.Range.ToMs)
	if err != nil {
		return nil, err
	}
	rows, _, err = e.filterRows(rows, req.Filters)
	if err != nil {
		return nil, err
	}

	act := &Activity{
		Timezone: loc.String(),
		Weekdays: make([]ActivityBucket, 7),
		Hours:    make([]ActivityBucket, 24),
	}
	for i := range act.Weekdays {
		act.Weekdays[i].Key = i
	}
	for i := range act.Hours {
		act.Hours[i].Key = i
	}

	for _, r := range rows {
		local := time.UnixMilli(r.StartMs).In(loc)
		act.Weekdays[int(local.Weekday())].Totals.add(r.Totals)
		act.Hours[local.Hour()].Totals.add(r.Totals)
	}
	return act, nil
}
