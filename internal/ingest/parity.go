package ingest

import (
	"fmt"
	"sort"
	"time"

	"github.com/clawcontrol/clawcontrol/internal/store"
)

const (
	defaultSessionLimit = 1000
	maxSessionLimit     = 5000
	scopeCacheTTL       = 15 * time.Second
)

// ScopeRequest bounds a parity check to a time range and sample size.
type ScopeRequest struct {
	FromMs       int64
	ToMs         int64
	SessionLimit int
}

// ScopeResult reports how much of the recently-active session set has
// up-to-date cursors, and which paths need a catch-up pass first.
type ScopeResult struct {
	SampledSessionIDs    []string `json:"sampledSessionIds"`
	SampledCount         int      `json:"sampledCount"`
	SessionsInRangeTotal int      `json:"sessionsInRangeTotal"`
	PriorityPaths        []string `json:"priorityPaths"`
	MissingCoverageCount int      `json:"missingCoverageCount"`
	SessionLimit         int      `json:"sessionLimit"`
}

// ResolveScope samples the most recently modified session files in
// range and diffs each against its stored cursor. Results are cached
// briefly; staleness is acceptable since the answer is advisory.
func (e *Engine) ResolveScope(req ScopeRequest) (*ScopeResult, error) {
	limit := req.SessionLimit
	if limit <= 0 {
		limit = defaultSessionLimit
	}
	if limit > maxSessionLimit {
		limit = maxSessionLimit
	}

	key := fmt.Sprintf("scope:%d:%d:%d", req.FromMs, req.ToMs, limit)
	v, err := e.scopeCache.LoadOrCompute(key, scopeCacheTTL, func() (interface{}, error) {
		return e.resolveScope(req.FromMs, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ScopeResult), nil
}

func (e *Engine) resolveScope(fromMs int64, limit int) (*ScopeResult, error) {
	files, err := DiscoverSessionFiles(e.home)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		file SessionFile
		fp   FileFingerprint
	}
	var inRange []candidate
	distinct := make(map[string]bool)
	for _, f := range files {
		fp, err := statFingerprint(f.Path)
		if err != nil {
			continue
		}
		if fp.MtimeMs < fromMs {
			continue
		}
		inRange = append(inRange, candidate{file: f, fp: fp})
		distinct[f.SessionID] = true
	}

	// Newest first, ties by path for a stable sample.
	sort.Slice(inRange, func(i, j int) bool {
		if inRange[i].fp.MtimeMs != inRange[j].fp.MtimeMs {
			return inRange[i].fp.MtimeMs > inRange[j].fp.MtimeMs
		}
		return inRange[i].file.Path < inRange[j].file.Path
	})
	if len(inRange) > limit {
		inRange = inRange[:limit]
	}

	result := &ScopeResult{
		SessionsInRangeTotal: len(distinct),
		SessionLimit:         limit,
	}
	sampled := make(map[string]bool)
	for _, c := range inRange {
		if !sampled[c.file.SessionID] {
			sampled[c.file.SessionID] = true
			result.SampledSessionIDs = append(result.SampledSessionIDs, c.file.SessionID)
		}

		cur, err := e.store.GetCursor(c.file.Path)
		if err != nil {
			return nil, err
		}
		if cursorBehind(cur, c.fp) {
			result.PriorityPaths = append(result.PriorityPaths, c.file.Path)
		}
	}
	result.SampledCount = len(result.SampledSessionIDs)
	result.MissingCoverageCount = len(result.PriorityPaths)
	return result, nil
}

// cursorBehind reports whether a file's stored cursor no longer
// matches its on-disk fingerprint: missing cursor, changed identity,
// unconsumed bytes, or a size/mtime drift.
func cursorBehind(c *store.Cursor, fp FileFingerprint) bool {
	if c == nil {
		return true
	}
	return c.DeviceID != fp.DeviceID ||
		c.Inode != fp.Inode ||
		c.OffsetBytes != fp.SizeBytes ||
		c.FileSize != fp.SizeBytes ||
		c.FileMtimeMs != fp.MtimeMs
}
