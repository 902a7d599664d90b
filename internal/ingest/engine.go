package ingest

import (
	"bufio"
	"context"
	"math"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/clawcontrol/clawcontrol/internal/cache"
	. "github.com/clawcontrol/clawcontrol/internal/logging"
	"github.com/clawcontrol/clawcontrol/internal/store"
	"github.com/clawcontrol/clawcontrol/internal/usage"
)

const (
	usageSyncLease = "usage.sync"

	// Session lines can carry large embedded payloads.
	maxLineBytes = 10 * 1024 * 1024
)

// Budget bounds one sync pass.
type Budget struct {
	MaxMs    int64
	MaxFiles int
}

// Stats reports what one sync pass accomplished.
type Stats struct {
	LockAcquired    bool    `json:"lockAcquired"`
	FilesScanned    int     `json:"filesScanned"`
	FilesUpdated    int     `json:"filesUpdated"`
	SessionsUpdated int     `json:"sessionsUpdated"`
	ToolsUpserted   int     `json:"toolsUpserted"`
	CursorResets    int     `json:"cursorResets"`
	FilesTotal      int     `json:"filesTotal"`
	FilesRemaining  int     `json:"filesRemaining"`
	CoveragePct     float64 `json:"coveragePct"`
	DurationMs      int64   `json:"durationMs"`
}

// Engine ingests session files into the aggregate store.
type Engine struct {
	store      *store.Store
	home       string
	scopeCache *cache.Cache
}

// NewEngine builds an engine over the runtime home.
func NewEngine(st *store.Store, home string) *Engine {
	return &Engine{store: st, home: home, scopeCache: cache.New()}
}

// SyncUsage runs one budgeted ingestion pass under the usage.sync
// lease. A held lease returns immediately with LockAcquired=false;
// callers skip, never block.
func (e *Engine) SyncUsage(ctx context.Context, b Budget) (Stats, error) {
	if b.MaxMs <= 0 {
		b.MaxMs = 4000
	}
	if b.MaxFiles <= 0 {
		b.MaxFiles = 200
	}

	var stats Stats
	start := time.Now()
	ownerID := uuid.NewString()
	ttl := time.Duration(b.MaxMs)*time.Millisecond + 30*time.Second

	acquired, err := e.store.WithLease(usageSyncLease, ownerID, ttl, func() error {
		return e.syncLocked(ctx, b, start, &stats)
	})
	stats.DurationMs = time.Since(start).Milliseconds()
	stats.LockAcquired = acquired
	if err != nil {
		return stats, err
	}
	if !acquired {
		L_debug("ingest: sync skipped, lease held elsewhere")
	}
	return stats, nil
}

func (e *Engine) syncLocked(ctx context.Context, b Budget, start time.Time, stats *Stats) error {
	files, err := DiscoverSessionFiles(e.home)
	if err != nil {
		return err
	}
	stats.FilesTotal = len(files)

	known, err := e.store.KnownPaths()
	if err != nil {
		return err
	}

	queue := buildQueue(files, known)

	covered := 0
	for _, f := range queue {
		if stats.FilesScanned >= b.MaxFiles || time.Since(start).Milliseconds() > b.MaxMs {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		stats.FilesScanned++
		if e.syncFile(f, stats) {
			covered++
		}
	}

	stats.FilesRemaining = stats.FilesTotal - covered
	if stats.FilesTotal > 0 {
		stats.CoveragePct = math.Round(float64(covered)/float64(stats.FilesTotal)*10000) / 100
	}

	L_info("ingest: sync pass done",
		"scanned", stats.FilesScanned, "updated", stats.FilesUpdated,
		"sessions", stats.SessionsUpdated, "resets", stats.CursorResets,
		"coverage", stats.CoveragePct)
	return nil
}

// buildQueue orders files for processing: unseen paths first (sorted
// by path), then seen paths oldest cursor touch first.
func buildQueue(files []SessionFile, known map[string]int64) []SessionFile {
	var unseen, seen []SessionFile
	for _, f := range files {
		if _, ok := known[f.Path]; ok {
			seen = append(seen, f)
		} else {
			unseen = append(unseen, f)
		}
	}
	sort.Slice(unseen, func(i, j int) bool { return unseen[i].Path < unseen[j].Path })
	sort.Slice(seen, func(i, j int) bool {
		if known[seen[i].Path] != known[seen[j].Path] {
			return known[seen[i].Path] < known[seen[j].Path]
		}
		return seen[i].Path < seen[j].Path
	})
	return append(unseen, seen...)
}

// cursorInvalid applies the identity checks: device or inode changed,
// the file shrank below the stored offset, or it was rewritten in
// place (older mtime with a different size).
func cursorInvalid(c *store.Cursor, fp FileFingerprint) bool {
	if c == nil {
		return false
	}
	if c.DeviceID != fp.DeviceID || c.Inode != fp.Inode {
		return true
	}
	if fp.SizeBytes < c.OffsetBytes {
		return true
	}
	if fp.MtimeMs < c.FileMtimeMs && fp.SizeBytes != c.FileSize {
		return true
	}
	return false
}

// syncFile processes one file as an atomic unit, returning whether it
// ended the pass fully covered.
func (e *Engine) syncFile(f SessionFile, stats *Stats) bool {
	fp, err := statFingerprint(f.Path)
	if err != nil {
		L_debug("ingest: stat failed", "path", f.Path, "error", err)
		return false
	}

	cur, err := e.store.GetCursor(f.Path)
	if err != nil {
		L_warn("ingest: cursor read failed", "path", f.Path, "error", err)
		return false
	}

	var previousOffset int64
	if cur != nil {
		if cursorInvalid(cur, fp) {
			stats.CursorResets++
			L_debug("ingest: cursor reset", "path", f.Path)
		} else {
			previousOffset = cur.OffsetBytes
		}
	}

	next := store.Cursor{
		SourcePath:  f.Path,
		AgentID:     f.AgentID,
		SessionID:   f.SessionID,
		DeviceID:    fp.DeviceID,
		Inode:       fp.Inode,
		OffsetBytes: fp.SizeBytes,
		FileSize:    fp.SizeBytes,
		FileMtimeMs: fp.MtimeMs,
	}

	// Nothing new: just refresh the fingerprint.
	if fp.SizeBytes <= previousOffset {
		if err := e.store.UpsertCursor(next); err != nil {
			L_warn("ingest: cursor upsert failed", "path", f.Path, "error", err)
			return false
		}
		return true
	}

	delta, err := e.foldFile(f.Path, previousOffset)
	if err != nil {
		L_warn("ingest: read failed", "path", f.Path, "error", err)
		return false
	}
	delta.Finalize()

	if err := e.store.CommitDelta(f.SessionID, f.AgentID, delta, next); err != nil {
		L_warn("ingest: commit failed", "path", f.Path, "error", err)
		return false
	}

	stats.FilesUpdated++
	if !delta.Empty() {
		stats.SessionsUpdated++
		stats.ToolsUpserted += len(delta.ToolDaily) + len(delta.ToolTotals)
	}
	return true
}

// foldFile reads lines from offset to EOF and folds the accepted
// events, in file order, into one delta.
func (e *Engine) foldFile(path string, offset int64) (*usage.SessionDelta, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if offset > 0 {
		if _, err := file.Seek(offset, 0); err != nil {
			return nil, err
		}
	}

	delta := usage.NewSessionDelta()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if ev, ok := usage.ParseLine(scanner.Bytes()); ok {
			delta.AddEvent(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return delta, nil
}
