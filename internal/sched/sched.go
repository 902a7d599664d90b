// Package sched runs the periodic background work: usage ingestion and
// telemetry refresh on fixed intervals, plus filesystem-triggered
// ingestion nudges. Every tick is skip-not-block; an instance that
// loses the lease simply tries again next interval.
package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clawcontrol/clawcontrol/internal/config"
	"github.com/clawcontrol/clawcontrol/internal/ingest"
	. "github.com/clawcontrol/clawcontrol/internal/logging"
	"github.com/clawcontrol/clawcontrol/internal/telemetry"
)

// Service owns the cron runner and the file watcher.
type Service struct {
	cron    *cron.Cron
	engine  *ingest.Engine
	syncer  *telemetry.Syncer
	watcher *ingest.Watcher
	budget  ingest.Budget

	ingestEvery    time.Duration
	telemetryEvery time.Duration

	nudge chan struct{}
}

// New builds the scheduler. Watcher nudges share the same sync path as
// the periodic tick, so the lease still serializes everything.
func New(engine *ingest.Engine, syncer *telemetry.Syncer, cfg *config.Config) *Service {
	s := &Service{
		cron:   cron.New(),
		engine: engine,
		syncer: syncer,
		budget: ingest.Budget{
			MaxMs:    cfg.Ingestion.MaxMs,
			MaxFiles: cfg.Ingestion.MaxFiles,
		},
		ingestEvery:    time.Duration(cfg.Ingestion.IntervalSeconds) * time.Second,
		telemetryEvery: time.Duration(cfg.Telemetry.IntervalSeconds) * time.Second,
		nudge:          make(chan struct{}, 1),
	}
	s.watcher = ingest.NewWatcher(cfg.Runtime.Home, s.Nudge)
	return s
}

// Nudge requests an out-of-band ingestion pass. Safe to call from any
// goroutine; excess nudges collapse into one.
func (s *Service) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Run schedules the periodic jobs and blocks until the context is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(every(s.ingestEvery), func() { s.runIngest(ctx) }); err != nil {
		return fmt.Errorf("schedule ingest: %w", err)
	}
	if _, err := s.cron.AddFunc(every(s.telemetryEvery), func() { s.runTelemetry(ctx) }); err != nil {
		return fmt.Errorf("schedule telemetry: %w", err)
	}

	s.cron.Start()
	defer s.cron.Stop()

	go func() {
		if err := s.watcher.Run(ctx); err != nil && ctx.Err() == nil {
			// The periodic ingest keeps running, but file events are gone
			// until restart.
			L_error("sched: watcher stopped", "error", err)
		}
	}()

	// Initial pass so a fresh start does not wait a full interval.
	s.runIngest(ctx)
	s.runTelemetry(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.nudge:
			s.runIngest(ctx)
		}
	}
}

func (s *Service) runIngest(ctx context.Context) {
	stats, err := s.engine.SyncUsage(ctx, s.budget)
	if err != nil {
		L_warn("sched: usage sync failed", "error", err)
		return
	}
	if !stats.LockAcquired {
		L_debug("sched: usage sync skipped, lease held elsewhere")
		return
	}
	L_debug("sched: usage sync done",
		"scanned", stats.FilesScanned,
		"updated", stats.FilesUpdated,
		"coverage", stats.CoveragePct,
		"elapsed", stats.DurationMs)
}

func (s *Service) runTelemetry(ctx context.Context) {
	res, err := s.syncer.SyncAgentSessions(ctx)
	if err != nil {
		L_warn("sched: telemetry sync failed", "error", err)
		return
	}
	L_debug("sched: telemetry sync done", "synced", res.Synced, "coalesced", res.Skipped)
}

func every(d time.Duration) string {
	if d <= 0 {
		d = time.Minute
	}
	return "@every " + d.String()
}
