// Package telemetry mirrors the gateway's live session view into the
// store and overlays per-agent liveness onto listings.
package telemetry

import (
	"context"
	"strings"
	"sync"
	"time"

	. "github.com/clawcontrol/clawcontrol/internal/logging"
	"github.com/clawcontrol/clawcontrol/internal/runtime"
	"github.com/clawcontrol/clawcontrol/internal/store"
	"github.com/clawcontrol/clawcontrol/internal/usage"
)

const (
	// Sessions younger than this count as active.
	activeWindow = 5 * time.Minute

	// Concurrent sync callers within this window share one poll.
	syncCoalesceTTL = 4 * time.Second
)

// SyncResult reports one status poll.
type SyncResult struct {
	Synced  int  `json:"synced"`
	Skipped bool `json:"skipped"`
}

type syncCall struct {
	done   chan struct{}
	result SyncResult
	err    error
}

// Syncer polls the gateway status command and upserts AgentSession
// rows. A coalescing gate ensures one poll at a time; callers inside
// the TTL reuse the previous answer.
type Syncer struct {
	st     *store.Store
	status func(ctx context.Context) (*runtime.StatusSnapshot, error)
	now    func() time.Time

	mu       sync.Mutex
	inflight *syncCall
	lastDone time.Time
	lastRes  SyncResult
}

// NewSyncer builds a syncer over the gateway client.
func NewSyncer(st *store.Store, client *runtime.Client) *Syncer {
	return &Syncer{
		st:     st,
		status: client.StatusAll,
		now:    time.Now,
	}
}

// SyncAgentSessions refreshes session telemetry from the gateway.
func (s *Syncer) SyncAgentSessions(ctx context.Context) (SyncResult, error) {
	s.mu.Lock()
	if s.inflight != nil {
		call := s.inflight
		s.mu.Unlock()
		<-call.done
		return call.result, call.err
	}
	if s.now().Sub(s.lastDone) < syncCoalesceTTL {
		res := s.lastRes
		s.mu.Unlock()
		res.Skipped = true
		return res, nil
	}
	call := &syncCall{done: make(chan struct{})}
	s.inflight = call
	s.mu.Unlock()

	call.result, call.err = s.syncOnce(ctx)
	close(call.done)

	s.mu.Lock()
	s.inflight = nil
	if call.err == nil {
		s.lastDone = s.now()
		s.lastRes = call.result
	}
	s.mu.Unlock()

	return call.result, call.err
}

func (s *Syncer) syncOnce(ctx context.Context) (SyncResult, error) {
	snap, err := s.status(ctx)
	if err != nil {
		// Stale rows stay untouched on poll failure.
		L_warn("telemetry: status poll failed", "error", err)
		return SyncResult{}, err
	}

	var res SyncResult
	now := s.now()
	for _, entry := range snap.RecentSessions() {
		row, ok := sessionFromEntry(entry, now)
		if !ok {
			continue
		}
		if err := s.st.UpsertAgentSession(row); err != nil {
			L_warn("telemetry: session upsert failed", "session", row.SessionID, "error", err)
			continue
		}
		res.Synced++
	}
	L_debug("telemetry: sessions synced", "count", res.Synced)
	return res, nil
}

// sessionFromEntry maps one sessions.recent[] entry onto a row.
func sessionFromEntry(entry map[string]interface{}, now time.Time) (store.AgentSession, bool) {
	sessionID := strField(entry, "sessionId", "id")
	if sessionID == "" {
		return store.AgentSession{}, false
	}

	row := store.AgentSession{
		SessionID:      sessionID,
		AgentID:        strField(entry, "agentId", "agent"),
		SessionKey:     strField(entry, "key", "sessionKey"),
		Label:          strField(entry, "label"),
		Kind:           strField(entry, "kind", "sessionKind"),
		Model:          strField(entry, "model"),
		PercentUsed:    floatField(entry, "percentUsed", "percent_used"),
		AbortedLastRun: boolField(entry, "abortedLastRun"),
		LastSeenAtMs:   lastSeenMs(entry, now),
		UpdatedAtMs:    now.UnixMilli(),
	}
	row.OperationID, row.WorkOrderID = Linkage(entry, row.SessionKey)
	row.State = deriveState(row.AbortedLastRun, row.LastSeenAtMs, now)
	return row, true
}

// deriveState: an aborted last run is an error; recent liveness is
// active; everything else idle.
func deriveState(aborted bool, lastSeenMs int64, now time.Time) string {
	if aborted {
		return "error"
	}
	if lastSeenMs > 0 && now.Sub(time.UnixMilli(lastSeenMs)) < activeWindow {
		return "active"
	}
	return "idle"
}

// Linkage resolves operation and work-order ids for an entry, in
// priority order: explicit metadata, flags, session key regex.
func Linkage(entry map[string]interface{}, sessionKey string) (opID, woID string) {
	if meta, ok := entry["metadata"].(map[string]interface{}); ok {
		opID = strField(meta, "operationId", "operation_id")
		woID = strField(meta, "workOrderId", "work_order_id")
	}
	if flags, ok := entry["flags"].([]interface{}); ok {
		for _, f := range flags {
			flag, _ := f.(string)
			if opID == "" && strings.HasPrefix(flag, "op:") {
				opID = strings.TrimPrefix(flag, "op:")
			}
			if woID == "" && strings.HasPrefix(flag, "wo:") {
				woID = strings.TrimPrefix(flag, "wo:")
			}
		}
	}
	if opID == "" {
		opID = usage.OperationFromKey(sessionKey)
	}
	if woID == "" {
		woID = usage.WorkOrderFromKey(sessionKey)
	}
	return opID, woID
}

func lastSeenMs(entry map[string]interface{}, now time.Time) int64 {
	if ms := int64Field(entry, "updatedAt", "lastSeenAt"); ms > 0 {
		if ms < 1e12 { // seconds
			ms *= 1000
		}
		return ms
	}
	if age := int64Field(entry, "age", "ageMs"); age > 0 {
		if age < 1e7 { // plausible seconds value
			age *= 1000
		}
		return now.Add(-time.Duration(age) * time.Millisecond).UnixMilli()
	}
	return 0
}

func strField(obj map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func int64Field(obj map[string]interface{}, keys ...string) int64 {
	for _, k := range keys {
		if f, ok := obj[k].(float64); ok {
			return int64(f)
		}
	}
	return 0
}

func floatField(obj map[string]interface{}, keys ...string) float64 {
	for _, k := range keys {
		if f, ok := obj[k].(float64); ok {
			return f
		}
	}
	return 0
}

func boolField(obj map[string]interface{}, keys ...string) bool {
	for _, k := range keys {
		if b, ok := obj[k].(bool); ok {
			return b
		}
	}
	return false
}
