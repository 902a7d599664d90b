// Package ops ingests actionable findings from scheduled jobs,
// de-duplicating them by fingerprint and materializing at most one
// work order per finding.
package ops

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	. "github.com/clawcontrol/clawcontrol/internal/logging"
	"github.com/clawcontrol/clawcontrol/internal/store"
)

// legacyOpsAgent receives work orders when neither the payload nor
// team governance names an ops agent.
const legacyOpsAgent = "wf-ops"

// Payload is one raw finding from a cron job.
type Payload struct {
	Source            string `json:"source"`
	JobID             string `json:"jobId,omitempty"`
	RunAtMs           int64  `json:"runAtMs,omitempty"`
	TeamID            string `json:"teamId,omitempty"`
	OpsRuntimeAgentID string `json:"opsRuntimeAgentId,omitempty"`
	RelayKey          string `json:"relayKey,omitempty"`
	Severity          string `json:"severity,omitempty"`
	DecisionRequired  bool   `json:"decisionRequired,omitempty"`
	Summary           string `json:"summary"`
	Recommendation    string `json:"recommendation,omitempty"`
	Evidence          string `json:"evidence,omitempty"`
	NoAction          bool   `json:"noAction,omitempty"`
	Actionability     string `json:"actionability,omitempty"`
}

// Result reports what Ingest did with a payload.
type Result struct {
	Ignored     bool                   `json:"ignored"`
	Deduped     bool                   `json:"deduped"`
	Created     bool                   `json:"created"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	Event       *store.ActionableEvent `json:"event,omitempty"`
}

// Service wires intake to the store and the governance resolver.
type Service struct {
	st  *store.Store
	gov GovernanceResolver
}

// NewService builds an intake service. A nil resolver disables team
// governance lookups.
func NewService(st *store.Store, gov GovernanceResolver) *Service {
	if gov == nil {
		gov = noGovernance{}
	}
	return &Service{st: st, gov: gov}
}

// Ingest classifies, de-duplicates and materializes one finding.
func (s *Service) Ingest(p Payload) (*Result, error) {
	if notActionable(p) {
		return &Result{Ignored: true}, nil
	}

	agentID, relayKey := s.resolveScope(p)
	scopeToken := scopeToken(p.TeamID, relayKey)
	fp := Fingerprint(scopeToken, p.Source, p.JobID, p.RunAtMs, p.Summary)

	event := store.ActionableEvent{
		Fingerprint:       fp,
		ScopeToken:        scopeToken,
		TeamID:            p.TeamID,
		OpsRuntimeAgentID: agentID,
		RelayKey:          relayKey,
		Source:            p.Source,
		JobID:             p.JobID,
		Severity:          normalizeSeverity(p.Severity),
		DecisionRequired:  p.DecisionRequired,
		Summary:           strings.TrimSpace(p.Summary),
		Recommendation:    strings.TrimSpace(p.Recommendation),
		Evidence:          strings.TrimSpace(p.Evidence),
		RunAtMs:           p.RunAtMs,
		CreatedAtMs:       time.Now().UnixMilli(),
	}

	inserted, err := s.st.InsertActionableEvent(event)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// The existing row carries the work-order linkage the caller
		// needs; the freshly built one does not.
		existing, err := s.st.GetActionableEvent(fp)
		if err != nil {
			return nil, err
		}
		L_debug("ops: duplicate finding", "fingerprint", fp)
		return &Result{Deduped: true, Fingerprint: fp, Event: existing}, nil
	}

	wo := store.WorkOrder{
		ID:           uuid.NewString(),
		Title:        workOrderTitle(event.Severity, event.Summary),
		Priority:     severityPriority(event.Severity),
		OwnerAgentID: agentID,
		ScopeToken:   scopeToken,
		Source:       p.Source,
		Tags:         workOrderTags(p, relayKey),
	}
	if err := s.st.InsertWorkOrder(wo); err != nil {
		return nil, err
	}
	if err := s.st.SetEventWorkOrder(fp, wo.ID); err != nil {
		return nil, err
	}
	event.WorkOrderID = wo.ID

	L_info("ops: work order created", "id", wo.ID, "severity", event.Severity, "owner", agentID)
	return &Result{Created: true, Fingerprint: fp, Event: &event}, nil
}

// Poll hands out up to maxItems pending events for the given scope,
// marking them relayed so a second poll returns nothing. Either scope
// field may be empty to widen the match.
func (s *Service) Poll(maxItems int, teamID, relayKey string) ([]store.ActionableEvent, error) {
	return s.st.PollActionableEvents(teamID, relayKey, maxItems)
}

// notActionable filters findings that explicitly carry no action.
func notActionable(p Payload) bool {
	if p.NoAction || strings.EqualFold(p.Actionability, "no_action") {
		return true
	}
	norm := strings.ToUpper(strings.TrimSpace(p.Summary))
	return norm == "NO_ACTION" || norm == "NO_REPLY"
}

func (s *Service) resolveScope(p Payload) (agentID, relayKey string) {
	agentID = p.OpsRuntimeAgentID
	relayKey = p.RelayKey
	if p.TeamID != "" && (agentID == "" || relayKey == "") {
		gov, err := s.gov.Resolve(p.TeamID)
		if err != nil {
			L_warn("ops: governance lookup failed", "team", p.TeamID, "error", err)
		} else if gov != nil {
			if agentID == "" {
				agentID = gov.OpsAgentFor(p.TeamID)
			}
			if relayKey == "" {
				relayKey = gov.RelayKey
			}
		}
	}
	if agentID == "" {
		agentID = legacyOpsAgent
	}
	return agentID, relayKey
}

func scopeToken(teamID, relayKey string) string {
	if teamID == "" {
		teamID = "team:none"
	}
	if relayKey == "" {
		relayKey = "relay:none"
	}
	return teamID + "|" + relayKey
}

// Fingerprint derives the dedup key for one finding. The summary
// contributes only a 16-char hash prefix so long summaries stay cheap
// to compare.
func Fingerprint(scopeToken, source, jobID string, runAtMs int64, summary string) string {
	sumHash := sha256.Sum256([]byte(strings.TrimSpace(summary)))
	base := fmt.Sprintf("%s|%s|%s|%d|%s",
		scopeToken, source, jobID, runAtMs, hex.EncodeToString(sumHash[:])[:16])
	fp := sha256.Sum256([]byte(base))
	return hex.EncodeToString(fp[:])
}

func normalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return "critical"
	case "high":
		return "high"
	case "low":
		return "low"
	default:
		return "medium"
	}
}

func severityPriority(severity string) string {
	switch severity {
	case "critical", "high":
		return "P1"
	case "medium":
		return "P2"
	default:
		return "P3"
	}
}

const titleSummaryMax = 80

func workOrderTitle(severity, summary string) string {
	slice := strings.TrimSpace(summary)
	if len(slice) > titleSummaryMax {
		slice = slice[:titleSummaryMax]
	}
	return fmt.Sprintf("[Ops][%s] %s", strings.ToUpper(severity), slice)
}

func workOrderTags(p Payload, relayKey string) string {
	tags := []string{"source:" + p.Source}
	if p.JobID != "" {
		tags = append(tags, "job:"+p.JobID)
	}
	if p.TeamID != "" {
		tags = append(tags, "team:"+p.TeamID)
	}
	if relayKey != "" {
		tags = append(tags, "relay:"+relayKey)
	}
	return strings.Join(tags, ",")
}
