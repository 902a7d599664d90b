package ops

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/clawcontrol/clawcontrol/internal/store"
)

type stubGovernance struct {
	gov *TeamGovernance
	err error
}

func (s stubGovernance) Resolve(string) (*TeamGovernance, error) { return s.gov, s.err }

func setupTestService(t *testing.T, gov GovernanceResolver) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 5000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewService(st, gov), st
}

func TestIngestCreatesWorkOrderOnce(t *testing.T) {
	s, st := setupTestService(t, nil)
	p := Payload{
		Source:         "cron",
		JobID:          "job_1",
		RunAtMs:        1700000000000,
		Severity:       "high",
		Summary:        "Gateway errors spiked",
		Recommendation: "Rollback",
	}

	res, err := s.Ingest(p)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created || res.Deduped || res.Ignored {
		t.Fatalf("first: %+v", res)
	}
	if res.Event.WorkOrderID == "" {
		t.Fatal("work order not linked")
	}

	wo, err := st.GetWorkOrder(res.Event.WorkOrderID)
	if err != nil || wo == nil {
		t.Fatalf("work order: %v %v", wo, err)
	}
	if wo.Priority != "P1" || !strings.HasPrefix(wo.Title, "[Ops][HIGH] Gateway errors") {
		t.Errorf("work order: %+v", wo)
	}
	if wo.OwnerAgentID != "wf-ops" {
		t.Errorf("legacy owner expected: %+v", wo)
	}
	if !strings.Contains(wo.Tags, "source:cron") || !strings.Contains(wo.Tags, "job:job_1") {
		t.Errorf("tags: %q", wo.Tags)
	}

	// Same payload again dedupes without a second work order.
	res2, err := s.Ingest(p)
	if err != nil {
		t.Fatal(err)
	}
	if !res2.Deduped || res2.Created {
		t.Fatalf("second: %+v", res2)
	}
	if res2.Fingerprint != res.Fingerprint {
		t.Error("fingerprints differ")
	}
	// The dedup result is the stored row, not a rebuilt one: it carries
	// the original work-order linkage.
	if res2.Event == nil || res2.Event.ID == 0 {
		t.Fatalf("dedup event: %+v", res2.Event)
	}
	if res2.Event.WorkOrderID != res.Event.WorkOrderID {
		t.Errorf("dedup work order: %q want %q", res2.Event.WorkOrderID, res.Event.WorkOrderID)
	}

	// A different team changes the scope token and creates a new row.
	p.TeamID = "team_b"
	res3, err := s.Ingest(p)
	if err != nil {
		t.Fatal(err)
	}
	if !res3.Created {
		t.Fatalf("scoped: %+v", res3)
	}
	if res3.Fingerprint == res.Fingerprint {
		t.Error("scope must change fingerprint")
	}
}

func TestIngestPersistsPayloadDetail(t *testing.T) {
	s, st := setupTestService(t, nil)
	res, err := s.Ingest(Payload{
		Source:            "cron",
		JobID:             "j1",
		TeamID:            "team_a",
		OpsRuntimeAgentID: "custom-ops",
		RelayKey:          "relay:x",
		Severity:          "high",
		DecisionRequired:  true,
		Summary:           "gateway errors spiked",
		Recommendation:    "Rollback the last deploy",
		Evidence:          "5xx rate 14% over 10m",
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := st.GetActionableEvent(res.Fingerprint)
	if err != nil || got == nil {
		t.Fatalf("stored event: %v %v", got, err)
	}
	if got.TeamID != "team_a" || got.OpsRuntimeAgentID != "custom-ops" || got.RelayKey != "relay:x" {
		t.Errorf("scope fields: %+v", got)
	}
	if !got.DecisionRequired {
		t.Error("decisionRequired dropped")
	}
	if got.Recommendation != "Rollback the last deploy" || got.Evidence != "5xx rate 14% over 10m" {
		t.Errorf("detail fields: %+v", got)
	}
}

func TestIngestIgnoresNonActionable(t *testing.T) {
	s, _ := setupTestService(t, nil)
	cases := []Payload{
		{Source: "cron", Summary: "x", NoAction: true},
		{Source: "cron", Summary: "x", Actionability: "no_action"},
		{Source: "cron", Summary: "  no_action  "},
		{Source: "cron", Summary: "NO_REPLY"},
	}
	for i, p := range cases {
		res, err := s.Ingest(p)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Ignored {
			t.Errorf("case %d not ignored: %+v", i, res)
		}
	}
}

func TestIngestGovernanceScope(t *testing.T) {
	gov := stubGovernance{gov: &TeamGovernance{
		OpsAgentTemplate: "ops-{teamId}",
		RelayKey:         "relay:platform",
	}}
	s, st := setupTestService(t, gov)

	res, err := s.Ingest(Payload{
		Source:   "cron",
		JobID:    "j",
		TeamID:   "team_a",
		Severity: "medium",
		Summary:  "disk filling",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created {
		t.Fatalf("result: %+v", res)
	}
	if res.Event.ScopeToken != "team_a|relay:platform" {
		t.Errorf("scope: %q", res.Event.ScopeToken)
	}

	wo, _ := st.GetWorkOrder(res.Event.WorkOrderID)
	if wo.OwnerAgentID != "ops-team_a" {
		t.Errorf("owner: %+v", wo)
	}
	if wo.Priority != "P2" {
		t.Errorf("priority: %+v", wo)
	}

	// Explicit payload fields beat governance.
	res, err = s.Ingest(Payload{
		Source:            "cron",
		JobID:             "j2",
		TeamID:            "team_a",
		OpsRuntimeAgentID: "custom-ops",
		RelayKey:          "relay:custom",
		Severity:          "low",
		Summary:           "minor drift",
	})
	if err != nil {
		t.Fatal(err)
	}
	wo, _ = st.GetWorkOrder(res.Event.WorkOrderID)
	if wo.OwnerAgentID != "custom-ops" || !strings.Contains(wo.Tags, "relay:custom") {
		t.Errorf("explicit scope: %+v", wo)
	}
	if wo.Priority != "P3" {
		t.Errorf("low priority: %+v", wo)
	}
}

func TestPollScoped(t *testing.T) {
	s, _ := setupTestService(t, nil)
	if _, err := s.Ingest(Payload{Source: "cron", JobID: "a", Summary: "one"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Ingest(Payload{Source: "cron", JobID: "b", TeamID: "t1", RelayKey: "r1", Summary: "two"}); err != nil {
		t.Fatal(err)
	}

	items, err := s.Poll(10, "t1", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Summary != "two" {
		t.Fatalf("scoped poll: %+v", items)
	}

	// Remaining unscoped event still pending.
	items, err = s.Poll(10, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Summary != "one" {
		t.Fatalf("unscoped poll: %+v", items)
	}

	// Everything relayed now.
	items, _ = s.Poll(10, "", "")
	if len(items) != 0 {
		t.Fatalf("second poll: %+v", items)
	}
}

func TestFingerprintStability(t *testing.T) {
	fp1 := Fingerprint("team:none|relay:none", "cron", "j", 1, "summary text")
	fp2 := Fingerprint("team:none|relay:none", "cron", "j", 1, "  summary text  ")
	if fp1 != fp2 {
		t.Error("summary trimming must not change fingerprint")
	}
	if fp1 == Fingerprint("team:none|relay:none", "cron", "j", 2, "summary text") {
		t.Error("runAtMs must change fingerprint")
	}
}

func TestNormalizeSeverity(t *testing.T) {
	cases := map[string]string{
		"CRITICAL": "critical",
		" High ":   "high",
		"low":      "low",
		"":         "medium",
		"weird":    "medium",
	}
	for in, want := range cases {
		if got := normalizeSeverity(in); got != want {
			t.Errorf("%q: got %q", in, got)
		}
	}
}

func TestOpsAgentTemplate(t *testing.T) {
	g := &TeamGovernance{OpsAgentTemplate: "ops-{teamId}"}
	if got := g.OpsAgentFor("t1"); got != "ops-t1" {
		t.Errorf("got %q", got)
	}
	var nilGov *TeamGovernance
	if nilGov.OpsAgentFor("t1") != "" {
		t.Error("nil governance should yield empty")
	}
}
