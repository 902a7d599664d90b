package runtime

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestRecentSessionsShapes(t *testing.T) {
	nested := `{"sessions":{"recent":[{"sessionId":"a"},{"sessionId":"b"}]}}`
	flat := `{"sessions":[{"sessionId":"a"}]}`
	empty := `{"gateway":{"up":true}}`

	parse := func(s string) *StatusSnapshot {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			t.Fatal(err)
		}
		return &StatusSnapshot{Raw: obj}
	}

	if got := parse(nested).RecentSessions(); len(got) != 2 {
		t.Errorf("nested: %d", len(got))
	}
	if got := parse(flat).RecentSessions(); len(got) != 1 {
		t.Errorf("flat: %d", len(got))
	}
	if got := parse(empty).RecentSessions(); got != nil {
		t.Errorf("empty: %v", got)
	}
	var nilSnap *StatusSnapshot
	if got := nilSnap.RecentSessions(); got != nil {
		t.Errorf("nil snapshot: %v", got)
	}
}

func TestAgentModelFallbackChain(t *testing.T) {
	cases := []struct {
		cfg  string
		want string
	}{
		{`{"model":"claude-sonnet-4"}`, "claude-sonnet-4"},
		{`{"model":{"primary":"opus-4"}}`, "opus-4"},
		{`{"llm":{"model":"gpt-4o"}}`, "gpt-4o"},
		{`{"model":"","llm":{"model":"gpt-4o"}}`, "gpt-4o"},
		{`{}`, ""},
	}
	for _, c := range cases {
		var cfg map[string]interface{}
		if err := json.Unmarshal([]byte(c.cfg), &cfg); err != nil {
			t.Fatal(err)
		}
		if got := agentModel(cfg); got != c.want {
			t.Errorf("cfg %s: got %q, want %q", c.cfg, got, c.want)
		}
	}
}

func TestListAgents(t *testing.T) {
	home := t.TempDir()
	t.Setenv("OPENCLAW_HOME", home)

	mkAgent := func(id, cfg string) {
		dir := filepath.Join(home, "agents", id)
		if err := os.MkdirAll(dir, 0750); err != nil {
			t.Fatal(err)
		}
		if cfg != "" {
			if err := os.WriteFile(filepath.Join(dir, "agent.json"), []byte(cfg), 0640); err != nil {
				t.Fatal(err)
			}
		}
	}
	mkAgent("main", `{"name":"Main Agent","model":"claude-sonnet-4"}`)
	mkAgent("bare", "")
	mkAgent("broken", `{not json`)
	// A stray file in agents/ is not an agent.
	os.WriteFile(filepath.Join(home, "agents", "README"), []byte("x"), 0640)

	agents, err := ListAgents()
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 3 {
		t.Fatalf("agents: %d", len(agents))
	}
	// Sorted by id.
	if agents[0].ID != "bare" || agents[1].ID != "broken" || agents[2].ID != "main" {
		t.Errorf("order: %+v", agents)
	}
	if agents[2].Name != "Main Agent" || agents[2].Model != "claude-sonnet-4" {
		t.Errorf("enrichment: %+v", agents[2])
	}
	if agents[0].Name != "bare" {
		t.Errorf("bare agent keeps id as name: %+v", agents[0])
	}
}

func TestListAgentsMissingDir(t *testing.T) {
	t.Setenv("OPENCLAW_HOME", filepath.Join(t.TempDir(), "nope"))
	agents, err := ListAgents()
	if err != nil || agents != nil {
		t.Errorf("missing dir: %v %v", agents, err)
	}
}
