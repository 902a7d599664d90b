package dispatch

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/clawcontrol/clawcontrol/internal/config"
	"github.com/clawcontrol/clawcontrol/internal/runtime"
	"github.com/clawcontrol/clawcontrol/internal/store"
)

type fakeCall struct {
	stdout string
	stderr string
	err    error
}

func setupTestDispatcher(t *testing.T, mode config.DispatchMode, script []fakeCall) (*Dispatcher, *store.Store, *[][]string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 5000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	calls := &[][]string{}
	i := 0
	d := &Dispatcher{st: st, mode: mode}
	d.exec = func(ctx context.Context, timeout time.Duration, args ...string) ([]byte, []byte, error) {
		*calls = append(*calls, args)
		if i >= len(script) {
			t.Fatalf("unexpected call: %v", args)
		}
		c := script[i]
		i++
		return []byte(c.stdout), []byte(c.stderr), c.err
	}
	return d, st, calls
}

func TestSpawnRunMode(t *testing.T) {
	d, st, calls := setupTestDispatcher(t, config.DispatchRun, []fakeCall{
		{stdout: `{"sessionId":"sess-1"}`},
	})

	res, err := d.Spawn(context.Background(), SpawnRequest{
		AgentID: "main",
		Label:   "wf:op:abc123def456",
		Task:    "do the thing",
		Model:   "Claude-Sonnet-4",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionID != "sess-1" || res.Mode != "run" {
		t.Fatalf("result: %+v", res)
	}

	args := (*calls)[0]
	if args[0] != "run" || args[1] != "main" {
		t.Fatalf("args: %v", args)
	}
	if !contains(args, "--model") || !contains(args, "claude-sonnet-4") {
		t.Errorf("model not normalized: %v", args)
	}

	rows, err := st.AgentSessionsByID([]string{"sess-1"})
	if err != nil {
		t.Fatal(err)
	}
	row := rows["sess-1"]
	if row.State != "active" || row.DispatchMode != "run" {
		t.Errorf("row: %+v", row)
	}
	if row.OperationID != "abc123def456" {
		t.Errorf("operation linkage: %+v", row)
	}
}

func TestSpawnAutoFallsBackToAgentLocal(t *testing.T) {
	runErr := &runtime.CommandError{
		Args:     []string{"run"},
		ExitCode: 1,
		Stderr:   "error: unknown command 'run', did you mean cron?",
	}
	d, st, calls := setupTestDispatcher(t, config.DispatchAuto, []fakeCall{
		{err: runErr},
		{stdout: `{"meta":{"sessionId":"local-1"}}`},
		// Second spawn goes straight to agent_local.
		{stdout: `{"sessionId":"local-2"}`},
	})

	res, err := d.Spawn(context.Background(), SpawnRequest{AgentID: "main", Label: "job-a", Task: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionID != "local-1" || res.Mode != "agent_local" {
		t.Fatalf("result: %+v", res)
	}

	local := (*calls)[1]
	if local[0] != "agent" || !contains(local, "--local") {
		t.Fatalf("local args: %v", local)
	}
	if !contains(local, DeterministicSessionID("job-a")) {
		t.Errorf("deterministic id missing: %v", local)
	}

	// The message carries the context marker.
	msg := argAfter(local, "--message")
	if !strings.Contains(msg, "CLAWCONTROL_CONTEXT_JSON:") {
		t.Errorf("message: %q", msg)
	}

	// Fallback is memoized: no second run attempt.
	res, err = d.Spawn(context.Background(), SpawnRequest{AgentID: "main", Label: "job-b", Task: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionID != "local-2" || len(*calls) != 3 {
		t.Fatalf("memoized: %+v calls=%d", res, len(*calls))
	}

	rows, _ := st.AgentSessionsByID([]string{"local-1", "local-2"})
	if len(rows) != 2 {
		t.Errorf("rows: %+v", rows)
	}
}

func TestSpawnRunModeNoFallback(t *testing.T) {
	runErr := &runtime.CommandError{Args: []string{"run"}, ExitCode: 1, Stderr: "unknown command 'run'"}
	d, _, calls := setupTestDispatcher(t, config.DispatchRun, []fakeCall{{err: runErr}})

	if _, err := d.Spawn(context.Background(), SpawnRequest{AgentID: "a", Label: "l", Task: "t"}); err == nil {
		t.Fatal("expected error")
	}
	if len(*calls) != 1 {
		t.Fatalf("explicit run mode must not fall back: %d calls", len(*calls))
	}
}

func TestSpawnAgentLocalMissingSessionID(t *testing.T) {
	d, _, _ := setupTestDispatcher(t, config.DispatchAgentLocal, []fakeCall{
		{stdout: `{"ok":true}`, stderr: "some noise"},
	})

	_, err := d.Spawn(context.Background(), SpawnRequest{AgentID: "a", Label: "l", Task: "t"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "no sessionId") || !strings.Contains(err.Error(), "some noise") {
		t.Errorf("error: %v", err)
	}
}

func TestSpawnValidation(t *testing.T) {
	d, _, _ := setupTestDispatcher(t, config.DispatchRun, nil)
	if _, err := d.Spawn(context.Background(), SpawnRequest{AgentID: "a"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestFallbackSignature(t *testing.T) {
	cases := []struct {
		stderr string
		want   bool
	}{
		{"unknown command 'run'", true},
		{"Unknown command 'run', did you mean cron?", true},
		{"openclaw: not found", true},
		{"spawn openclaw: ENOENT", true},
		{"panic: something broke", false},
	}
	for _, tc := range cases {
		err := &runtime.CommandError{Stderr: tc.stderr, ExitCode: 1}
		if got := fallbackSignature(err); got != tc.want {
			t.Errorf("%q: got %v", tc.stderr, got)
		}
	}
	if fallbackSignature(context.DeadlineExceeded) {
		t.Error("plain errors must not trigger fallback")
	}
}

func TestDeterministicSessionID(t *testing.T) {
	shape := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

	for _, label := range []string{"a", "wf:op:abc123def456", "", "another label"} {
		id := DeterministicSessionID(label)
		if !shape.MatchString(id) {
			t.Errorf("%q -> %q not uuid4 shaped", label, id)
		}
		if id != DeterministicSessionID(label) {
			t.Errorf("%q not deterministic", label)
		}
	}
	if DeterministicSessionID("a") == DeterministicSessionID("b") {
		t.Error("distinct labels collided")
	}
}

func TestRawSpawnJSONTruncation(t *testing.T) {
	small := rawSpawnJSON([]byte("out"), []byte("err"), map[string]interface{}{"k": "v"})
	if !strings.Contains(small, `"out"`) || strings.Contains(small, "truncated") {
		t.Errorf("small blob: %q", small)
	}

	big := rawSpawnJSON([]byte(strings.Repeat("x", 100*1024)), nil, nil)
	if len(big) > maxRawJSONBytes {
		t.Fatalf("wrapper too large: %d", len(big))
	}
	if !strings.Contains(big, `"truncated":true`) || !strings.Contains(big, `"originalLength"`) {
		t.Errorf("wrapper: %q", big[:200])
	}
}

func TestDedupeFold(t *testing.T) {
	got := dedupeFold([]string{"A", "b", "a", "B", "c"})
	if len(got) != 3 || got[0] != "A" || got[1] != "b" || got[2] != "c" {
		t.Errorf("got %v", got)
	}
}

func contains(args []string, v string) bool {
	for _, a := range args {
		if a == v {
			return true
		}
	}
	return false
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
