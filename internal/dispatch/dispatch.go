// Package dispatch spawns agent sessions through the gateway, with an
// automatic fallback from the run subcommand to local agent exec on
// older gateways.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clawcontrol/clawcontrol/internal/config"
	. "github.com/clawcontrol/clawcontrol/internal/logging"
	"github.com/clawcontrol/clawcontrol/internal/runtime"
	"github.com/clawcontrol/clawcontrol/internal/store"
	"github.com/clawcontrol/clawcontrol/internal/usage"
)

const (
	defaultTimeoutSeconds = 300

	// codexFallbackModel heads the fallback chain synced into agent
	// configs when no OpenAI key is available.
	codexFallbackModel = "openai-codex/gpt-5.3-codex"
)

// SpawnRequest describes one session to start.
type SpawnRequest struct {
	AgentID        string                 `json:"agentId"`
	Label          string                 `json:"label"`
	Task           string                 `json:"task"`
	Context        map[string]interface{} `json:"context,omitempty"`
	Model          string                 `json:"model,omitempty"`
	TimeoutSeconds int                    `json:"timeoutSeconds,omitempty"`
}

// SpawnResult reports the started session.
type SpawnResult struct {
	SessionKey string `json:"sessionKey"`
	SessionID  string `json:"sessionId,omitempty"`
	Mode       string `json:"mode"`
}

type execFn func(ctx context.Context, timeout time.Duration, args ...string) ([]byte, []byte, error)

// Dispatcher spawns sessions in the configured mode. In auto mode the
// first failure with a known signature flips it to agent_local for the
// rest of the process lifetime.
type Dispatcher struct {
	st        *store.Store
	mode      config.DispatchMode
	openAIKey bool
	exec      execFn

	mu       sync.Mutex
	resolved config.DispatchMode
}

// New builds a dispatcher over the gateway client.
func New(st *store.Store, client *runtime.Client, cfg config.RuntimeConfig) *Dispatcher {
	return &Dispatcher{
		st:        st,
		mode:      cfg.DispatchMode,
		openAIKey: cfg.OpenAIKeyConfigured,
		exec:      client.InvokeCapture,
	}
}

// Spawn starts one agent session and persists its snapshot row.
func (d *Dispatcher) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	if req.AgentID == "" || req.Label == "" || req.Task == "" {
		return nil, errors.New("dispatch: agentId, label and task are required")
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = defaultTimeoutSeconds
	}

	switch d.effectiveMode() {
	case config.DispatchRun:
		return d.spawnRun(ctx, req, d.mode == config.DispatchAuto)
	case config.DispatchAgentLocal:
		return d.spawnAgentLocal(ctx, req, nil)
	default:
		return d.spawnRun(ctx, req, true)
	}
}

func (d *Dispatcher) effectiveMode() config.DispatchMode {
	if d.mode != config.DispatchAuto {
		return d.mode
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resolved != "" {
		return d.resolved
	}
	return config.DispatchRun
}

func (d *Dispatcher) memoize(mode config.DispatchMode) {
	d.mu.Lock()
	d.resolved = mode
	d.mu.Unlock()
}

// fallbackSignature matches the run-mode failures that mean the
// gateway predates the run subcommand.
func fallbackSignature(err error) bool {
	var cmdErr *runtime.CommandError
	if errors.As(err, &cmdErr) {
		if cmdErr.BinaryMissing() {
			return true
		}
		lower := strings.ToLower(cmdErr.Stderr)
		return strings.Contains(lower, "unknown command 'run'") ||
			strings.Contains(lower, "did you mean cron?") ||
			strings.Contains(lower, "not found") ||
			strings.Contains(lower, "enoent")
	}
	return false
}

func (d *Dispatcher) spawnRun(ctx context.Context, req SpawnRequest, allowFallback bool) (*SpawnResult, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"sessionKey": req.Label,
		"task":       req.Task,
		"context":    req.Context,
	})

	args := []string{"run", req.AgentID,
		"--label", req.Label,
		"--timeout", strconv.Itoa(req.TimeoutSeconds)}
	if req.Model != "" {
		args = append(args, "--model", usage.ModelKey(req.Model))
	}
	args = append(args, "--", string(payload))

	stdout, stderr, err := d.exec(ctx, time.Duration(req.TimeoutSeconds)*time.Second, args...)
	if err != nil {
		if allowFallback && fallbackSignature(err) {
			L_info("dispatch: run unavailable, falling back to agent_local", "error", err)
			d.memoize(config.DispatchAgentLocal)
			return d.spawnAgentLocal(ctx, req, err)
		}
		return nil, fmt.Errorf("dispatch run failed: %w", err)
	}
	if d.mode == config.DispatchAuto {
		d.memoize(config.DispatchRun)
	}

	var parsed map[string]interface{}
	_ = json.Unmarshal(stdout, &parsed)
	sessionID := firstNonEmpty(
		stringAt(parsed, "sessionId"),
		stringAt(parsed, "id"),
	)

	res := &SpawnResult{SessionKey: req.Label, SessionID: sessionID, Mode: string(config.DispatchRun)}
	d.persist(req, res, stdout, stderr, parsed)
	return res, nil
}

func (d *Dispatcher) spawnAgentLocal(ctx context.Context, req SpawnRequest, runErr error) (*SpawnResult, error) {
	warning := d.syncModelFallback(req)

	determID := DeterministicSessionID(req.Label)
	contextJSON, _ := json.Marshal(map[string]interface{}{
		"sessionKey": req.Label,
		"context":    req.Context,
	})
	composed := req.Task + "\n\nCLAWCONTROL_CONTEXT_JSON:" + string(contextJSON)

	args := []string{"agent", "--local",
		"--agent", req.AgentID,
		"--session-id", determID,
		"--message", composed,
		"--json",
		"--timeout", strconv.Itoa(req.TimeoutSeconds)}

	stdout, stderr, err := d.exec(ctx, time.Duration(req.TimeoutSeconds)*time.Second, args...)
	if err != nil {
		return nil, spawnError("dispatch agent_local failed", runErr, err, warning, stdout, stderr)
	}

	var parsed map[string]interface{}
	_ = json.Unmarshal(stdout, &parsed)
	sessionID := firstNonEmpty(
		stringAt(parsed, "sessionId"),
		stringAt(parsed, "meta", "sessionId"),
		stringAt(parsed, "meta", "agentMeta", "sessionId"),
		stringAt(parsed, "meta", "systemPromptReport", "sessionId"),
	)
	if sessionID == "" {
		return nil, spawnError("dispatch agent_local returned no sessionId", runErr, nil, warning, stdout, stderr)
	}

	res := &SpawnResult{SessionKey: req.Label, SessionID: sessionID, Mode: string(config.DispatchAgentLocal)}
	d.persist(req, res, stdout, stderr, parsed)
	return res, nil
}

// spawnError stitches every failure layer into one message so the
// caller sees the whole story: the run error that caused the
// fallback, the local error, and any model-sync warning.
func spawnError(msg string, runErr, localErr error, warning string, stdout, stderr []byte) error {
	parts := []string{msg}
	if runErr != nil {
		parts = append(parts, "run_error: "+runErr.Error())
	}
	if localErr != nil {
		parts = append(parts, "agent_local_error: "+localErr.Error())
	}
	if warning != "" {
		parts = append(parts, warning)
	}
	if len(stdout) > 0 {
		parts = append(parts, "stdout: "+clip(string(stdout), 500))
	}
	if len(stderr) > 0 {
		parts = append(parts, "stderr: "+clip(string(stderr), 500))
	}
	return errors.New(strings.Join(parts, "; "))
}

func (d *Dispatcher) persist(req SpawnRequest, res *SpawnResult, stdout, stderr []byte, parsed map[string]interface{}) {
	if res.SessionID == "" {
		return
	}
	now := time.Now().UnixMilli()
	row := store.AgentSession{
		SessionID:    res.SessionID,
		AgentID:      req.AgentID,
		SessionKey:   req.Label,
		State:        "active",
		Label:        req.Label,
		DispatchMode: res.Mode,
		OperationID:  usage.OperationFromKey(req.Label),
		WorkOrderID:  usage.WorkOrderFromKey(req.Label),
		LastSeenAtMs: now,
		UpdatedAtMs:  now,
		RawJSON:      rawSpawnJSON(stdout, stderr, parsed),
	}
	if err := d.st.UpsertAgentSession(row); err != nil {
		L_warn("dispatch: session persist failed", "session", res.SessionID, "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// stringAt walks nested objects by key path.
func stringAt(obj map[string]interface{}, path ...string) string {
	cur := obj
	for i, key := range path {
		if cur == nil {
			return ""
		}
		if i == len(path)-1 {
			s, _ := cur[key].(string)
			return strings.TrimSpace(s)
		}
		cur, _ = cur[key].(map[string]interface{})
	}
	return ""
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
