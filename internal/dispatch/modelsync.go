package dispatch

import (
	"encoding/json"
	"os"
	"strings"

	. "github.com/clawcontrol/clawcontrol/internal/logging"
	"github.com/clawcontrol/clawcontrol/internal/paths"
)

// syncModelFallback ensures an agent asked to run a non-codex model can
// still complete when no OpenAI key is configured, by heading its
// fallback chain with the codex model. The edit is best effort: any
// failure becomes a warning string appended to later dispatch errors,
// never a hard stop.
func (d *Dispatcher) syncModelFallback(req SpawnRequest) string {
	if req.Model == "" || d.openAIKey {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(req.Model), "openai-codex/") {
		return ""
	}

	path, err := paths.AgentConfigPath(req.AgentID)
	if err != nil {
		return "model_sync_warning: " + err.Error()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "model_sync_warning: " + err.Error()
	}

	var cfg map[string]interface{}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return "model_sync_warning: bad agent config: " + err.Error()
	}

	fallbacks := []string{codexFallbackModel}
	if raw, ok := cfg["modelFallbacks"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				fallbacks = append(fallbacks, s)
			}
		}
	}
	cfg["modelFallbacks"] = dedupeFold(fallbacks)

	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "model_sync_warning: " + err.Error()
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return "model_sync_warning: " + err.Error()
	}
	L_debug("dispatch: synced model fallbacks", "agent", req.AgentID, "fallbacks", cfg["modelFallbacks"])
	return ""
}

// dedupeFold keeps first occurrences, comparing case-insensitively.
func dedupeFold(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}
