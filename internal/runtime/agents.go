package runtime

import (
	"encoding/json"
	"os"
	"sort"

	. "github.com/clawcontrol/clawcontrol/internal/logging"
	"github.com/clawcontrol/clawcontrol/internal/paths"
)

// AgentInfo is the static identity of one configured agent.
type AgentInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Model string `json:"model"`
}

// ListAgents scans the agents directory and enriches each entry from
// its agent.json when present. Unreadable configs degrade to a bare id.
func ListAgents() ([]AgentInfo, error) {
	dir, err := paths.AgentsDir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var agents []AgentInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info := AgentInfo{ID: entry.Name(), Name: entry.Name()}
		if cfg, err := LoadAgentConfig(entry.Name()); err == nil && cfg != nil {
			if name := agentName(cfg); name != "" {
				info.Name = name
			}
			info.Model = agentModel(cfg)
		} else if err != nil {
			L_debug("runtime: agent config unreadable", "agent", entry.Name(), "error", err)
		}
		agents = append(agents, info)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

// LoadAgentConfig reads agents/<id>/agent.json, nil when absent.
func LoadAgentConfig(agentID string) (map[string]interface{}, error) {
	path, err := paths.AgentConfigPath(agentID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func agentName(cfg map[string]interface{}) string {
	if s, ok := cfg["name"].(string); ok && s != "" {
		return s
	}
	if identity, ok := cfg["identity"].(map[string]interface{}); ok {
		if s, ok := identity["name"].(string); ok {
			return s
		}
	}
	return ""
}

// agentModel resolves the agent's model through the config fallback
// chain: a bare model string, a model object with a primary, then the
// llm section.
func agentModel(cfg map[string]interface{}) string {
	switch t := cfg["model"].(type) {
	case string:
		if t != "" {
			return t
		}
	case map[string]interface{}:
		if s, ok := t["primary"].(string); ok && s != "" {
			return s
		}
	}
	if llm, ok := cfg["llm"].(map[string]interface{}); ok {
		if s, ok := llm["model"].(string); ok {
			return s
		}
	}
	return ""
}
