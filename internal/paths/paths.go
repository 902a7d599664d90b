// Package paths provides centralized path resolution for ClawControl.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RuntimeHome returns the OpenClaw runtime root. Priority:
// $OPENCLAW_HOME > ~/.openclaw.
func RuntimeHome() (string, error) {
	if v := os.Getenv("OPENCLAW_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".openclaw"), nil
}

// AgentsDir returns the directory containing per-agent subdirectories.
func AgentsDir() (string, error) {
	home, err := RuntimeHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "agents"), nil
}

// SessionsDir returns the sessions directory for one agent.
func SessionsDir(agentID string) (string, error) {
	agents, err := AgentsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(agents, agentID, "sessions"), nil
}

// AgentConfigPath returns the runtime's agent.json for one agent.
func AgentConfigPath(agentID string) (string, error) {
	agents, err := AgentsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(agents, agentID, "agent.json"), nil
}

// DataDir returns the ClawControl data directory (~/.openclaw/clawcontrol).
func DataDir() (string, error) {
	home, err := RuntimeHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "clawcontrol"), nil
}

// DatabasePath returns the SQLite database path.
// Priority: $CLAWCONTROL_DB > <data dir>/clawcontrol.db.
func DatabasePath() (string, error) {
	if v := os.Getenv("CLAWCONTROL_DB"); v != "" {
		return v, nil
	}
	data, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(data, "clawcontrol.db"), nil
}

// ConfigPath returns the active clawcontrol.json path.
// Priority: ./clawcontrol.json (current dir) > ~/.openclaw/clawcontrol.json
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath() (string, error) {
	localPath := "clawcontrol.json"
	if _, err := os.Stat(localPath); err == nil {
		absPath, err := filepath.Abs(localPath)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return absPath, nil
	}

	home, err := RuntimeHome()
	if err != nil {
		return "", err
	}
	globalPath := filepath.Join(home, "clawcontrol.json")
	if _, err := os.Stat(globalPath); err == nil {
		return globalPath, nil
	}

	// No config found - valid state
	return "", nil
}

// SessionIDFromPath extracts the session id from a sessions/<id>.jsonl path.
func SessionIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// AgentIDFromPath extracts the agent id from an agents/<id>/sessions/... path.
// Returns "" when the path does not follow the runtime layout.
func AgentIDFromPath(path string) string {
	dir := filepath.Dir(path) // .../agents/<id>/sessions
	if filepath.Base(dir) != "sessions" {
		return ""
	}
	return filepath.Base(filepath.Dir(dir))
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}
