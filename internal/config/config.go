package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/clawcontrol/clawcontrol/internal/paths"
)

// DispatchMode selects how agent sessions are spawned.
type DispatchMode string

const (
	DispatchAuto       DispatchMode = "auto"
	DispatchRun        DispatchMode = "run"
	DispatchAgentLocal DispatchMode = "agent_local"
)

// Config represents the merged clawcontrol configuration.
type Config struct {
	Runtime   RuntimeConfig   `json:"runtime"`
	Database  DatabaseConfig  `json:"database"`
	Ingestion IngestionConfig `json:"ingestion"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

type RuntimeConfig struct {
	// Home is the OpenClaw root containing agents/<id>/sessions.
	Home string `json:"home"`
	// Bin is the runtime CLI binary.
	Bin string `json:"bin"`
	// DispatchMode: auto | run | agent_local.
	DispatchMode DispatchMode `json:"dispatchMode"`
	// OpenAIKeyConfigured mirrors the presence of OPENAI_API_KEY.
	OpenAIKeyConfigured bool `json:"-"`
}

type DatabaseConfig struct {
	Path        string `json:"path"`
	BusyTimeout int    `json:"busyTimeoutMs"`
}

type IngestionConfig struct {
	// MaxMs is the wall-clock budget for one sync pass.
	MaxMs int64 `json:"maxMs"`
	// MaxFiles is the file-count budget for one sync pass.
	MaxFiles int `json:"maxFiles"`
	// Interval between scheduled sync passes.
	IntervalSeconds int `json:"intervalSeconds"`
}

type TelemetryConfig struct {
	// IntervalSeconds between scheduled status polls.
	IntervalSeconds int `json:"intervalSeconds"`
	// CommandTimeout for status/model commands.
	CommandTimeout time.Duration `json:"-"`
}

// Load reads configuration from clawcontrol.json, applying defaults and
// environment overrides. Missing config file is a valid state.
func Load() (*Config, error) {
	cfg := &Config{
		Runtime: RuntimeConfig{
			Bin:          "openclaw",
			DispatchMode: DispatchAuto,
		},
		Database: DatabaseConfig{
			BusyTimeout: 5000,
		},
		Ingestion: IngestionConfig{
			MaxMs:           4000,
			MaxFiles:        200,
			IntervalSeconds: 60,
		},
		Telemetry: TelemetryConfig{
			IntervalSeconds: 30,
			CommandTimeout:  15 * time.Second,
		},
	}

	path, err := paths.ConfigPath()
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Environment overrides config file.
	if cfg.Runtime.Home == "" {
		home, err := paths.RuntimeHome()
		if err != nil {
			return nil, err
		}
		cfg.Runtime.Home = home
	}
	if v := os.Getenv("CLAWCONTROL_OPENCLAW_DISPATCH_MODE"); v != "" {
		cfg.Runtime.DispatchMode = DispatchMode(v)
	}
	switch cfg.Runtime.DispatchMode {
	case DispatchAuto, DispatchRun, DispatchAgentLocal:
	default:
		return nil, fmt.Errorf("invalid dispatch mode %q", cfg.Runtime.DispatchMode)
	}
	cfg.Runtime.OpenAIKeyConfigured = os.Getenv("OPENAI_API_KEY") != ""

	if cfg.Database.Path == "" {
		dbPath, err := paths.DatabasePath()
		if err != nil {
			return nil, err
		}
		cfg.Database.Path = dbPath
	}
	if cfg.Telemetry.CommandTimeout == 0 {
		cfg.Telemetry.CommandTimeout = 15 * time.Second
	}

	return cfg, nil
}
