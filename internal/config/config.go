package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server       ServerConfig       `toml:"server"`
	Constitution ConstitutionConfig `toml:"constitution"`
	Arbiter      ArbiterConfig      `toml:"arbiter"`
	Generator    EndpointConfig     `toml:"generator"`
	Diagnoser    EndpointConfig     `toml:"diagnoser"`
	Raw          map[string]any     `toml:"-"`
	Path         string             `toml:"-"`
}

type ServerConfig struct {
	Addr          string `toml:"addr"`
	DBPath        string `toml:"db_path"`
	WorkspaceRoot string `toml:"workspace_root"`
}

// ConstitutionConfig carries the governance and negotiation limits. The
// defaults mirror the constitution document the deployment ships with.
type ConstitutionConfig struct {
	MaxRounds                int     `toml:"max_rounds"`
	NegotiationTimeoutMS     int     `toml:"negotiation_timeout_ms"`
	NegotiationCostCapCents  int64   `toml:"negotiation_cost_cap_cents"`
	ConsensusThreshold       float64 `toml:"consensus_threshold"`
	MinImprovement           float64 `toml:"min_improvement"`
	MaxExecutionRetries      int     `toml:"max_execution_retries"`
	TotalBudgetCents         int64   `toml:"total_budget_cents"`
	DebateCostCents          int64   `toml:"debate_cost_cents"`
	ArbitrationCostCents     int64   `toml:"arbitration_cost_cents"`
	ExecutionCostCents       int64   `toml:"execution_cost_cents"`
	ExecutionTimeoutMS       int     `toml:"execution_timeout_ms"`
	NegotiationSweepInterval int     `toml:"negotiation_sweep_interval_ms"`
}

type ArbiterConfig struct {
	Binary    string   `toml:"binary"`
	Args      []string `toml:"args"`
	TimeoutMS int      `toml:"timeout_ms"`
}

type EndpointConfig struct {
	BaseURL   string `toml:"base_url"`
	APIKeyEnv string `toml:"api_key_env"`
	Model     string `toml:"model"`
	TimeoutMS int    `toml:"timeout_ms"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	cfg.Constitution = cfg.Constitution.WithDefaults()
	return cfg, nil
}

// WithDefaults fills in every zero-valued limit with the constitutional
// default so callers never have to guard against missing config keys.
func (c ConstitutionConfig) WithDefaults() ConstitutionConfig {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 5
	}
	if c.NegotiationTimeoutMS <= 0 {
		c.NegotiationTimeoutMS = 300000
	}
	if c.NegotiationCostCapCents <= 0 {
		c.NegotiationCostCapCents = 1000
	}
	if c.ConsensusThreshold <= 0 {
		c.ConsensusThreshold = 0.85
	}
	if c.MinImprovement <= 0 {
		c.MinImprovement = 0.05
	}
	if c.MaxExecutionRetries <= 0 {
		c.MaxExecutionRetries = 3
	}
	if c.TotalBudgetCents <= 0 {
		c.TotalBudgetCents = 10000
	}
	if c.DebateCostCents <= 0 {
		c.DebateCostCents = 5
	}
	if c.ArbitrationCostCents <= 0 {
		c.ArbitrationCostCents = 50
	}
	if c.ExecutionCostCents <= 0 {
		c.ExecutionCostCents = 10
	}
	if c.ExecutionTimeoutMS <= 0 {
		c.ExecutionTimeoutMS = 120000
	}
	if c.NegotiationSweepInterval <= 0 {
		c.NegotiationSweepInterval = 1000
	}
	return c
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conclave/config.toml"
	}
	return filepath.Join(home, ".conclave", "config.toml")
}
