// Package config loads server configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Models    ModelsConfig    `yaml:"models"`
	Orchestra OrchestraConfig `yaml:"orchestrator"`
	Limits    LimitsConfig    `yaml:"limits"`
	Git       GitConfig       `yaml:"git"`
	Storage   StorageConfig   `yaml:"storage"`
	Keys      KeysConfig      `yaml:"keys"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// ModelsConfig maps orchestration roles to model ids.
type ModelsConfig struct {
	Builder       string `yaml:"builder"`
	Planner       string `yaml:"planner"`
	Auditor       string `yaml:"auditor"`
	Questionnaire string `yaml:"questionnaire"`
}

type OrchestraConfig struct {
	PauseThreshold      int `yaml:"pause_threshold"`
	PauseTimeoutMinutes int `yaml:"pause_timeout_minutes"`
	PhaseTimeoutMinutes int `yaml:"phase_timeout_minutes"`
}

func (o OrchestraConfig) PauseTimeout() time.Duration {
	return time.Duration(o.PauseTimeoutMinutes) * time.Minute
}

func (o OrchestraConfig) PhaseTimeout() time.Duration {
	return time.Duration(o.PhaseTimeoutMinutes) * time.Minute
}

type LimitsConfig struct {
	MaxCostUSD         float64 `yaml:"max_cost_usd"`
	DefaultSpendCapUSD float64 `yaml:"default_spend_cap_usd"`
	UserConcurrent     int     `yaml:"per_user_concurrent_builds"`
	UserHourly         int     `yaml:"per_user_hourly_builds"`
	LargeFileWarnBytes int64   `yaml:"large_file_warn_bytes"`
}

type GitConfig struct {
	PushMaxRetries int    `yaml:"push_max_retries"`
	GitHubToken    string `yaml:"github_token"`
}

type StorageConfig struct {
	DBPath        string `yaml:"db_path"`
	WorkspaceRoot string `yaml:"workspace_root"`
}

// KeysConfig carries provider credentials. Env vars are the usual source;
// YAML values are for development setups.
type KeysConfig struct {
	Anthropic []string `yaml:"anthropic"`
	OpenAI    []string `yaml:"openai"`
}

// Load reads the YAML file at path (optional), merges environment overrides,
// and fills defaults. A missing file is not an error; env-only deployments
// are supported. A .env file next to the process is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setStr(&c.Server.Addr, "FORGEGUARD_ADDR")
	setStr(&c.Models.Builder, "FORGEGUARD_BUILDER_MODEL")
	setStr(&c.Models.Planner, "FORGEGUARD_PLANNER_MODEL")
	setStr(&c.Models.Auditor, "FORGEGUARD_AUDITOR_MODEL")
	setStr(&c.Storage.DBPath, "FORGEGUARD_DB_PATH")
	setStr(&c.Storage.WorkspaceRoot, "FORGEGUARD_WORKSPACE_ROOT")
	setStr(&c.Git.GitHubToken, "GITHUB_TOKEN")

	if v := strings.TrimSpace(os.Getenv("FORGEGUARD_PAUSE_THRESHOLD")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Orchestra.PauseThreshold = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("FORGEGUARD_MAX_COST_USD")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Limits.MaxCostUSD = f
		}
	}
	if keys := envKeys("ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY_2"); len(keys) > 0 {
		c.Keys.Anthropic = keys
	}
	if keys := envKeys("OPENAI_API_KEY", "OPENAI_API_KEY_2"); len(keys) > 0 {
		c.Keys.OpenAI = keys
	}
}

func envKeys(names ...string) []string {
	var out []string
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(n)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Models.Builder == "" {
		c.Models.Builder = "claude-sonnet-4-5"
	}
	if c.Models.Planner == "" {
		c.Models.Planner = c.Models.Builder
	}
	if c.Models.Auditor == "" {
		c.Models.Auditor = c.Models.Builder
	}
	if c.Models.Questionnaire == "" {
		c.Models.Questionnaire = c.Models.Builder
	}
	if c.Orchestra.PauseThreshold <= 0 {
		c.Orchestra.PauseThreshold = 3
	}
	if c.Orchestra.PauseTimeoutMinutes <= 0 {
		c.Orchestra.PauseTimeoutMinutes = 30
	}
	if c.Orchestra.PhaseTimeoutMinutes <= 0 {
		c.Orchestra.PhaseTimeoutMinutes = 10
	}
	if c.Limits.MaxCostUSD <= 0 {
		c.Limits.MaxCostUSD = 25
	}
	if c.Limits.DefaultSpendCapUSD <= 0 {
		c.Limits.DefaultSpendCapUSD = 10
	}
	if c.Limits.UserConcurrent <= 0 {
		c.Limits.UserConcurrent = 1
	}
	if c.Limits.UserHourly <= 0 {
		c.Limits.UserHourly = 5
	}
	if c.Limits.LargeFileWarnBytes <= 0 {
		c.Limits.LargeFileWarnBytes = 1 << 20
	}
	if c.Git.PushMaxRetries <= 0 {
		c.Git.PushMaxRetries = 3
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "forgeguard.db"
	}
	if c.Storage.WorkspaceRoot == "" {
		c.Storage.WorkspaceRoot = os.TempDir() + "/forgeguard-builds"
	}
}

func (c *Config) validate() error {
	if c.Orchestra.PauseThreshold < 1 {
		return fmt.Errorf("pause_threshold must be >= 1")
	}
	return nil
}
