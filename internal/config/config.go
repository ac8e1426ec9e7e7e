// Package config implements the two configuration layers named in
// spec.md §6 and SPEC_FULL.md's ambient stack: a daemon-level bootstrap
// config (YAML, $include-capable, hot-reloaded) and a per-user config
// (JSON, stored as users/{id}/config.json in the blob store and read by
// the core but never written by it).
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// DaemonConfig is the bootstrap configuration for the agentd process: where
// to listen, where to persist blobs, and the fleet-wide defaults a user's
// config can override per spec.md §6's "container policy" keys.
type DaemonConfig struct {
	Version int `yaml:"version"`

	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	Storage struct {
		Path      string        `yaml:"path"`
		CacheTTL  time.Duration `yaml:"cache_ttl"`
		IdleEvict time.Duration `yaml:"idle_evict"`
	} `yaml:"storage"`

	Sandbox struct {
		Image           string `yaml:"image"`
		MemoryLimit     string `yaml:"memory_limit"`
		CPUQuota        int    `yaml:"cpu_quota"`
		ExecTimeoutSecs int    `yaml:"exec_timeout_secs"`
	} `yaml:"sandbox"`

	RateLimit struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limit"`

	Observability struct {
		ServiceName   string `yaml:"service_name"`
		OTLPEndpoint  string `yaml:"otlp_endpoint"`
		LogLevel      string `yaml:"log_level"`
	} `yaml:"observability"`
}

// LoadDaemonConfig reads path (and any $include'd files) and returns a
// validated DaemonConfig with defaults applied.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawDaemonConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDaemonDefaults(cfg)
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDaemonDefaults(cfg *DaemonConfig) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "agentd.db"
	}
	if cfg.Storage.CacheTTL == 0 {
		cfg.Storage.CacheTTL = time.Hour
	}
	if cfg.Storage.IdleEvict == 0 {
		cfg.Storage.IdleEvict = 30 * time.Minute
	}
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "agentd-sandbox:latest"
	}
	if cfg.Sandbox.MemoryLimit == "" {
		cfg.Sandbox.MemoryLimit = "512m"
	}
	if cfg.Sandbox.CPUQuota == 0 {
		cfg.Sandbox.CPUQuota = 100000
	}
	if cfg.Sandbox.ExecTimeoutSecs == 0 {
		cfg.Sandbox.ExecTimeoutSecs = 120
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 10.0
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "agentd"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
}

// UserConfig holds the exact recognized per-user keys of spec.md §6. The
// core reads this; nothing in the core writes it back.
type UserConfig struct {
	SystemPrompt       string `json:"system_prompt,omitempty"`
	ModelName          string `json:"model_name,omitempty"`
	AgentModelProvider string `json:"agent_model_provider,omitempty"` // "primary" | "secondary"

	SkillTokenBudget       int     `json:"skill_token_budget,omitempty"`
	SkillMaxSelected       int     `json:"skill_max_selected,omitempty"`
	SkillSemanticThreshold float64 `json:"skill_semantic_threshold,omitempty"`
	SkillsDir              string  `json:"skills_dir,omitempty"`

	AgentMaxIterations     int `json:"agent_max_iterations,omitempty"`
	AgentTimeoutSecs       int `json:"agent_timeout_secs,omitempty"`
	AgentToolTimeoutSecs   int `json:"agent_tool_timeout_secs,omitempty"`
	AgentCompactThreshold  int `json:"agent_compact_threshold,omitempty"`
	AgentContinuationLimit int `json:"agent_continuation_limit,omitempty"`

	SandboxMemoryLimit     string `json:"sandbox_memory_limit,omitempty"`
	SandboxCPUQuota        int    `json:"sandbox_cpu_quota,omitempty"`
	SandboxExecTimeoutSecs int    `json:"sandbox_exec_timeout_secs,omitempty"`
	SandboxImage           string `json:"sandbox_image,omitempty"`
}

// DefaultUserConfig returns a UserConfig seeded from a DaemonConfig's
// fleet-wide defaults, for a user who has not set (or only partially set)
// their own config.json yet.
func DefaultUserConfig(daemon *DaemonConfig) UserConfig {
	cfg := UserConfig{
		AgentModelProvider:     "primary",
		SkillTokenBudget:       4000,
		SkillMaxSelected:       5,
		SkillSemanticThreshold: 0.5,
		AgentMaxIterations:     50,
		AgentTimeoutSecs:       600,
		AgentToolTimeoutSecs:   120,
		AgentCompactThreshold:  100_000,
		AgentContinuationLimit: 3,
	}
	if daemon != nil {
		cfg.SandboxMemoryLimit = daemon.Sandbox.MemoryLimit
		cfg.SandboxCPUQuota = daemon.Sandbox.CPUQuota
		cfg.SandboxExecTimeoutSecs = daemon.Sandbox.ExecTimeoutSecs
		cfg.SandboxImage = daemon.Sandbox.Image
	}
	return cfg
}

// Merge overlays non-zero fields of override onto a copy of base, used to
// layer a user's persisted config.json on top of the daemon's defaults.
func (base UserConfig) Merge(override UserConfig) UserConfig {
	merged := base
	if override.SystemPrompt != "" {
		merged.SystemPrompt = override.SystemPrompt
	}
	if override.ModelName != "" {
		merged.ModelName = override.ModelName
	}
	if override.AgentModelProvider != "" {
		merged.AgentModelProvider = override.AgentModelProvider
	}
	if override.SkillTokenBudget != 0 {
		merged.SkillTokenBudget = override.SkillTokenBudget
	}
	if override.SkillMaxSelected != 0 {
		merged.SkillMaxSelected = override.SkillMaxSelected
	}
	if override.SkillSemanticThreshold != 0 {
		merged.SkillSemanticThreshold = override.SkillSemanticThreshold
	}
	if override.SkillsDir != "" {
		merged.SkillsDir = override.SkillsDir
	}
	if override.AgentMaxIterations != 0 {
		merged.AgentMaxIterations = override.AgentMaxIterations
	}
	if override.AgentTimeoutSecs != 0 {
		merged.AgentTimeoutSecs = override.AgentTimeoutSecs
	}
	if override.AgentToolTimeoutSecs != 0 {
		merged.AgentToolTimeoutSecs = override.AgentToolTimeoutSecs
	}
	if override.AgentCompactThreshold != 0 {
		merged.AgentCompactThreshold = override.AgentCompactThreshold
	}
	if override.AgentContinuationLimit != 0 {
		merged.AgentContinuationLimit = override.AgentContinuationLimit
	}
	if override.SandboxMemoryLimit != "" {
		merged.SandboxMemoryLimit = override.SandboxMemoryLimit
	}
	if override.SandboxCPUQuota != 0 {
		merged.SandboxCPUQuota = override.SandboxCPUQuota
	}
	if override.SandboxExecTimeoutSecs != 0 {
		merged.SandboxExecTimeoutSecs = override.SandboxExecTimeoutSecs
	}
	if override.SandboxImage != "" {
		merged.SandboxImage = override.SandboxImage
	}
	return merged
}

// Validate rejects a UserConfig with an unrecognized agent_model_provider,
// the one enumerated field in spec.md §6's key list.
func (c UserConfig) Validate() error {
	switch strings.ToLower(c.AgentModelProvider) {
	case "", "primary", "secondary":
	default:
		return fmt.Errorf("agent_model_provider must be %q or %q, got %q", "primary", "secondary", c.AgentModelProvider)
	}
	return nil
}

// SkillConfigValues projects the skill_* keys into the map[string]any shape
// internal/skills.NewManager expects for its gating context.
func (c UserConfig) SkillConfigValues() map[string]any {
	return map[string]any{
		"skill_token_budget":       c.SkillTokenBudget,
		"skill_max_selected":       c.SkillMaxSelected,
		"skill_semantic_threshold": c.SkillSemanticThreshold,
		"skills_dir":               c.SkillsDir,
	}
}

// expandEnv applies shell-style ${VAR} expansion, matching the daemon
// loader's environment-variable substitution for values read from JSON.
func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return os.ExpandEnv(s)
}

// BlobGetter is the subset of internal/storage.BlobStore LoadUserConfig
// needs. Declared here (not imported from internal/storage) to keep config
// from depending on a concrete storage backend.
type BlobGetter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// LoadUserConfig reads users/{id}/config.json from store, merges it over
// daemon's fleet-wide defaults, expands ${VAR} references in system_prompt
// and model_name, and validates the result. A missing key (store returns an
// error satisfying errors.Is(err, notFound)) yields the defaults unmodified.
func LoadUserConfig(ctx context.Context, store BlobGetter, userID string, daemon *DaemonConfig, notFound error) (UserConfig, error) {
	defaults := DefaultUserConfig(daemon)

	data, err := store.Get(ctx, userConfigKey(userID))
	if err != nil {
		if notFound != nil && errors.Is(err, notFound) {
			return defaults, nil
		}
		return UserConfig{}, fmt.Errorf("load user config: %w", err)
	}

	var stored UserConfig
	if err := json.Unmarshal(data, &stored); err != nil {
		return UserConfig{}, fmt.Errorf("parse user config: %w", err)
	}

	merged := defaults.Merge(stored)
	merged.SystemPrompt = expandEnv(merged.SystemPrompt)
	merged.ModelName = expandEnv(merged.ModelName)
	if err := merged.Validate(); err != nil {
		return UserConfig{}, err
	}
	return merged, nil
}

func userConfigKey(userID string) string {
	return "users/" + userID + "/config.json"
}
