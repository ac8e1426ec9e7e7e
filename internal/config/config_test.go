package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDaemonConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentd.yaml")
	if err := os.WriteFile(path, []byte("version: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadDaemonConfig(path)
	if err != nil {
		t.Fatalf("LoadDaemonConfig: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Sandbox.Image == "" {
		t.Error("Sandbox.Image default not applied")
	}
	if cfg.RateLimit.RequestsPerSecond != 10.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 10.0", cfg.RateLimit.RequestsPerSecond)
	}
}

func TestLoadDaemonConfigRejectsBadVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentd.yaml")
	if err := os.WriteFile(path, []byte("version: 99\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadDaemonConfig(path); err == nil {
		t.Fatal("expected error for a future config version")
	}
}

func TestUserConfigMergeOverridesOnlyNonZero(t *testing.T) {
	base := DefaultUserConfig(nil)
	override := UserConfig{ModelName: "claude-opus-4", AgentMaxIterations: 10}

	merged := base.Merge(override)
	if merged.ModelName != "claude-opus-4" {
		t.Errorf("ModelName = %q, want claude-opus-4", merged.ModelName)
	}
	if merged.AgentMaxIterations != 10 {
		t.Errorf("AgentMaxIterations = %d, want 10", merged.AgentMaxIterations)
	}
	if merged.AgentModelProvider != base.AgentModelProvider {
		t.Errorf("AgentModelProvider should be left at default, got %q", merged.AgentModelProvider)
	}
}

func TestUserConfigValidateRejectsUnknownProvider(t *testing.T) {
	cfg := UserConfig{AgentModelProvider: "tertiary"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unrecognized agent_model_provider")
	}
}

type stubBlobGetter struct {
	data map[string][]byte
}

var errStubNotFound = errors.New("stub: not found")

func (s stubBlobGetter) Get(ctx context.Context, key string) ([]byte, error) {
	if v, ok := s.data[key]; ok {
		return v, nil
	}
	return nil, errStubNotFound
}

func TestLoadUserConfigFallsBackToDefaultsWhenMissing(t *testing.T) {
	store := stubBlobGetter{data: map[string][]byte{}}
	cfg, err := LoadUserConfig(context.Background(), store, "u1", nil, errStubNotFound)
	if err != nil {
		t.Fatalf("LoadUserConfig: %v", err)
	}
	if cfg.AgentModelProvider != "primary" {
		t.Errorf("expected default agent_model_provider, got %q", cfg.AgentModelProvider)
	}
}

func TestLoadUserConfigMergesStoredOverride(t *testing.T) {
	store := stubBlobGetter{data: map[string][]byte{
		"users/u1/config.json": []byte(`{"model_name":"gpt-4o","agent_model_provider":"secondary"}`),
	}}
	cfg, err := LoadUserConfig(context.Background(), store, "u1", nil, errStubNotFound)
	if err != nil {
		t.Fatalf("LoadUserConfig: %v", err)
	}
	if cfg.ModelName != "gpt-4o" {
		t.Errorf("ModelName = %q, want gpt-4o", cfg.ModelName)
	}
	if cfg.AgentModelProvider != "secondary" {
		t.Errorf("AgentModelProvider = %q, want secondary", cfg.AgentModelProvider)
	}
}

func TestLoadUserConfigRejectsInvalidProvider(t *testing.T) {
	store := stubBlobGetter{data: map[string][]byte{
		"users/u1/config.json": []byte(`{"agent_model_provider":"bogus"}`),
	}}
	if _, err := LoadUserConfig(context.Background(), store, "u1", nil, errStubNotFound); err == nil {
		t.Fatal("expected validation error for bogus agent_model_provider")
	}
}
