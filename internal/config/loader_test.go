package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRawResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.yaml")
	mainPath := filepath.Join(dir, "main.yaml")

	if err := os.WriteFile(basePath, []byte("server:\n  port: 9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(mainPath, []byte("$include: base.yaml\nversion: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	raw, err := LoadRaw(mainPath)
	if err != nil {
		t.Fatalf("LoadRaw: %v", err)
	}
	server, ok := raw["server"].(map[string]any)
	if !ok {
		t.Fatalf("expected server map in merged config, got %#v", raw["server"])
	}
	if server["port"] != 9000 {
		t.Errorf("server.port = %v, want 9000", server["port"])
	}
	if raw["version"] != 1 {
		t.Errorf("version = %v, want 1", raw["version"])
	}
}

func TestLoadRawDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")

	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadRaw(a); err == nil {
		t.Fatal("expected include cycle error")
	}
}
