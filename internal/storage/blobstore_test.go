package storage

import (
	"context"
	"errors"
	"testing"
)

func TestBlobStorePutGetRoundTrip(t *testing.T) {
	s, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	key := ConfigKey("user-1")
	if err := s.Put(ctx, key, []byte(`{"model_name":"claude"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"model_name":"claude"}` {
		t.Errorf("Get() = %q", got)
	}
}

func TestBlobStoreGetMissingReturnsNotFound(t *testing.T) {
	s, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	_, err = s.Get(context.Background(), HistoryKey("nobody"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBlobStoreDeleteRemovesKey(t *testing.T) {
	s, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	key := AgentMemoryKey("user-2")
	if err := s.Put(ctx, key, []byte("snapshot")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestKeyBuilders(t *testing.T) {
	if got, want := ConfigKey("u1"), "users/u1/config.json"; got != want {
		t.Errorf("ConfigKey() = %q, want %q", got, want)
	}
	if got, want := HistoryKey("u1"), "users/u1/history.json"; got != want {
		t.Errorf("HistoryKey() = %q, want %q", got, want)
	}
	if got, want := AgentMemoryKey("u1"), "users/u1/agent_memory.json"; got != want {
		t.Errorf("AgentMemoryKey() = %q, want %q", got, want)
	}
}
