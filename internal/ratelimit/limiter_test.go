package ratelimit

import "testing"

func TestLimiterAllowsWithinBurst(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 1, Burst: 3, Enabled: true})
	key := ToolKey("user-1", "execute_command")
	for i := 0; i < 3; i++ {
		if !l.Allow(key) {
			t.Fatalf("expected request %d within burst to be allowed", i)
		}
	}
	if l.Allow(key) {
		t.Fatal("expected request beyond burst to be denied")
	}
}

func TestLimiterDisabledAlwaysAllows(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 1, Burst: 1, Enabled: false})
	key := ToolKey("user-1", "execute_command")
	for i := 0; i < 5; i++ {
		if !l.Allow(key) {
			t.Fatal("disabled limiter should always allow")
		}
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 1, Burst: 1, Enabled: true})
	a := ToolKey("user-1", "execute_command")
	b := ToolKey("user-2", "execute_command")

	if !l.Allow(a) {
		t.Fatal("expected first request for key a to be allowed")
	}
	if !l.Allow(b) {
		t.Fatal("expected first request for key b to be allowed independently of a")
	}
	if l.Allow(a) {
		t.Fatal("expected second immediate request for key a to be denied")
	}
}

func TestLimiterReset(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 1, Burst: 1, Enabled: true})
	key := ToolKey("user-1", "execute_command")
	if !l.Allow(key) {
		t.Fatal("expected first request to be allowed")
	}
	if l.Allow(key) {
		t.Fatal("expected second immediate request to be denied")
	}
	l.Reset(key)
	if !l.Allow(key) {
		t.Fatal("expected request after Reset to be allowed")
	}
}

func TestToolKey(t *testing.T) {
	if got, want := ToolKey("u1", "execute_command"), "u1:execute_command"; got != want {
		t.Errorf("ToolKey() = %q, want %q", got, want)
	}
}
