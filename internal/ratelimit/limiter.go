// Package ratelimit implements per-tool rate limiting (one bucket per
// tool name per user), wired to golang.org/x/time/rate per SPEC_FULL.md's
// DOMAIN STACK entry. Adapted from the teacher's hand-rolled token-bucket
// Limiter, narrowed down to a single x/time/rate-backed per-key manager.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures the per-key token bucket.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	Enabled           bool
}

// DefaultConfig allows 10 req/s with a burst of 20, matching the teacher's
// defaults.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 10.0, Burst: 20, Enabled: true}
}

// Limiter manages one rate.Limiter per key (e.g. "<userID>:<toolName>").
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	cfg      Config
	maxKeys  int
}

// NewLimiter constructs a Limiter from Config.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10.0
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &Limiter{buckets: make(map[string]*rate.Limiter), cfg: cfg, maxKeys: 10000}
}

// Allow reports whether a request for key is allowed right now, consuming a
// token if so.
func (l *Limiter) Allow(key string) bool {
	if !l.cfg.Enabled {
		return true
	}
	return l.bucket(key).Allow()
}

// Wait blocks until a token for key is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if !l.cfg.Enabled {
		return nil
	}
	b := l.bucket(key)
	r := b.Reserve()
	if !r.OK() {
		return nil
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return errWaitCancelled
	}
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if ok {
		return b
	}
	if len(l.buckets) >= l.maxKeys {
		l.buckets = make(map[string]*rate.Limiter)
	}
	b = rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)
	l.buckets[key] = b
	return b
}

// Reset drops the bucket for key, restoring it to a full burst on next use.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// ToolKey builds the "<userID>:<toolName>" key used for per-tool limiting.
func ToolKey(userID, toolName string) string { return userID + ":" + toolName }

var errWaitCancelled = waitCancelledError{}

type waitCancelledError struct{}

func (waitCancelledError) Error() string { return "ratelimit: wait cancelled" }
