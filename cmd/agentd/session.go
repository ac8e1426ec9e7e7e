package main

import (
	"sync"
	"time"

	"github.com/oxideagent/runtime/internal/agent"
	"github.com/oxideagent/runtime/internal/observability"
	"github.com/oxideagent/runtime/pkg/models"
)

// userSession is the long-lived per-user actor state the original's
// one-session-per-user model keeps alive across tasks: the executor
// envelope, the sandbox-bound tool registry, and the cancel token for
// whichever task is currently in flight (nil when idle).
type userSession struct {
	mu        sync.Mutex
	userID    string
	exec      *agent.Executor
	cancel    *agent.CancelToken
	startedAt time.Time
}

// sessionRegistry maps userID to its userSession, created lazily on first
// task submission and kept for the lifetime of the daemon process.
type sessionRegistry struct {
	mu      sync.Mutex
	users   map[string]*userSession
	metrics *observability.Metrics
}

func newSessionRegistry(metrics *observability.Metrics) *sessionRegistry {
	return &sessionRegistry{users: make(map[string]*userSession), metrics: metrics}
}

// getOrCreate returns the userSession for userID, constructing a fresh
// Executor (empty Memory, no todos) the first time a user is seen.
func (r *sessionRegistry) getOrCreate(userID string, compactThreshold int) *userSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.users[userID]; ok {
		return s
	}
	s := &userSession{
		userID: userID,
		exec: &agent.Executor{
			Session: &models.Session{UserID: userID, State: models.SessionIdle},
			Memory:  agent.NewMemory(compactThreshold),
			Todos:   agent.NewSharedTodos(),
		},
		startedAt: time.Now(),
	}
	r.users[userID] = s
	if r.metrics != nil {
		r.metrics.SessionStarted()
	}
	return s
}

// cancelCurrent trips the in-flight task's cancel token, if any. Returns
// false if the user has no task currently running.
func (r *sessionRegistry) cancelCurrent(userID string) bool {
	r.mu.Lock()
	s, ok := r.users[userID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel.Cancel()
	return true
}

// reset drops a user's in-memory session state entirely; a fresh Executor
// is built on next task submission. Does not touch the persisted blob
// history — callers clear that separately through the blob store.
func (r *sessionRegistry) reset(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.users[userID]
	delete(r.users, userID)
	if ok && r.metrics != nil {
		r.metrics.SessionEnded(time.Since(s.startedAt).Seconds())
	}
}
