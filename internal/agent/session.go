package agent

import (
	"sync"
	"sync/atomic"

	"github.com/oxideagent/runtime/pkg/models"
)

// CancelToken is the cheap lock-free cancellation primitive of §5: a
// single atomic flag, polled at every iteration boundary and suspension
// point. A fresh token is installed at the start of each new task so a
// prior cancel can never poison a new one.
type CancelToken struct {
	flag atomic.Bool
}

// NewCancelToken returns a fresh, untripped token.
func NewCancelToken() *CancelToken { return &CancelToken{} }

// Cancel trips the flag. Idempotent.
func (c *CancelToken) Cancel() { c.flag.Store(true) }

// Cancelled reports whether the token has been tripped.
func (c *CancelToken) Cancelled() bool { return c.flag.Load() }

// Executor is the per-session agent state §4.8 registers: the session
// envelope, its Memory, and the shared todo handle the todos tool writes
// to directly (Memory.todos is the executor's own copy, synced from this
// one once per tool execution per §4.6 step 11f).
type Executor struct {
	Session *models.Session
	Memory  *Memory
	Todos   *SharedTodos
}

// SharedTodos is the Arc<Mutex<TodoList>> of §5: written by the todos
// tool provider, read and synced into Memory by the executor loop.
type SharedTodos struct {
	mu   sync.Mutex
	list models.TodoList
}

// NewSharedTodos returns an empty shared todo handle.
func NewSharedTodos() *SharedTodos { return &SharedTodos{} }

// Get returns a deep copy of the current list.
func (t *SharedTodos) Get() models.TodoList {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.list.Clone()
}

// Set replaces the list (called by the write_todos tool).
func (t *SharedTodos) Set(list models.TodoList) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.list = list
}

// Clear empties the list (used by cancellation).
func (t *SharedTodos) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.list = models.TodoList{}
}

// sessionEntry is one row of the registry: an executor guarded by its own
// RWMutex, plus its current cancellation token.
type sessionEntry struct {
	mu     sync.RWMutex
	exec   *Executor
	cancel *CancelToken
}

// SessionRegistry implements §4.8: user_id -> {RwLock<Executor>, cancel
// token}, under an outer RWMutex with short critical sections.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*sessionEntry)}
}

// Insert creates or replaces a user's entry with a fresh cancellation token.
func (r *SessionRegistry) Insert(userID string, exec *Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[userID] = &sessionEntry{exec: exec, cancel: NewCancelToken()}
}

// Get returns the session's executor and cancel token without locking the
// executor itself.
func (r *SessionRegistry) Get(userID string) (*Executor, *CancelToken, bool) {
	r.mu.RLock()
	entry, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.exec, entry.cancel, true
}

// Contains reports whether a session exists for userID.
func (r *SessionRegistry) Contains(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

// IsRunning holds iff a write-lock attempt on the session would block, or
// the session's state is processing — it uses TryLock to avoid stalling
// on a session that is merely busy.
func (r *SessionRegistry) IsRunning(userID string) bool {
	r.mu.RLock()
	entry, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if !entry.mu.TryLock() {
		return true
	}
	defer entry.mu.Unlock()
	return entry.exec != nil && entry.exec.Session != nil && entry.exec.Session.State == models.SessionProcessing
}

// RenewCancellationToken replaces the token; must be called before each
// new task so a previous cancel cannot affect the new one.
func (r *SessionRegistry) RenewCancellationToken(userID string) bool {
	r.mu.RLock()
	entry, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.cancel = NewCancelToken()
	return true
}

// Cancel marks the token cancelled. Lock-free with respect to the
// executor: it must never wait on it. Returns whether a token existed.
func (r *SessionRegistry) Cancel(userID string) bool {
	r.mu.RLock()
	entry, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	entry.mu.RLock()
	token := entry.cancel
	entry.mu.RUnlock()
	if token == nil {
		return false
	}
	token.Cancel()
	return true
}

// ClearTodos best-effort try-write-clears the session's todo list.
// Returns whether it succeeded.
func (r *SessionRegistry) ClearTodos(userID string) bool {
	r.mu.RLock()
	entry, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if !entry.mu.TryLock() {
		return false
	}
	defer entry.mu.Unlock()
	if entry.exec == nil || entry.exec.Todos == nil {
		return false
	}
	entry.exec.Todos.Clear()
	entry.exec.Memory.ClearTodos()
	return true
}

// Reset wipes the session's memory, allowed only if no task is running.
func (r *SessionRegistry) Reset(userID string) error {
	r.mu.RLock()
	entry, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionBusy
	}
	if !entry.mu.TryLock() {
		return ErrSessionBusy
	}
	defer entry.mu.Unlock()
	if entry.exec != nil && entry.exec.Session != nil && entry.exec.Session.State == models.SessionProcessing {
		return ErrSessionBusy
	}
	if entry.exec != nil {
		entry.exec.Memory = NewMemory(entry.exec.Memory.compactThreshold)
		entry.exec.Todos = NewSharedTodos()
	}
	return nil
}

// WithExecutorMut acquires the write lock and runs fn against the
// executor (used by e.g. sandbox container recreate).
func (r *SessionRegistry) WithExecutorMut(userID string, fn func(*Executor) error) error {
	r.mu.RLock()
	entry, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionBusy
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn(entry.exec)
}

// Remove drops the session entry (after any final persistence).
func (r *SessionRegistry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, userID)
}
