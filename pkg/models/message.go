// Package models defines the core data types shared across the agent
// runtime: conversation messages, tool calls/results, the todo list, the
// session envelope, and configuration records.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is an immutable entry in a session's conversation history.
// Once appended to Memory it is never mutated in place; compaction and
// recovery both operate by constructing replacement slices, never by
// editing a Message in-place.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Reasoning  string     `json:"reasoning,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
}

// Attachment represents a file or media attachment on a message.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall is the model's request to invoke a named tool.
//
// IsRecovered marks calls reconstructed by the recovery pipeline (see
// internal/agent/recovery) from malformed model output rather than parsed
// from a well-formed tool-call payload. Loop detection ignores recovered
// calls when computing the tool-call-repetition signal, and callers must
// not treat a recovered call's arguments as idempotent or cacheable.
type ToolCall struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Arguments   json.RawMessage `json:"arguments"`
	IsRecovered bool            `json:"is_recovered"`
}

// ToolResult is the observation returned to the model after a tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// TodoStatus is the lifecycle state of one todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoCancelled  TodoStatus = "cancelled"
)

// TodoItem is one entry in a TodoList.
type TodoItem struct {
	Description string     `json:"description"`
	Status      TodoStatus `json:"status"`
}

// TodoList is the agent's own externalized plan. At most one item should
// be InProgress at a time; that invariant is enforced by the write_todos
// tool provider, not by this type.
type TodoList struct {
	Items     []TodoItem `json:"items"`
	UpdatedAt time.Time  `json:"updated_at,omitempty"`
}

// Clone returns a deep copy so callers can hand out snapshots without
// aliasing the slice backing the live list held by Memory or the todos
// tool provider.
func (t TodoList) Clone() TodoList {
	items := make([]TodoItem, len(t.Items))
	copy(items, t.Items)
	return TodoList{Items: items, UpdatedAt: t.UpdatedAt}
}

// Empty reports whether the list has no items.
func (t TodoList) Empty() bool {
	return len(t.Items) == 0
}

// SessionState is the coarse-grained lifecycle state of a Session.
type SessionState string

const (
	SessionIdle       SessionState = "idle"
	SessionProcessing SessionState = "processing"
	SessionFinished   SessionState = "finished"
	SessionFailed     SessionState = "failed"
	SessionTimedOut   SessionState = "timed_out"
)

// Session is the per-user agent state: the current task and the loaded
// skill set. The memory and cancellation token are held by
// internal/agent.Session, not serialized here; Session is the
// JSON-persistable envelope around them (see persisted-memory schema in
// SPEC_FULL.md §6).
type Session struct {
	UserID        string       `json:"user_id"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
	LastTask      string       `json:"last_task,omitempty"`
	LoadedSkills  []string     `json:"loaded_skills,omitempty"`
	StartedAt     time.Time    `json:"started_at,omitempty"`
	State         SessionState `json:"state"`
}

// User represents an authenticated operator of the runtime.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Agent represents a configured agent profile: model selection, system
// prompt, and the tool names it is permitted to use.
type Agent struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Name         string         `json:"name"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Model        string         `json:"model"`
	Provider     string         `json:"provider"`
	Tools        []string       `json:"tools,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// APIKey represents an API key for programmatic access to the runtime.
type APIKey struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Prefix     string    `json:"prefix"` // First 8 chars for identification
	Scopes     []string  `json:"scopes,omitempty"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
