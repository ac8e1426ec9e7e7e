package agent

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/oxideagent/runtime/pkg/models"
)

// compactionRecentFraction and compactionSummaryPrefix implement the
// retain-most-recent-20%/summarize-the-rest policy of SPEC_FULL.md §4.3.
const (
	compactionRecentFraction = 0.2
	compactionMinMessages    = 5
	compactionSummaryPrefix  = "[previous context compressed] "
)

// Memory is a session's conversation history plus its externalized todo
// list. It is the sole owner of the message slice; callers never hold a
// long-lived reference to it, only snapshots returned by Messages().
//
// Compaction operates by constructing a replacement slice and swapping it
// in under the mutex, matching the immutability note on models.Message.
type Memory struct {
	mu               sync.Mutex
	messages         []*models.Message
	tokenCount       int
	compactThreshold int
	todos            models.TodoList
}

// NewMemory creates an empty Memory with the given compaction threshold
// (token_count above which Append triggers compaction).
func NewMemory(compactThreshold int) *Memory {
	if compactThreshold <= 0 {
		compactThreshold = 100_000
	}
	return &Memory{compactThreshold: compactThreshold}
}

// Append adds a message, updates the token estimate, and compacts if the
// new total exceeds the threshold.
func (m *Memory) Append(msg *models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = append(m.messages, msg)
	m.tokenCount += estimateTokens(msg)

	if m.tokenCount > m.compactThreshold {
		m.compactLocked()
	}
}

// Messages returns a snapshot of the current history; the returned slice
// must not be mutated.
func (m *Memory) Messages() []*models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// TokenCount returns the current local token estimate.
func (m *Memory) TokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenCount
}

// Sync replaces the local token estimate with a provider-reported true
// count. Per SPEC_FULL.md Open Question #1, a drift of more than 100
// tokens between the two re-evaluates compaction eligibility immediately
// rather than waiting for the next iteration boundary.
func (m *Memory) Sync(trueTotal int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	drift := trueTotal - m.tokenCount
	if drift < 0 {
		drift = -drift
	}
	m.tokenCount = trueTotal

	if drift > 100 && m.tokenCount > m.compactThreshold {
		m.compactLocked()
	}
}

// Todos returns a deep copy of the current todo list.
func (m *Memory) Todos() models.TodoList {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.todos.Clone()
}

// SetTodos replaces the todo list, reporting whether it actually changed
// (by item count or any status/description difference) so the caller can
// decide whether to emit TodosUpdated.
func (m *Memory) SetTodos(todos models.TodoList) (changed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed = !todoListsEqual(m.todos, todos)
	todos.UpdatedAt = time.Now()
	m.todos = todos
	return changed
}

// ClearTodos empties the todo list (cancellation and reset both do this).
func (m *Memory) ClearTodos() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.todos = models.TodoList{}
}

func todoListsEqual(a, b models.TodoList) bool {
	if len(a.Items) != len(b.Items) {
		return false
	}
	for i := range a.Items {
		if a.Items[i] != b.Items[i] {
			return false
		}
	}
	return true
}

// compactLocked implements §4.3's policy: skip under 5 messages; retain
// the most recent 20% verbatim; concatenate highlights of the remaining
// 80% into one system message inserted at position 0; recompute the
// token count from the resulting slice. Caller must hold m.mu.
func (m *Memory) compactLocked() {
	if len(m.messages) < compactionMinMessages {
		return
	}

	recentCount := int(math.Ceil(float64(len(m.messages)) * compactionRecentFraction))
	if recentCount < 1 {
		recentCount = 1
	}
	if recentCount >= len(m.messages) {
		return
	}

	older := m.messages[:len(m.messages)-recentCount]
	recent := m.messages[len(m.messages)-recentCount:]

	summary := &models.Message{
		Role:      models.RoleSystem,
		Content:   compactionSummaryPrefix + summarizeHighlights(older),
		CreatedAt: time.Now(),
	}

	rebuilt := make([]*models.Message, 0, len(recent)+1)
	rebuilt = append(rebuilt, summary)
	rebuilt = append(rebuilt, recent...)
	m.messages = repairTranscript(rebuilt)

	total := 0
	for _, msg := range m.messages {
		total += estimateTokens(msg)
	}
	m.tokenCount = total
}

// summarizeHighlights concatenates one line per message from the older
// portion of history: role, and a truncated preview of its content (tool
// arguments/results included where present). This is a lossy, best-effort
// summary — it is not a model-generated abstract, just enough of a trail
// for the model to recall what already happened.
func summarizeHighlights(messages []*models.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		line := highlightLine(msg)
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func highlightLine(msg *models.Message) string {
	const maxPreview = 200

	preview := msg.Content
	if len(preview) > maxPreview {
		preview = preview[:maxPreview] + "…"
	}

	switch msg.Role {
	case models.RoleUser:
		if preview == "" {
			return ""
		}
		return "user: " + preview
	case models.RoleAssistant:
		if len(msg.ToolCalls) > 0 {
			names := make([]string, len(msg.ToolCalls))
			for i, c := range msg.ToolCalls {
				names[i] = c.Name
			}
			return "assistant called: " + strings.Join(names, ", ")
		}
		if preview == "" {
			return ""
		}
		return "assistant: " + preview
	case models.RoleTool:
		if preview == "" {
			return ""
		}
		return "tool(" + msg.ToolName + "): " + preview
	default:
		return ""
	}
}

// estimateTokens is a cheap, stable byte-pair-tokenizer approximation:
// roughly 4 bytes per token for English-heavy text, which keeps the
// estimate within the spec's ±5% stability bound for the purpose of
// deciding when to compact (it does not need to match any real
// tokenizer's count, only to be internally consistent call over call).
func estimateTokens(msg *models.Message) int {
	if msg == nil {
		return 0
	}
	n := len(msg.Content) + len(msg.Reasoning)
	for _, c := range msg.ToolCalls {
		n += len(c.Name) + len(c.Arguments)
	}
	return (n + 3) / 4
}
