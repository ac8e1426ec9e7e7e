package agent

import (
	"testing"

	"github.com/oxideagent/runtime/pkg/models"
)

func TestMemoryAppendAccumulatesTokens(t *testing.T) {
	m := NewMemory(1_000_000)
	m.Append(&models.Message{Role: models.RoleUser, Content: "hello world"})
	if m.TokenCount() == 0 {
		t.Fatal("expected non-zero token estimate")
	}
	if len(m.Messages()) != 1 {
		t.Fatalf("expected 1 message, got %d", len(m.Messages()))
	}
}

func TestMemoryCompactionRetainsRecentSkipsUnderFive(t *testing.T) {
	m := NewMemory(1)
	for i := 0; i < 4; i++ {
		m.Append(&models.Message{Role: models.RoleUser, Content: "message padding to exceed threshold quickly"})
	}
	if len(m.Messages()) != 4 {
		t.Fatalf("expected compaction skipped under 5 messages, got %d messages", len(m.Messages()))
	}
}

func TestMemoryCompactionInsertsSummaryAtHead(t *testing.T) {
	m := NewMemory(1)
	for i := 0; i < 10; i++ {
		m.Append(&models.Message{Role: models.RoleUser, Content: "padding padding padding padding padding"})
	}
	msgs := m.Messages()
	if len(msgs) == 0 || msgs[0].Role != models.RoleSystem {
		t.Fatalf("expected compaction summary system message at head, got %+v", msgs)
	}
	if len(msgs) >= 10 {
		t.Fatalf("expected compaction to shrink history, got %d messages", len(msgs))
	}
}

func TestMemorySyncLargeDriftRecompacts(t *testing.T) {
	m := NewMemory(50)
	for i := 0; i < 10; i++ {
		m.Append(&models.Message{Role: models.RoleUser, Content: "x"})
	}
	before := len(m.Messages())
	m.Sync(before*1000 + 500)
	after := len(m.Messages())
	if after >= before {
		t.Fatalf("expected drift-triggered recompaction to shrink history: before=%d after=%d", before, after)
	}
}

func TestMemoryTodosClearOnCancel(t *testing.T) {
	m := NewMemory(1_000_000)
	m.SetTodos(models.TodoList{Items: []models.TodoItem{{Description: "x", Status: models.TodoInProgress}}})
	if m.Todos().Empty() {
		t.Fatal("expected todos set")
	}
	m.ClearTodos()
	if !m.Todos().Empty() {
		t.Fatal("expected todos cleared")
	}
}

func TestMemorySetTodosReportsChange(t *testing.T) {
	m := NewMemory(1_000_000)
	list := models.TodoList{Items: []models.TodoItem{{Description: "a", Status: models.TodoPending}}}
	if !m.SetTodos(list) {
		t.Fatal("expected change reported on first set")
	}
	if m.SetTodos(list) {
		t.Fatal("expected no change reported when setting the same list")
	}
}
