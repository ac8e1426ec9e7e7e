// Package todos implements the write_todos tool of spec.md §4.2: an
// atomic replace of the session's shared todo list.
package todos

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oxideagent/runtime/internal/agent"
	"github.com/oxideagent/runtime/pkg/models"
)

// SharedTodos is the subset of internal/agent.SharedTodos this tool needs.
type SharedTodos interface {
	Set(models.TodoList)
}

// Tool implements write_todos: replaces the shared todo list atomically.
type Tool struct {
	todos SharedTodos
}

// New constructs the write_todos tool bound to a session's SharedTodos.
func New(todos SharedTodos) *Tool {
	return &Tool{todos: todos}
}

func (Tool) Name() string { return "write_todos" }
func (Tool) Description() string {
	return "Atomically replace the agent's todo list, the externalized plan shown to the user."
}
func (Tool) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"todos"},
		"properties": map[string]any{
			"todos": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"description", "status"},
					"properties": map[string]any{
						"description": map[string]any{"type": "string"},
						"status": map[string]any{
							"type": "string",
							"enum": []string{"pending", "in_progress", "completed", "cancelled"},
						},
					},
				},
			},
		},
	}
}

func (t *Tool) Execute(_ context.Context, arguments json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		Todos []models.TodoItem `json:"todos"`
	}
	if err := json.Unmarshal(arguments, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}

	inProgress := 0
	for _, item := range in.Todos {
		if item.Status == models.TodoInProgress {
			inProgress++
		}
	}
	if inProgress > 1 {
		return &agent.ToolResult{Content: "at most one todo may be in_progress at a time", IsError: true}, nil
	}

	t.todos.Set(models.TodoList{Items: in.Todos, UpdatedAt: time.Now()})
	return &agent.ToolResult{Content: "todos updated"}, nil
}
