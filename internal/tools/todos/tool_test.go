package todos

import (
	"context"
	"testing"

	"github.com/oxideagent/runtime/pkg/models"
)

type fakeTodos struct {
	last models.TodoList
}

func (f *fakeTodos) Set(list models.TodoList) { f.last = list }

func TestWriteTodosReplacesList(t *testing.T) {
	fake := &fakeTodos{}
	tool := New(fake)

	args := []byte(`{"todos":[{"description":"do thing","status":"pending"}]}`)
	res, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if len(fake.last.Items) != 1 || fake.last.Items[0].Description != "do thing" {
		t.Fatalf("unexpected todos: %+v", fake.last)
	}
}

func TestWriteTodosRejectsMultipleInProgress(t *testing.T) {
	fake := &fakeTodos{}
	tool := New(fake)

	args := []byte(`{"todos":[
		{"description":"a","status":"in_progress"},
		{"description":"b","status":"in_progress"}
	]}`)
	res, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError for two in_progress todos")
	}
}
