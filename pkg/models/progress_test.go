package models

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTodoListCloneIsIndependent(t *testing.T) {
	original := TodoList{Items: []TodoItem{{Description: "a", Status: TodoPending}}}
	clone := original.Clone()
	clone.Items[0].Status = TodoCompleted

	if original.Items[0].Status != TodoPending {
		t.Fatalf("mutating clone leaked into original: %v", original.Items[0].Status)
	}
}

func TestProgressStateApplyToolCallThenResult(t *testing.T) {
	var state ProgressState

	state.Apply(NewToolCallEvent("execute_command", `{"command":"date"}`, "date", false))
	if len(state.Steps) != 1 || state.Steps[0].Status != StepInProgress {
		t.Fatalf("expected one in-progress step, got %+v", state.Steps)
	}

	state.Apply(NewToolResultEvent("execute_command", "Mon Jan 1", false, false))
	if state.Steps[0].Status != StepDone {
		t.Fatalf("expected step to resolve to done, got %v", state.Steps[0].Status)
	}

	inProgress := 0
	for _, s := range state.Steps {
		if s.Status == StepInProgress {
			inProgress++
		}
	}
	if inProgress > 1 {
		t.Fatalf("invariant violated: %d steps in progress", inProgress)
	}
}

func TestProgressStateApplyCancelledClearsTodos(t *testing.T) {
	var state ProgressState
	state.Apply(NewTodosUpdatedEvent(TodoList{Items: []TodoItem{{Description: "x", Status: TodoInProgress}}}))
	state.Apply(NewCancelledEvent())

	if state.CurrentTodos == nil || !state.CurrentTodos.Empty() {
		t.Fatalf("expected todos cleared on cancel, got %+v", state.CurrentTodos)
	}
	if !state.IsFinished {
		t.Fatalf("expected IsFinished after Cancelled event")
	}
}

func TestProgressStateApplyFinished(t *testing.T) {
	var state ProgressState
	state.Apply(NewFinishedEvent())
	if !state.IsFinished {
		t.Fatalf("expected IsFinished after Finished event")
	}
}

func TestProgressStateStepsDiffAfterToolCallAndResult(t *testing.T) {
	var state ProgressState
	state.Apply(NewToolCallEvent("read_file", `{"path":"a.txt"}`, "a.txt", false))
	state.Apply(NewToolResultEvent("read_file", "contents", false, false))

	want := []ProgressStep{
		{Name: "read_file", Status: StepDone, Output: "contents"},
	}
	if diff := cmp.Diff(want, state.Steps); diff != "" {
		t.Fatalf("Steps mismatch (-want +got):\n%s", diff)
	}
}
