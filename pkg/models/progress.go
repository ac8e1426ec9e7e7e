package models

// ProgressStep is one rendered step in a ProgressState's history: a tool
// call paired with its (possibly not-yet-arrived) result.
type ProgressStepStatus string

const (
	StepPending    ProgressStepStatus = "pending"
	StepInProgress ProgressStepStatus = "in_progress"
	StepDone       ProgressStepStatus = "done"
	StepFailed     ProgressStepStatus = "failed"
)

// ProgressStep records one tool call's lifecycle for rendering.
type ProgressStep struct {
	Name   string             `json:"name"`
	Status ProgressStepStatus `json:"status"`
	Output string             `json:"output,omitempty"`
}

// ProgressState is built by folding a sequence of AgentEvents; it is the
// renderable summary the progress runtime sends to the transport at most
// once per throttle interval (SPEC_FULL.md §4.9).
type ProgressState struct {
	CurrentIteration  int            `json:"current_iteration"`
	MaxIterations     int            `json:"max_iterations"`
	Steps             []ProgressStep `json:"steps"`
	CurrentTodos      *TodoList      `json:"current_todos,omitempty"`
	IsFinished        bool           `json:"is_finished"`
	Error             string         `json:"error,omitempty"`
	CurrentThought    string         `json:"current_thought,omitempty"`
	NarrativeHeadline string         `json:"narrative_headline,omitempty"`
	NarrativeContent  string         `json:"narrative_content,omitempty"`
}

// Apply folds one AgentEvent into the state, mutating it in place. It is
// the sole place that interprets AgentEventKind, so the progress runtime
// and any test harness share one state-machine definition.
//
// Invariant: the count of steps with StepInProgress status never exceeds
// 1 (SPEC_FULL.md §8) — NewToolCallEvent only ever appends one in-progress
// step per call, and the matching NewToolResultEvent always resolves the
// most recent pending step before any further tool call can start a new
// one, because the bridge never emits two ToolCall events without an
// intervening ToolResult for the same slot.
func (p *ProgressState) Apply(ev AgentEvent) {
	switch ev.Kind {
	case AgentEventThinking:
		// no step change; thinking is reflected via CurrentThought once reasoning arrives.
	case AgentEventToolCall:
		p.Steps = append(p.Steps, ProgressStep{Name: ev.ToolCall.Name, Status: StepInProgress})
	case AgentEventToolResult:
		for i := len(p.Steps) - 1; i >= 0; i-- {
			if p.Steps[i].Name == ev.ToolResult.Name && p.Steps[i].Status == StepInProgress {
				if ev.ToolResult.IsError {
					p.Steps[i].Status = StepFailed
				} else {
					p.Steps[i].Status = StepDone
				}
				p.Steps[i].Output = ev.ToolResult.Output
				break
			}
		}
	case AgentEventContinuation:
		p.CurrentThought = ""
	case AgentEventTodosUpdated:
		todos := ev.TodosUpdated.Todos.Clone()
		p.CurrentTodos = &todos
	case AgentEventReasoning:
		p.CurrentThought = ev.Reasoning.Summary
	case AgentEventNarrative:
		p.NarrativeHeadline = ev.Narrative.Headline
		p.NarrativeContent = ev.Narrative.Content
	case AgentEventLoopDetected:
		p.IsFinished = true
		p.Error = "loop detected: " + ev.LoopDetected.Kind
	case AgentEventCancelling:
		// rendered via the step list only; no state field dedicated to it.
	case AgentEventCancelled:
		p.IsFinished = true
		if p.CurrentTodos == nil || !p.CurrentTodos.Empty() {
			empty := TodoList{}
			p.CurrentTodos = &empty
		}
	case AgentEventFinished:
		p.IsFinished = true
	case AgentEventErrorOccurred:
		p.IsFinished = true
		p.Error = ev.Error.Message
	case AgentEventFileToSend, AgentEventFileToSendWithConfirm:
		// delivery side-effects only; no ProgressState field tracks file transfer.
	}
}
