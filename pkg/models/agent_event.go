package models

import "time"

// AgentEventKind identifies which variant of AgentEvent is populated.
// AgentEvent is a tagged union: exactly one of the payload pointers
// below is non-nil for a given Kind.
type AgentEventKind string

const (
	AgentEventThinking                  AgentEventKind = "thinking"
	AgentEventToolCall                  AgentEventKind = "tool_call"
	AgentEventToolResult                AgentEventKind = "tool_result"
	AgentEventContinuation              AgentEventKind = "continuation"
	AgentEventTodosUpdated              AgentEventKind = "todos_updated"
	AgentEventFileToSend                AgentEventKind = "file_to_send"
	AgentEventFileToSendWithConfirm     AgentEventKind = "file_to_send_with_confirmation"
	AgentEventReasoning                 AgentEventKind = "reasoning"
	AgentEventLoopDetected              AgentEventKind = "loop_detected"
	AgentEventNarrative                 AgentEventKind = "narrative"
	AgentEventCancelling                AgentEventKind = "cancelling"
	AgentEventCancelled                 AgentEventKind = "cancelled"
	AgentEventFinished                  AgentEventKind = "finished"
	AgentEventErrorOccurred             AgentEventKind = "error"
)

// AgentEvent is the unified event model streamed from the executor loop
// to the progress runtime (and any hook observing the run). It is the
// wire type of SPEC_FULL.md §3's tagged variant.
//
// FileToSendWithConfirmation is never serialized (see SPEC_FULL.md §6):
// its AckSink is an in-process channel and JSON-marshaling an AgentEvent
// of that kind will silently drop the field, which is intentional.
type AgentEvent struct {
	Kind AgentEventKind `json:"kind"`
	At   time.Time      `json:"at"`

	Thinking       *ThinkingPayload       `json:"thinking,omitempty"`
	ToolCall       *ToolCallPayload       `json:"tool_call,omitempty"`
	ToolResult     *ToolResultPayload     `json:"tool_result,omitempty"`
	Continuation   *ContinuationPayload   `json:"continuation,omitempty"`
	TodosUpdated   *TodosUpdatedPayload   `json:"todos_updated,omitempty"`
	FileToSend     *FileToSendPayload     `json:"file_to_send,omitempty"`
	FileToSendAck  *FileToSendAckPayload  `json:"-"`
	Reasoning      *ReasoningPayload      `json:"reasoning,omitempty"`
	LoopDetected   *LoopDetectedPayload   `json:"loop_detected,omitempty"`
	Narrative      *NarrativePayload      `json:"narrative,omitempty"`
	Cancelling     *CancellingPayload     `json:"cancelling,omitempty"`
	Error          *AgentErrorPayload     `json:"error,omitempty"`
}

// ThinkingPayload reports the token count of the model's next call,
// either API-reported or locally estimated.
type ThinkingPayload struct {
	Tokens int `json:"tokens"`
}

// ToolCallPayload describes an outbound tool invocation.
type ToolCallPayload struct {
	Name            string `json:"name"`
	Arguments       string `json:"arguments"`
	CommandPreview  string `json:"command_preview,omitempty"`
	IsRecovered     bool   `json:"is_recovered,omitempty"`
}

// ToolResultPayload describes a (possibly truncated) tool observation.
type ToolResultPayload struct {
	Name      string `json:"name"`
	Output    string `json:"output"`
	Truncated bool   `json:"truncated,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ContinuationPayload reports a forced extra iteration: either a parse
// failure or a ForceIteration hook result.
type ContinuationPayload struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// TodosUpdatedPayload carries a snapshot of the todo list after a change.
type TodosUpdatedPayload struct {
	Todos TodoList `json:"todos"`
}

// FileToSendPayload is a best-effort file delivery with no confirmation.
type FileToSendPayload struct {
	Name  string `json:"name"`
	Bytes []byte `json:"bytes"`
}

// FileToSendAckPayload is a file delivery requiring confirmation before
// the tool result is recorded and the sandbox source path is cleaned up.
// It is never serialized; AckSink is an in-process acknowledgement
// channel the transport writes to once delivery completes (true) or
// fails/times out (false).
type FileToSendAckPayload struct {
	Name        string
	Bytes       []byte
	SandboxPath string
	AckSink     chan<- bool
}

// ReasoningPayload is a short surfaced summary of the model's internal
// "thinking" channel, when the provider exposes one.
type ReasoningPayload struct {
	Summary string `json:"summary"`
}

// LoopDetectedPayload reports which signal fired and at which iteration.
type LoopDetectedPayload struct {
	Kind      string `json:"kind"` // "tool_call" | "content" | "llm"
	Iteration int    `json:"iteration"`
}

// NarrativePayload is a non-blocking, separately-generated UI summary of
// the current step.
type NarrativePayload struct {
	Headline string `json:"headline"`
	Content  string `json:"content"`
}

// CancellingPayload names the tool being interrupted by a cancellation.
type CancellingPayload struct {
	Tool string `json:"tool"`
}

// AgentErrorPayload carries a terminal error message for display.
type AgentErrorPayload struct {
	Message string `json:"message"`
}

// NewThinkingEvent builds a Thinking event.
func NewThinkingEvent(tokens int) AgentEvent {
	return AgentEvent{Kind: AgentEventThinking, At: time.Now(), Thinking: &ThinkingPayload{Tokens: tokens}}
}

// NewToolCallEvent builds a ToolCall event.
func NewToolCallEvent(name, arguments, commandPreview string, recovered bool) AgentEvent {
	return AgentEvent{
		Kind: AgentEventToolCall,
		At:   time.Now(),
		ToolCall: &ToolCallPayload{
			Name:           name,
			Arguments:      arguments,
			CommandPreview: commandPreview,
			IsRecovered:    recovered,
		},
	}
}

// NewToolResultEvent builds a ToolResult event.
func NewToolResultEvent(name, output string, truncated, isError bool) AgentEvent {
	return AgentEvent{
		Kind:       AgentEventToolResult,
		At:         time.Now(),
		ToolResult: &ToolResultPayload{Name: name, Output: output, Truncated: truncated, IsError: isError},
	}
}

// NewContinuationEvent builds a Continuation event.
func NewContinuationEvent(reason string, count int) AgentEvent {
	return AgentEvent{Kind: AgentEventContinuation, At: time.Now(), Continuation: &ContinuationPayload{Reason: reason, Count: count}}
}

// NewTodosUpdatedEvent builds a TodosUpdated event.
func NewTodosUpdatedEvent(todos TodoList) AgentEvent {
	return AgentEvent{Kind: AgentEventTodosUpdated, At: time.Now(), TodosUpdated: &TodosUpdatedPayload{Todos: todos}}
}

// NewReasoningEvent builds a Reasoning event.
func NewReasoningEvent(summary string) AgentEvent {
	return AgentEvent{Kind: AgentEventReasoning, At: time.Now(), Reasoning: &ReasoningPayload{Summary: summary}}
}

// NewLoopDetectedEvent builds a LoopDetected event.
func NewLoopDetectedEvent(kind string, iteration int) AgentEvent {
	return AgentEvent{Kind: AgentEventLoopDetected, At: time.Now(), LoopDetected: &LoopDetectedPayload{Kind: kind, Iteration: iteration}}
}

// NewNarrativeEvent builds a Narrative event.
func NewNarrativeEvent(headline, content string) AgentEvent {
	return AgentEvent{Kind: AgentEventNarrative, At: time.Now(), Narrative: &NarrativePayload{Headline: headline, Content: content}}
}

// NewCancellingEvent builds a Cancelling event.
func NewCancellingEvent(tool string) AgentEvent {
	return AgentEvent{Kind: AgentEventCancelling, At: time.Now(), Cancelling: &CancellingPayload{Tool: tool}}
}

// NewCancelledEvent builds a Cancelled event.
func NewCancelledEvent() AgentEvent {
	return AgentEvent{Kind: AgentEventCancelled, At: time.Now()}
}

// NewFinishedEvent builds a Finished event.
func NewFinishedEvent() AgentEvent {
	return AgentEvent{Kind: AgentEventFinished, At: time.Now()}
}

// NewFileToSendEvent builds a best-effort FileToSend event.
func NewFileToSendEvent(name string, bytes []byte) AgentEvent {
	return AgentEvent{Kind: AgentEventFileToSend, At: time.Now(), FileToSend: &FileToSendPayload{Name: name, Bytes: bytes}}
}

// NewFileToSendWithConfirmEvent builds a confirmation-required file
// delivery event; ackSink receives true on successful delivery, false on
// failure or timeout.
func NewFileToSendWithConfirmEvent(name string, bytes []byte, sandboxPath string, ackSink chan<- bool) AgentEvent {
	return AgentEvent{
		Kind: AgentEventFileToSendWithConfirm,
		At:   time.Now(),
		FileToSendAck: &FileToSendAckPayload{
			Name:        name,
			Bytes:       bytes,
			SandboxPath: sandboxPath,
			AckSink:     ackSink,
		},
	}
}

// NewErrorEvent builds an Error event.
func NewErrorEvent(message string) AgentEvent {
	return AgentEvent{Kind: AgentEventErrorOccurred, At: time.Now(), Error: &AgentErrorPayload{Message: message}}
}
