package agent

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoProvider indicates the loop was constructed without an LLM provider.
var ErrNoProvider = errors.New("no LLM provider configured")

// LLMErrorKind is the taxonomy of spec.md §6: providers classify every
// failure into one of these so the loop's retry/backoff policy (§4.6 step
// 5) can dispatch on kind alone, without inspecting provider internals.
type LLMErrorKind string

const (
	LLMErrRateLimit    LLMErrorKind = "rate_limit"
	LLMErrAPI          LLMErrorKind = "api_error"
	LLMErrNetwork      LLMErrorKind = "network_error"
	LLMErrJSON         LLMErrorKind = "json_error"
	LLMErrMissingConfig LLMErrorKind = "missing_config"
	LLMErrUnknown      LLMErrorKind = "unknown"

	// LLMErrInvalidRequest covers 4xx statuses other than rate limiting
	// (bad API key, malformed request, unknown model, ...). These are
	// terminal: retrying them with backoff only repeats the same failure.
	LLMErrInvalidRequest LLMErrorKind = "invalid_request"
)

// LLMError is the typed error every LLMProvider implementation returns.
type LLMError struct {
	Kind      LLMErrorKind
	Message   string
	RetryAfter int // seconds; only meaningful when Kind == LLMErrRateLimit
	Cause     error
}

func (e *LLMError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("llm call failed (%s): %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("llm call failed (%s): %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("llm call failed (%s)", e.Kind)
}

func (e *LLMError) Unwrap() error { return e.Cause }

// Retryable implements step 5's retry table: rate limits and transient
// transport failures are retried with backoff, everything else is terminal.
func (e *LLMError) Retryable() bool {
	switch e.Kind {
	case LLMErrRateLimit, LLMErrAPI, LLMErrNetwork:
		return true
	default:
		// LLMErrInvalidRequest, LLMErrJSON, LLMErrMissingConfig, LLMErrUnknown:
		// spec.md §6 — other errors are terminal.
		return false
	}
}

// ChatMessage is one turn in the conversation sent to a provider. It is a
// deliberately thinner projection of models.Message (no CreatedAt, no
// ToolCallID bookkeeping beyond what the wire format needs) so provider
// adapters don't need to import persistence concerns.
type ChatMessage struct {
	Role       string
	Content    string
	ToolCallID string
	ToolName   string
	ToolCalls  []ChatToolCall
}

// ChatToolCall mirrors models.ToolCall for the wire boundary to a provider.
type ChatToolCall struct {
	ID        string
	Name      string
	Arguments []byte
}

// ChatTool is a tool's name/description/schema as advertised to the model.
type ChatTool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage reports token accounting from the provider, when available.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// FinishReason is the provider-reported reason generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishOther     FinishReason = "other"
)

// ChatRequest is the input to LLMProvider.ChatWithTools (spec.md §6).
type ChatRequest struct {
	System   string
	Messages []ChatMessage
	Tools    []ChatTool
	Model    string
	JSONMode bool
}

// ChatResponse is the output of LLMProvider.ChatWithTools.
type ChatResponse struct {
	Content      string
	ToolCalls    []ChatToolCall
	FinishReason FinishReason
	Reasoning    string
	Usage        *Usage
}

// LLMProvider is the external LLM contract of spec.md §6. Concrete
// implementations live under internal/providers/{anthropic,openai}.
type LLMProvider interface {
	Name() string
	ChatWithTools(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}
