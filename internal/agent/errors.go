package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the agent runtime's §7 error taxonomy. Transport
// layers discriminate user-visible behavior against these via errors.Is.
var (
	// ErrCancelled indicates the user requested cancellation of an in-flight task.
	ErrCancelled = errors.New("cancelled")

	// ErrTimeout indicates a task- or tool-level wall-clock bound was exceeded.
	ErrTimeout = errors.New("timeout")

	// ErrIterationExhausted indicates the loop ran to max_iterations without a final answer.
	ErrIterationExhausted = errors.New("iteration limit exceeded")

	// ErrContinuationExhausted indicates the model kept producing malformed output beyond the bound.
	ErrContinuationExhausted = errors.New("continuation limit exceeded")

	// ErrSandboxNotRunning indicates an exec was attempted against a container that is not up.
	ErrSandboxNotRunning = errors.New("sandbox not running")

	// ErrSandboxAccess indicates a terminal sandbox failure (daemon unreachable, recreate failed).
	ErrSandboxAccess = errors.New("sandbox access error")

	// ErrSessionBusy indicates reset was attempted while a task is running.
	ErrSessionBusy = errors.New("cannot reset: session is running")

	// ErrUnknownTool indicates a tool name with no registered provider.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrToolNotFound indicates a requested tool doesn't exist in the registry.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution exceeded its per-call timeout.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution.
	ErrToolPanic = errors.New("tool panicked")
)

// ToolErrorType categorizes tool execution errors for retry logic and error handling.
type ToolErrorType string

const (
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorNetwork      ToolErrorType = "network"
	ToolErrorPermission   ToolErrorType = "permission"
	ToolErrorRateLimit    ToolErrorType = "rate_limit"
	ToolErrorExecution    ToolErrorType = "execution"
	ToolErrorPanic        ToolErrorType = "panic"
	ToolErrorCancelled    ToolErrorType = "cancelled"
	ToolErrorUnknown      ToolErrorType = "unknown"
)

// IsRetryable returns true if this error type suggests retrying the operation may succeed.
// Timeout, network, and rate limit errors are considered retryable.
func (t ToolErrorType) IsRetryable() bool {
	switch t {
	case ToolErrorTimeout, ToolErrorNetwork, ToolErrorRateLimit:
		return true
	default:
		return false
	}
}

// ToolError represents a structured error from tool execution with categorization
// for retry logic and detailed context about the failure.
type ToolError struct {
	Type       ToolErrorType
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
	Retryable  bool
	Attempts   int
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Type))
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	if e.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("(attempts=%d)", e.Attempts))
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a new ToolError with automatic error classification.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{ToolName: toolName, Cause: cause, Type: ToolErrorUnknown, Attempts: 1}
	if cause != nil {
		err.Message = cause.Error()
		err.Type = classifyToolError(cause)
		err.Retryable = err.Type.IsRetryable()
	}
	return err
}

// WithType sets the error type and updates retryable status accordingly.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	e.Retryable = t.IsRetryable()
	return e
}

// WithToolCallID sets the tool call ID for correlating errors with specific calls.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithMessage sets a custom human-readable error message.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// WithAttempts sets the number of execution attempts that were made.
func (e *ToolError) WithAttempts(n int) *ToolError {
	e.Attempts = n
	return e
}

// classifyToolError determines the error type from the error content,
// checking sentinels via errors.Is first and falling back to substring
// matching — the same precedence as the Rust original's classifier.
func classifyToolError(err error) ToolErrorType {
	if err == nil {
		return ToolErrorUnknown
	}

	if errors.Is(err, ErrCancelled) {
		return ToolErrorCancelled
	}
	if errors.Is(err, ErrToolNotFound) {
		return ToolErrorInvalidInput
	}
	if errors.Is(err, ErrToolTimeout) || errors.Is(err, ErrTimeout) {
		return ToolErrorTimeout
	}
	if errors.Is(err, ErrToolPanic) {
		return ToolErrorPanic
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") || strings.Contains(errStr, "context deadline"):
		return ToolErrorTimeout
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") || strings.Contains(errStr, "dns") ||
		strings.Contains(errStr, "refused") || strings.Contains(errStr, "unreachable"):
		return ToolErrorNetwork
	case strings.Contains(errStr, "rate limit") || strings.Contains(errStr, "rate_limit") || strings.Contains(errStr, "too many requests") || strings.Contains(errStr, "429"):
		return ToolErrorRateLimit
	case strings.Contains(errStr, "permission") || strings.Contains(errStr, "forbidden") || strings.Contains(errStr, "unauthorized") || strings.Contains(errStr, "access denied"):
		return ToolErrorPermission
	case strings.Contains(errStr, "invalid") || strings.Contains(errStr, "validation") || strings.Contains(errStr, "required") || strings.Contains(errStr, "missing"):
		return ToolErrorInvalidInput
	default:
		return ToolErrorExecution
	}
}

// IsToolError checks if an error is or wraps a ToolError.
func IsToolError(err error) bool {
	var toolErr *ToolError
	return errors.As(err, &toolErr)
}

// GetToolError extracts a ToolError from an error chain using errors.As.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// IsToolRetryable checks if a tool error should be retried based on its type.
func IsToolRetryable(err error) bool {
	if toolErr, ok := GetToolError(err); ok {
		return toolErr.Retryable
	}
	return classifyToolError(err).IsRetryable()
}

// LoopPhase represents a distinct phase in the per-iteration algorithm
// (SPEC_FULL.md §4.6 steps 1-12).
type LoopPhase string

const (
	PhaseInit         LoopPhase = "init"
	PhaseScoutCheck   LoopPhase = "scout_check"
	PhaseModelCall    LoopPhase = "model_call"
	PhaseParse        LoopPhase = "parse"
	PhaseExecuteTools LoopPhase = "execute_tools"
	PhaseContinue     LoopPhase = "continue"
	PhaseComplete     LoopPhase = "complete"
)

// LoopError represents an error that occurred during the executor loop
// with context about which phase and iteration the error occurred in.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Message   string
	Cause     error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("loop error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}

// LoopDetectedError is the typed error returned when a §4.5 signal fires.
// The transport is expected to offer a "retry with detector disabled"
// affordance on this error kind (SPEC_FULL.md §7).
type LoopDetectedError struct {
	Kind      string // "tool_call" | "content" | "llm"
	Iteration int
}

func (e *LoopDetectedError) Error() string {
	return fmt.Sprintf("loop detected (%s) at iteration %d", e.Kind, e.Iteration)
}

// Is allows errors.Is(err, ErrLoopDetectedKind) style checks without
// exposing a parallel sentinel; callers should type-assert via errors.As
// to read Kind/Iteration.
func (e *LoopDetectedError) Is(target error) bool {
	_, ok := target.(*LoopDetectedError)
	return ok
}
