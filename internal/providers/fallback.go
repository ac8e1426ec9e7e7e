// Package providers composes the concrete LLM providers (anthropic, openai)
// behind the agent.LLMProvider contract used by the executor loop.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oxideagent/runtime/internal/agent"
)

// Common error reasons classified from a provider call failure.
const (
	ReasonRateLimit   = "rate_limit"
	ReasonAuthError   = "auth_error"
	ReasonTimeout     = "timeout"
	ReasonServerError = "server_error"
	ReasonBilling     = "billing"
	ReasonUnavailable = "model_unavailable"
	ReasonAbort       = "abort"
	ReasonInvalid     = "invalid_request"
	ReasonUnknown     = "unknown"
)

// ErrAllCandidatesFailed indicates both the primary and secondary providers failed.
var ErrAllCandidatesFailed = errors.New("providers: all candidates failed")

// FailoverError wraps a provider call failure with the classification used
// to decide whether agent_model_provider should fail over from primary to
// secondary (spec.md §7's LLMCall{retryable} error kind).
type FailoverError struct {
	Err      error
	Provider string
	Reason   string
}

func (e *FailoverError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Reason, e.Provider, e.Err)
}

func (e *FailoverError) Unwrap() error { return e.Err }

// classifyErrorReason infers a failure reason from error text, mirroring the
// classification a provider SDK's typed errors would otherwise give us.
func classifyErrorReason(err error) string {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ReasonAbort
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout"), strings.Contains(s, "deadline exceeded"):
		return ReasonTimeout
	case strings.Contains(s, "rate limit"), strings.Contains(s, "429"), strings.Contains(s, "too many requests"):
		return ReasonRateLimit
	case strings.Contains(s, "unauthorized"), strings.Contains(s, "401"), strings.Contains(s, "403"), strings.Contains(s, "invalid api key"):
		return ReasonAuthError
	case strings.Contains(s, "billing"), strings.Contains(s, "quota"), strings.Contains(s, "402"):
		return ReasonBilling
	case strings.Contains(s, "model not found"), strings.Contains(s, "does not exist"), strings.Contains(s, "unavailable"):
		return ReasonUnavailable
	case strings.Contains(s, "500"), strings.Contains(s, "502"), strings.Contains(s, "503"), strings.Contains(s, "504"), strings.Contains(s, "server error"):
		return ReasonServerError
	case strings.Contains(s, "invalid"), strings.Contains(s, "400"), strings.Contains(s, "bad request"):
		return ReasonInvalid
	default:
		return ReasonUnknown
	}
}

// shouldFailover reports whether err should trigger a retry against the
// fallback provider rather than being surfaced directly to the caller.
func shouldFailover(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch classifyErrorReason(err) {
	case ReasonRateLimit, ReasonServerError, ReasonTimeout, ReasonBilling, ReasonAuthError, ReasonUnavailable:
		return true
	default:
		return false
	}
}

// FallbackProvider implements agent.LLMProvider by trying a primary provider
// first and, on a retryable failure, a secondary provider. It backs the
// user-level agent_model_provider config key, which selects "primary" or
// "secondary" as the preferred entry point while still falling over on
// failure rather than failing the whole agent turn.
type FallbackProvider struct {
	primary   agent.LLMProvider
	secondary agent.LLMProvider
	preferred string // "primary" or "secondary"
}

// NewFallbackProvider builds a FallbackProvider. preferred selects which
// provider is tried first; any value other than "secondary" defaults to
// "primary".
func NewFallbackProvider(primary, secondary agent.LLMProvider, preferred string) *FallbackProvider {
	return &FallbackProvider{primary: primary, secondary: secondary, preferred: preferred}
}

func (f *FallbackProvider) Name() string {
	return fmt.Sprintf("fallback(%s,%s)", f.primary.Name(), f.secondary.Name())
}

// ChatWithTools tries the preferred provider, then falls over to the other
// one if the failure is classified as retryable. A non-retryable error (bad
// request, content block, user cancellation) is returned immediately without
// trying the second provider.
func (f *FallbackProvider) ChatWithTools(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	first, second := f.primary, f.secondary
	if f.preferred == "secondary" {
		first, second = f.secondary, f.primary
	}

	resp, err := first.ChatWithTools(ctx, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !shouldFailover(err) {
		return nil, &FailoverError{Err: err, Provider: first.Name(), Reason: classifyErrorReason(err)}
	}

	resp, err2 := second.ChatWithTools(ctx, req)
	if err2 == nil {
		return resp, nil
	}
	return nil, fmt.Errorf("%w: %s failed (%v); %s failed (%v)",
		ErrAllCandidatesFailed, first.Name(), err, second.Name(), err2)
}
