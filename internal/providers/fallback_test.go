package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/oxideagent/runtime/internal/agent"
)

type stubProvider struct {
	name string
	err  error
	resp *agent.ChatResponse
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) ChatWithTools(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func TestFallbackProviderUsesPrimaryOnSuccess(t *testing.T) {
	primary := &stubProvider{name: "primary", resp: &agent.ChatResponse{}}
	secondary := &stubProvider{name: "secondary", err: errors.New("should not be called")}
	f := NewFallbackProvider(primary, secondary, "primary")

	if _, err := f.ChatWithTools(context.Background(), &agent.ChatRequest{}); err != nil {
		t.Fatalf("ChatWithTools: %v", err)
	}
}

func TestFallbackProviderFailsOverOnRetryableError(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("429 too many requests")}
	secondary := &stubProvider{name: "secondary", resp: &agent.ChatResponse{}}
	f := NewFallbackProvider(primary, secondary, "primary")

	if _, err := f.ChatWithTools(context.Background(), &agent.ChatRequest{}); err != nil {
		t.Fatalf("expected failover to secondary to succeed, got %v", err)
	}
}

func TestFallbackProviderReturnsNonRetryableErrorImmediately(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("400 bad request: invalid schema")}
	secondary := &stubProvider{name: "secondary", resp: &agent.ChatResponse{}}
	f := NewFallbackProvider(primary, secondary, "primary")

	_, err := f.ChatWithTools(context.Background(), &agent.ChatRequest{})
	if err == nil {
		t.Fatal("expected non-retryable error to be returned without trying secondary")
	}
	var ferr *FailoverError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected *FailoverError, got %T", err)
	}
	if ferr.Reason != ReasonInvalid {
		t.Errorf("Reason = %q, want %q", ferr.Reason, ReasonInvalid)
	}
}

func TestFallbackProviderPrefersSecondaryWhenConfigured(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("should not be called")}
	secondary := &stubProvider{name: "secondary", resp: &agent.ChatResponse{}}
	f := NewFallbackProvider(primary, secondary, "secondary")

	if _, err := f.ChatWithTools(context.Background(), &agent.ChatRequest{}); err != nil {
		t.Fatalf("ChatWithTools: %v", err)
	}
}

func TestFallbackProviderReturnsAggregateErrorWhenBothFail(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("503 service unavailable")}
	secondary := &stubProvider{name: "secondary", err: errors.New("503 service unavailable")}
	f := NewFallbackProvider(primary, secondary, "primary")

	_, err := f.ChatWithTools(context.Background(), &agent.ChatRequest{})
	if !errors.Is(err, ErrAllCandidatesFailed) {
		t.Fatalf("expected ErrAllCandidatesFailed, got %v", err)
	}
}
