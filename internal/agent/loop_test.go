package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/oxideagent/runtime/pkg/models"
)

type countingTracer struct {
	llmCalls  int
	toolCalls int
	errors    int
	tp        trace.TracerProvider
}

func newCountingTracer() *countingTracer {
	return &countingTracer{tp: noop.NewTracerProvider()}
}

func (c *countingTracer) TraceLLMRequest(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	c.llmCalls++
	return c.tp.Tracer("test").Start(ctx, "llm."+provider)
}

func (c *countingTracer) TraceToolExecution(ctx context.Context, toolName string) (context.Context, trace.Span) {
	c.toolCalls++
	return c.tp.Tracer("test").Start(ctx, "tool."+toolName)
}

func (c *countingTracer) RecordError(span trace.Span, err error) {
	c.errors++
}

type scriptedProvider struct {
	responses []*ChatResponse
	i         int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) ChatWithTools(_ context.Context, _ *ChatRequest) (*ChatResponse, error) {
	if p.i >= len(p.responses) {
		return &ChatResponse{Content: `{"thought":"done","final_answer":"fallback"}`}, nil
	}
	r := p.responses[p.i]
	p.i++
	return r, nil
}

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes input" }
func (echoTool) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"required":   []string{"text"},
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
	}
}
func (echoTool) Execute(_ context.Context, args json.RawMessage) (*ToolResult, error) {
	var in struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(args, &in)
	return &ToolResult{Content: in.Text}, nil
}

func newTestExecutor() *Executor {
	return &Executor{
		Session: &models.Session{UserID: "u1"},
		Memory:  NewMemory(1_000_000),
		Todos:   NewSharedTodos(),
	}
}

func TestLoopRunsToolThenFinalAnswer(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(echoTool{})

	provider := &scriptedProvider{responses: []*ChatResponse{
		{Content: `{"thought":"use echo","tool_call":{"name":"echo","arguments":{"text":"hi"}}}`},
		{Content: `{"thought":"done","final_answer":"the answer is hi"}`},
	}}

	loop := NewLoop(provider, registry, NewHookRegistry(), nil, DefaultLoopConfig(), nil)
	exec := newTestExecutor()
	events := make(chan models.AgentEvent, 32)

	answer, err := loop.Run(context.Background(), exec, nil, nil, "system", "please echo hi", events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != "the answer is hi" {
		t.Fatalf("unexpected answer: %q", answer)
	}
	if exec.Session.State != models.SessionFinished {
		t.Fatalf("expected session finished, got %s", exec.Session.State)
	}
}

func TestLoopCancellationStopsBeforeModelCall(t *testing.T) {
	provider := &scriptedProvider{}
	loop := NewLoop(provider, NewToolRegistry(), NewHookRegistry(), nil, DefaultLoopConfig(), nil)
	exec := newTestExecutor()
	cancel := NewCancelToken()
	cancel.Cancel()
	events := make(chan models.AgentEvent, 8)

	_, err := loop.Run(context.Background(), exec, cancel, nil, "system", "hello", events)
	if err != ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestLoopIterationExhaustion(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(echoTool{})
	resp := &ChatResponse{Content: `{"thought":"loop","tool_call":{"name":"echo","arguments":{"text":"a"}}}`}
	provider := &scriptedProvider{responses: []*ChatResponse{resp, resp, resp}}

	cfg := DefaultLoopConfig()
	cfg.MaxIterations = 2

	loop := NewLoop(provider, registry, NewHookRegistry(), nil, cfg, nil)
	exec := newTestExecutor()
	events := make(chan models.AgentEvent, 32)

	_, err := loop.Run(context.Background(), exec, nil, nil, "system", "loop forever", events)
	if err != ErrIterationExhausted {
		t.Fatalf("expected ErrIterationExhausted, got %v", err)
	}
}

func TestLoopWallTimeTimeout(t *testing.T) {
	registry := NewToolRegistry()
	provider := &scriptedProvider{responses: []*ChatResponse{
		{Content: `{"thought":"x","final_answer":"done"}`},
	}}
	cfg := DefaultLoopConfig()
	cfg.MaxWallTime = time.Nanosecond

	loop := NewLoop(provider, registry, NewHookRegistry(), nil, cfg, nil)
	exec := newTestExecutor()
	events := make(chan models.AgentEvent, 8)

	_, err := loop.Run(context.Background(), exec, nil, nil, "system", "hi", events)
	if err == nil {
		t.Fatal("expected a timeout-flavored error")
	}
}

func TestLoopWithTracerSpansLLMAndToolCalls(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(echoTool{})

	provider := &scriptedProvider{responses: []*ChatResponse{
		{Content: `{"thought":"use echo","tool_call":{"name":"echo","arguments":{"text":"hi"}}}`},
		{Content: `{"thought":"done","final_answer":"the answer is hi"}`},
	}}

	tracer := newCountingTracer()
	loop := NewLoop(provider, registry, NewHookRegistry(), nil, DefaultLoopConfig(), nil).WithTracer(tracer)
	exec := newTestExecutor()
	events := make(chan models.AgentEvent, 32)

	if _, err := loop.Run(context.Background(), exec, nil, nil, "system", "please echo hi", events); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracer.llmCalls != 2 {
		t.Errorf("llmCalls = %d, want 2", tracer.llmCalls)
	}
	if tracer.toolCalls != 1 {
		t.Errorf("toolCalls = %d, want 1", tracer.toolCalls)
	}
}
