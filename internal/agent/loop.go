package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/oxideagent/runtime/pkg/models"
)

// LoopConfig bounds one executor run (§4.6, §5).
type LoopConfig struct {
	MaxIterations     int
	ContinuationLimit int
	MaxWallTime       time.Duration // task-level timeout, default 1800s
	ToolTimeout       time.Duration // per-tool timeout, default 300s
	CompactThreshold  int
	Model             string
	MaxRetries        int // LLM call retries, default 5 per §4.6 step 5
}

// DefaultLoopConfig matches spec.md's stated defaults.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations:     10,
		ContinuationLimit: 5,
		MaxWallTime:       1800 * time.Second,
		ToolTimeout:       300 * time.Second,
		CompactThreshold:  100_000,
		MaxRetries:        5,
	}
}

func sanitizeLoopConfig(c *LoopConfig) *LoopConfig {
	if c == nil {
		return DefaultLoopConfig()
	}
	cfg := *c
	d := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = d.MaxIterations
	}
	if cfg.ContinuationLimit <= 0 {
		cfg.ContinuationLimit = d.ContinuationLimit
	}
	if cfg.MaxWallTime <= 0 {
		cfg.MaxWallTime = d.MaxWallTime
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = d.ToolTimeout
	}
	if cfg.CompactThreshold <= 0 {
		cfg.CompactThreshold = d.CompactThreshold
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	return &cfg
}

// NarratorFunc is the optional non-blocking narrator call of §4.6 step 7:
// a separate lightweight LLM call summarizing the step for UI display. A
// nil NarratorFunc simply disables narration.
type NarratorFunc func(ctx context.Context, lastAssistantText string) (headline, content string, err error)

// RateLimiter bounds tool-call frequency per key (see internal/ratelimit).
// A nil RateLimiter on Loop disables throttling.
type RateLimiter interface {
	Allow(key string) bool
}

// Tracer opens OpenTelemetry spans around LLM calls and tool executions (see
// internal/observability.Tracer). A nil Tracer on Loop disables tracing.
type Tracer interface {
	TraceLLMRequest(ctx context.Context, provider, model string) (context.Context, trace.Span)
	TraceToolExecution(ctx context.Context, toolName string) (context.Context, trace.Span)
	RecordError(span trace.Span, err error)
}

// MetricsRecorder records the Prometheus series internal/observability.Metrics
// exposes for LLM calls, tool executions, loop-detection trips, and run
// outcomes. A nil MetricsRecorder on Loop disables metrics.
type MetricsRecorder interface {
	RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int)
	RecordToolExecution(toolName, status string, durationSeconds float64)
	RecordSessionStuck()
	RecordRunAttempt(status string)
}

// Loop implements the agent executor loop of spec.md §4.6.
type Loop struct {
	provider LLMProvider
	registry *ToolRegistry
	hooks    *HookRegistry
	narrator NarratorFunc
	config   *LoopConfig
	logger   *slog.Logger
	limiter  RateLimiter
	userID   string
	tracer   Tracer
	metrics  MetricsRecorder
}

// WithTracer attaches a Tracer used to span LLM calls and tool executions.
// Returns l for chaining.
func (l *Loop) WithTracer(tracer Tracer) *Loop {
	l.tracer = tracer
	return l
}

// WithMetrics attaches a MetricsRecorder used to record LLM/tool/run metrics.
// Returns l for chaining.
func (l *Loop) WithMetrics(metrics MetricsRecorder) *Loop {
	l.metrics = metrics
	return l
}

// WithRateLimiter attaches a per-tool RateLimiter keyed by userID, used to
// throttle tool calls within a single run. Returns l for chaining.
func (l *Loop) WithRateLimiter(limiter RateLimiter, userID string) *Loop {
	l.limiter = limiter
	l.userID = userID
	return l
}

// NewLoop wires a Loop from its collaborators. hooks/narrator/logger may
// be nil; config nil uses DefaultLoopConfig.
func NewLoop(provider LLMProvider, registry *ToolRegistry, hooks *HookRegistry, narrator NarratorFunc, config *LoopConfig, logger *slog.Logger) *Loop {
	if registry == nil {
		registry = NewToolRegistry()
	}
	if hooks == nil {
		hooks = NewHookRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		provider: provider,
		registry: registry,
		hooks:    hooks,
		narrator: narrator,
		config:   sanitizeLoopConfig(config),
		logger:   logger,
	}
}

// Run executes the full per-iteration algorithm against exec's session and
// memory, streaming AgentEvents on events (caller-owned, bounded per §5's
// backpressure model — Run blocks sending when the channel is full). It
// returns the persisted final answer, or a terminal error.
func (l *Loop) Run(ctx context.Context, exec *Executor, cancel *CancelToken, detector *LoopDetector, systemPrompt, userMessage string, events chan<- models.AgentEvent) (answer string, runErr error) {
	if l.provider == nil {
		return "", ErrNoProvider
	}
	if exec == nil || exec.Memory == nil {
		return "", fmt.Errorf("executor/memory not initialized")
	}

	runCtx, done := context.WithTimeout(ctx, l.config.MaxWallTime)
	defer done()

	defer func() {
		if l.metrics == nil {
			return
		}
		status := "success"
		if runErr != nil {
			status = "failed"
		}
		l.metrics.RecordRunAttempt(status)
	}()

	if exec.Session != nil {
		exec.Session.State = models.SessionProcessing
	}
	exec.Memory.Append(&models.Message{Role: models.RoleUser, Content: userMessage, CreatedAt: time.Now()})

	if detector == nil {
		detector = NewLoopDetector(DefaultLoopDetectionConfig(), nil, l.logger)
	}
	detector.Reset()

	if _, err := l.hooks.Run(runCtx, BeforeAgent, &HookContext{Todos: exec.Todos.Get()}); err != nil {
		return "", err
	}

	continuationCount := 0

	for iteration := 1; iteration <= l.config.MaxIterations; iteration++ {
		// Timeout wrapper: the task-level wall clock is enforced here, at
		// every iteration boundary, per §5's suspension-point contract.
		if runCtx.Err() != nil {
			if exec.Session != nil {
				exec.Session.State = models.SessionTimedOut
			}
			return "", ErrTimeout
		}

		// Step 1: cancellation check.
		if cancel != nil && cancel.Cancelled() {
			exec.Todos.Clear()
			exec.Memory.ClearTodos()
			events <- models.NewTodosUpdatedEvent(models.TodoList{})
			events <- models.NewCancelledEvent()
			if exec.Session != nil {
				exec.Session.State = models.SessionFailed
			}
			return "", ErrCancelled
		}

		hctx := &HookContext{
			Todos:             exec.Todos.Get(),
			Iteration:         iteration,
			ContinuationCount: continuationCount,
			ContinuationLimit: l.config.ContinuationLimit,
			Tokens:            exec.Memory.TokenCount(),
		}

		// Step 2.
		if res, err := l.hooks.Run(runCtx, BeforeIteration, hctx); err != nil {
			return "", err
		} else if res.Kind == HookBlock {
			return "", &LoopError{Phase: PhaseExecuteTools, Iteration: iteration, Message: res.Reason}
		} else if res.Kind == HookInjectContext {
			exec.Memory.Append(&models.Message{Role: models.RoleSystem, Content: res.Text, CreatedAt: time.Now()})
		}

		// Step 3.
		events <- models.NewThinkingEvent(estimateNextCallTokens(exec.Memory))

		// Step 4: scout loop check.
		if detector.CheckScout(runCtx, exec.Memory.Messages(), iteration) {
			events <- models.NewLoopDetectedEvent("llm", iteration)
			if exec.Session != nil {
				exec.Session.State = models.SessionFailed
			}
			if l.metrics != nil {
				l.metrics.RecordSessionStuck()
			}
			return "", &LoopDetectedError{Kind: "llm", Iteration: iteration}
		}

		// Step 5.
		resp, err := l.callWithRetry(runCtx, systemPrompt, exec.Memory.Messages())
		if err != nil {
			if exec.Session != nil {
				exec.Session.State = models.SessionFailed
			}
			return "", &LoopError{Phase: PhaseModelCall, Iteration: iteration, Cause: err}
		}

		// Step 6.
		if resp.Usage != nil {
			exec.Memory.Sync(resp.Usage.TotalTokens)
		}
		if summary := reasoningSummary(resp.Reasoning); summary != "" {
			events <- models.NewReasoningEvent(summary)
		}

		// Step 7: non-blocking narrator.
		l.spawnNarrator(runCtx, resp.Content, events)

		// Step 8: native tool calls.
		if len(resp.ToolCalls) > 0 {
			calls := chatToolCallsToModel(resp.ToolCalls)
			calls = sanitizeToolCalls(l.logger, calls)

			if fired, kind := l.checkToolLoop(detector, calls); fired {
				events <- models.NewLoopDetectedEvent(kind, iteration)
				if exec.Session != nil {
					exec.Session.State = models.SessionFailed
				}
				if l.metrics != nil {
					l.metrics.RecordSessionStuck()
				}
				return "", &LoopDetectedError{Kind: kind, Iteration: iteration}
			}

			exec.Memory.Append(&models.Message{
				Role:      models.RoleAssistant,
				Content:   resp.Content,
				ToolCalls: calls,
				CreatedAt: time.Now(),
			})

			if err := l.executeTools(runCtx, exec, cancel, calls, events); err != nil {
				return "", err
			}
			continue
		}

		// Step 9: structured-output parse.
		parsed, perr := ParseStructuredResponse(resp.Content, l.registry)
		if perr != nil {
			continuationCount++
			if continuationCount > l.config.ContinuationLimit {
				if exec.Session != nil {
					exec.Session.State = models.SessionFailed
				}
				return "", ErrContinuationExhausted
			}
			events <- models.NewContinuationEvent(perr.Error(), continuationCount)
			exec.Memory.Append(&models.Message{
				Role:      models.RoleSystem,
				Content:   "Your previous response could not be parsed: " + perr.Error() + ". Respond again with valid JSON matching the required envelope.",
				CreatedAt: time.Now(),
			})
			continue
		}

		// Step 10: final answer branch.
		if parsed.FinalAnswer != nil {
			if detector.ObserveFinalAnswer(*parsed.FinalAnswer) {
				events <- models.NewLoopDetectedEvent("content", iteration)
				if exec.Session != nil {
					exec.Session.State = models.SessionFailed
				}
				if l.metrics != nil {
					l.metrics.RecordSessionStuck()
				}
				return "", &LoopDetectedError{Kind: "content", Iteration: iteration}
			}

			afterCtx := *hctx
			afterCtx.FinalAnswer = *parsed.FinalAnswer
			res, err := l.hooks.Run(runCtx, AfterAgent, &afterCtx)
			if err != nil {
				return "", err
			}
			if res.Kind == HookForceIteration {
				continuationCount++
				if continuationCount > l.config.ContinuationLimit {
					if exec.Session != nil {
						exec.Session.State = models.SessionFailed
					}
					return "", ErrContinuationExhausted
				}
				events <- models.NewContinuationEvent(res.Reason, continuationCount)
				exec.Memory.Append(&models.Message{Role: models.RoleAssistant, Content: resp.Content, CreatedAt: time.Now()})
				exec.Memory.Append(&models.Message{Role: models.RoleSystem, Content: res.Reason + " " + res.Context, CreatedAt: time.Now()})
				continue
			}

			exec.Memory.Append(&models.Message{
				Role:      models.RoleAssistant,
				Content:   *parsed.FinalAnswer,
				Reasoning: resp.Reasoning,
				CreatedAt: time.Now(),
			})
			if exec.Session != nil {
				exec.Session.State = models.SessionFinished
			}
			events <- models.NewFinishedEvent()
			return *parsed.FinalAnswer, nil
		}

		// tool_call branch of structured output: step 11 via the shared path.
		call := models.ToolCall{ID: uuid.NewString(), Name: parsed.ToolCall.Name, Arguments: parsed.ToolCall.Arguments}
		calls := []models.ToolCall{call}

		if fired, kind := l.checkToolLoop(detector, calls); fired {
			events <- models.NewLoopDetectedEvent(kind, iteration)
			if exec.Session != nil {
				exec.Session.State = models.SessionFailed
			}
			if l.metrics != nil {
				l.metrics.RecordSessionStuck()
			}
			return "", &LoopDetectedError{Kind: kind, Iteration: iteration}
		}

		exec.Memory.Append(&models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: calls,
			CreatedAt: time.Now(),
		})

		if err := l.executeTools(runCtx, exec, cancel, calls, events); err != nil {
			return "", err
		}
	}

	// Step 12.
	if exec.Session != nil {
		exec.Session.State = models.SessionFailed
	}
	return "", ErrIterationExhausted
}

// checkToolLoop observes every call against the detector's tool-call
// signal, returning the first fired signal found.
func (l *Loop) checkToolLoop(detector *LoopDetector, calls []models.ToolCall) (bool, string) {
	for _, c := range calls {
		if detector.ObserveToolCall(c) {
			return true, "tool_call"
		}
	}
	return false, ""
}

// ratelimitKey matches internal/ratelimit.ToolKey's "<userID>:<toolName>"
// format without importing that package, avoiding a dependency from the
// core loop onto a concrete limiter implementation.
func ratelimitKey(userID, toolName string) string { return userID + ":" + toolName }

// executeTools implements §4.6 step 11's per-call sub-steps a-g.
func (l *Loop) executeTools(ctx context.Context, exec *Executor, cancel *CancelToken, calls []models.ToolCall, events chan<- models.AgentEvent) error {
	for _, call := range calls {
		preview := commandPreview(call)
		events <- models.NewToolCallEvent(call.Name, string(call.Arguments), preview, call.IsRecovered)

		hctx := &HookContext{
			Todos:         exec.Todos.Get(),
			ToolName:      call.Name,
			ToolCallID:    call.ID,
			ToolArguments: call.Arguments,
		}
		if res, err := l.hooks.Run(ctx, BeforeTool, hctx); err != nil {
			return err
		} else if res.Kind == HookBlock {
			l.appendToolResult(exec, call, "tool blocked: "+res.Reason, true, events)
			continue
		}

		if l.limiter != nil && !l.limiter.Allow(ratelimitKey(l.userID, call.Name)) {
			l.appendToolResult(exec, call, "rate limit exceeded for tool "+call.Name, true, events)
			continue
		}

		toolStart := time.Now()
		toolCtx, toolDone := context.WithTimeout(WithEvents(ctx, events), l.config.ToolTimeout)
		var toolSpan trace.Span
		if l.tracer != nil {
			toolCtx, toolSpan = l.tracer.TraceToolExecution(toolCtx, call.Name)
		}
		type execOutcome struct {
			result *ToolResult
			err    error
		}
		outcome := make(chan execOutcome, 1)
		go func() {
			r, err := l.registry.Execute(toolCtx, call.Name, call.Arguments)
			outcome <- execOutcome{r, err}
		}()

		var content string
		var isError bool
		select {
		case <-toolCtx.Done():
			if cancel != nil && cancel.Cancelled() {
				events <- models.NewCancellingEvent(call.Name)
				toolDone()
				return ErrCancelled
			}
			content = ErrToolTimeout.Error()
			isError = true
		case out := <-outcome:
			if out.err != nil {
				content = out.err.Error()
				isError = true
			} else {
				content = out.result.Content
				isError = out.result.IsError
			}
		}
		if l.tracer != nil && isError {
			l.tracer.RecordError(toolSpan, fmt.Errorf("%s", content))
		}
		if toolSpan != nil {
			toolSpan.End()
		}
		toolDone()
		if l.metrics != nil {
			status := "success"
			if isError {
				status = "error"
			}
			l.metrics.RecordToolExecution(call.Name, status, time.Since(toolStart).Seconds())
		}

		l.appendToolResult(exec, call, content, isError, events)

		truncated := len(content) > maxToolResultPreview
		preview2 := content
		if truncated {
			preview2 = content[:maxToolResultPreview]
		}
		events <- models.NewToolResultEvent(call.Name, preview2, truncated, isError)

		if changed := exec.Memory.SetTodos(exec.Todos.Get()); changed {
			events <- models.NewTodosUpdatedEvent(exec.Memory.Todos())
		}

		if _, err := l.hooks.Run(ctx, AfterTool, hctx); err != nil {
			return err
		}
	}
	return nil
}

const maxToolResultPreview = 4000

func (l *Loop) appendToolResult(exec *Executor, call models.ToolCall, content string, isError bool, _ chan<- models.AgentEvent) {
	exec.Memory.Append(&models.Message{
		Role:       models.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		CreatedAt:  time.Now(),
	})
	_ = isError
}

// callWithRetry implements §4.6 step 5's backoff table.
func (l *Loop) callWithRetry(ctx context.Context, systemPrompt string, history []*models.Message) (*ChatResponse, error) {
	req := &ChatRequest{
		System:   systemPrompt,
		Messages: toChatMessages(history),
		Tools:    l.chatTools(),
		Model:    l.config.Model,
		JSONMode: true,
	}

	var lastErr error
	for attempt := 0; attempt < l.config.MaxRetries; attempt++ {
		callStart := time.Now()
		callCtx := ctx
		var span trace.Span
		if l.tracer != nil {
			callCtx, span = l.tracer.TraceLLMRequest(ctx, l.provider.Name(), l.config.Model)
		}
		resp, err := l.provider.ChatWithTools(callCtx, req)
		if err != nil && l.tracer != nil {
			l.tracer.RecordError(span, err)
		}
		if span != nil {
			span.End()
		}
		if l.metrics != nil {
			status := "success"
			promptTokens, completionTokens := 0, 0
			if err != nil {
				status = "error"
			} else if resp.Usage != nil {
				promptTokens, completionTokens = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
			}
			l.metrics.RecordLLMRequest(l.provider.Name(), l.config.Model, status, time.Since(callStart).Seconds(), promptTokens, completionTokens)
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err

		llmErr, ok := err.(*LLMError)
		if !ok || !llmErr.Retryable() {
			return nil, err
		}

		var wait time.Duration
		switch llmErr.Kind {
		case LLMErrRateLimit:
			if llmErr.RetryAfter > 0 {
				wait = time.Duration(llmErr.RetryAfter+1) * time.Second
			} else {
				wait = time.Duration(10*math.Pow(2, float64(attempt))) * time.Second
			}
		default:
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

func (l *Loop) chatTools() []ChatTool {
	defs := l.registry.Definitions()
	tools := make([]ChatTool, len(defs))
	for i, d := range defs {
		tools[i] = ChatTool{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return tools
}

func (l *Loop) spawnNarrator(ctx context.Context, lastText string, events chan<- models.AgentEvent) {
	if l.narrator == nil {
		return
	}
	go func() {
		headline, content, err := l.narrator(ctx, lastText)
		if err != nil {
			l.logger.Debug("narrator call failed", "error", err)
			return
		}
		select {
		case events <- models.NewNarrativeEvent(headline, content):
		case <-ctx.Done():
		}
	}()
}

func toChatMessages(history []*models.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		cm := ChatMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID, ToolName: m.ToolName}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, ChatToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		out = append(out, cm)
	}
	return out
}

func chatToolCallsToModel(calls []ChatToolCall) []models.ToolCall {
	out := make([]models.ToolCall, len(calls))
	for i, c := range calls {
		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}
		out[i] = models.ToolCall{ID: id, Name: c.Name, Arguments: json.RawMessage(c.Arguments)}
	}
	return out
}

// estimateNextCallTokens reports the locally-estimated token size of the
// next LLM call; providers that report usage override this via Sync.
func estimateNextCallTokens(m *Memory) int {
	return m.TokenCount()
}

// reasoningSummary extracts a first-sentence, <=100 char summary of a
// model's surfaced "thinking" channel, when long enough to be worth
// showing (>20 chars) per §4.6 step 6.
func reasoningSummary(reasoning string) string {
	reasoning = strings.TrimSpace(reasoning)
	if len(reasoning) <= 20 {
		return ""
	}
	sentence := reasoning
	if idx := strings.IndexAny(reasoning, ".!?"); idx >= 0 {
		sentence = reasoning[:idx+1]
	}
	if len(sentence) > 100 {
		sentence = sentence[:100]
	}
	return sentence
}

// commandPreview returns the first-line snippet of a shell-like tool's
// command argument, for the ToolCall event's CommandPreview field.
func commandPreview(call models.ToolCall) string {
	var args map[string]any
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return ""
	}
	for _, key := range []string{"command", "cmd"} {
		if v, ok := args[key].(string); ok {
			line := v
			if idx := strings.IndexByte(line, '\n'); idx >= 0 {
				line = line[:idx]
			}
			return line
		}
	}
	return ""
}
