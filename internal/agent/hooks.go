package agent

import (
	"context"

	"github.com/oxideagent/runtime/pkg/models"
)

// HookCapability names the point in the per-iteration algorithm (§4.6) a
// hook wants to observe.
type HookCapability string

const (
	BeforeAgent     HookCapability = "before_agent"
	BeforeIteration HookCapability = "before_iteration"
	BeforeTool      HookCapability = "before_tool"
	AfterTool       HookCapability = "after_tool"
	AfterAgent      HookCapability = "after_agent"
)

// HookContext is the read-only view a hook receives (§4.7).
type HookContext struct {
	Todos             models.TodoList
	Iteration         int
	ContinuationCount int
	ContinuationLimit int
	Tokens            int
	MaxTokens         int

	// ToolName/ToolCallID/ToolArguments are only populated for BeforeTool/AfterTool.
	ToolName      string
	ToolCallID    string
	ToolArguments []byte

	// FinalAnswer is only populated for AfterAgent.
	FinalAnswer string
}

// HookResultKind discriminates the tagged union a hook returns.
type HookResultKind string

const (
	HookContinue        HookResultKind = "continue"
	HookInjectContext    HookResultKind = "inject_context"
	HookBlock            HookResultKind = "block"
	HookForceIteration   HookResultKind = "force_iteration"
)

// HookResult is what a hook returns after observing a HookContext.
type HookResult struct {
	Kind    HookResultKind
	Text    string // InjectContext payload
	Reason  string // Block / ForceIteration reason
	Context string // ForceIteration extra context
}

// ContinueResult is the no-op result most hooks return most of the time.
func ContinueResult() HookResult { return HookResult{Kind: HookContinue} }

// Hook is one named observer of the executor loop. A hook may implement
// any subset of the five capability points; Capabilities declares which
// ones Invoke should be called for.
type Hook interface {
	Name() string
	Capabilities() []HookCapability
	Invoke(ctx context.Context, cap HookCapability, hctx *HookContext) (HookResult, error)
}

// HookRegistry dispatches each capability point to the hooks that declared
// interest in it, in registration order.
type HookRegistry struct {
	byCapability map[HookCapability][]Hook
}

// NewHookRegistry creates an empty registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{byCapability: make(map[HookCapability][]Hook)}
}

// Register adds a hook under every capability it declares.
func (r *HookRegistry) Register(h Hook) {
	for _, c := range h.Capabilities() {
		r.byCapability[c] = append(r.byCapability[c], h)
	}
}

// Run invokes every hook registered for cap in order, stopping early (and
// returning that result) on the first non-Continue result.
func (r *HookRegistry) Run(ctx context.Context, cap HookCapability, hctx *HookContext) (HookResult, error) {
	for _, h := range r.byCapability[cap] {
		res, err := h.Invoke(ctx, cap, hctx)
		if err != nil {
			return HookResult{}, err
		}
		if res.Kind != HookContinue {
			return res, nil
		}
	}
	return ContinueResult(), nil
}

// completionCheckHook is the default AfterAgent hook of §4.7: if the todo
// list still has unfinished items when the model hands back a final
// answer, force one more iteration telling the model to finish them.
type completionCheckHook struct{}

// NewCompletionCheckHook returns the default "finish your todos" hook.
func NewCompletionCheckHook() Hook { return completionCheckHook{} }

func (completionCheckHook) Name() string { return "completion_check" }

func (completionCheckHook) Capabilities() []HookCapability {
	return []HookCapability{AfterAgent}
}

func (completionCheckHook) Invoke(_ context.Context, _ HookCapability, hctx *HookContext) (HookResult, error) {
	if hctx.ContinuationCount >= hctx.ContinuationLimit {
		return ContinueResult(), nil
	}
	for _, item := range hctx.Todos.Items {
		if item.Status != models.TodoCompleted && item.Status != models.TodoCancelled {
			return HookResult{
				Kind:   HookForceIteration,
				Reason: "unfinished todos remain",
				Context: "You declared a final answer but the todo list still has unfinished items. " +
					"Finish or explicitly cancel them before answering.",
			}, nil
		}
	}
	return ContinueResult(), nil
}
