// Package anthropic implements the primary LLM provider of SPEC_FULL.md's
// DOMAIN STACK: agent.LLMProvider backed by anthropic-sdk-go's Messages
// API. It is a non-streaming adaptation of the teacher's streaming
// AnthropicProvider — the executor loop (internal/agent.Loop) calls one
// LLM per iteration and waits for the full response, so no chunk channel
// is needed here.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/oxideagent/runtime/internal/agent"
)

// Config holds the parameters for constructing a Provider.
type Config struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
	MaxTokens    int64
}

func sanitizeConfig(c Config) Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "claude-sonnet-4-20250514"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	return c
}

// Provider implements agent.LLMProvider against the Anthropic Messages API.
type Provider struct {
	client       anthropicsdk.Client
	defaultModel string
	maxTokens    int64
}

// New constructs a Provider. Returns an error (classified MissingConfig)
// if no API key is given.
func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &agent.LLMError{Kind: agent.LLMErrMissingConfig, Message: "anthropic: API key is required"}
	}
	cfg = sanitizeConfig(cfg)

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client:       anthropicsdk.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

// Name implements agent.LLMProvider.
func (p *Provider) Name() string { return "anthropic" }

// ChatWithTools implements agent.LLMProvider's chat_with_tools contract
// (spec.md §6): one non-streaming call, tool definitions converted to the
// SDK's schema, errors classified into agent.LLMError's taxonomy.
func (p *Provider) ChatWithTools(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, &agent.LLMError{Kind: agent.LLMErrJSON, Message: err.Error(), Cause: err}
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		MaxTokens: p.maxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, &agent.LLMError{Kind: agent.LLMErrJSON, Message: err.Error(), Cause: err}
		}
		params.Tools = tools
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyError(err)
	}

	return toChatResponse(msg), nil
}

func convertMessages(messages []agent.ChatMessage) ([]anthropicsdk.MessageParam, error) {
	result := make([]anthropicsdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			continue
		case "tool":
			result = append(result, anthropicsdk.NewUserMessage(
				anthropicsdk.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case "assistant":
			var blocks []anthropicsdk.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropicsdk.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						return nil, err
					}
				}
				blocks = append(blocks, anthropicsdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			result = append(result, anthropicsdk.NewAssistantMessage(blocks...))
		default:
			result = append(result, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.Content)))
		}
	}
	return result, nil
}

func convertTools(tools []agent.ChatTool) ([]anthropicsdk.ToolUnionParam, error) {
	result := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		raw, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, err
		}
		var schema anthropicsdk.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, err
		}
		toolParam := anthropicsdk.ToolUnionParamOfTool(schema, t.Name)
		toolParam.OfTool.Description = anthropicsdk.String(t.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func toChatResponse(msg *anthropicsdk.Message) *agent.ChatResponse {
	resp := &agent.ChatResponse{
		Usage: &agent.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropicsdk.TextBlock:
			text.WriteString(variant.Text)
		case anthropicsdk.ToolUseBlock:
			args, _ := json.Marshal(variant.Input)
			resp.ToolCalls = append(resp.ToolCalls, agent.ChatToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: args,
			})
		case anthropicsdk.ThinkingBlock:
			resp.Reasoning = variant.Thinking
		}
	}
	resp.Content = text.String()

	switch msg.StopReason {
	case anthropicsdk.StopReasonToolUse:
		resp.FinishReason = agent.FinishToolCalls
	case anthropicsdk.StopReasonMaxTokens:
		resp.FinishReason = agent.FinishLength
	case anthropicsdk.StopReasonEndTurn, anthropicsdk.StopReasonStopSequence:
		resp.FinishReason = agent.FinishStop
	default:
		resp.FinishReason = agent.FinishOther
	}

	return resp
}

// classifyError maps an anthropic-sdk-go error onto agent.LLMError's
// taxonomy (spec.md §6), reading Retry-After when the SDK surfaces one.
func classifyError(err error) *agent.LLMError {
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		llmErr := &agent.LLMError{Message: apiErr.Error(), Cause: err}
		switch {
		case apiErr.StatusCode == 429:
			llmErr.Kind = agent.LLMErrRateLimit
			if ra := apiErr.Response.Header.Get("Retry-After"); ra != "" {
				if secs, convErr := strconv.Atoi(ra); convErr == nil {
					llmErr.RetryAfter = secs
				}
			}
		case apiErr.StatusCode >= 500:
			llmErr.Kind = agent.LLMErrAPI
		case apiErr.StatusCode == 400 || apiErr.StatusCode == 401 || apiErr.StatusCode == 403 || apiErr.StatusCode == 404:
			llmErr.Kind = agent.LLMErrInvalidRequest
		default:
			llmErr.Kind = agent.LLMErrAPI
		}
		return llmErr
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "connection") || strings.Contains(errStr, "network"):
		return &agent.LLMError{Kind: agent.LLMErrNetwork, Message: err.Error(), Cause: err}
	default:
		return &agent.LLMError{Kind: agent.LLMErrUnknown, Message: err.Error(), Cause: err}
	}
}
