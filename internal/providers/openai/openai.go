// Package openai implements the secondary/scout-model LLM provider of
// SPEC_FULL.md's DOMAIN STACK: agent.LLMProvider backed by go-openai,
// selected via user config `agent_model_provider=secondary`, and reused
// as the loop detector's lightweight scout model (it also implements
// agent.ScoutClient).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/oxideagent/runtime/internal/agent"
	"github.com/oxideagent/runtime/pkg/models"
)

// Config holds the parameters for constructing a Provider.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

func sanitizeConfig(c Config) Config {
	if c.DefaultModel == "" {
		c.DefaultModel = "gpt-4o-mini"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	return c
}

// Provider implements agent.LLMProvider and agent.ScoutClient against the
// OpenAI chat completions API.
type Provider struct {
	client       *openai.Client
	defaultModel string
	maxTokens    int
}

// New constructs a Provider. Returns a MissingConfig-classified error if
// no API key is given.
func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &agent.LLMError{Kind: agent.LLMErrMissingConfig, Message: "openai: API key is required"}
	}
	cfg = sanitizeConfig(cfg)

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Provider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

// Name implements agent.LLMProvider.
func (p *Provider) Name() string { return "openai" }

// ChatWithTools implements agent.LLMProvider.
func (p *Provider) ChatWithTools(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := convertMessages(req.System, req.Messages)

	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: p.maxTokens,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}
	if req.JSONMode && len(req.Tools) == 0 {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &agent.LLMError{Kind: agent.LLMErrAPI, Message: "openai: empty choices"}
	}

	return toChatResponse(resp), nil
}

// ChatCompletion implements agent.ScoutClient: a plain non-tool completion
// used by the loop detector's scout self-assessment call.
func (p *Provider) ChatCompletion(ctx context.Context, systemPrompt string, history []*models.Message, userMessage, modelName string) (string, error) {
	if modelName == "" {
		modelName = p.defaultModel
	}
	messages := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: systemPrompt}}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case models.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userMessage})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:          modelName,
		Messages:       messages,
		MaxTokens:      p.maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return "", classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return "", &agent.LLMError{Kind: agent.LLMErrAPI, Message: "openai: empty choices"}
	}
	return resp.Choices[0].Message.Content, nil
}

func convertMessages(system string, messages []agent.ChatMessage) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			continue
		case "tool":
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Arguments),
						},
					}
				}
			}
			result = append(result, oaiMsg)
		default:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		}
	}
	return result
}

func convertTools(tools []agent.ChatTool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return result
}

func toChatResponse(resp openai.ChatCompletionResponse) *agent.ChatResponse {
	choice := resp.Choices[0]
	out := &agent.ChatResponse{
		Content: choice.Message.Content,
		Usage: &agent.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, agent.ChatToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}

	switch choice.FinishReason {
	case openai.FinishReasonToolCalls:
		out.FinishReason = agent.FinishToolCalls
	case openai.FinishReasonLength:
		out.FinishReason = agent.FinishLength
	case openai.FinishReasonStop:
		out.FinishReason = agent.FinishStop
	default:
		out.FinishReason = agent.FinishOther
	}
	return out
}

func classifyError(err error) *agent.LLMError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		llmErr := &agent.LLMError{Message: apiErr.Message, Cause: err}
		switch {
		case apiErr.HTTPStatusCode == 429:
			llmErr.Kind = agent.LLMErrRateLimit
		case apiErr.HTTPStatusCode >= 500:
			llmErr.Kind = agent.LLMErrAPI
		case apiErr.HTTPStatusCode == 400 || apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403 || apiErr.HTTPStatusCode == 404:
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
