package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentswarm/internal/domain"
	"agentswarm/internal/infra/config"
	"agentswarm/internal/infra/tracer"
)

const defaultBaseURL = "https://api.openai.com/v1"

var _ domain.LLMProvider = (*OpenAIProvider)(nil)

// OpenAIProvider talks to any server exposing the OpenAI chat completions
// API (OpenAI, vLLM, Ollama, LM Studio, llama.cpp).
type OpenAIProvider struct {
	name     string
	model    string
	endpoint endpoint
	logger   *slog.Logger
}

// NewOpenAIProvider creates a provider for one configured endpoint.
func NewOpenAIProvider(cfg config.LLMConfig, logger *slog.Logger) *OpenAIProvider {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAIProvider{
		name:  name,
		model: cfg.Model,
		endpoint: endpoint{
			url:    base + "/chat/completions",
			apiKey: cfg.APIKey,
			client: NewHTTPClient(cfg),
		},
		logger: logger,
	}
}

// Name implements domain.LLMProvider.
func (p *OpenAIProvider) Name() string { return p.name }

// Chat sends one completion request. A response cut off by the token limit
// before producing any content or tool call is reported as ErrContextOverflow.
func (p *OpenAIProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.model
	}

	ctx, span := tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", req.Model),
			tracer.IntAttr("llm.messages", len(req.Messages)),
		),
	)
	defer span.End()

	resp, err := p.complete(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", resp.Usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", resp.Usage.CompletionTokens),
	)
	tracer.SetOK(span)
	p.logger.Debug("llm chat completed",
		"provider", p.name,
		"model", resp.Model,
		"tokens", resp.Usage.TotalTokens,
		"tool_calls", len(resp.Message.ToolCalls),
	)
	return resp, nil
}

func (p *OpenAIProvider) complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var out completion
	if err := p.endpoint.post(ctx, newCompletionRequest(req), &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: %s returned no choices", domain.ErrProviderError, p.name)
	}
	choice := out.Choices[0]
	if choice.FinishReason == "length" && choice.Message.Content == "" && len(choice.Message.ToolCalls) == 0 {
		return nil, fmt.Errorf("%w: %s stopped at the token limit with no output", domain.ErrContextOverflow, p.name)
	}
	return out.toDomain(), nil
}

// Wire format of /chat/completions.

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Arguments   string          `json:"arguments,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type completion struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage domain.Usage `json:"usage"`
}

func newCompletionRequest(req domain.ChatRequest) completionRequest {
	out := completionRequest{
		Model:     req.Model,
		Messages:  make([]wireMessage, len(req.Messages)),
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	for i, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
		if m.Role == domain.RoleAssistant {
			for _, tc := range m.ToolCalls {
				wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: wireFunction{Name: tc.Name, Arguments: string(tc.Arguments)},
				})
			}
		}
		out.Messages[i] = wm
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, wireTool{
			Type:     "function",
			Function: wireFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	if len(out.Tools) > 0 {
		out.ToolChoice = "auto"
	}
	return out
}

func (c completion) toDomain() *domain.ChatResponse {
	created := time.Unix(c.Created, 0)
	wm := c.Choices[0].Message
	msg := domain.Message{
		Role:      wm.Role,
		Content:   wm.Content,
		Name:      wm.Name,
		Timestamp: created,
	}
	if msg.Role == "" {
		msg.Role = domain.RoleAssistant
	}
	for _, tc := range wm.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return &domain.ChatResponse{
		ID:        c.ID,
		Model:     c.Model,
		Message:   msg,
		Usage:     c.Usage,
		CreatedAt: created,
	}
}
