package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"agentswarm/internal/domain"
	"agentswarm/internal/infra/tracer"
)

// LLM serves llm:generate on top of a provider. Unlike tool executors its
// failures are returned to the caller as errors: an agent cannot reason
// without a reply.
type LLM struct {
	provider domain.LLMProvider
	defaults domain.ModelConfig
	logger   *slog.Logger
}

// NewLLM creates the LLM executor. defaults fill any unset per-call settings.
func NewLLM(provider domain.LLMProvider, defaults domain.ModelConfig, logger *slog.Logger) *LLM {
	return &LLM{provider: provider, defaults: defaults, logger: logger}
}

// Mount serves llm:generate on bus.
func (l *LLM) Mount(bus domain.EventBus) (func(), error) {
	return bus.Handle(domain.TopicLLMGenerate, l.handle)
}

func (l *LLM) handle(ctx context.Context, event domain.Event) (json.RawMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "executor.llm_generate",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", l.provider.Name()),
			tracer.StringAttr("agent.id", event.Origin),
		),
	)
	defer span.End()

	var req domain.GenerateRequest
	if err := json.Unmarshal(event.Payload, &req); err != nil {
		tracer.RecordError(span, err)
		return nil, domain.NewDomainError("LLM.generate", domain.ErrInvalidInput, err.Error())
	}

	reply, err := l.Generate(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		tracer.IntAttr("llm.tool_calls", len(reply.ToolCalls)),
		tracer.IntAttr("llm.total_tokens", reply.Usage.TotalTokens),
	)
	tracer.SetOK(span)

	data, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("encode generate reply: %w", err)
	}
	return data, nil
}

// Generate runs one chat completion.
func (l *LLM) Generate(ctx context.Context, req domain.GenerateRequest) (domain.GenerateReply, error) {
	mc := req.ModelConfig
	if mc.Model == "" {
		mc.Model = l.defaults.Model
	}
	if mc.MaxTokens == 0 {
		mc.MaxTokens = l.defaults.MaxTokens
	}
	if mc.Temperature == 0 {
		mc.Temperature = l.defaults.Temperature
	}

	resp, err := l.provider.Chat(ctx, domain.ChatRequest{
		Model:       mc.Model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		MaxTokens:   mc.MaxTokens,
		Temperature: mc.Temperature,
	})
	if err != nil {
		l.logger.Warn("llm generate failed", "provider", l.provider.Name(), "error", err)
		return domain.GenerateReply{}, fmt.Errorf("llm generate: %w", err)
	}

	return domain.GenerateReply{
		Content:   resp.Message.Content,
		ToolCalls: resp.Message.ToolCalls,
		Usage:     resp.Usage,
	}, nil
}
