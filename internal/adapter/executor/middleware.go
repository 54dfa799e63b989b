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

// Handler is the standard executor pipeline: decode params -> start span ->
// run fn -> encode a ToolReply. The requesting agent (the event origin) is
// carried into fn's context.
//
// fn may return:
//   - (domain.ToolReply, nil): sent as-is (staged markers, custom errors)
//   - (string, nil): sent as the reply output
//   - (any other value, nil): JSON-encoded into the output
//   - (nil, error): sent as an error reply, flagged retryable when transient
//
// Executor failures never become bus errors; the agent sees them as tool
// results and can react.
func Handler[P any](
	spanName string,
	logger *slog.Logger,
	fn func(ctx context.Context, span trace.Span, params P) (any, error),
) domain.RequestHandler {
	return func(ctx context.Context, event domain.Event) (json.RawMessage, error) {
		if event.Origin != "" {
			ctx = domain.ContextWithAgentID(ctx, event.Origin)
		}
		ctx, span := tracer.StartSpan(ctx, spanName,
			trace.WithAttributes(
				tracer.StringAttr("executor.topic", event.Topic),
				tracer.StringAttr("agent.id", event.Origin),
			),
		)
		defer span.End()

		var p P
		if len(event.Payload) > 0 {
			if err := json.Unmarshal(event.Payload, &p); err != nil {
				tracer.RecordError(span, err)
				return encodeReply(domain.ToolReply{Error: fmt.Sprintf("invalid params: %v", err)})
			}
		}

		result, err := fn(ctx, span, p)
		if err != nil {
			tracer.RecordError(span, err)
			logger.WarnContext(ctx, spanName+" failed", "error", err)
			return encodeReply(errorReply(err))
		}
		return encodeReply(formatResult(span, result))
	}
}

func errorReply(err error) domain.ToolReply {
	retry := retryable(err)
	content := err.Error()
	if retry {
		content += " (transient error, may succeed on retry)"
	}
	return domain.ToolReply{Error: content, Retryable: retry}
}

// formatResult converts fn's return value into a ToolReply.
func formatResult(span trace.Span, result any) domain.ToolReply {
	switch v := result.(type) {
	case domain.ToolReply:
		if v.IsError() {
			tracer.RecordError(span, fmt.Errorf("%s", v.Error))
		} else {
			span.SetAttributes(tracer.BoolAttr("shadow.staged", v.Staged))
			tracer.SetOK(span)
		}
		return v
	case string:
		tracer.SetOK(span)
		return domain.ToolReply{Output: v}
	default:
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			tracer.RecordError(span, err)
			return domain.ToolReply{Error: fmt.Sprintf("failed to format response: %v", err)}
		}
		tracer.SetOK(span)
		return domain.ToolReply{Output: string(data)}
	}
}

func encodeReply(r domain.ToolReply) (json.RawMessage, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode tool reply: %w", err)
	}
	return data, nil
}
