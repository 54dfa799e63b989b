package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"agentswarm/internal/domain"
)

// Call performs a request-reply on bus and decodes the reply into T.
func Call[T any](ctx context.Context, bus domain.EventBus, topic string, payload any) (T, error) {
	var out T
	data, err := bus.Request(ctx, topic, payload)
	if err != nil {
		return out, err
	}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode reply from %s: %w", topic, err)
	}
	return out, nil
}

// Decode unmarshals an event payload into T.
func Decode[T any](event domain.Event) (T, error) {
	var out T
	if len(event.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(event.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", event.Topic, err)
	}
	return out, nil
}

// Reply marshals v as a request reply.
func Reply(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	return data, nil
}
