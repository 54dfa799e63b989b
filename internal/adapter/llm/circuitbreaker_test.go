package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentswarm/internal/domain"
	"agentswarm/internal/infra/config"
	"agentswarm/internal/infra/logger"
)

type mockProvider struct {
	name     string
	chatFunc func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error)
}

func (m *mockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if m.chatFunc == nil {
		return &domain.ChatResponse{}, nil
	}
	return m.chatFunc(ctx, req)
}

func (m *mockProvider) Name() string { return m.name }

func TestCircuitBreakerPassesThrough(t *testing.T) {
	inner := &mockProvider{
		name: "test",
		chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
			return &domain.ChatResponse{Message: domain.Message{Content: "ok"}}, nil
		},
	}

	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{}, logger.Discard())
	resp, err := cb.Chat(context.Background(), domain.ChatRequest{})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Message.Content)
	assert.Equal(t, "test", cb.Name())
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	calls := 0
	inner := &mockProvider{
		name: "flaky",
		chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
			calls++
			return nil, domain.ErrProviderError
		},
	}
	cfg := config.CircuitBreakerConfig{MaxFailures: 3, Timeout: time.Minute, Interval: time.Minute}
	cb := NewCircuitBreakerProvider(inner, cfg, logger.Discard())

	for range 3 {
		_, err := cb.Chat(context.Background(), domain.ChatRequest{})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.Chat(context.Background(), domain.ChatRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.ErrorIs(t, err, domain.ErrProviderError)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, 3, calls, "open circuit must not reach the provider")
}

func TestCircuitBreakerRecoversAfterTimeout(t *testing.T) {
	fail := true
	inner := &mockProvider{
		name: "recovering",
		chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
			if fail {
				return nil, errors.New("down")
			}
			return &domain.ChatResponse{Message: domain.Message{Content: "back"}}, nil
		},
	}
	cfg := config.CircuitBreakerConfig{MaxFailures: 1, Timeout: 20 * time.Millisecond, Interval: time.Minute}
	cb := NewCircuitBreakerProvider(inner, cfg, logger.Discard())

	_, err := cb.Chat(context.Background(), domain.ChatRequest{})
	require.Error(t, err)
	require.Equal(t, gobreaker.StateOpen, cb.State())

	fail = false
	time.Sleep(40 * time.Millisecond)

	resp, err := cb.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "back", resp.Message.Content)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	inner := &mockProvider{
		name: "slow",
		chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, context.Canceled
		},
	}
	cfg := config.CircuitBreakerConfig{MaxFailures: 1}
	cb := NewCircuitBreakerProvider(inner, cfg, logger.Discard())

	for range 3 {
		_, err := cb.Chat(context.Background(), domain.ChatRequest{})
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestNewHTTPClientDefaults(t *testing.T) {
	c := NewHTTPClient(config.LLMConfig{})
	assert.Equal(t, defaultConnTimeout+defaultRespTimeout, c.Timeout)

	c = NewHTTPClient(config.LLMConfig{ConnTimeout: time.Second, RespTimeout: 2 * time.Second})
	assert.Equal(t, 3*time.Second, c.Timeout)
}

func TestCircuitBreakerIgnoresCallerErrors(t *testing.T) {
	errs := []error{
		fmt.Errorf("%w: API error 400: bad tool schema", domain.ErrInvalidInput),
		fmt.Errorf("%w: prompt too long", domain.ErrContextOverflow),
	}
	for _, want := range errs {
		inner := &mockProvider{
			name: "strict",
			chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
				return nil, want
			},
		}
		cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{MaxFailures: 1}, logger.Discard())
		for range 3 {
			_, err := cb.Chat(context.Background(), domain.ChatRequest{})
			require.ErrorIs(t, err, want)
		}
		assert.Equal(t, gobreaker.StateClosed, cb.State(), "%v must not trip the breaker", want)
	}
}
