package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentswarm/internal/domain"
	"agentswarm/internal/infra/config"
	"agentswarm/internal/infra/logger"
)

func failing(name string, err error, calls *int) *mockProvider {
	return &mockProvider{
		name: name,
		chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
			*calls++
			return nil, err
		},
	}
}

func answering(name, content string) *mockProvider {
	return &mockProvider{
		name: name,
		chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
			return &domain.ChatResponse{Message: domain.Message{Content: content}}, nil
		},
	}
}

func TestFailoverPrimarySucceeds(t *testing.T) {
	var calls int
	f := NewFailoverProvider(answering("primary", "from primary"),
		[]domain.LLMProvider{failing("backup", domain.ErrProviderError, &calls)}, logger.Discard())

	resp, err := f.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "from primary", resp.Message.Content)
	assert.Zero(t, calls, "fallback must not be called")
	assert.Equal(t, "primary+failover", f.Name())
}

func TestFailoverFallsThrough(t *testing.T) {
	var primaryCalls, secondCalls int
	f := NewFailoverProvider(
		failing("primary", domain.ErrRateLimit, &primaryCalls),
		[]domain.LLMProvider{
			failing("second", domain.ErrProviderError, &secondCalls),
			answering("third", "from third"),
		},
		logger.Discard(),
	)

	resp, err := f.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "from third", resp.Message.Content)
	assert.Equal(t, 1, primaryCalls)
	assert.Equal(t, 1, secondCalls)
}

func TestFailoverAllFail(t *testing.T) {
	var calls int
	f := NewFailoverProvider(
		failing("primary", domain.ErrRateLimit, &calls),
		[]domain.LLMProvider{failing("backup", domain.ErrAuthInvalid, &calls)},
		logger.Discard(),
	)

	_, err := f.Chat(context.Background(), domain.ChatRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderError)
	assert.ErrorIs(t, err, domain.ErrRateLimit)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
	assert.Contains(t, err.Error(), "primary:")
	assert.Contains(t, err.Error(), "backup:")
	assert.Equal(t, 2, calls)
}

func TestFailoverStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var backupCalls int
	primary := &mockProvider{
		name: "primary",
		chatFunc: func(ctx context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			cancel()
			return nil, ctx.Err()
		},
	}
	f := NewFailoverProvider(primary,
		[]domain.LLMProvider{failing("backup", domain.ErrProviderError, &backupCalls)}, logger.Discard())

	_, err := f.Chat(ctx, domain.ChatRequest{})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, backupCalls)
}

func TestFailoverSkipsOpenCircuit(t *testing.T) {
	var calls int
	primary := NewCircuitBreakerProvider(failing("primary", domain.ErrProviderError, &calls),
		config.CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Minute}, logger.Discard())
	f := NewFailoverProvider(primary, []domain.LLMProvider{answering("backup", "from backup")}, logger.Discard())

	for range 3 {
		resp, err := f.Chat(context.Background(), domain.ChatRequest{})
		require.NoError(t, err)
		assert.Equal(t, "from backup", resp.Message.Content)
	}
	assert.False(t, primary.Ready())
	assert.Equal(t, 1, calls, "open primary must be skipped")
}
