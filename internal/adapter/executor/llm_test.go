package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentswarm/internal/domain"
	"agentswarm/internal/usecase/eventbus"
)

type fakeProvider struct {
	got  domain.ChatRequest
	resp *domain.ChatResponse
	err  error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	f.got = req
	return f.resp, f.err
}

func TestLLMExecutor_Generate(t *testing.T) {
	bus := newBus(t)
	provider := &fakeProvider{resp: &domain.ChatResponse{
		Message: domain.Message{
			Role:      domain.RoleAssistant,
			ToolCalls: []domain.ToolCall{{ID: "c1", Name: "fs_read", Arguments: []byte(`{"path":"a"}`)}},
		},
		Usage: domain.Usage{TotalTokens: 42},
	}}
	unmount, err := NewLLM(provider, domain.ModelConfig{Model: "m-default", MaxTokens: 256}, quietLogger()).Mount(bus)
	require.NoError(t, err)
	defer unmount()

	reply, err := eventbus.Call[domain.GenerateReply](context.Background(), bus, domain.TopicLLMGenerate, domain.GenerateRequest{
		Messages:    []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		ModelConfig: domain.ModelConfig{Temperature: 0.3},
	})
	require.NoError(t, err)
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, "fs_read", reply.ToolCalls[0].Name)
	assert.Equal(t, 42, reply.Usage.TotalTokens)

	assert.Equal(t, "m-default", provider.got.Model)
	assert.Equal(t, 256, provider.got.MaxTokens)
	assert.InDelta(t, 0.3, provider.got.Temperature, 1e-9)
}

func TestLLMExecutor_ProviderError(t *testing.T) {
	bus := newBus(t)
	provider := &fakeProvider{err: domain.ErrProviderError}
	unmount, err := NewLLM(provider, domain.ModelConfig{}, quietLogger()).Mount(bus)
	require.NoError(t, err)
	defer unmount()

	_, err = bus.Request(context.Background(), domain.TopicLLMGenerate, domain.GenerateRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrProviderError))
}
