package swarm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentswarm/internal/domain"
	"agentswarm/internal/infra/config"
	"agentswarm/internal/usecase/agent"
	"agentswarm/internal/usecase/eventbus"
)

func TestSpawnIsLazyAndIdempotent(t *testing.T) {
	h := newSwarm(t, nil)
	assert.Empty(t, h.manager.ListAgents())
	assert.Equal(t, []string{"architect", "coder", "qa"}, h.manager.Configured())

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		agents []*agent.Agent
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := h.manager.Spawn(context.Background(), "coder")
			assert.NoError(t, err)
			mu.Lock()
			agents = append(agents, a)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, agents, 8)
	for _, a := range agents[1:] {
		assert.Same(t, agents[0], a)
	}
	states := h.manager.ListAgents()
	require.Len(t, states, 1)
	assert.Equal(t, "coder", states[0].ID)
	assert.Equal(t, domain.StatusIdle, states[0].Status)
}

func TestSpawnUnknownAgent(t *testing.T) {
	h := newSwarm(t, nil)
	_, err := h.manager.Spawn(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrUnknownAgent)

	_, err = h.manager.Dispatch(context.Background(), "ghost", "hello", nil)
	assert.ErrorIs(t, err, domain.ErrUnknownAgent)
}

func TestDispatchReportsTaskFailure(t *testing.T) {
	h := newSwarm(t, func(c *config.SwarmConfig) { c.MaxSteps = 2 })
	h.llm.set("coder", func(int, domain.GenerateRequest) (domain.GenerateReply, error) {
		return toolCalls(toolCall("c1", "fs_list", `{}`)), nil
	})

	reply, err := h.manager.Dispatch(context.Background(), "coder", "loop", nil)
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Contains(t, reply.Error, "step budget exceeded")
}

func TestDelegateRequestValidation(t *testing.T) {
	h := newSwarm(t, nil)
	tests := []struct {
		name string
		req  domain.DelegateRequest
		want error
	}{
		{"missing target", domain.DelegateRequest{Prompt: "x"}, domain.ErrInvalidInput},
		{"missing prompt", domain.DelegateRequest{TargetAgentID: "qa"}, domain.ErrInvalidInput},
		{"self", domain.DelegateRequest{TargetAgentID: "qa", FromAgent: "qa", Prompt: "x"}, domain.ErrInvalidInput},
		{"unknown", domain.DelegateRequest{TargetAgentID: "ghost", Prompt: "x"}, domain.ErrUnknownAgent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eventbus.Call[domain.TaskReply](context.Background(), h.bus, domain.TopicDelegateTask, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAsyncDelegationToBusyAgentReportsFailure(t *testing.T) {
	h := newSwarm(t, nil)
	release := make(chan struct{})
	h.llm.set("qa", func(int, domain.GenerateRequest) (domain.GenerateReply, error) {
		<-release
		return answer("done"), nil
	})
	notices := make(chan domain.CompletionNotice, 4)
	h.bus.Subscribe(domain.TopicAgentComplete, func(_ context.Context, e domain.Event) {
		if n, err := eventbus.Decode[domain.CompletionNotice](e); err == nil {
			notices <- n
		}
	})

	first := h.dispatchAsync("qa", "long task")
	require.Eventually(t, func() bool {
		states := h.manager.ListAgents()
		return len(states) == 1 && states[0].Status == domain.StatusActive
	}, 2*time.Second, 5*time.Millisecond)

	reply, err := eventbus.Call[domain.TaskReply](context.Background(), h.bus, domain.TopicDelegateTask,
		domain.DelegateRequest{TargetAgentID: "qa", Prompt: "another", FromAgent: "architect", Async: true})
	require.NoError(t, err)
	assert.True(t, reply.Success, "async delegation is accepted before the child starts")

	select {
	case n := <-notices:
		assert.Equal(t, "qa", n.AgentID)
		assert.Equal(t, "architect", n.DelegatedBy)
		assert.Contains(t, n.Error, "already has an active task")
	case <-time.After(2 * time.Second):
		t.Fatal("no synthetic completion notice")
	}

	close(release)
	assert.True(t, awaitDispatch(t, first).Success)
}

func TestGateOutcomesForwardedToAgent(t *testing.T) {
	h := newSwarm(t, nil)
	results := make(chan domain.ActionResult, 2)
	h.bus.Subscribe(domain.AgentActionResultTopic("coder"), func(_ context.Context, e domain.Event) {
		if r, err := eventbus.Decode[domain.ActionResult](e); err == nil {
			results <- r
		}
	})

	staged, err := h.gate.Stage(context.Background(), "coder", domain.ActionDelete, "delete missing.txt",
		[]byte(`{"path":"missing.txt"}`))
	require.NoError(t, err)
	_, err = h.gate.Reject(context.Background(), staged.ID)
	require.NoError(t, err)

	select {
	case r := <-results:
		assert.Equal(t, staged.ID, r.ActionID)
		assert.Equal(t, domain.ActionRejected, r.Status)
		assert.Contains(t, r.Error, "rejected by user")
	case <-time.After(2 * time.Second):
		t.Fatal("action result not forwarded")
	}
}

func TestShutdownStopsAgents(t *testing.T) {
	h := newSwarm(t, nil)
	_, err := h.manager.Spawn(context.Background(), "coder")
	require.NoError(t, err)

	h.manager.Shutdown(context.Background())

	_, err = h.manager.Spawn(context.Background(), "qa")
	assert.ErrorIs(t, err, domain.ErrDisabled)
	_, err = eventbus.Call[domain.TaskReply](context.Background(), h.bus, domain.AgentTaskTopic("coder"),
		domain.TaskRequest{Prompt: "hello"})
	assert.ErrorIs(t, err, domain.ErrNoHandler)
}
