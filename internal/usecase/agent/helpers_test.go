package agent

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentswarm/internal/adapter/store"
	"agentswarm/internal/domain"
	"agentswarm/internal/infra/logger"
	"agentswarm/internal/usecase/eventbus"
)

type fakeCatalog struct {
	defs []domain.ToolDefinition
}

func (f fakeCatalog) Definitions() []domain.ToolDefinition { return f.defs }

func (f fakeCatalog) Lookup(name string) (domain.ToolDefinition, bool) {
	for _, d := range f.defs {
		if d.Schema.Name == name {
			return d, true
		}
	}
	return domain.ToolDefinition{}, false
}

func tool(name, topic string) domain.ToolDefinition {
	return domain.ToolDefinition{
		Schema: domain.ToolSchema{Name: name, Parameters: json.RawMessage(`{"type":"object"}`)},
		Topic:  topic,
	}
}

var defaultTools = fakeCatalog{defs: []domain.ToolDefinition{
	tool("fs_read", domain.TopicFSRead),
	tool("fs_write", domain.TopicFSWrite),
	tool("terminal_exec", domain.TopicTerminalExec),
}}

// scriptedLLM serves llm:generate from a function of the call number.
type scriptedLLM struct {
	mu   sync.Mutex
	reqs []domain.GenerateRequest
	fn   func(n int, req domain.GenerateRequest) (domain.GenerateReply, error)
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func (s *scriptedLLM) request(i int) domain.GenerateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[i]
}

func mountLLM(t *testing.T, bus domain.EventBus, fn func(n int, req domain.GenerateRequest) (domain.GenerateReply, error)) *scriptedLLM {
	t.Helper()
	s := &scriptedLLM{fn: fn}
	_, err := bus.Handle(domain.TopicLLMGenerate, func(_ context.Context, e domain.Event) (json.RawMessage, error) {
		req, err := eventbus.Decode[domain.GenerateRequest](e)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.reqs = append(s.reqs, req)
		n := len(s.reqs)
		s.mu.Unlock()
		reply, err := s.fn(n, req)
		if err != nil {
			return nil, err
		}
		return eventbus.Reply(reply)
	})
	require.NoError(t, err)
	return s
}

// lastToolOutput answers with the content of the most recent tool message.
func lastToolOutput(req domain.GenerateRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleTool {
			return req.Messages[i].Content
		}
	}
	return ""
}

func calls(cs ...domain.ToolCall) domain.GenerateReply {
	return domain.GenerateReply{ToolCalls: cs}
}

func call(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func final(content string) domain.GenerateReply {
	return domain.GenerateReply{Content: content}
}

func mountTool(t *testing.T, bus domain.EventBus, topic string, fn func(args json.RawMessage) domain.ToolReply) {
	t.Helper()
	_, err := bus.Handle(topic, func(_ context.Context, e domain.Event) (json.RawMessage, error) {
		return eventbus.Reply(fn(e.Payload))
	})
	require.NoError(t, err)
}

type harness struct {
	bus   *eventbus.Bus
	store *store.MemoryStore
	agent *Agent
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	bus := eventbus.New(logger.Discard())
	kv := store.NewMemoryStore()
	cfg := Config{
		Agent: domain.AgentConfig{
			ID:           "coder",
			Role:         "coder",
			Instructions: "Write code.",
		},
		MaxSteps:        10,
		ApprovalTimeout: 5 * time.Second,
		ToolTimeout:     5 * time.Second,
		Autonomy:        "Work autonomously.",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a := New(cfg, Deps{Bus: bus, Catalog: defaultTools, Store: kv, Logger: logger.Discard()})

	var clock atomic.Int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return base.Add(time.Duration(clock.Add(1)) * time.Millisecond) }

	require.NoError(t, a.Mount(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.Stop(ctx)
		bus.Close()
	})
	return &harness{bus: bus, store: kv, agent: a}
}

func (h *harness) start(t *testing.T, prompt string) *Run {
	t.Helper()
	run, err := h.agent.Start(domain.TaskRequest{Prompt: prompt})
	require.NoError(t, err)
	return run
}

func wait(t *testing.T, run *Run) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := run.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "task did not finish")
	return out, err
}

// statusRecorder collects every broadcast state. Publishing is asynchronous,
// so sequences are rebuilt from UpdatedAt.
type statusRecorder struct {
	mu     sync.Mutex
	states []domain.AgentRuntimeState
}

func recordStatuses(h *harness) *statusRecorder {
	r := &statusRecorder{}
	h.bus.Subscribe(domain.TopicAgentStatus, func(_ context.Context, e domain.Event) {
		s, err := eventbus.Decode[domain.AgentRuntimeState](e)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.states = append(r.states, s)
		r.mu.Unlock()
	})
	return r
}

func (r *statusRecorder) sequence() []domain.AgentStatus {
	r.mu.Lock()
	states := append([]domain.AgentRuntimeState(nil), r.states...)
	r.mu.Unlock()
	sort.Slice(states, func(i, j int) bool { return states[i].UpdatedAt.Before(states[j].UpdatedAt) })
	out := make([]domain.AgentStatus, 0, len(states))
	for _, s := range states {
		if len(out) == 0 || out[len(out)-1] != s.Status {
			out = append(out, s.Status)
		}
	}
	return out
}

func toolMessages(msgs []domain.Message) []domain.Message {
	var out []domain.Message
	for _, m := range msgs {
		if m.Role == domain.RoleTool {
			out = append(out, m)
		}
	}
	return out
}
