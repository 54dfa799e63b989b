package swarm

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentswarm/internal/adapter/executor"
	"agentswarm/internal/adapter/store"
	"agentswarm/internal/domain"
	"agentswarm/internal/infra/config"
	"agentswarm/internal/infra/logger"
	"agentswarm/internal/security"
	"agentswarm/internal/usecase/eventbus"
	"agentswarm/internal/usecase/shadow"
)

type script func(n int, req domain.GenerateRequest) (domain.GenerateReply, error)

// fakeLLM serves llm:generate with one script per agent, keyed by the
// request's origin.
type fakeLLM struct {
	mu      sync.Mutex
	scripts map[string]script
	reqs    map[string][]domain.GenerateRequest
}

func (f *fakeLLM) set(agentID string, s script) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[agentID] = s
}

func (f *fakeLLM) requests(agentID string) []domain.GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.GenerateRequest(nil), f.reqs[agentID]...)
}

func (f *fakeLLM) handle(_ context.Context, e domain.Event) (json.RawMessage, error) {
	req, err := eventbus.Decode[domain.GenerateRequest](e)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.reqs[e.Origin] = append(f.reqs[e.Origin], req)
	n := len(f.reqs[e.Origin])
	s := f.scripts[e.Origin]
	f.mu.Unlock()
	if s == nil {
		return eventbus.Reply(domain.GenerateReply{Content: "nothing to do"})
	}
	reply, err := s(n, req)
	if err != nil {
		return nil, err
	}
	return eventbus.Reply(reply)
}

type fakeShell struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeShell) Run(_ context.Context, cmd executor.Command) (executor.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{cmd.Name}, cmd.Args...))
	return executor.CommandResult{Stdout: "ok"}, nil
}

func (f *fakeShell) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type swarmHarness struct {
	bus     *eventbus.Bus
	gate    *shadow.Gate
	manager *Manager
	llm     *fakeLLM
	shell   *fakeShell
	root    string
}

var testAgents = []domain.AgentConfig{
	{ID: "architect", Role: "architect", Instructions: "Plan the work."},
	{ID: "coder", Role: "coder", Instructions: "Write code."},
	{ID: "qa", Role: "qa", Instructions: "Test the code."},
}

// newSwarm wires the real bus, gate, executors and orchestrator around a
// scripted LLM. Shadow mode starts enabled.
func newSwarm(t *testing.T, mutate func(*config.SwarmConfig)) *swarmHarness {
	t.Helper()
	log := logger.Discard()
	bus := eventbus.New(log)
	kv := store.NewMemoryStore()

	root := t.TempDir()
	sandbox, err := security.NewSandbox(root)
	require.NoError(t, err)
	shell := &fakeShell{}
	commands := executor.NewCommandPolicy([]string{"go", "ls"})
	effects := executor.NewEffects(sandbox, shell, commands, log)
	gate := shadow.New(shadow.Options{Enabled: true, Effects: effects, Store: kv, Bus: bus, Logger: log})
	mutation := executor.NewMutation(gate, effects, log)

	registry := executor.NewRegistry(log)
	eps := append(executor.NewFS(sandbox, mutation, 1<<20, log).Endpoints(),
		executor.NewTerminal(sandbox, commands, mutation, log).Endpoints()...)
	unmount, err := registry.MountAll(bus, eps...)
	require.NoError(t, err)

	llm := &fakeLLM{scripts: make(map[string]script), reqs: make(map[string][]domain.GenerateRequest)}
	_, err = bus.Handle(domain.TopicLLMGenerate, llm.handle)
	require.NoError(t, err)

	cfg := config.SwarmConfig{
		MaxSteps:        10,
		ApprovalTimeout: 5 * time.Second,
		ToolTimeout:     5 * time.Second,
		DelegationMode:  config.DelegationSync,
		Agents:          testAgents,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := New(cfg, Deps{Bus: bus, Catalog: registry, Store: kv, Gate: gate, Logger: log})
	require.NoError(t, m.Mount())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
		unmount()
		bus.Close()
	})
	return &swarmHarness{bus: bus, gate: gate, manager: m, llm: llm, shell: shell, root: root}
}

type dispatchResult struct {
	reply domain.TaskReply
	err   error
}

// dispatchAsync runs Dispatch in the background for tasks that block on a
// reviewer.
func (h *swarmHarness) dispatchAsync(agentID, prompt string) <-chan dispatchResult {
	ch := make(chan dispatchResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		reply, err := h.manager.Dispatch(ctx, agentID, prompt, nil)
		ch <- dispatchResult{reply: reply, err: err}
	}()
	return ch
}

func awaitDispatch(t *testing.T, ch <-chan dispatchResult) domain.TaskReply {
	t.Helper()
	select {
	case res := <-ch:
		require.NoError(t, res.err)
		return res.reply
	case <-time.After(10 * time.Second):
		t.Fatal("dispatch did not finish")
		return domain.TaskReply{}
	}
}

func (h *swarmHarness) awaitPending(t *testing.T, n int) []domain.ShadowAction {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.gate.Pending()) == n }, 5*time.Second, 5*time.Millisecond)
	return h.gate.Pending()
}

func (h *swarmHarness) writeFile(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(h.root, name), []byte(content), 0o644))
}

func (h *swarmHarness) readFile(t *testing.T, name string) (string, bool) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.root, name))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func lastToolOutput(req domain.GenerateRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleTool {
			return req.Messages[i].Content
		}
	}
	return ""
}

func toolCalls(cs ...domain.ToolCall) domain.GenerateReply {
	return domain.GenerateReply{ToolCalls: cs}
}

func toolCall(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func answer(content string) domain.GenerateReply {
	return domain.GenerateReply{Content: content}
}

// echoLastTool calls one tool, then answers with that tool's result.
func echoLastTool(first domain.GenerateReply) script {
	return func(n int, req domain.GenerateRequest) (domain.GenerateReply, error) {
		if n == 1 {
			return first, nil
		}
		return answer(lastToolOutput(req)), nil
	}
}
