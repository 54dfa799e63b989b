package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"agentswarm/internal/domain"
	"agentswarm/internal/security"
	"agentswarm/internal/usecase/eventbus"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	bus := eventbus.New(quietLogger())
	t.Cleanup(bus.Close)
	return bus
}

func newSandbox(t *testing.T) *security.Sandbox {
	t.Helper()
	sb, err := security.NewSandbox(t.TempDir())
	require.NoError(t, err)
	return sb
}

func mount(t *testing.T, bus *eventbus.Bus, reg *Registry, eps ...Endpoint) {
	t.Helper()
	unmount, err := reg.MountAll(bus, eps...)
	require.NoError(t, err)
	t.Cleanup(unmount)
}

func call(t *testing.T, bus *eventbus.Bus, topic, agentID string, payload any) domain.ToolReply {
	t.Helper()
	ctx := domain.ContextWithAgentID(context.Background(), agentID)
	reply, err := eventbus.Call[domain.ToolReply](ctx, bus, topic, payload)
	require.NoError(t, err)
	return reply
}

type stagedCall struct {
	agentID string
	kind    domain.ActionKind
	summary string
	payload json.RawMessage
}

type fakeStager struct {
	enabled bool
	mu      sync.Mutex
	calls   []stagedCall
}

func (f *fakeStager) Enabled() bool { return f.enabled }

func (f *fakeStager) Stage(_ context.Context, agentID string, kind domain.ActionKind, summary string, payload json.RawMessage) (domain.ShadowAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, stagedCall{agentID: agentID, kind: kind, summary: summary, payload: payload})
	return domain.ShadowAction{
		ID:      fmt.Sprintf("act-%d", len(f.calls)),
		AgentID: agentID,
		Kind:    kind,
		Summary: summary,
		Payload: payload,
		Status:  domain.ActionPending,
	}, nil
}

func (f *fakeStager) staged() []stagedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stagedCall(nil), f.calls...)
}

type fakeShell struct {
	mu      sync.Mutex
	calls   [][]string
	stdout  string
	stderr  string
	err     error
	lastDir string
}

func (f *fakeShell) Run(_ context.Context, cmd Command) (CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{cmd.Name}, cmd.Args...))
	f.lastDir = cmd.Dir
	return CommandResult{Stdout: f.stdout, Stderr: f.stderr}, f.err
}

func (f *fakeShell) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
