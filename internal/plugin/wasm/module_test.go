package wasm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentswarm/internal/domain"
	"agentswarm/internal/plugin/wasm/wasmtest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordedMutation struct {
	agentID string
	kind    domain.ActionKind
	payload any
}

type fakeMutator struct {
	mu    sync.Mutex
	calls []recordedMutation
	reply domain.ToolReply
	err   error
}

func (f *fakeMutator) Mutate(_ context.Context, agentID string, kind domain.ActionKind, _ string, payload any) (domain.ToolReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedMutation{agentID: agentID, kind: kind, payload: payload})
	return f.reply, f.err
}

func TestLoad_InvalidBytes(t *testing.T) {
	_, err := Load(context.Background(), "bad", []byte("not wasm"), NewSandbox(Limits{}), nil, quietLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestInvoke_ToolResult(t *testing.T) {
	ctx := context.Background()
	m, err := Load(ctx, "greeter", wasmtest.Result(), NewSandbox(Limits{}), nil, quietLogger())
	require.NoError(t, err)
	defer m.Close(ctx)

	res, err := m.Invoke(ctx, []byte(`{"input":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Output)
	assert.Empty(t, res.Staged)
}

func TestInvoke_TimeoutExceedsSandbox(t *testing.T) {
	ctx := context.Background()
	m, err := Load(ctx, "spinner", wasmtest.Loop(), NewSandbox(Limits{ExecTimeout: 100 * time.Millisecond}), nil, quietLogger())
	require.NoError(t, err)
	defer m.Close(ctx)

	start := time.Now()
	_, err = m.Invoke(ctx, []byte("{}"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSandboxResourceExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestInvoke_FSWriteStaged(t *testing.T) {
	ctx := domain.ContextWithAgentID(context.Background(), "coder")
	mut := &fakeMutator{reply: domain.ToolReply{Staged: true, ActionID: "act-1"}}
	sb := NewSandbox(Limits{Capabilities: []string{CapFS}})

	m, err := Load(ctx, "writer", wasmtest.Write(), sb, mut, quietLogger())
	require.NoError(t, err)
	defer m.Close(ctx)

	res, err := m.Invoke(ctx, []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, []string{"act-1"}, res.Staged)

	require.Len(t, mut.calls, 1)
	assert.Equal(t, "coder", mut.calls[0].agentID)
	assert.Equal(t, domain.ActionWrite, mut.calls[0].kind)
	assert.Equal(t, domain.WritePayload{Path: "a.txt", Content: "hi"}, mut.calls[0].payload)
}

func TestInvoke_FSWriteApplied(t *testing.T) {
	ctx := context.Background()
	mut := &fakeMutator{reply: domain.ToolReply{Output: "wrote 2 bytes"}}

	m, err := Load(ctx, "writer", wasmtest.Write(), NewSandbox(Limits{Capabilities: []string{CapFS}}), mut, quietLogger())
	require.NoError(t, err)
	defer m.Close(ctx)

	res, err := m.Invoke(ctx, []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, "wrote 2 bytes", res.Output)
	assert.Empty(t, res.Staged)
}

func TestLoad_MissingCapabilityRefused(t *testing.T) {
	_, err := Load(context.Background(), "writer", wasmtest.Write(), NewSandbox(Limits{}), &fakeMutator{}, quietLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestModule_CloseIdempotent(t *testing.T) {
	ctx := context.Background()
	m, err := Load(ctx, "greeter", wasmtest.Result(), NewSandbox(Limits{}), nil, quietLogger())
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))

	_, err = m.Invoke(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrToolExecution)
}

func TestHostMutationPayloadEncodes(t *testing.T) {
	data, err := json.Marshal(domain.WritePayload{Path: "a.txt", Content: "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"a.txt","content":"hi"}`, string(data))
}
