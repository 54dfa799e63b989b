package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentswarm/internal/domain"
	"agentswarm/internal/infra/logger"
	"agentswarm/internal/usecase/scheduling"
)

type fakeShadow struct {
	mu       sync.Mutex
	enabled  bool
	pending  []domain.ShadowAction
	approved map[string]json.RawMessage
	rejected []string
}

func (f *fakeShadow) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeShadow) SetEnabled(_ context.Context, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = on
}

func (f *fakeShadow) Pending() []domain.ShadowAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ShadowAction(nil), f.pending...)
}

func (f *fakeShadow) History() []domain.ShadowAction { return nil }

func (f *fakeShadow) approvedPayload(id string) json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approved[id]
}

func (f *fakeShadow) take(id string) (domain.ShadowAction, bool) {
	for i, a := range f.pending {
		if a.ID == id {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return a, true
		}
	}
	return domain.ShadowAction{}, false
}

func (f *fakeShadow) Approve(_ context.Context, id string, edited json.RawMessage) (domain.ShadowAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.take(id)
	if !ok {
		return domain.ShadowAction{}, domain.NewDomainError("Gate.Approve", domain.ErrUnknownAction, id)
	}
	f.approved[id] = edited
	a.Status = domain.ActionExecuted
	return a, nil
}

func (f *fakeShadow) Reject(_ context.Context, id string) (domain.ShadowAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.take(id)
	if !ok {
		return domain.ShadowAction{}, domain.NewDomainError("Gate.Reject", domain.ErrUnknownAction, id)
	}
	f.rejected = append(f.rejected, id)
	a.Status = domain.ActionRejected
	return a, nil
}

type fakeSwarm struct {
	agents []domain.AgentRuntimeState
}

func (f *fakeSwarm) ListAgents() []domain.AgentRuntimeState { return f.agents }

func (f *fakeSwarm) Dispatch(_ context.Context, agentID, prompt string, _ map[string]any) (domain.TaskReply, error) {
	if agentID != "coder" {
		return domain.TaskReply{}, domain.ErrUnknownAgent
	}
	return domain.TaskReply{Success: true, Output: "done: " + prompt}, nil
}

type fakeTools struct {
	mu    sync.Mutex
	tools []domain.DynamicTool
}

func (f *fakeTools) List() []domain.DynamicTool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.DynamicTool(nil), f.tools...)
}

func (f *fakeTools) KillTool(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.tools {
		if t.ID == id {
			f.tools = append(f.tools[:i], f.tools[i+1:]...)
			return nil
		}
	}
	return domain.NewDomainError("Workbench.KillTool", domain.ErrNotFound, id)
}

type fakeSchedule struct{}

func (fakeSchedule) Tasks() []scheduling.TaskInfo {
	return []scheduling.TaskInfo{{Name: "retention"}}
}

type fixture struct {
	srv    *Server
	shadow *fakeShadow
	tools  *fakeTools
	bus    domain.EventBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := newBus(t)
	f := &fixture{
		shadow: &fakeShadow{
			enabled:  true,
			approved: make(map[string]json.RawMessage),
			pending: []domain.ShadowAction{
				{ID: "act-1", AgentID: "coder", Kind: domain.ActionWrite, Status: domain.ActionPending},
				{ID: "act-2", AgentID: "coder", Kind: domain.ActionExec, Status: domain.ActionPending},
			},
		},
		tools: &fakeTools{tools: []domain.DynamicTool{{ID: "t1", Name: "upper", Trigger: "tool:upper"}}},
		bus:   bus,
	}
	deps := HandlerDeps{
		Shadow: f.shadow,
		Swarm: &fakeSwarm{agents: []domain.AgentRuntimeState{
			{ID: "architect", Status: domain.StatusIdle},
			{ID: "coder", Status: domain.StatusWaitingApproval},
		}},
		Tools:     f.tools,
		Scheduler: fakeSchedule{},
		Bus:       bus,
		Logger:    logger.Discard(),
		Version:   "test",
	}
	f.srv = startTestServer(t, bus, func(s *Server) {
		RegisterDefaultHandlers(s, deps)
		_, stop := RegisterRESTHandlers(s, deps)
		t.Cleanup(stop)
	})
	return f
}

func decodePayload[T any](t *testing.T, f Frame) T {
	t.Helper()
	require.Empty(t, f.Error)
	var out T
	require.NoError(t, json.Unmarshal(f.Payload, &out))
	return out
}

func TestShadowRPCs(t *testing.T) {
	f := newFixture(t)
	ws := dialWS(t, f.srv)

	status := decodePayload[ShadowStatus](t, call(t, ws, 1, "shadow.status", nil))
	assert.Equal(t, ShadowStatus{Enabled: true, Pending: 2}, status)

	pending := decodePayload[[]domain.ShadowAction](t, call(t, ws, 2, "shadow.pending", nil))
	require.Len(t, pending, 2)
	assert.Equal(t, "act-1", pending[0].ID)

	approved := decodePayload[domain.ShadowAction](t, call(t, ws, 3, "shadow.approve", map[string]any{
		"id":             "act-1",
		"edited_payload": map[string]string{"path": "main.go", "content": "package main"},
	}))
	assert.Equal(t, domain.ActionExecuted, approved.Status)
	assert.JSONEq(t, `{"path":"main.go","content":"package main"}`, string(f.shadow.approvedPayload("act-1")))

	rejected := decodePayload[domain.ShadowAction](t, call(t, ws, 4, "shadow.reject", map[string]string{"id": "act-2"}))
	assert.Equal(t, domain.ActionRejected, rejected.Status)

	resp := call(t, ws, 5, "shadow.reject", map[string]string{"id": "act-2"})
	assert.Equal(t, string(domain.CodeUnknownAction), resp.Code)

	status = decodePayload[ShadowStatus](t, call(t, ws, 6, "shadow.set", map[string]bool{"enabled": false}))
	assert.False(t, status.Enabled)
	assert.False(t, f.shadow.Enabled())
}

func TestRPCPayloadValidation(t *testing.T) {
	f := newFixture(t)
	ws := dialWS(t, f.srv)

	tests := []struct {
		method  string
		payload any
	}{
		{"shadow.set", map[string]string{}},
		{"shadow.approve", map[string]string{}},
		{"shadow.reject", nil},
		{"task.submit", map[string]string{"agent_id": "coder"}},
		{"task.submit", map[string]string{"prompt": "hi"}},
		{"tools.kill", map[string]string{}},
		{"shadow.approve", "not-an-object"},
	}
	for i, tt := range tests {
		resp := call(t, ws, uint64(i+1), tt.method, tt.payload)
		assert.Equal(t, string(domain.CodeRPCInvalidPayload), resp.Code, tt.method)
	}
}

func TestTaskSubmitAndAgentsList(t *testing.T) {
	f := newFixture(t)
	ws := dialWS(t, f.srv)

	reply := decodePayload[domain.TaskReply](t, call(t, ws, 1, "task.submit", map[string]string{
		"agent_id": "coder",
		"prompt":   "write tests",
	}))
	assert.True(t, reply.Success)
	assert.Equal(t, "done: write tests", reply.Output)

	resp := call(t, ws, 2, "task.submit", map[string]string{"agent_id": "ghost", "prompt": "x"})
	assert.Equal(t, string(domain.CodeUnknownAgent), resp.Code)

	agents := decodePayload[[]domain.AgentRuntimeState](t, call(t, ws, 3, "agents.list", nil))
	require.Len(t, agents, 2)
	assert.Equal(t, domain.StatusWaitingApproval, agents[1].Status)
}

func TestToolsAndSchedulerRPCs(t *testing.T) {
	f := newFixture(t)
	ws := dialWS(t, f.srv)

	tools := decodePayload[[]domain.DynamicTool](t, call(t, ws, 1, "tools.list", nil))
	require.Len(t, tools, 1)

	call(t, ws, 2, "tools.kill", map[string]string{"id": "t1"})
	assert.Empty(t, f.tools.List())

	resp := call(t, ws, 3, "tools.kill", map[string]string{"id": "t1"})
	assert.Equal(t, string(domain.CodeNotFound), resp.Code)

	tasks := decodePayload[[]scheduling.TaskInfo](t, call(t, ws, 4, "scheduler.list", nil))
	require.Len(t, tasks, 1)
	assert.Equal(t, "retention", tasks[0].Name)
}

func get(t *testing.T, srv *Server, path, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://"+srv.BoundAddr()+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, _ := get(t, f.srv, "/api/v1/status", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ctx := context.Background()
	require.NoError(t, f.bus.Publish(ctx, domain.TopicAgentComplete, domain.CompletionNotice{AgentID: "coder", Result: "ok"}))
	require.NoError(t, f.bus.Publish(ctx, domain.TopicAgentComplete, domain.CompletionNotice{AgentID: "qa", Error: "boom"}))
	require.NoError(t, f.bus.Publish(ctx, domain.TopicActionStaged, domain.ShadowAction{ID: "act-9"}))

	var status StatusResponse
	require.Eventually(t, func() bool {
		resp, body := get(t, f.srv, "/api/v1/status", testToken)
		if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &status) != nil {
			return false
		}
		return status.Counters["tasks_completed"] == 1 &&
			status.Counters["tasks_failed"] == 1 &&
			status.Counters["actions_staged"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "test", status.Version)
	assert.Equal(t, ShadowStatus{Enabled: true, Pending: 2}, status.Shadow)
	assert.Equal(t, map[string]int{"idle": 1, "waiting_approval": 1}, status.Agents)
	assert.Equal(t, 1, status.Tools)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := get(t, f.srv, "/metrics", testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "agentswarm_actions_pending 2")
	assert.Contains(t, string(body), "# TYPE agentswarm_tasks_completed_total counter")
	assert.Contains(t, string(body), "agentswarm_tools_live 1")
}

func TestReadOnlyClientCanObserveOnly(t *testing.T) {
	f := newFixture(t)
	ws := dialWSToken(t, f.srv, observerToken)

	status := decodePayload[ShadowStatus](t, call(t, ws, 1, "shadow.status", nil))
	assert.True(t, status.Enabled)

	resp := call(t, ws, 2, "shadow.approve", map[string]string{"id": "act-1"})
	assert.Equal(t, string(domain.CodePermissionDenied), resp.Code)
	assert.Nil(t, f.shadow.approvedPayload("act-1"))

	resp = call(t, ws, 3, "task.submit", map[string]string{"agent_id": "coder", "prompt": "x"})
	assert.Equal(t, string(domain.CodePermissionDenied), resp.Code)
}
