package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"agentswarm/internal/domain"
	"agentswarm/internal/usecase/eventbus"
	"agentswarm/internal/usecase/scheduling"
)

// Shadow is the approval gate as seen by reviewers.
type Shadow interface {
	Enabled() bool
	SetEnabled(ctx context.Context, on bool)
	Pending() []domain.ShadowAction
	History() []domain.ShadowAction
	Approve(ctx context.Context, id string, edited json.RawMessage) (domain.ShadowAction, error)
	Reject(ctx context.Context, id string) (domain.ShadowAction, error)
}

// Swarm lists agents and accepts tasks.
type Swarm interface {
	ListAgents() []domain.AgentRuntimeState
	Dispatch(ctx context.Context, agentID, prompt string, contextData map[string]any) (domain.TaskReply, error)
}

// Tools lists and kills dynamic tools.
type Tools interface {
	List() []domain.DynamicTool
	KillTool(ctx context.Context, id string) error
}

// Schedule lists scheduled tasks.
type Schedule interface {
	Tasks() []scheduling.TaskInfo
}

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Shadow    Shadow
	Swarm     Swarm
	Tools     Tools    // can be nil (workbench disabled)
	Scheduler Schedule // can be nil (scheduler disabled)
	Bus       domain.EventBus
	Logger    *slog.Logger
	Version   string
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	s.RegisterHandler("shadow.status", shadowStatusHandler(deps))
	s.RegisterHandler("shadow.set", mutating("shadow.set", shadowSetHandler(deps)))
	s.RegisterHandler("shadow.pending", shadowPendingHandler(deps))
	s.RegisterHandler("shadow.history", shadowHistoryHandler(deps))
	s.RegisterHandler("shadow.approve", mutating("shadow.approve", shadowApproveHandler(deps)))
	s.RegisterHandler("shadow.reject", mutating("shadow.reject", shadowRejectHandler(deps)))
	s.RegisterHandler("agents.list", agentsListHandler(deps))
	s.RegisterHandler("task.submit", mutating("task.submit", taskSubmitHandler(deps)))
	if deps.Tools != nil {
		s.RegisterHandler("tools.list", toolsListHandler(deps))
		s.RegisterHandler("tools.kill", mutating("tools.kill", toolsKillHandler(deps)))
	}
	if deps.Scheduler != nil {
		s.RegisterHandler("scheduler.list", schedulerListHandler(deps))
	}
}

// decode unmarshals an RPC payload, mapping failures to ErrRPCInvalidPayload.
func decode[T any](method string, payload json.RawMessage) (T, error) {
	var req T
	if len(payload) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, domain.NewDomainError(method, domain.ErrRPCInvalidPayload, err.Error())
	}
	return req, nil
}

func requireField(method, name, value string) error {
	if value == "" {
		return domain.NewDomainError(method, domain.ErrRPCInvalidPayload, name+" is required")
	}
	return nil
}

// ShadowStatus is the shadow.status result.
type ShadowStatus struct {
	Enabled bool `json:"enabled"`
	Pending int  `json:"pending"`
}

func shadowStatusHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return eventbus.Reply(ShadowStatus{
			Enabled: deps.Shadow.Enabled(),
			Pending: len(deps.Shadow.Pending()),
		})
	}
}

func shadowSetHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		req, err := decode[struct {
			Enabled *bool `json:"enabled"`
		}]("shadow.set", payload)
		if err != nil {
			return nil, err
		}
		if req.Enabled == nil {
			return nil, domain.NewDomainError("shadow.set", domain.ErrRPCInvalidPayload, "enabled is required")
		}
		deps.Shadow.SetEnabled(ctx, *req.Enabled)
		deps.Logger.Info("shadow mode set via gateway", "client", client.Name, "enabled", *req.Enabled)
		return eventbus.Reply(ShadowStatus{
			Enabled: deps.Shadow.Enabled(),
			Pending: len(deps.Shadow.Pending()),
		})
	}
}

func shadowPendingHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return eventbus.Reply(deps.Shadow.Pending())
	}
}

func shadowHistoryHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return eventbus.Reply(deps.Shadow.History())
	}
}

func shadowApproveHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		req, err := decode[struct {
			ID            string          `json:"id"`
			EditedPayload json.RawMessage `json:"edited_payload,omitempty"`
		}]("shadow.approve", payload)
		if err != nil {
			return nil, err
		}
		if err := requireField("shadow.approve", "id", req.ID); err != nil {
			return nil, err
		}
		action, err := deps.Shadow.Approve(ctx, req.ID, req.EditedPayload)
		if err != nil {
			return nil, err
		}
		deps.Logger.Info("action approved via gateway", "client", client.Name, "action", req.ID, "status", action.Status)
		return eventbus.Reply(action)
	}
}

func shadowRejectHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		req, err := decode[struct {
			ID string `json:"id"`
		}]("shadow.reject", payload)
		if err != nil {
			return nil, err
		}
		if err := requireField("shadow.reject", "id", req.ID); err != nil {
			return nil, err
		}
		action, err := deps.Shadow.Reject(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		deps.Logger.Info("action rejected via gateway", "client", client.Name, "action", req.ID)
		return eventbus.Reply(action)
	}
}

func agentsListHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return eventbus.Reply(deps.Swarm.ListAgents())
	}
}

// taskSubmitHandler blocks until the agent finishes. A task that fails is
// still a successful RPC: the failure is in the reply.
func taskSubmitHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		req, err := decode[struct {
			AgentID     string         `json:"agent_id"`
			Prompt      string         `json:"prompt"`
			ContextData map[string]any `json:"context_data,omitempty"`
		}]("task.submit", payload)
		if err != nil {
			return nil, err
		}
		if err := requireField("task.submit", "agent_id", req.AgentID); err != nil {
			return nil, err
		}
		if err := requireField("task.submit", "prompt", req.Prompt); err != nil {
			return nil, err
		}
		deps.Logger.Info("task submitted via gateway", "client", client.Name, "agent", req.AgentID)
		reply, err := deps.Swarm.Dispatch(ctx, req.AgentID, req.Prompt, req.ContextData)
		if err != nil {
			return nil, fmt.Errorf("dispatch to %s: %w", req.AgentID, err)
		}
		return eventbus.Reply(reply)
	}
}

func toolsListHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return eventbus.Reply(deps.Tools.List())
	}
}

func toolsKillHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		req, err := decode[struct {
			ID string `json:"id"`
		}]("tools.kill", payload)
		if err != nil {
			return nil, err
		}
		if err := requireField("tools.kill", "id", req.ID); err != nil {
			return nil, err
		}
		if err := deps.Tools.KillTool(ctx, req.ID); err != nil {
			return nil, err
		}
		deps.Logger.Info("tool killed via gateway", "client", client.Name, "tool", req.ID)
		return eventbus.Reply(map[string]string{"status": "killed"})
	}
}

func schedulerListHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return eventbus.Reply(deps.Scheduler.Tasks())
	}
}
