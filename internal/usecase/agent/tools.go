package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentswarm/internal/domain"
	"agentswarm/internal/infra/tracer"
	"agentswarm/internal/usecase/eventbus"
)

// executeCall resolves one tool call to its result message. The bool asks
// the loop to suspend after the batch. Failures never escape: they become
// error results the LLM can react to.
func (a *Agent) executeCall(c *conversation, call domain.ToolCall) (domain.Message, bool) {
	ctx, span := tracer.StartSpan(c.ctx, "agent.tool",
		trace.WithAttributes(
			tracer.StringAttr("agent.id", a.ID()),
			tracer.StringAttr("tool.name", call.Name),
		),
	)
	defer span.End()
	ctx = domain.ContextWithAgentID(ctx, a.ID())

	topic, ok := c.topics[call.Name]
	if !ok {
		err := domain.NewDomainError("Agent.executeCall", domain.ErrUnknownTool, call.Name)
		tracer.RecordError(span, err)
		return toolMessage(call, errorContent(err)), false
	}

	if call.Name == DelegateToolName {
		content, suspend := a.delegate(ctx, c, call)
		return toolMessage(call, content), suspend
	}
	return toolMessage(call, a.callTool(ctx, span, call, topic)), false
}

func (a *Agent) callTool(ctx context.Context, span trace.Span, call domain.ToolCall, topic string) string {
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	tctx, cancel := context.WithTimeout(ctx, a.cfg.ToolTimeout)
	raw, err := a.bus.Request(tctx, topic, args)
	cancel()
	if err != nil {
		tracer.RecordError(span, err)
		a.logger.DebugContext(ctx, "tool request failed", "tool", call.Name, "topic", topic, "error", err)
		return errorContent(err)
	}

	reply := decodeToolReply(raw)
	if reply.Staged && reply.ActionID != "" {
		span.SetAttributes(tracer.StringAttr("action.id", reply.ActionID))
		res, err := a.awaitApproval(ctx, reply.ActionID)
		if err != nil {
			tracer.RecordError(span, err)
			return errorContent(err)
		}
		return approvalContent(res)
	}
	if reply.IsError() {
		return "Error: " + reply.Error
	}
	tracer.SetOK(span)
	return reply.Output
}

// decodeToolReply reads an executor reply. Replies that are not shaped like a
// ToolReply, such as agent:create-tool's, are passed through verbatim.
func decodeToolReply(raw json.RawMessage) domain.ToolReply {
	var r domain.ToolReply
	if len(raw) == 0 {
		return r
	}
	if err := json.Unmarshal(raw, &r); err != nil || (r == domain.ToolReply{} && string(raw) != "{}") {
		return domain.ToolReply{Output: string(raw)}
	}
	return r
}

func approvalContent(res domain.ActionResult) string {
	switch res.Status {
	case domain.ActionExecuted:
		if res.Result == "" {
			return fmt.Sprintf("action %s approved and executed", res.ActionID)
		}
		return res.Result
	case domain.ActionRejected:
		msg := res.Error
		if msg == "" {
			msg = domain.ErrApprovalRejected.Error()
		}
		return "Error: " + msg
	default:
		return fmt.Sprintf("Error: action %s %s: %s", res.ActionID, res.Status, res.Error)
	}
}

// awaitApproval blocks the calling tool call, and only it, until the gate
// resolves actionID or the approval timeout elapses.
func (a *Agent) awaitApproval(ctx context.Context, actionID string) (domain.ActionResult, error) {
	a.mu.Lock()
	if res, ok := a.early[actionID]; ok {
		delete(a.early, actionID)
		a.mu.Unlock()
		return res, nil
	}
	ch := make(chan domain.ActionResult, 1)
	a.waiters[actionID] = ch
	a.approvals = append(a.approvals, actionID)
	pending := a.approvals[0]
	if a.state.Status == domain.StatusActive {
		_ = a.transitionLocked(domain.StatusWaitingApproval, func(s *domain.AgentRuntimeState) {
			s.PendingActionID = pending
		})
	} else {
		a.updateLocked(func(s *domain.AgentRuntimeState) { s.PendingActionID = pending })
	}
	a.mu.Unlock()
	a.logger.Info("waiting for approval", "action", actionID)

	timer := time.NewTimer(a.cfg.ApprovalTimeout)
	defer timer.Stop()

	var (
		res domain.ActionResult
		err error
	)
	select {
	case res = <-ch:
	case <-timer.C:
		err = domain.NewDomainError("Agent.awaitApproval", domain.ErrApprovalTimeout,
			fmt.Sprintf("action %s not resolved within %s", actionID, a.cfg.ApprovalTimeout))
	case <-ctx.Done():
		err = fmt.Errorf("waiting for action %s: %w", actionID, ctx.Err())
	}

	a.mu.Lock()
	delete(a.waiters, actionID)
	a.approvals = slices.DeleteFunc(a.approvals, func(id string) bool { return id == actionID })
	if len(a.approvals) == 0 {
		_ = a.transitionLocked(domain.StatusActive, func(s *domain.AgentRuntimeState) {
			s.PendingActionID = ""
		})
	} else {
		next := a.approvals[0]
		a.updateLocked(func(s *domain.AgentRuntimeState) { s.PendingActionID = next })
	}
	a.mu.Unlock()
	return res, err
}

func (a *Agent) onActionResult(_ context.Context, event domain.Event) {
	res, err := eventbus.Decode[domain.ActionResult](event)
	if err != nil || res.ActionID == "" {
		a.logger.Warn("malformed action result", "error", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.waiters[res.ActionID]; ok {
		select {
		case ch <- res:
		default:
		}
		return
	}
	// The outcome can beat the staged reply back to the waiting call.
	if a.conv != nil {
		a.early[res.ActionID] = res
	}
}

type delegateArgs struct {
	AgentID string         `json:"agent_id"`
	Task    string         `json:"task"`
	Context map[string]any `json:"context,omitempty"`
}

// delegate hands a sub-task to another agent through the orchestrator. In
// sync mode the child's output becomes this call's result; in suspend mode the
// child runs in the background and the loop parks until it reports.
func (a *Agent) delegate(ctx context.Context, c *conversation, call domain.ToolCall) (string, bool) {
	var args delegateArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return errorContent(domain.NewDomainError("Agent.delegate", domain.ErrInvalidInput, err.Error())), false
	}
	switch {
	case args.AgentID == "" || args.Task == "":
		return errorContent(domain.NewDomainError("Agent.delegate", domain.ErrInvalidInput, "agent_id and task are required")), false
	case args.AgentID == a.ID():
		return errorContent(domain.NewDomainError("Agent.delegate", domain.ErrInvalidInput, "an agent cannot delegate to itself")), false
	}

	req := domain.DelegateRequest{
		TargetAgentID: args.AgentID,
		Prompt:        args.Task,
		ContextData:   args.Context,
		FromAgent:     a.ID(),
		ParentTask:    c.task,
	}

	if a.cfg.DelegationMode != DelegationSuspend {
		reply, err := eventbus.Call[domain.TaskReply](ctx, a.bus, domain.TopicDelegateTask, req)
		if err != nil {
			return errorContent(err), false
		}
		if !reply.Success {
			return fmt.Sprintf("Error: agent %s failed: %s", args.AgentID, reply.Error), false
		}
		return fmt.Sprintf("Agent %s completed the task:\n%s", args.AgentID, reply.Output), false
	}

	// One outstanding delegation per child: its completion notice is keyed
	// by the child id alone.
	a.mu.Lock()
	if slices.Contains(a.state.WaitingFor, args.AgentID) {
		a.mu.Unlock()
		return errorContent(domain.NewDomainError("Agent.delegate", domain.ErrAgentBusy,
			fmt.Sprintf("already waiting for %s; wait for its result before delegating to it again", args.AgentID))), false
	}
	a.updateLocked(func(s *domain.AgentRuntimeState) {
		s.WaitingFor = append(s.WaitingFor, args.AgentID)
	})
	a.mu.Unlock()

	req.Async = true
	reply, err := eventbus.Call[domain.TaskReply](ctx, a.bus, domain.TopicDelegateTask, req)
	if err == nil && !reply.Success {
		err = fmt.Errorf("delegation to %s refused: %s", args.AgentID, reply.Error)
	}
	if err != nil {
		a.mu.Lock()
		a.updateLocked(func(s *domain.AgentRuntimeState) {
			s.WaitingFor = slices.DeleteFunc(s.WaitingFor, func(id string) bool { return id == args.AgentID })
		})
		a.mu.Unlock()
		return errorContent(err), false
	}
	a.logger.Info("delegated", "child", args.AgentID, "mode", DelegationSuspend)
	return fmt.Sprintf("Delegated to %s. Its result will be reported when it finishes.", args.AgentID), true
}
