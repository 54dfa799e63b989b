package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"agentswarm/internal/domain"
)

// transitionLocked moves the agent along the state graph, applies mutate to
// the new state, and persists and broadcasts it. Illegal moves are refused.
func (a *Agent) transitionLocked(to domain.AgentStatus, mutate func(*domain.AgentRuntimeState)) error {
	from := a.state.Status
	if !domain.CanTransition(from, to) {
		a.logger.Error("refused status transition", "from", from, "to", to)
		return domain.NewDomainError("Agent.transition", domain.ErrInvalidTransition, fmt.Sprintf("%s -> %s", from, to))
	}
	a.state.Status = to
	if mutate != nil {
		mutate(&a.state)
	}
	a.touchLocked()
	if from != to {
		a.logger.Debug("status changed", "from", from, "to", to)
	}
	a.persistLocked(a.lifetime)
	return nil
}

// updateLocked mutates the state without a status change.
func (a *Agent) updateLocked(mutate func(*domain.AgentRuntimeState)) {
	mutate(&a.state)
	a.touchLocked()
	a.persistLocked(a.lifetime)
}

func (a *Agent) touchLocked() {
	a.state.UpdatedAt = a.now()
}

// persistLocked writes agent.{id} and broadcasts system:agent-status.
func (a *Agent) persistLocked(ctx context.Context) {
	snap := cloneState(a.state)
	ctx = context.WithoutCancel(ctx)
	if a.store != nil {
		data, err := json.Marshal(snap)
		if err == nil {
			err = a.store.Put(ctx, domain.AgentStateKey(snap.ID), data)
		}
		if err != nil {
			a.logger.Warn("persist agent state failed", "error", err)
		}
	}
	if err := a.bus.Publish(domain.ContextWithAgentID(ctx, snap.ID), domain.TopicAgentStatus, snap); err != nil && !errors.Is(err, domain.ErrBusClosed) {
		a.logger.Debug("publish agent status failed", "error", err)
	}
}

// recoverState inspects the state a previous process left behind.
func (a *Agent) recoverState(ctx context.Context) {
	if a.store == nil {
		return
	}
	data, err := a.store.Get(ctx, domain.AgentStateKey(a.ID()))
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			a.logger.Warn("load agent state failed", "error", err)
		}
		return
	}
	var prev domain.AgentRuntimeState
	if err := json.Unmarshal(data, &prev); err != nil {
		a.logger.Warn("corrupt agent state ignored", "error", err)
		return
	}
	if prev.Status != domain.StatusIdle {
		a.logger.Warn("discarding interrupted task from previous run",
			"status", prev.Status,
			"task", prev.CurrentTask,
			"waiting_for", prev.WaitingFor,
		)
	}
}

func cloneState(s domain.AgentRuntimeState) domain.AgentRuntimeState {
	s.Capabilities = slices.Clone(s.Capabilities)
	s.WaitingFor = slices.Clone(s.WaitingFor)
	return s
}
