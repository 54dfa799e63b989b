package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"agentswarm/internal/domain"
	"agentswarm/internal/infra/tracer"
	"agentswarm/internal/usecase/eventbus"
)

// phase is the loop's control state within one task.
type phase int

const (
	phaseReason phase = iota
	phaseExecute
	phaseSuspend
	phaseDone
)

func (p phase) String() string {
	switch p {
	case phaseReason:
		return "reason"
	case phaseExecute:
		return "execute"
	case phaseSuspend:
		return "suspend"
	case phaseDone:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// run drives c from phase p until it finishes or suspends. A suspended
// conversation is picked up again by onChildComplete.
func (a *Agent) run(c *conversation, p phase) {
	for {
		switch p {
		case phaseDone:
			a.finish(c)
			return
		case phaseSuspend:
			if a.suspend(c) {
				return
			}
			p = phaseReason
		default:
			p = a.step(c, p)
		}
	}
}

func (a *Agent) step(c *conversation, p phase) phase {
	switch p {
	case phaseReason:
		return a.reason(c)
	case phaseExecute:
		return a.executeTools(c)
	}
	c.err = fmt.Errorf("unexpected phase %s", p)
	return phaseDone
}

func (a *Agent) reason(c *conversation) phase {
	a.injectNotices(c)
	if err := c.ctx.Err(); err != nil {
		c.err = fmt.Errorf("task aborted: %w", err)
		return phaseDone
	}

	c.steps++
	if c.steps > a.cfg.MaxSteps {
		c.err = domain.NewDomainError("Agent.reason", domain.ErrStepBudgetExceeded,
			fmt.Sprintf("no final answer within %d steps", a.cfg.MaxSteps))
		return phaseDone
	}

	ctx, span := tracer.StartSpan(c.ctx, "agent.reason",
		trace.WithAttributes(
			tracer.StringAttr("agent.id", a.ID()),
			tracer.IntAttr("agent.step", c.steps),
		),
	)
	defer span.End()

	reply, err := eventbus.Call[domain.GenerateReply](domain.ContextWithAgentID(ctx, a.ID()), a.bus, domain.TopicLLMGenerate,
		domain.GenerateRequest{
			Messages:    c.history(),
			Tools:       c.tools,
			ModelConfig: a.cfg.Model,
		})
	if err != nil {
		tracer.RecordError(span, err)
		c.err = fmt.Errorf("llm generate: %w", err)
		return phaseDone
	}

	for i := range reply.ToolCalls {
		if reply.ToolCalls[i].ID == "" {
			reply.ToolCalls[i].ID = fmt.Sprintf("call_%d_%d", c.steps, i)
		}
	}
	c.append(domain.Message{
		Role:      domain.RoleAssistant,
		Content:   reply.Content,
		ToolCalls: reply.ToolCalls,
		Timestamp: a.now(),
	})
	a.logger.DebugContext(ctx, "llm replied", "step", c.steps, "tool_calls", len(reply.ToolCalls), "tokens", reply.Usage.TotalTokens)
	tracer.SetOK(span)

	if len(reply.ToolCalls) == 0 {
		c.result = reply.Content
		return phaseDone
	}
	c.pending = reply.ToolCalls
	return phaseExecute
}

// executeTools runs the pending batch concurrently. Results are appended in
// call order: a result lands as soon as every earlier call has landed.
func (a *Agent) executeTools(c *conversation) phase {
	calls := c.pending
	c.pending = nil

	var (
		flushMu sync.Mutex
		results = make([]*domain.Message, len(calls))
		next    int
		suspend atomic.Bool
		g       errgroup.Group
	)
	for i, call := range calls {
		g.Go(func() error {
			msg, susp := a.executeCall(c, call)
			if susp {
				suspend.Store(true)
			}
			msg.Timestamp = a.now()

			flushMu.Lock()
			defer flushMu.Unlock()
			results[i] = &msg
			for next < len(results) && results[next] != nil {
				c.append(*results[next])
				next++
			}
			return nil
		})
	}
	_ = g.Wait()

	if suspend.Load() {
		return phaseSuspend
	}
	return phaseReason
}

// suspend parks the conversation until every delegated child has reported.
// It returns false when nothing is outstanding and the loop should go on.
func (a *Agent) suspend(c *conversation) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.state.WaitingFor) == 0 {
		return false
	}
	if err := a.transitionLocked(domain.StatusSuspended, nil); err != nil {
		return false
	}
	a.logger.Info("suspended", "waiting_for", a.state.WaitingFor, "step", c.steps)
	return true
}

func (a *Agent) injectNotices(c *conversation) {
	a.mu.Lock()
	notices := a.notices
	a.notices = nil
	a.mu.Unlock()
	for _, n := range notices {
		msg := noticeMessage(n)
		msg.Timestamp = a.now()
		c.append(msg)
	}
}

func (a *Agent) onChildComplete(_ context.Context, event domain.Event) {
	n, err := eventbus.Decode[domain.CompletionNotice](event)
	if err != nil || n.DelegatedBy != a.ID() {
		return
	}

	a.mu.Lock()
	if !slices.Contains(a.state.WaitingFor, n.AgentID) || a.conv == nil {
		a.mu.Unlock()
		return
	}
	a.notices = append(a.notices, n)
	a.updateLocked(func(s *domain.AgentRuntimeState) {
		s.WaitingFor = slices.DeleteFunc(s.WaitingFor, func(id string) bool { return id == n.AgentID })
	})
	c := a.conv
	resume := a.state.Status == domain.StatusSuspended && len(a.state.WaitingFor) == 0 && a.lifetime.Err() == nil
	if resume {
		resume = a.transitionLocked(domain.StatusActive, nil) == nil
	}
	if resume {
		a.wg.Add(1)
	}
	a.mu.Unlock()

	if resume {
		defer a.wg.Done()
		a.logger.Info("resuming after delegation", "child", n.AgentID)
		a.run(c, phaseReason)
	}
}

// finish ends the task: error then idle on failure, idle otherwise, followed
// by the completion notice.
func (a *Agent) finish(c *conversation) {
	c.once.Do(func() {
		defer close(c.done)
		defer c.cancel()

		a.mu.Lock()
		if c.err != nil {
			_ = a.transitionLocked(domain.StatusError, nil)
		}
		_ = a.transitionLocked(domain.StatusIdle, func(s *domain.AgentRuntimeState) {
			s.CurrentTask = ""
			s.WaitingFor = nil
			s.PendingActionID = ""
		})
		a.conv = nil
		a.last = c
		a.notices = nil
		a.approvals = nil
		clear(a.early)
		a.mu.Unlock()

		notice := domain.CompletionNotice{AgentID: a.ID(), Result: c.result, DelegatedBy: c.delegatedBy}
		if c.err != nil {
			notice.Error = c.err.Error()
			a.logger.Warn("task failed", "steps", c.steps, "error", c.err)
		} else {
			a.logger.Info("task completed", "steps", c.steps)
		}
		ctx := domain.ContextWithAgentID(context.WithoutCancel(c.ctx), a.ID())
		if err := a.bus.Publish(ctx, domain.TopicAgentComplete, notice); err != nil && !errors.Is(err, domain.ErrBusClosed) {
			a.logger.Debug("publish completion failed", "error", err)
		}
	})
}
