package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agentswarm/internal/domain"
	"agentswarm/internal/infra/config"
)

// Dispatcher runs a prompt on an agent and waits for its reply.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentID, prompt string, contextData map[string]any) (domain.TaskReply, error)
}

// Pruner drops resolved shadow actions older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int, error)
}

// AgentRun returns the agent_run action: it dispatches the task's message to
// its agent and fails when the agent reports a task error.
func AgentRun(d Dispatcher) ActionFunc {
	return func(ctx context.Context, task ScheduledTask) error {
		reply, err := d.Dispatch(ctx, task.AgentID, task.Message, map[string]any{
			"scheduled_task": task.Name,
		})
		if err != nil {
			return fmt.Errorf("dispatch to %s: %w", task.AgentID, err)
		}
		if reply.Error != "" {
			return fmt.Errorf("agent %s: %s", task.AgentID, reply.Error)
		}
		return nil
	}
}

// ShadowPrune returns the shadow_prune action.
func ShadowPrune(p Pruner, retention time.Duration, logger *slog.Logger) ActionFunc {
	return func(ctx context.Context, task ScheduledTask) error {
		n, err := p.Prune(ctx, retention)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("pruned shadow history", "task", task.Name, "removed", n)
		}
		return nil
	}
}

// Load adds every configured task. Actions must be registered first.
func (s *Scheduler) Load(cfg config.SchedulerConfig) error {
	for _, t := range cfg.Tasks {
		if err := s.AddTask(ScheduledTask{
			Name:     t.Name,
			Schedule: t.Schedule,
			Action:   ScheduledAction(t.Action),
			AgentID:  t.AgentID,
			Message:  t.Message,
			OneShot:  t.OneShot,
		}); err != nil {
			return err
		}
	}
	return nil
}
