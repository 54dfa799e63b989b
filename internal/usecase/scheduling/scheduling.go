// Package scheduling runs configured tasks on cron expressions or fixed
// intervals.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduledAction names what a task does when it fires.
type ScheduledAction string

const (
	ActionAgentRun    ScheduledAction = "agent_run"
	ActionShadowPrune ScheduledAction = "shadow_prune"
)

// ScheduledTask is one configured task.
type ScheduledTask struct {
	Name     string
	Schedule string // "*/5 * * * *", "@hourly" or a Go duration such as "30m"
	Action   ScheduledAction
	AgentID  string // agent_run only
	Message  string // agent_run only
	OneShot  bool
}

// ActionFunc performs one run of a task.
type ActionFunc func(ctx context.Context, task ScheduledTask) error

// taskTimeout bounds a single run.
const taskTimeout = 30 * time.Minute

// TaskInfo describes a scheduled task and its most recent run.
type TaskInfo struct {
	Name      string          `json:"name"`
	Action    ScheduledAction `json:"action"`
	NextRun   time.Time       `json:"next_run"`
	LastRun   time.Time       `json:"last_run,omitzero"`
	LastError string          `json:"last_error,omitempty"`
	Runs      int             `json:"runs"`
	Skipped   int             `json:"skipped"` // fires dropped because the previous run was still going
}

type entry struct {
	id   cron.EntryID
	info TaskInfo
}

// Scheduler fires registered actions for its tasks. A task whose previous
// run is still in progress skips the new fire instead of queueing it.
type Scheduler struct {
	cron    *cron.Cron
	actions map[ScheduledAction]ActionFunc
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger{logger}))),
		actions: make(map[ScheduledAction]ActionFunc),
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// RegisterAction binds fn to action. Tasks naming action may be added after.
func (s *Scheduler) RegisterAction(action ScheduledAction, fn ActionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddTask schedules task. Task names are unique and the action must already
// be registered.
func (s *Scheduler) AddTask(task ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[task.Name]; exists {
		return fmt.Errorf("scheduler: task %q already exists", task.Name)
	}
	fn, ok := s.actions[task.Action]
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for task %q", task.Action, task.Name)
	}
	schedule, err := parseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}

	e := &entry{info: TaskInfo{Name: task.Name, Action: task.Action}}
	e.id = s.cron.Schedule(schedule, s.job(task, fn, e))
	s.entries[task.Name] = e

	s.logger.Info("task scheduled", "task", task.Name, "schedule", task.Schedule, "action", string(task.Action))
	return nil
}

// job wraps fn with the overlap guard, the run timeout and bookkeeping.
func (s *Scheduler) job(task ScheduledTask, fn ActionFunc, e *entry) cron.Job {
	var running sync.Mutex
	return cron.FuncJob(func() {
		if !running.TryLock() {
			s.mu.Lock()
			e.info.Skipped++
			s.mu.Unlock()
			s.logger.Warn("scheduled task still running, skipping fire", "task", task.Name)
			return
		}
		defer running.Unlock()

		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}

		runCtx, cancel := context.WithTimeout(ctx, taskTimeout)
		defer cancel()
		start := time.Now()
		err := fn(runCtx, task)

		s.mu.Lock()
		e.info.LastRun = start
		e.info.Runs++
		e.info.LastError = ""
		if err != nil {
			e.info.LastError = err.Error()
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn("scheduled task failed", "task", task.Name, "error", err, "duration", time.Since(start))
		} else {
			s.logger.Info("scheduled task completed", "task", task.Name, "duration", time.Since(start))
		}

		if task.OneShot {
			s.cron.Remove(e.id)
			s.mu.Lock()
			delete(s.entries, task.Name)
			s.mu.Unlock()
		}
	})
}

// RemoveTask unschedules the named task. A run already in progress finishes.
func (s *Scheduler) RemoveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("scheduler: task %q not found", name)
	}
	s.cron.Remove(e.id)
	delete(s.entries, name)
	s.logger.Info("task removed", "task", name)
	return nil
}

// Start begins firing tasks. Runs inherit ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels running tasks and waits for them to return. Idempotent.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	// Running jobs take s.mu, so wait outside it.
	<-s.cron.Stop().Done()
	return nil
}

// Tasks lists the scheduled tasks sorted by name. NextRun is zero until the
// scheduler has started.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	out := make([]TaskInfo, 0, len(s.entries))
	ids := make([]cron.EntryID, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.info)
		ids = append(ids, e.id)
	}
	s.mu.Unlock()

	for i, id := range ids {
		out[i].NextRun = s.cron.Entry(id).Next
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// parseSchedule accepts a five-field cron expression, a descriptor such as
// "@daily", or a positive Go duration.
func parseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(spec); err == nil {
		return sched, nil
	}

	every, err := time.ParseDuration(spec)
	switch {
	case err != nil:
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", spec)
	case every <= 0:
		return nil, fmt.Errorf("duration must be positive: %q", spec)
	}
	return constantDelay(every), nil
}

// constantDelay fires at a fixed interval. cron.Every rounds to whole
// seconds; this does not.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
