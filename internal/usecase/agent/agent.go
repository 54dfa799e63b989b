// Package agent runs one configured role's reasoning loop as an explicit
// state machine: reason, execute tools, optionally suspend on delegated
// children, and finish.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"agentswarm/internal/domain"
	"agentswarm/internal/usecase/eventbus"
)

// Delegation strategies.
const (
	DelegationSync    = "sync"
	DelegationSuspend = "suspend"
)

const (
	defaultMaxSteps        = 30
	defaultApprovalTimeout = 10 * time.Minute
	defaultToolTimeout     = 2 * time.Minute
)

// Config holds per-agent settings.
type Config struct {
	Agent           domain.AgentConfig
	MaxSteps        int
	ApprovalTimeout time.Duration
	ToolTimeout     time.Duration
	TaskTimeout     time.Duration // 0 means no limit beyond the step budget
	DelegationMode  string
	Autonomy        string
	Model           domain.ModelConfig
	Peers           []string // agents this one may delegate to, for the tool description
}

// Deps holds injected collaborators.
type Deps struct {
	Bus     domain.EventBus
	Catalog domain.ToolCatalog
	Store   domain.KVStore // optional
	Logger  *slog.Logger
}

// Agent is a live agent. It serves tasks on agent:{id}:task and handles at
// most one task at a time.
type Agent struct {
	cfg    Config
	bus    domain.EventBus
	tools  domain.ToolCatalog
	store  domain.KVStore
	logger *slog.Logger
	now    func() time.Time

	lifetime context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	unsubs   []func()

	mu        sync.Mutex
	state     domain.AgentRuntimeState
	conv      *conversation
	last      *conversation
	waiters   map[string]chan domain.ActionResult
	early     map[string]domain.ActionResult
	approvals []string
	notices   []domain.CompletionNotice
}

// New creates an agent in the idle state. Call Mount to start serving.
func New(cfg Config, deps Deps) *Agent {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = defaultApprovalTimeout
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if cfg.DelegationMode == "" {
		cfg.DelegationMode = DelegationSync
	}
	name := cfg.Agent.Name
	if name == "" {
		name = cfg.Agent.ID
	}

	lifetime, stop := context.WithCancel(context.Background())
	return &Agent{
		cfg:      cfg,
		bus:      deps.Bus,
		tools:    deps.Catalog,
		store:    deps.Store,
		logger:   deps.Logger.With("agent", cfg.Agent.ID),
		now:      time.Now,
		lifetime: lifetime,
		stop:     stop,
		state: domain.AgentRuntimeState{
			ID:           cfg.Agent.ID,
			Name:         name,
			Role:         cfg.Agent.Role,
			Status:       domain.StatusIdle,
			Capabilities: slices.Clone(cfg.Agent.Capabilities),
		},
		waiters: make(map[string]chan domain.ActionResult),
		early:   make(map[string]domain.ActionResult),
	}
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.cfg.Agent.ID }

// Mount registers the task handler and the approval and completion
// subscriptions, and records the idle state. A non-idle state left by a
// previous process is reset: in-flight conversations do not survive a restart.
func (a *Agent) Mount(ctx context.Context) error {
	a.recoverState(ctx)

	unhandle, err := a.bus.Handle(domain.AgentTaskTopic(a.ID()), a.handleTask)
	if err != nil {
		return fmt.Errorf("mount agent %s: %w", a.ID(), err)
	}
	a.unsubs = append(a.unsubs,
		unhandle,
		a.bus.Subscribe(domain.AgentActionResultTopic(a.ID()), a.onActionResult),
		a.bus.Subscribe(domain.TopicAgentComplete, a.onChildComplete),
	)

	a.mu.Lock()
	a.touchLocked()
	a.persistLocked(ctx)
	a.mu.Unlock()
	return nil
}

// Stop unregisters the agent and ends any running or suspended task.
func (a *Agent) Stop(ctx context.Context) {
	for _, u := range a.unsubs {
		u()
	}
	a.unsubs = nil
	a.stop()

	a.mu.Lock()
	c := a.conv
	suspended := c != nil && a.state.Status == domain.StatusSuspended
	if suspended {
		c.err = fmt.Errorf("agent stopped while waiting for %v: %w", a.state.WaitingFor, context.Canceled)
	}
	a.mu.Unlock()
	if suspended {
		a.finish(c)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("agent stop timed out")
	}
}

// State returns a snapshot of the runtime state.
func (a *Agent) State() domain.AgentRuntimeState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneState(a.state)
}

// History returns the messages of the running task, or of the last finished
// one when idle.
func (a *Agent) History() []domain.Message {
	a.mu.Lock()
	c := a.conv
	if c == nil {
		c = a.last
	}
	a.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.history()
}

// Run is a handle on one started task.
type Run struct {
	c *conversation
}

// Wait blocks until the task finishes or ctx ends, and returns the final
// output. The task keeps running if ctx ends first.
func (r *Run) Wait(ctx context.Context) (string, error) {
	select {
	case <-r.c.done:
		return r.c.result, r.c.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Done is closed once the task has finished.
func (r *Run) Done() <-chan struct{} { return r.c.done }

// Start begins a task. It fails with ErrAgentBusy while another task is in
// flight, including one suspended on delegated children.
func (a *Agent) Start(req domain.TaskRequest) (*Run, error) {
	if req.Prompt == "" {
		return nil, domain.NewDomainError("Agent.Start", domain.ErrInvalidInput, "empty prompt")
	}
	if a.lifetime.Err() != nil {
		return nil, domain.NewDomainError("Agent.Start", domain.ErrDisabled, "agent stopped")
	}

	a.mu.Lock()
	if a.conv != nil || a.state.Status != domain.StatusIdle {
		status := a.state.Status
		a.mu.Unlock()
		return nil, domain.NewDomainError("Agent.Start", domain.ErrAgentBusy, fmt.Sprintf("%s is %s", a.ID(), status))
	}
	c := a.newConversation(req)
	if err := a.transitionLocked(domain.StatusActive, func(s *domain.AgentRuntimeState) {
		s.CurrentTask = req.Prompt
	}); err != nil {
		a.mu.Unlock()
		c.cancel()
		return nil, err
	}
	a.conv = c
	a.mu.Unlock()

	a.logger.Info("task started", "delegated_by", req.DelegatedBy, "tools", len(c.tools))
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(c, phaseReason)
	}()
	return &Run{c: c}, nil
}

func (a *Agent) handleTask(ctx context.Context, event domain.Event) (json.RawMessage, error) {
	req, err := eventbus.Decode[domain.TaskRequest](event)
	if err != nil {
		return nil, domain.NewDomainError("Agent.handleTask", domain.ErrInvalidInput, err.Error())
	}
	run, err := a.Start(req)
	if err != nil {
		return nil, err
	}

	out, err := run.Wait(ctx)
	reply := domain.TaskReply{Success: err == nil, Output: out}
	if err != nil {
		reply.Error = err.Error()
	}
	return eventbus.Reply(reply)
}
