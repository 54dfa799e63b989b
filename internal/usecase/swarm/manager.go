// Package swarm is the orchestrator: it owns the agent registry, spawns agents
// lazily from configuration, routes tasks and delegations to them, and feeds
// approval outcomes back to the agent that staged each action.
package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"

	"agentswarm/internal/domain"
	"agentswarm/internal/infra/config"
	"agentswarm/internal/usecase/agent"
	"agentswarm/internal/usecase/eventbus"
	"agentswarm/internal/usecase/keylock"
	"agentswarm/internal/usecase/shadow"
)

// ResolutionSource reports resolved approval-gate actions.
type ResolutionSource interface {
	OnResolved(fn shadow.Listener) func()
}

// Deps holds injected collaborators.
type Deps struct {
	Bus     domain.EventBus
	Catalog domain.ToolCatalog
	Store   domain.KVStore   // optional
	Gate    ResolutionSource // optional
	Logger  *slog.Logger
}

// Manager is the swarm orchestrator.
type Manager struct {
	cfg     config.SwarmConfig
	defs    map[string]domain.AgentConfig
	peers   []string
	bus     domain.EventBus
	catalog domain.ToolCatalog
	store   domain.KVStore
	gate    ResolutionSource
	logger  *slog.Logger
	locks   *keylock.Locker

	mu     sync.RWMutex
	agents map[string]*agent.Agent

	unsubs []func()
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a manager for the agents defined in cfg. No agent runs until it
// is first spawned.
func New(cfg config.SwarmConfig, deps Deps) *Manager {
	defs := make(map[string]domain.AgentConfig, len(cfg.Agents))
	peers := make([]string, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		defs[a.ID] = a
		peers = append(peers, a.ID)
	}
	sort.Strings(peers)

	return &Manager{
		cfg:     cfg,
		defs:    defs,
		peers:   peers,
		bus:     deps.Bus,
		catalog: deps.Catalog,
		store:   deps.Store,
		gate:    deps.Gate,
		logger:  deps.Logger.With("component", "swarm"),
		locks:   keylock.New(),
		agents:  make(map[string]*agent.Agent),
	}
}

// Mount serves system:delegate-task and starts forwarding gate outcomes.
func (m *Manager) Mount() error {
	unhandle, err := m.bus.Handle(domain.TopicDelegateTask, m.handleDelegate)
	if err != nil {
		return fmt.Errorf("mount orchestrator: %w", err)
	}
	m.unsubs = append(m.unsubs, unhandle)
	if m.gate != nil {
		m.unsubs = append(m.unsubs, m.gate.OnResolved(m.forwardResolution))
	}
	return nil
}

// Configured returns the ids of every configured agent, sorted.
func (m *Manager) Configured() []string {
	return append([]string(nil), m.peers...)
}

func (m *Manager) lookup(id string) *agent.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agents[id]
}

// Spawn returns the live agent id, constructing and mounting it on first use.
// Spawns of one id are serialized; distinct ids spawn concurrently.
func (m *Manager) Spawn(ctx context.Context, id string) (*agent.Agent, error) {
	if m.closed.Load() {
		return nil, domain.NewDomainError("Manager.Spawn", domain.ErrDisabled, "orchestrator shut down")
	}
	if a := m.lookup(id); a != nil {
		return a, nil
	}
	def, ok := m.defs[id]
	if !ok {
		return nil, domain.NewDomainError("Manager.Spawn", domain.ErrUnknownAgent, id)
	}

	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", id, err)
	}
	defer unlock()
	if a := m.lookup(id); a != nil {
		return a, nil
	}

	a := agent.New(m.agentConfig(def), agent.Deps{
		Bus:     m.bus,
		Catalog: m.catalog,
		Store:   m.store,
		Logger:  m.logger,
	})
	if err := a.Mount(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.agents[id] = a
	m.mu.Unlock()
	m.logger.Info("agent spawned", "agent", id, "role", def.Role)
	return a, nil
}

func (m *Manager) agentConfig(def domain.AgentConfig) agent.Config {
	return agent.Config{
		Agent:           def,
		MaxSteps:        m.cfg.MaxSteps,
		ApprovalTimeout: m.cfg.ApprovalTimeout,
		ToolTimeout:     m.cfg.ToolTimeout,
		TaskTimeout:     m.cfg.TaskTimeout,
		DelegationMode:  m.cfg.DelegationMode,
		Autonomy:        m.cfg.Autonomy,
		Peers:           m.peers,
	}
}

// Dispatch spawns agentID if needed and runs prompt on it, waiting for the
// result. A failed task is reported in the reply; the error is reserved for
// tasks that could not be delivered.
func (m *Manager) Dispatch(ctx context.Context, agentID, prompt string, contextData map[string]any) (domain.TaskReply, error) {
	return m.dispatch(ctx, agentID, domain.TaskRequest{Prompt: prompt, ContextData: contextData})
}

func (m *Manager) dispatch(ctx context.Context, agentID string, req domain.TaskRequest) (domain.TaskReply, error) {
	if _, err := m.Spawn(ctx, agentID); err != nil {
		return domain.TaskReply{}, err
	}
	return eventbus.Call[domain.TaskReply](ctx, m.bus, domain.AgentTaskTopic(agentID), req)
}

// ListAgents returns the runtime state of every live agent, sorted by id.
func (m *Manager) ListAgents() []domain.AgentRuntimeState {
	m.mu.RLock()
	states := make([]domain.AgentRuntimeState, 0, len(m.agents))
	for _, a := range m.agents {
		states = append(states, a.State())
	}
	m.mu.RUnlock()

	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}

// handleDelegate serves system:delegate-task. Sync requests are answered with
// the child's result; async ones are accepted at once and the child's outcome
// arrives later on system:agent-complete.
func (m *Manager) handleDelegate(ctx context.Context, event domain.Event) (json.RawMessage, error) {
	req, err := eventbus.Decode[domain.DelegateRequest](event)
	if err != nil {
		return nil, domain.NewDomainError("Manager.delegate", domain.ErrInvalidInput, err.Error())
	}
	switch {
	case req.TargetAgentID == "" || req.Prompt == "":
		return nil, domain.NewDomainError("Manager.delegate", domain.ErrInvalidInput, "target_agent_id and prompt are required")
	case req.TargetAgentID == req.FromAgent:
		return nil, domain.NewDomainError("Manager.delegate", domain.ErrInvalidInput, "an agent cannot delegate to itself")
	}
	if _, ok := m.defs[req.TargetAgentID]; !ok {
		return nil, domain.NewDomainError("Manager.delegate", domain.ErrUnknownAgent, req.TargetAgentID)
	}

	task := childTask(req)
	m.logger.Info("delegating",
		"from", req.FromAgent,
		"to", req.TargetAgentID,
		"async", req.Async,
	)

	if !req.Async {
		reply, err := m.dispatch(ctx, req.TargetAgentID, task)
		if err != nil {
			reply = domain.TaskReply{Error: err.Error()}
		}
		return eventbus.Reply(reply)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.startChild(context.WithoutCancel(ctx), req.TargetAgentID, task)
	}()
	return eventbus.Reply(domain.TaskReply{Success: true, Output: "accepted"})
}

// startChild begins an async delegation. The child's own completion notice
// reports the outcome; a child that cannot start gets a synthetic one.
func (m *Manager) startChild(ctx context.Context, id string, task domain.TaskRequest) {
	a, err := m.Spawn(ctx, id)
	if err == nil {
		_, err = a.Start(task)
	}
	if err == nil {
		return
	}

	m.logger.Warn("delegated task could not start", "agent", id, "from", task.DelegatedBy, "error", err)
	notice := domain.CompletionNotice{AgentID: id, Error: err.Error(), DelegatedBy: task.DelegatedBy}
	if err := m.bus.Publish(domain.ContextWithAgentID(ctx, id), domain.TopicAgentComplete, notice); err != nil {
		m.logger.Debug("publish synthetic completion failed", "error", err)
	}
}

// childTask builds the child's task with a provenance note.
func childTask(req domain.DelegateRequest) domain.TaskRequest {
	data := make(map[string]any, len(req.ContextData)+2)
	maps.Copy(data, req.ContextData)
	if req.FromAgent != "" {
		data["delegated_by"] = req.FromAgent
	}
	if req.ParentTask != "" {
		data["parent_task"] = req.ParentTask
	}
	return domain.TaskRequest{
		Prompt:      req.Prompt,
		ContextData: data,
		DelegatedBy: req.FromAgent,
	}
}

// forwardResolution relays a gate outcome to the agent that staged it.
func (m *Manager) forwardResolution(ctx context.Context, action domain.ShadowAction, err error) {
	res := domain.ActionResult{
		ActionID: action.ID,
		Status:   action.Status,
		Result:   action.Result,
		Error:    action.Error,
	}
	if err != nil && res.Error == "" {
		res.Error = err.Error()
	}
	if action.AgentID == "" {
		return
	}
	if err := m.bus.Publish(ctx, domain.AgentActionResultTopic(action.AgentID), res); err != nil {
		m.logger.Warn("forward action result failed", "action", action.ID, "agent", action.AgentID, "error", err)
	}
}

// Shutdown stops every agent and unregisters the orchestrator's handlers.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.closed.Swap(true) {
		return
	}
	for _, u := range m.unsubs {
		u()
	}
	m.unsubs = nil
	m.wg.Wait()

	m.mu.Lock()
	agents := make([]*agent.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Stop(ctx)
		}()
	}
	wg.Wait()
	m.logger.Info("orchestrator stopped", "agents", len(agents))
}
