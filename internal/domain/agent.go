package domain

import "time"

// AgentConfig is the immutable, statically configured definition of an agent.
type AgentConfig struct {
	ID           string   `json:"id"                     yaml:"id"`
	Name         string   `json:"name"                   yaml:"name"`
	Role         string   `json:"role"                   yaml:"role"`
	Instructions string   `json:"instructions"           yaml:"instructions"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// AgentStatus is the coarse lifecycle state of an agent.
type AgentStatus string

const (
	StatusIdle            AgentStatus = "idle"
	StatusActive          AgentStatus = "active"
	StatusWaitingApproval AgentStatus = "waiting_approval"
	StatusSuspended       AgentStatus = "suspended"
	StatusError           AgentStatus = "error"
)

// agentTransitions is the documented state graph.
var agentTransitions = map[AgentStatus][]AgentStatus{
	StatusIdle:            {StatusActive},
	StatusActive:          {StatusWaitingApproval, StatusSuspended, StatusIdle, StatusError},
	StatusWaitingApproval: {StatusActive, StatusError},
	StatusSuspended:       {StatusActive, StatusError},
	StatusError:           {StatusIdle},
}

// CanTransition reports whether moving from one status to another follows the
// agent state graph. Staying in the same status is always allowed.
func CanTransition(from, to AgentStatus) bool {
	if from == to {
		return true
	}
	for _, next := range agentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AgentRuntimeState is the persisted, broadcast view of a live agent.
type AgentRuntimeState struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Role            string      `json:"role"`
	Status          AgentStatus `json:"status"`
	CurrentTask     string      `json:"current_task,omitempty"`
	Capabilities    []string    `json:"capabilities,omitempty"`
	PendingActionID string      `json:"pending_action_id,omitempty"`
	WaitingFor      []string    `json:"waiting_for,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// AgentStateKey is the durable store key for an agent's runtime state.
func AgentStateKey(agentID string) string {
	return "agent." + agentID
}

// TaskRequest is the agent:{id}:task payload.
type TaskRequest struct {
	Prompt      string         `json:"prompt"`
	ContextData map[string]any `json:"context_data,omitempty"`
	// DelegatedBy names the parent agent when the task is a delegation. It is
	// echoed on the completion notice so the parent can match it.
	DelegatedBy string `json:"delegated_by,omitempty"`
}

// TaskReply is the agent:{id}:task reply.
type TaskReply struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DelegateRequest is the system:delegate-task payload.
type DelegateRequest struct {
	TargetAgentID string         `json:"target_agent_id"`
	Prompt        string         `json:"prompt"`
	ContextData   map[string]any `json:"context_data,omitempty"`
	FromAgent     string         `json:"from_agent,omitempty"`
	ParentTask    string         `json:"parent_task,omitempty"`
	// Async asks the orchestrator to accept immediately and report the child's
	// outcome on system:agent-complete.
	Async bool `json:"async,omitempty"`
}

// CompletionNotice is published on system:agent-complete when a task ends.
type CompletionNotice struct {
	AgentID     string `json:"agent_id"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	DelegatedBy string `json:"delegated_by,omitempty"`
}
