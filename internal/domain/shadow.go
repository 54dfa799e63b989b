package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ActionKind classifies a mutating action.
type ActionKind string

const (
	ActionWrite  ActionKind = "write"
	ActionDelete ActionKind = "delete"
	ActionExec   ActionKind = "exec"
)

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionWrite, ActionDelete, ActionExec:
		return true
	}
	return false
}

// ActionStatus is the lifecycle state of a ShadowAction.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
	ActionExecuted ActionStatus = "executed"
	ActionFailed   ActionStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s ActionStatus) Terminal() bool {
	return s == ActionRejected || s == ActionExecuted || s == ActionFailed
}

// ActionEdit records a reviewer's change to the staged payload.
type ActionEdit struct {
	OriginalPayload json.RawMessage `json:"original_payload"`
	EditedAt        time.Time       `json:"edited_at"`
}

// ShadowAction is a mutating request staged for human review.
type ShadowAction struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agent_id"`
	Kind       ActionKind      `json:"kind"`
	Summary    string          `json:"summary"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	Status     ActionStatus    `json:"status"`
	Edit       *ActionEdit     `json:"edit,omitempty"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// ShadowActionKey is the durable store key for a staged action.
func ShadowActionKey(id string) string {
	return "shadow." + id
}

// ActionResult is the agent:{id}:action-result payload.
type ActionResult struct {
	ActionID string       `json:"action_id"`
	Status   ActionStatus `json:"status"`
	Result   string       `json:"result,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// WritePayload, DeletePayload and ExecPayload are the payloads of the three
// action kinds.
type WritePayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type DeletePayload struct {
	Path string `json:"path"`
}

type ExecPayload struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
}

// Effector performs the primitive effect behind an action kind. Executors use it
// directly when shadow mode is off and the gate uses it on approval.
type Effector interface {
	Apply(ctx context.Context, kind ActionKind, payload json.RawMessage) (string, error)
}

// Mutator is the single path every mutating operation takes: staged for review
// when shadow mode is on, applied immediately otherwise.
type Mutator interface {
	Mutate(ctx context.Context, agentID string, kind ActionKind, summary string, payload any) (ToolReply, error)
}
