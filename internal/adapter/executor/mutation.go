package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"agentswarm/internal/domain"
)

// Stager is the part of the approval gate the mutation path needs.
type Stager interface {
	Enabled() bool
	Stage(ctx context.Context, agentID string, kind domain.ActionKind, summary string, payload json.RawMessage) (domain.ShadowAction, error)
}

// Mutation is the single path every mutating operation takes. While the gate
// is enabled the operation is staged and a staged reply returned at once;
// otherwise the effect is applied immediately.
type Mutation struct {
	gate    Stager
	effects domain.Effector
	logger  *slog.Logger
}

var _ domain.Mutator = (*Mutation)(nil)

// NewMutation creates the mutation path. gate may be nil, in which case
// effects always apply directly.
func NewMutation(gate Stager, effects domain.Effector, logger *slog.Logger) *Mutation {
	return &Mutation{gate: gate, effects: effects, logger: logger}
}

// Mutate stages or applies one mutating action on behalf of agentID.
func (m *Mutation) Mutate(ctx context.Context, agentID string, kind domain.ActionKind, summary string, payload any) (domain.ToolReply, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.ToolReply{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}

	if m.gate != nil && m.gate.Enabled() {
		action, err := m.gate.Stage(ctx, agentID, kind, summary, data)
		if err != nil {
			return domain.ToolReply{}, err
		}
		return domain.ToolReply{
			Staged:   true,
			ActionID: action.ID,
			Output:   fmt.Sprintf("action %s staged for approval: %s", action.ID, summary),
		}, nil
	}

	out, err := m.effects.Apply(ctx, kind, data)
	if err != nil {
		m.logger.Debug("mutation failed", "agent", agentID, "kind", kind, "error", err)
		return errorReply(err), nil
	}
	return domain.ToolReply{Output: out}, nil
}
