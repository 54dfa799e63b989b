package domain

import "context"

type ctxKey string

const agentCtxKey ctxKey = "agent_id"

// ContextWithAgentID returns a new context carrying the acting agent's ID.
func ContextWithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentCtxKey, agentID)
}

// AgentIDFromContext extracts the acting agent's ID from the context.
// Returns empty string if not set.
func AgentIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(agentCtxKey).(string); ok {
		return v
	}
	return ""
}
