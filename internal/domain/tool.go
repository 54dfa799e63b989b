package domain

import (
	"encoding/json"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents an LLM's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition binds a tool schema to the bus topic that executes it.
type ToolDefinition struct {
	Schema ToolSchema `json:"schema"`
	Topic  string     `json:"topic"`
}

// ToolReply is the reply every executor sends back. A staged reply means the
// Approval Gate intercepted the call and ActionID identifies the pending action.
type ToolReply struct {
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Staged    bool   `json:"staged,omitempty"`
	ActionID  string `json:"action_id,omitempty"`
}

// IsError reports whether the reply carries a failure.
func (r ToolReply) IsError() bool { return r.Error != "" }

// ToolCatalog exposes the currently registered tool definitions.
type ToolCatalog interface {
	Definitions() []ToolDefinition
	Lookup(name string) (ToolDefinition, bool)
}
