package domain

import "time"

// Tool languages accepted by the workbench.
const (
	LanguageGo   = "go"
	LanguageWASM = "wasm"
)

// DynamicTool is an agent-authored tool loaded at runtime.
type DynamicTool struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Language    string    `json:"language"`
	Trigger     string    `json:"trigger"`
	Sandboxed   bool      `json:"sandboxed"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateToolRequest is the agent:create-tool payload.
type CreateToolRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Language    string `json:"language"`
	Code        string `json:"code"`
	Trigger     string `json:"trigger"`
}

// CreateToolReply is the agent:create-tool reply.
type CreateToolReply struct {
	ToolID  string `json:"tool_id"`
	Trigger string `json:"trigger"`
}
