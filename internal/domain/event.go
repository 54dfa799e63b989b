package domain

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Fixed topics.
const (
	TopicDelegateTask   = "system:delegate-task"
	TopicAgentStatus    = "system:agent-status"
	TopicAgentComplete  = "system:agent-complete"
	TopicActionStaged   = "shadow:action-staged"
	TopicActionResolved = "shadow:action-resolved"
	TopicShadowToggled  = "shadow:toggled"
	TopicFSRead         = "fs:read"
	TopicFSWrite        = "fs:write"
	TopicFSList         = "fs:list"
	TopicFSDelete       = "fs:delete"
	TopicTerminalExec   = "terminal:exec"
	TopicNetRequest     = "net:request"
	TopicBrowserBrowse  = "browser:browse"
	TopicBrowserSearch  = "browser:search"
	TopicLLMGenerate    = "llm:generate"
	TopicCreateTool     = "agent:create-tool"
	TopicToolCreated    = "workbench:tool-created"
	TopicToolKilled     = "workbench:tool-killed"
)

// AgentTaskTopic is the request topic an agent serves tasks on.
func AgentTaskTopic(agentID string) string {
	return "agent:" + agentID + ":task"
}

// AgentActionResultTopic carries approval outcomes back to the originating agent.
func AgentActionResultTopic(agentID string) string {
	return "agent:" + agentID + ":action-result"
}

// ValidTopic reports whether a topic name is usable for dynamic registration:
// non-empty, "namespace:name" shaped and free of whitespace.
func ValidTopic(topic string) bool {
	if topic == "" || strings.ContainsAny(topic, " \t\r\n") {
		return false
	}
	ns, name, ok := strings.Cut(topic, ":")
	return ok && ns != "" && name != ""
}

// Event is one message on the bus.
type Event struct {
	Topic     string          `json:"topic"`
	Origin    string          `json:"origin,omitempty"` // agent that caused the event, if any
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler processes fire-and-forget events.
type EventHandler func(ctx context.Context, event Event)

// RequestHandler answers a request-reply call with a JSON reply.
type RequestHandler func(ctx context.Context, event Event) (json.RawMessage, error)

// EventBus is the pub/sub substrate with request-reply. A topic has any number
// of subscribers but at most one request handler.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(topic string, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
	Handle(topic string, handler RequestHandler) (func(), error)
	Request(ctx context.Context, topic string, payload any) (json.RawMessage, error)
	Close()
}
