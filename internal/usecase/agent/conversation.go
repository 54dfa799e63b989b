package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"agentswarm/internal/domain"
)

// DelegateToolName is the built-in tool that hands a sub-task to another agent.
const DelegateToolName = "delegate_task"

// conversation is the in-memory context of one task. It survives suspension
// but not a process restart.
type conversation struct {
	ctx         context.Context
	cancel      context.CancelFunc
	task        string
	delegatedBy string
	tools       []domain.ToolSchema
	topics      map[string]string // tool name -> topic; delegation maps to ""

	mu       sync.Mutex
	messages []domain.Message

	// Owned by the goroutine currently running the loop.
	steps   int
	pending []domain.ToolCall

	result string
	err    error
	once   sync.Once
	done   chan struct{}
}

func (c *conversation) append(msgs ...domain.Message) {
	c.mu.Lock()
	c.messages = append(c.messages, msgs...)
	c.mu.Unlock()
}

func (c *conversation) history() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

func (a *Agent) newConversation(req domain.TaskRequest) *conversation {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if a.cfg.TaskTimeout > 0 {
		ctx, cancel = context.WithTimeout(a.lifetime, a.cfg.TaskTimeout)
	} else {
		ctx, cancel = context.WithCancel(a.lifetime)
	}
	tools, topics := a.snapshotTools()
	now := a.now()
	return &conversation{
		ctx:         ctx,
		cancel:      cancel,
		task:        req.Prompt,
		delegatedBy: req.DelegatedBy,
		tools:       tools,
		topics:      topics,
		messages: []domain.Message{
			{Role: domain.RoleSystem, Content: a.systemPrompt(), Timestamp: now},
			{Role: domain.RoleUser, Content: userPrompt(req), Timestamp: now},
		},
		done: make(chan struct{}),
	}
}

// snapshotTools fixes the tool set for one task. Empty capabilities allow
// every registered tool.
func (a *Agent) snapshotTools() ([]domain.ToolSchema, map[string]string) {
	caps := a.cfg.Agent.Capabilities
	allowed := func(name string) bool {
		return len(caps) == 0 || slices.Contains(caps, name)
	}

	var schemas []domain.ToolSchema
	topics := make(map[string]string)
	if a.tools != nil {
		for _, def := range a.tools.Definitions() {
			if allowed(def.Schema.Name) {
				schemas = append(schemas, def.Schema)
				topics[def.Schema.Name] = def.Topic
			}
		}
	}
	if allowed(DelegateToolName) {
		schemas = append(schemas, delegateSchema(a.peers()))
		topics[DelegateToolName] = ""
	}
	return schemas, topics
}

func (a *Agent) peers() []string {
	return slices.DeleteFunc(slices.Clone(a.cfg.Peers), func(p string) bool { return p == a.ID() })
}

func delegateSchema(peers []string) domain.ToolSchema {
	desc := "Delegate a sub-task to another agent and receive its result."
	if len(peers) > 0 {
		desc += " Available agents: " + strings.Join(peers, ", ") + "."
	}
	return domain.ToolSchema{
		Name:        DelegateToolName,
		Description: desc,
		Parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"agent_id":{"type":"string","description":"target agent id"},` +
			`"task":{"type":"string","description":"what the agent should do"},` +
			`"context":{"type":"object","description":"extra data for the agent"}},` +
			`"required":["agent_id","task"]}`),
	}
}

func (a *Agent) systemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", a.state.Name)
	if a.cfg.Agent.Role != "" {
		fmt.Fprintf(&b, ", the %s agent", a.cfg.Agent.Role)
	}
	b.WriteString(".\n\n")
	b.WriteString(a.cfg.Agent.Instructions)
	if a.cfg.Autonomy != "" {
		b.WriteString("\n\n")
		b.WriteString(a.cfg.Autonomy)
	}
	return b.String()
}

func userPrompt(req domain.TaskRequest) string {
	if len(req.ContextData) == 0 {
		return "Task:\n" + req.Prompt
	}
	data, err := json.MarshalIndent(req.ContextData, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprint(req.ContextData))
	}
	return "Task:\n" + req.Prompt + "\n\nContext:\n" + string(data)
}

func toolMessage(call domain.ToolCall, content string) domain.Message {
	return domain.Message{
		Role:       domain.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    content,
	}
}

func errorContent(err error) string {
	return "Error: " + err.Error()
}

func noticeMessage(n domain.CompletionNotice) domain.Message {
	content := fmt.Sprintf("Delegated agent %s finished:\n%s", n.AgentID, n.Result)
	if n.Error != "" {
		content = fmt.Sprintf("Delegated agent %s failed: %s", n.AgentID, n.Error)
	}
	return domain.Message{Role: domain.RoleSystem, Content: content}
}
