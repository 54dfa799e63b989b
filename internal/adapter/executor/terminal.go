package executor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"agentswarm/internal/domain"
	"agentswarm/internal/security"
)

// CommandPolicy is the allowlist of executables terminal:exec may run. An
// empty allowlist permits nothing.
type CommandPolicy struct {
	allowed map[string]bool
}

// NewCommandPolicy creates a policy from base command names.
func NewCommandPolicy(allowed []string) *CommandPolicy {
	m := make(map[string]bool, len(allowed))
	for _, c := range allowed {
		m[c] = true
	}
	return &CommandPolicy{allowed: m}
}

// Check verifies the base name of command is allowed.
func (p *CommandPolicy) Check(command string) error {
	base := filepath.Base(command)
	if command == "" || !p.allowed[base] {
		return domain.NewDomainError("CommandPolicy.Check", domain.ErrCommandNotAllowed,
			fmt.Sprintf("command %q (base: %q) not in allowlist", command, base))
	}
	return nil
}

// Terminal serves terminal:exec through the mutation path.
type Terminal struct {
	sandbox  *security.Sandbox
	commands *CommandPolicy
	mutator  domain.Mutator
	logger   *slog.Logger
}

// NewTerminal creates the terminal executor.
func NewTerminal(sandbox *security.Sandbox, commands *CommandPolicy, mutator domain.Mutator, logger *slog.Logger) *Terminal {
	return &Terminal{sandbox: sandbox, commands: commands, mutator: mutator, logger: logger}
}

type terminalParams struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
}

// Endpoints returns terminal_exec.
func (t *Terminal) Endpoints() []Endpoint {
	return []Endpoint{
		endpoint("terminal_exec", domain.TopicTerminalExec,
			"Run an allowed command in the workspace (requires approval in shadow mode)", `{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "Executable, or a full command line when args is empty"},
				"args": {"type": "array", "items": {"type": "string"}},
				"cwd": {"type": "string", "description": "Working directory relative to the workspace"}
			},
			"required": ["command"]
		}`, Handler("executor.terminal_exec", t.logger, t.exec)),
	}
}

func (t *Terminal) exec(ctx context.Context, _ trace.Span, p terminalParams) (any, error) {
	command, args := p.Command, p.Args
	if len(args) == 0 {
		fields := strings.Fields(command)
		if len(fields) == 0 {
			return nil, domain.NewDomainError("Terminal.exec", domain.ErrInvalidInput, "empty command")
		}
		command, args = fields[0], fields[1:]
	}
	if err := t.commands.Check(command); err != nil {
		return nil, err
	}
	if p.Cwd != "" {
		if _, err := t.sandbox.ValidatePath(p.Cwd); err != nil {
			return nil, err
		}
	}

	summary := strings.TrimSpace(command + " " + strings.Join(args, " "))
	if p.Cwd != "" {
		summary += " (in " + p.Cwd + ")"
	}
	return t.mutator.Mutate(ctx, domain.AgentIDFromContext(ctx), domain.ActionExec, "exec "+summary,
		domain.ExecPayload{Command: command, Args: args, Cwd: p.Cwd})
}
