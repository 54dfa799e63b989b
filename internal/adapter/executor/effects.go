package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"agentswarm/internal/domain"
	"agentswarm/internal/security"
)

// Effects performs the primitive side effects behind each action kind. The
// fs and terminal executors use it directly when shadow mode is off and the
// approval gate uses it when an action is approved, so both paths produce the
// same outcome.
type Effects struct {
	sandbox  *security.Sandbox
	runner   CommandRunner
	commands *CommandPolicy
	logger   *slog.Logger
}

var _ domain.Effector = (*Effects)(nil)

// NewEffects creates the effect layer confined to sandbox.
func NewEffects(sandbox *security.Sandbox, runner CommandRunner, commands *CommandPolicy, logger *slog.Logger) *Effects {
	return &Effects{sandbox: sandbox, runner: runner, commands: commands, logger: logger}
}

// Apply performs the effect described by payload.
func (e *Effects) Apply(ctx context.Context, kind domain.ActionKind, payload json.RawMessage) (string, error) {
	switch kind {
	case domain.ActionWrite:
		var p domain.WritePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", domain.NewDomainError("Effects.Apply", domain.ErrInvalidInput, err.Error())
		}
		return e.write(p)
	case domain.ActionDelete:
		var p domain.DeletePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", domain.NewDomainError("Effects.Apply", domain.ErrInvalidInput, err.Error())
		}
		return e.remove(p)
	case domain.ActionExec:
		var p domain.ExecPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", domain.NewDomainError("Effects.Apply", domain.ErrInvalidInput, err.Error())
		}
		return e.exec(ctx, p)
	default:
		return "", domain.NewDomainError("Effects.Apply", domain.ErrInvalidInput,
			fmt.Sprintf("unknown action kind %q", kind))
	}
}

func (e *Effects) write(p domain.WritePayload) (string, error) {
	resolved, err := e.sandbox.ValidatePath(p.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(p.Content), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	e.logger.Debug("file written", "path", e.sandbox.Rel(resolved), "size", len(p.Content))
	return fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.Path), nil
}

func (e *Effects) remove(p domain.DeletePayload) (string, error) {
	resolved, err := e.sandbox.ValidatePath(p.Path)
	if err != nil {
		return "", err
	}
	if resolved == e.sandbox.Root() {
		return "", domain.NewDomainError("Effects.remove", domain.ErrPermissionDenied, "refusing to delete the workspace root")
	}
	if err := os.Remove(resolved); err != nil {
		return "", fmt.Errorf("delete: %w", err)
	}
	e.logger.Debug("file deleted", "path", e.sandbox.Rel(resolved))
	return "deleted " + p.Path, nil
}

func (e *Effects) exec(ctx context.Context, p domain.ExecPayload) (string, error) {
	if err := e.commands.Check(p.Command); err != nil {
		return "", err
	}

	workDir := e.sandbox.Root()
	if p.Cwd != "" {
		resolved, err := e.sandbox.ValidatePath(p.Cwd)
		if err != nil {
			return "", err
		}
		workDir = resolved
	}

	res, err := e.runner.Run(ctx, Command{Name: p.Command, Args: p.Args, Dir: workDir})
	output := res.Stdout
	if res.Stderr != "" {
		output += "\nSTDERR:\n" + res.Stderr
	}
	if res.Truncated {
		output += "\n[output truncated]"
	}
	if err != nil {
		e.logger.Debug("command failed", "command", p.Command, "exit_code", res.ExitCode, "error", err)
		return "", fmt.Errorf("%w: command failed: %v\n%s", domain.ErrToolExecution, err, output)
	}
	e.logger.Debug("command completed", "command", p.Command)
	return output, nil
}
