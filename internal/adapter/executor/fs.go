package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"agentswarm/internal/domain"
	"agentswarm/internal/infra/tracer"
	"agentswarm/internal/security"
)

const defaultMaxReadBytes = 1 << 20 // 1MB

// FS serves the fs:* topics. Reads and listings run directly; writes and
// deletes take the mutation path.
type FS struct {
	sandbox      *security.Sandbox
	mutator      domain.Mutator
	maxReadBytes int64
	logger       *slog.Logger
}

// NewFS creates the filesystem executor.
func NewFS(sandbox *security.Sandbox, mutator domain.Mutator, maxReadBytes int64, logger *slog.Logger) *FS {
	if maxReadBytes <= 0 {
		maxReadBytes = defaultMaxReadBytes
	}
	return &FS{sandbox: sandbox, mutator: mutator, maxReadBytes: maxReadBytes, logger: logger}
}

type fsParams struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

// Endpoints returns fs_read, fs_write, fs_list and fs_delete.
func (f *FS) Endpoints() []Endpoint {
	return []Endpoint{
		endpoint("fs_read", domain.TopicFSRead, "Read a file from the workspace", `{
			"type": "object",
			"properties": {"path": {"type": "string", "description": "File path relative to the workspace"}},
			"required": ["path"]
		}`, Handler("executor.fs_read", f.logger, f.read)),
		endpoint("fs_write", domain.TopicFSWrite, "Create or overwrite a file in the workspace (requires approval in shadow mode)", `{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path relative to the workspace"},
				"content": {"type": "string", "description": "Full file content"}
			},
			"required": ["path", "content"]
		}`, Handler("executor.fs_write", f.logger, f.write)),
		endpoint("fs_list", domain.TopicFSList, "List a directory in the workspace", `{
			"type": "object",
			"properties": {"path": {"type": "string", "description": "Directory path, defaults to the workspace root"}}
		}`, Handler("executor.fs_list", f.logger, f.list)),
		endpoint("fs_delete", domain.TopicFSDelete, "Delete a file or empty directory (requires approval in shadow mode)", `{
			"type": "object",
			"properties": {"path": {"type": "string"}},
			"required": ["path"]
		}`, Handler("executor.fs_delete", f.logger, f.remove)),
	}
}

func (f *FS) read(_ context.Context, span trace.Span, p fsParams) (any, error) {
	resolved, err := f.sandbox.ValidatePath(p.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if info.IsDir() {
		return nil, domain.NewDomainError("FS.read", domain.ErrInvalidInput, p.Path+" is a directory")
	}
	if info.Size() > f.maxReadBytes {
		return nil, domain.NewDomainError("FS.read", domain.ErrLimitReached,
			fmt.Sprintf("%s is %d bytes, limit is %d", p.Path, info.Size(), f.maxReadBytes))
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	span.SetAttributes(tracer.IntAttr("fs.bytes", len(data)))
	return string(data), nil
}

func (f *FS) list(_ context.Context, _ trace.Span, p fsParams) (any, error) {
	dir := f.sandbox.Root()
	if p.Path != "" && p.Path != "." {
		resolved, err := f.sandbox.ValidatePath(p.Path)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list dir: %w", err)
	}
	var sb strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&sb, "%s/\n", entry.Name())
		} else {
			fmt.Fprintf(&sb, "%s\n", entry.Name())
		}
	}
	return sb.String(), nil
}

func (f *FS) write(ctx context.Context, _ trace.Span, p fsParams) (any, error) {
	// Reject paths outside the workspace before they reach a reviewer.
	if _, err := f.sandbox.ValidatePath(p.Path); err != nil {
		return nil, err
	}
	summary := fmt.Sprintf("write %d bytes to %s", len(p.Content), p.Path)
	return f.mutator.Mutate(ctx, domain.AgentIDFromContext(ctx), domain.ActionWrite, summary,
		domain.WritePayload{Path: p.Path, Content: p.Content})
}

func (f *FS) remove(ctx context.Context, _ trace.Span, p fsParams) (any, error) {
	if _, err := f.sandbox.ValidatePath(p.Path); err != nil {
		return nil, err
	}
	return f.mutator.Mutate(ctx, domain.AgentIDFromContext(ctx), domain.ActionDelete, "delete "+p.Path,
		domain.DeletePayload{Path: p.Path})
}
