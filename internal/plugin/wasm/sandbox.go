package wasm

import (
	"fmt"
	"slices"
	"time"

	"agentswarm/internal/domain"
)

// Host function groups a guest may import. Log and result are granted to
// every tool; fs and exec stage mutations for approval.
const (
	CapLog        = "log"
	CapToolResult = "tool_result"
	CapFS         = "fs"
	CapExec       = "exec"
)

const (
	defaultMemoryMB    = 100
	defaultExecTimeout = 5 * time.Second
)

var knownCapabilities = []string{CapLog, CapToolResult, CapFS, CapExec}

// Limits are the resource quotas and grants of one sandboxed tool. Zero
// values take the 100MB and 5s defaults.
type Limits struct {
	MaxMemoryMB  int
	ExecTimeout  time.Duration
	Capabilities []string
}

// Sandbox is the resolved form of Limits that a loaded module runs under.
type Sandbox struct {
	granted     []string
	maxMemoryMB int
	execTimeout time.Duration
}

func NewSandbox(l Limits) *Sandbox {
	sb := &Sandbox{
		granted:     append([]string{CapLog, CapToolResult}, l.Capabilities...),
		maxMemoryMB: l.MaxMemoryMB,
		execTimeout: l.ExecTimeout,
	}
	if sb.maxMemoryMB <= 0 {
		sb.maxMemoryMB = defaultMemoryMB
	}
	if sb.execTimeout <= 0 {
		sb.execTimeout = defaultExecTimeout
	}
	return sb
}

// AllowCapability reports whether the tool was granted c.
func (s *Sandbox) AllowCapability(c string) bool {
	return slices.Contains(s.granted, c)
}

func (s *Sandbox) MaxMemoryMB() int { return s.maxMemoryMB }

// ExecTimeout bounds one guest invocation in wall-clock time.
func (s *Sandbox) ExecTimeout() time.Duration { return s.execTimeout }

// MemoryPages converts the memory limit to wasm pages.
func (s *Sandbox) MemoryPages() uint32 {
	return uint32(s.maxMemoryMB << 20 / pageSize)
}

// ValidateCapabilities rejects a manifest that asks for host functions this
// runtime does not provide.
func ValidateCapabilities(requested []string) error {
	var unknown []string
	for _, c := range requested {
		if !slices.Contains(knownCapabilities, c) {
			unknown = append(unknown, c)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: unknown capabilities: %v", domain.ErrPermissionDenied, unknown)
	}
	return nil
}
