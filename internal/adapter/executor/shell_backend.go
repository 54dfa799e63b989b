package executor

import (
	"context"
	"os"
	"os/exec"
	"time"
)

// maxCommandOutput caps each captured stream.
const maxCommandOutput = 256 << 10

// Command is one program invocation. No shell is involved, so Args are
// passed through verbatim.
type Command struct {
	Name string
	Args []string
	Dir  string
}

// CommandResult is what a finished command produced.
type CommandResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
}

// CommandRunner runs commands for terminal:exec and staged exec actions.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (CommandResult, error)
}

// LocalRunner runs commands as child processes of the swarm with a minimal
// environment.
type LocalRunner struct {
	timeout time.Duration
	env     []string
}

// NewLocalRunner returns a runner that kills commands after timeout (zero
// means no limit). Only PATH, HOME, LANG and TMPDIR are inherited.
func NewLocalRunner(timeout time.Duration) *LocalRunner {
	var env []string
	for _, k := range []string{"PATH", "HOME", "LANG", "TMPDIR"} {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return &LocalRunner{timeout: timeout, env: env}
}

// Run starts cmd and waits for it. A non-zero exit is returned as an error
// alongside the captured output.
func (r *LocalRunner) Run(ctx context.Context, cmd Command) (CommandResult, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = r.env
	stdout := &cappedBuffer{limit: maxCommandOutput}
	stderr := &cappedBuffer{limit: maxCommandOutput}
	c.Stdout, c.Stderr = stdout, stderr

	err := c.Run()
	res := CommandResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  c.ProcessState.ExitCode(),
		Truncated: stdout.dropped || stderr.dropped,
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, err
}

// cappedBuffer keeps the first limit bytes and discards the rest while still
// reporting full writes, so the child never blocks on a full pipe.
type cappedBuffer struct {
	buf     []byte
	limit   int
	dropped bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.buf)
	if room < len(p) {
		b.dropped = true
		if room > 0 {
			b.buf = append(b.buf, p[:room]...)
		}
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string { return string(b.buf) }
