package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"agentswarm/internal/domain"
)

// Result is the outcome of one guest invocation.
type Result struct {
	Output  string
	Staged  []string // ids of actions the gate staged during the call
	Effects []string // outputs of effects applied immediately
}

// Module is one compiled and instantiated guest, owning its own runtime.
// Invocations are serialized.
type Module struct {
	name    string
	runtime wazero.Runtime
	module  api.Module
	sandbox *Sandbox
	env     *hostEnv
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Load compiles code in a dedicated runtime bounded by the sandbox limits and
// instantiates it. The guest must export malloc, free, memory and
// tool_execute(ptr, len).
func Load(ctx context.Context, name string, code []byte, sb *Sandbox, mutator domain.Mutator, logger *slog.Logger) (*Module, error) {
	logger = logger.With("wasm_module", name)
	// Each guest gets its own runtime so closing one never affects another.
	// Cancelling the context of a guest call aborts the guest.
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(sb.MemoryPages()))

	fail := func(err error) (*Module, error) {
		_ = rt.Close(ctx)
		return nil, err
	}

	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		return fail(compileError("wasm.Load", err))
	}

	env := &hostEnv{sandbox: sb, logger: logger, mutator: mutator}
	hostCompiled, err := registerHostFunctions(ctx, rt, env)
	if err != nil {
		return fail(err)
	}
	if _, err := rt.InstantiateModule(ctx, hostCompiled, wazero.NewModuleConfig().WithName(HostModule)); err != nil {
		return fail(compileError("wasm.Load", fmt.Errorf("instantiate host module: %w", err)))
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions())
	if err != nil {
		return fail(domain.NewSubSystemError("wasm", "wasm.Load", domain.ErrPermissionDenied, err.Error()))
	}
	if mod.ExportedFunction("tool_execute") == nil {
		return fail(compileError("wasm.Load", errors.New("module does not export tool_execute")))
	}

	logger.Info("wasm module loaded",
		"max_memory_mb", sb.MaxMemoryMB(),
		"exec_timeout", sb.ExecTimeout(),
	)

	return &Module{
		name:    name,
		runtime: rt,
		module:  mod,
		sandbox: sb,
		env:     env,
		logger:  logger,
	}, nil
}

// Invoke runs tool_execute with input under the sandbox's wall-clock limit.
// A timeout, or a trap while linear memory sits at its ceiling, returns
// ErrSandboxResourceExceeded; the caller is expected to Close the module then.
func (m *Module) Invoke(ctx context.Context, input []byte) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Result{}, domain.NewSubSystemError("wasm", "Module.Invoke", domain.ErrToolExecution, "module closed")
	}

	execCtx, cancel := context.WithTimeout(ctx, m.sandbox.ExecTimeout())
	defer cancel()

	inv := &invocation{}
	m.env.current = inv
	defer func() { m.env.current = nil }()

	mem := guestMem{m.module}
	buf, err := mem.put(execCtx, input)
	if err != nil {
		return Result{}, m.classify(execCtx, err)
	}
	defer mem.release(execCtx, buf)

	if _, err := m.module.ExportedFunction("tool_execute").Call(execCtx, uint64(buf.ptr), uint64(buf.size)); err != nil {
		return Result{Staged: inv.staged}, m.classify(execCtx, err)
	}

	res := Result{Staged: inv.staged, Effects: inv.effects}
	switch {
	case inv.result != nil:
		res.Output = string(inv.result)
	case len(inv.effects) > 0:
		res.Output = strings.Join(inv.effects, "\n")
	default:
		res.Output = "ok"
	}
	return res, nil
}

func (m *Module) classify(execCtx context.Context, err error) error {
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return domain.NewSubSystemError("wasm", "Module.Invoke", domain.ErrSandboxResourceExceeded,
			fmt.Sprintf("exceeded %s wall-clock limit", m.sandbox.ExecTimeout()))
	}
	if errors.Is(err, domain.ErrSandboxResourceExceeded) || m.atMemoryCeiling() {
		return domain.NewSubSystemError("wasm", "Module.Invoke", domain.ErrSandboxResourceExceeded,
			fmt.Sprintf("exceeded %dMB memory limit", m.sandbox.MaxMemoryMB()))
	}
	return domain.NewSubSystemError("wasm", "Module.Invoke", domain.ErrToolExecution, err.Error())
}

func (m *Module) atMemoryCeiling() bool {
	mem := m.module.Memory()
	if mem == nil {
		return false
	}
	return uint64(mem.Size()) >= uint64(m.sandbox.MemoryPages())*pageSize
}

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// Close unloads the guest and its runtime. Close is idempotent.
func (m *Module) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.runtime.Close(ctx); err != nil {
		return domain.NewSubSystemError("wasm", "Module.Close", domain.ErrToolExecution, err.Error())
	}
	m.logger.Debug("wasm module closed")
	return nil
}

func compileError(op string, err error) error {
	return domain.NewSubSystemError("wasm", op, domain.ErrInvalidInput, fmt.Sprint(err))
}
