package wasm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"agentswarm/internal/domain"
)

// HostModule is the namespace under which host functions are registered.
const HostModule = "swarm_v1"

// Host call status codes returned to the guest by fs_write and exec.
const (
	hostExecuted int32 = 0
	hostStaged   int32 = 1
	hostFailed   int32 = -1
)

// invocation collects what the guest reported during one tool_execute call.
type invocation struct {
	result  []byte
	staged  []string
	effects []string
}

// hostEnv holds the dependencies injected into host functions.
type hostEnv struct {
	sandbox *Sandbox
	logger  *slog.Logger
	mutator domain.Mutator
	current *invocation // guarded by Module.mu for the duration of a call
}

func (env *hostEnv) mutate(ctx context.Context, kind domain.ActionKind, summary string, payload any) int32 {
	if env.mutator == nil || env.current == nil {
		return hostFailed
	}
	reply, err := env.mutator.Mutate(ctx, domain.AgentIDFromContext(ctx), kind, summary, payload)
	if err != nil {
		env.logger.Warn("wasm host mutation failed", "kind", kind, "error", err)
		return hostFailed
	}
	if reply.Staged {
		env.current.staged = append(env.current.staged, reply.ActionID)
		return hostStaged
	}
	if reply.IsError() {
		env.current.effects = append(env.current.effects, "error: "+reply.Error)
		return hostFailed
	}
	env.current.effects = append(env.current.effects, reply.Output)
	return hostExecuted
}

// registerHostFunctions builds the swarm_v1 host module. Only capabilities
// allowed by the sandbox are exported, so a guest importing anything else
// fails to instantiate.
func registerHostFunctions(ctx context.Context, rt wazero.Runtime, env *hostEnv) (wazero.CompiledModule, error) {
	builder := rt.NewHostModuleBuilder(HostModule)

	// log(level, ptr, len)
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			level := int32(stack[0])
			msg, err := guestMem{mod}.text(uint32(stack[1]), uint32(stack[2]))
			if err != nil {
				env.logger.Error("wasm log: read failed", "error", err)
				return
			}
			switch {
			case level <= 0:
				env.logger.Debug(msg)
			case level == 1:
				env.logger.Info(msg)
			case level == 2:
				env.logger.Warn(msg)
			default:
				env.logger.Error(msg)
			}
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("log")

	// tool_result(ptr, len)
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			data, err := guestMem{mod}.view(uint32(stack[0]), uint32(stack[1]))
			if err != nil {
				env.logger.Error("wasm tool_result: read failed", "error", err)
				return
			}
			if env.current != nil {
				env.current.result = data
			}
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("tool_result")

	// fs_write(path_ptr, path_len, content_ptr, content_len) -> status
	if env.sandbox.AllowCapability(CapFS) {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				path, err := guestMem{mod}.text(uint32(stack[0]), uint32(stack[1]))
				if err != nil {
					stack[0] = api.EncodeI32(hostFailed)
					return
				}
				content, err := guestMem{mod}.text(uint32(stack[2]), uint32(stack[3]))
				if err != nil {
					stack[0] = api.EncodeI32(hostFailed)
					return
				}
				status := env.mutate(ctx, domain.ActionWrite,
					fmt.Sprintf("write %d bytes to %s", len(content), path),
					domain.WritePayload{Path: path, Content: content})
				stack[0] = api.EncodeI32(status)
			}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32},
				[]api.ValueType{api.ValueTypeI32}).
			Export("fs_write")
	}

	// exec(cmd_ptr, cmd_len) -> status
	if env.sandbox.AllowCapability(CapExec) {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				line, err := guestMem{mod}.text(uint32(stack[0]), uint32(stack[1]))
				fields := strings.Fields(line)
				if err != nil || len(fields) == 0 {
					stack[0] = api.EncodeI32(hostFailed)
					return
				}
				status := env.mutate(ctx, domain.ActionExec, "exec "+line,
					domain.ExecPayload{Command: fields[0], Args: fields[1:]})
				stack[0] = api.EncodeI32(status)
			}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
			Export("exec")
	}

	compiled, err := builder.Compile(ctx)
	if err != nil {
		return nil, compileError("wasm.registerHostFunctions", err)
	}
	return compiled, nil
}
