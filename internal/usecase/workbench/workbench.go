// Package workbench lets agents author tools at runtime. A tool is either a
// Go script run by a restricted interpreter or a WASM module run in its own
// resource-limited runtime; both are served on a bus topic and listed in the
// tool catalog like any built-in executor.
package workbench

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"agentswarm/internal/domain"
	"agentswarm/internal/infra/config"
	"agentswarm/internal/infra/tracer"
	"agentswarm/internal/plugin/wasm"
	"agentswarm/internal/usecase/eventbus"
	"agentswarm/internal/usecase/keylock"
)

// CreateToolName is the catalog name of the tool that creates tools.
const CreateToolName = "create_tool"

// Catalog is where dynamic tools are listed and served.
type Catalog interface {
	Mount(bus domain.EventBus, def domain.ToolDefinition, h domain.RequestHandler) (func(), error)
}

// Options configures a Workbench.
type Options struct {
	Config  config.WorkbenchConfig
	Bus     domain.EventBus
	Catalog Catalog
	Mutator domain.Mutator // host fs_write and exec go through it
	Logger  *slog.Logger
}

type liveTool struct {
	info    domain.DynamicTool
	script  scriptFunc   // go tools
	module  *wasm.Module // wasm tools
	unmount func()
}

// Workbench creates, serves and kills dynamic tools.
type Workbench struct {
	cfg      config.WorkbenchConfig
	bus      domain.EventBus
	catalog  Catalog
	mutator  domain.Mutator
	compiler *scriptCompiler
	logger   *slog.Logger
	locks    *keylock.Locker
	now      func() time.Time

	mu      sync.RWMutex
	tools   map[string]*liveTool // by id
	unmount func()
}

// New creates a workbench.
func New(opts Options) *Workbench {
	logger := opts.Logger.With("component", "workbench")
	return &Workbench{
		cfg:      opts.Config,
		bus:      opts.Bus,
		catalog:  opts.Catalog,
		mutator:  opts.Mutator,
		compiler: newScriptCompiler(opts.Config.AllowedPackages, logger),
		logger:   logger,
		locks:    keylock.New(),
		now:      time.Now,
		tools:    make(map[string]*liveTool),
	}
}

var createToolParams = json.RawMessage(`{
	"type": "object",
	"properties": {
		"name": {"type": "string", "description": "Unique tool name"},
		"description": {"type": "string"},
		"language": {"type": "string", "enum": ["go", "wasm"]},
		"code": {"type": "string", "description": "Go source defining func Run(input string) (string, error), or base64 WASM bytes"},
		"trigger": {"type": "string", "description": "Bus topic the tool serves, namespace:name"}
	},
	"required": ["name", "language", "code", "trigger"]
}`)

var dynamicToolParams = json.RawMessage(`{
	"type": "object",
	"properties": {"input": {"type": "string"}}
}`)

// Mount serves agent:create-tool and lists it in the catalog as create_tool.
func (w *Workbench) Mount() error {
	unmount, err := w.catalog.Mount(w.bus, domain.ToolDefinition{
		Schema: domain.ToolSchema{
			Name:        CreateToolName,
			Description: "Create a new tool from Go source or a WASM module. The tool becomes callable by its name.",
			Parameters:  createToolParams,
		},
		Topic: domain.TopicCreateTool,
	}, w.handleCreate)
	if err != nil {
		return fmt.Errorf("mount workbench: %w", err)
	}
	w.mu.Lock()
	w.unmount = unmount
	w.mu.Unlock()
	return nil
}

func (w *Workbench) handleCreate(ctx context.Context, event domain.Event) (json.RawMessage, error) {
	req, err := eventbus.Decode[domain.CreateToolRequest](event)
	if err != nil {
		return nil, domain.NewDomainError("Workbench.create", domain.ErrInvalidInput, err.Error())
	}
	tool, err := w.CreateTool(ctx, req)
	if err != nil {
		return nil, err
	}
	return eventbus.Reply(domain.CreateToolReply{ToolID: tool.ID, Trigger: tool.Trigger})
}

func (w *Workbench) validate(req domain.CreateToolRequest) error {
	switch {
	case req.Name == "":
		return domain.NewDomainError("Workbench.CreateTool", domain.ErrInvalidInput, "name is required")
	case strings.ContainsAny(req.Name, " \t\r\n"):
		return domain.NewDomainError("Workbench.CreateTool", domain.ErrInvalidInput, "name must not contain whitespace")
	case req.Code == "":
		return domain.NewDomainError("Workbench.CreateTool", domain.ErrInvalidInput, "code is required")
	case !domain.ValidTopic(req.Trigger):
		return domain.NewDomainError("Workbench.CreateTool", domain.ErrInvalidInput,
			fmt.Sprintf("trigger %q must look like namespace:name", req.Trigger))
	case req.Language != domain.LanguageGo && req.Language != domain.LanguageWASM:
		return domain.NewDomainError("Workbench.CreateTool", domain.ErrInvalidInput,
			fmt.Sprintf("language %q must be %q or %q", req.Language, domain.LanguageGo, domain.LanguageWASM))
	}
	return nil
}

// CreateTool builds the tool, lists it in the catalog and serves it on its
// trigger. Names and triggers are unique.
func (w *Workbench) CreateTool(ctx context.Context, req domain.CreateToolRequest) (domain.DynamicTool, error) {
	if err := w.validate(req); err != nil {
		return domain.DynamicTool{}, err
	}

	unlock, err := w.locks.Lock(ctx, req.Name)
	if err != nil {
		return domain.DynamicTool{}, err
	}
	defer unlock()

	w.mu.RLock()
	count := len(w.tools)
	var clash string
	for _, t := range w.tools {
		if t.info.Name == req.Name || t.info.Trigger == req.Trigger {
			clash = t.info.Name
		}
	}
	w.mu.RUnlock()
	if clash != "" {
		return domain.DynamicTool{}, domain.NewDomainError("Workbench.CreateTool", domain.ErrDuplicate,
			fmt.Sprintf("name or trigger already used by %q", clash))
	}
	if w.cfg.MaxTools > 0 && count >= w.cfg.MaxTools {
		return domain.DynamicTool{}, domain.NewDomainError("Workbench.CreateTool", domain.ErrLimitReached,
			fmt.Sprintf("at most %d dynamic tools", w.cfg.MaxTools))
	}

	t := &liveTool{info: domain.DynamicTool{
		ID:          ulid.Make().String(),
		Name:        req.Name,
		Description: req.Description,
		Language:    req.Language,
		Trigger:     req.Trigger,
		Sandboxed:   req.Language == domain.LanguageWASM,
		CreatedAt:   w.now(),
	}}
	if t.info.Description == "" {
		t.info.Description = "Dynamic " + req.Language + " tool " + req.Name
	}

	switch req.Language {
	case domain.LanguageGo:
		t.script, err = w.compiler.compile(ctx, req.Name, req.Code)
	case domain.LanguageWASM:
		t.module, err = w.loadModule(ctx, req.Name, req.Code)
	}
	if err != nil {
		return domain.DynamicTool{}, err
	}

	def := domain.ToolDefinition{
		Schema: domain.ToolSchema{
			Name:        req.Name,
			Description: t.info.Description,
			Parameters:  dynamicToolParams,
		},
		Topic: req.Trigger,
	}
	id := t.info.ID
	t.unmount, err = w.catalog.Mount(w.bus, def, func(ctx context.Context, event domain.Event) (json.RawMessage, error) {
		return eventbus.Reply(w.invoke(ctx, id, event))
	})
	if err != nil {
		if t.module != nil {
			_ = t.module.Close(ctx)
		}
		return domain.DynamicTool{}, err
	}

	w.mu.Lock()
	w.tools[id] = t
	w.mu.Unlock()

	w.logger.Info("tool created",
		"tool", req.Name,
		"id", id,
		"language", req.Language,
		"trigger", req.Trigger,
		"agent", domain.AgentIDFromContext(ctx),
	)
	w.publish(ctx, domain.TopicToolCreated, t.info)
	return t.info, nil
}

func (w *Workbench) loadModule(ctx context.Context, name, code string) (*wasm.Module, error) {
	bin, err := base64.StdEncoding.DecodeString(strings.TrimSpace(code))
	if err != nil {
		return nil, domain.NewDomainError("Workbench.CreateTool", domain.ErrInvalidInput,
			fmt.Sprintf("wasm code must be base64: %v", err))
	}
	sb := wasm.NewSandbox(wasm.Limits{
		MaxMemoryMB:  w.cfg.MaxMemoryMB,
		ExecTimeout:  w.cfg.ExecTimeout,
		Capabilities: []string{wasm.CapFS, wasm.CapExec},
	})
	return wasm.Load(context.WithoutCancel(ctx), name, bin, sb, w.mutator, w.logger)
}

func (w *Workbench) lookup(id string) *liveTool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tools[id]
}

// scriptInput is the string handed to Run: the "input" argument when
// present, otherwise the raw arguments.
func scriptInput(payload json.RawMessage) string {
	var args struct {
		Input *string `json:"input"`
	}
	if err := json.Unmarshal(payload, &args); err == nil && args.Input != nil {
		return *args.Input
	}
	return string(payload)
}

// invoke runs one call of tool id. A resource breach kills the tool.
func (w *Workbench) invoke(ctx context.Context, id string, event domain.Event) domain.ToolReply {
	t := w.lookup(id)
	if t == nil {
		return domain.ToolReply{Error: "tool no longer exists"}
	}
	if event.Origin != "" {
		ctx = domain.ContextWithAgentID(ctx, event.Origin)
	}
	ctx, span := tracer.StartSpan(ctx, "workbench.invoke",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", t.info.Name),
			tracer.StringAttr("tool.language", t.info.Language),
			tracer.StringAttr("agent.id", event.Origin),
		),
	)
	defer span.End()

	var (
		reply domain.ToolReply
		err   error
	)
	switch {
	case t.script != nil:
		execCtx, cancel := context.WithTimeout(ctx, w.execTimeout())
		var out string
		out, err = callScript(execCtx, t.script, scriptInput(event.Payload))
		cancel()
		reply.Output = out
	case t.module != nil:
		var res wasm.Result
		res, err = t.module.Invoke(ctx, event.Payload)
		reply = moduleReply(res)
	}

	if err != nil {
		tracer.RecordError(span, err)
		w.logger.Warn("tool failed", "tool", t.info.Name, "error", err)
		if errors.Is(err, domain.ErrSandboxResourceExceeded) {
			if kerr := w.KillTool(context.WithoutCancel(ctx), id); kerr != nil {
				w.logger.Warn("kill tool after resource breach failed", "tool", t.info.Name, "error", kerr)
			}
		}
		reply.Error = err.Error()
		reply.Staged = false
		reply.ActionID = ""
		return reply
	}
	tracer.SetOK(span)
	return reply
}

func (w *Workbench) execTimeout() time.Duration {
	if w.cfg.ExecTimeout > 0 {
		return w.cfg.ExecTimeout
	}
	return 5 * time.Second
}

// moduleReply maps a guest result to a tool reply. Only the first staged
// action is awaited by the caller; later ones are named in the output and
// stay pending with the gate.
func moduleReply(res wasm.Result) domain.ToolReply {
	reply := domain.ToolReply{Output: res.Output}
	if len(res.Staged) == 0 {
		return reply
	}
	reply.Staged = true
	reply.ActionID = res.Staged[0]
	if len(res.Staged) > 1 {
		reply.Output += fmt.Sprintf("\nalso staged for approval: %s", strings.Join(res.Staged[1:], ", "))
	}
	return reply
}

// KillTool unloads a tool and removes its catalog entry and handler.
func (w *Workbench) KillTool(ctx context.Context, id string) error {
	w.mu.Lock()
	t, ok := w.tools[id]
	delete(w.tools, id)
	w.mu.Unlock()
	if !ok {
		return domain.NewDomainError("Workbench.KillTool", domain.ErrNotFound, id)
	}

	t.unmount()
	var err error
	if t.module != nil {
		err = t.module.Close(ctx)
	}
	w.logger.Info("tool killed", "tool", t.info.Name, "id", id)
	w.publish(ctx, domain.TopicToolKilled, t.info)
	return err
}

// List returns every live tool, oldest first.
func (w *Workbench) List() []domain.DynamicTool {
	w.mu.RLock()
	out := make([]domain.DynamicTool, 0, len(w.tools))
	for _, t := range w.tools {
		out = append(out, t.info)
	}
	w.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Cleanup kills every tool and stops serving agent:create-tool.
func (w *Workbench) Cleanup(ctx context.Context) error {
	w.mu.Lock()
	unmount := w.unmount
	w.unmount = nil
	ids := make([]string, 0, len(w.tools))
	for id := range w.tools {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	if unmount != nil {
		unmount()
	}
	var errs []error
	for _, id := range ids {
		if err := w.KillTool(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *Workbench) publish(ctx context.Context, topic string, tool domain.DynamicTool) {
	if err := w.bus.Publish(ctx, topic, tool); err != nil && !errors.Is(err, domain.ErrBusClosed) {
		w.logger.Debug("publish failed", "topic", topic, "error", err)
	}
}
