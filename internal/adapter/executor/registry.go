package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"agentswarm/internal/domain"
)

type entry struct {
	def    domain.ToolDefinition
	schema *jsonschema.Schema // nil when the tool declares no parameters
}

// Registry is the catalog of tools agents may call, keyed by tool name. Each
// entry binds the LLM-facing schema to the bus topic that executes it.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]entry
	topics map[string]string // topic -> tool name
	logger *slog.Logger
}

var _ domain.ToolCatalog = (*Registry)(nil)

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]entry),
		topics: make(map[string]string),
		logger: logger,
	}
}

// Register adds a tool definition, compiling its parameter schema. Names and
// topics are unique.
func (r *Registry) Register(def domain.ToolDefinition) error {
	name := def.Schema.Name
	if name == "" {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, "tool name is required")
	}
	if !domain.ValidTopic(def.Topic) {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput,
			fmt.Sprintf("tool %q: invalid topic %q", name, def.Topic))
	}

	var schema *jsonschema.Schema
	if raw := def.Schema.Parameters; len(raw) > 0 && string(raw) != "null" {
		compiled, err := jsonschema.NewCompiler().Compile(raw)
		if err != nil {
			return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput,
				fmt.Sprintf("compile schema for %q: %v", name, err))
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, name)
	}
	if owner, exists := r.topics[def.Topic]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate,
			fmt.Sprintf("topic %q already served by %q", def.Topic, owner))
	}
	r.tools[name] = entry{def: def, schema: schema}
	r.topics[def.Topic] = name
	return nil
}

// Unregister removes a tool by name. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.tools[name]; ok {
		delete(r.topics, e.def.Topic)
		delete(r.tools, name)
	}
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (domain.ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.def, ok
}

// Definitions returns every registered definition sorted by name.
func (r *Registry) Definitions() []domain.ToolDefinition {
	r.mu.RLock()
	defs := make([]domain.ToolDefinition, 0, len(r.tools))
	for _, e := range r.tools {
		defs = append(defs, e.def)
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Schema.Name < defs[j].Schema.Name })
	return defs
}

// ValidateArgs checks args against the tool's parameter schema.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return domain.NewDomainError("Registry.ValidateArgs", domain.ErrUnknownTool, name)
	}
	if e.schema == nil {
		return nil
	}

	var v any
	if len(args) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(args, &v); err != nil {
		return domain.NewDomainError("Registry.ValidateArgs", domain.ErrInvalidInput,
			fmt.Sprintf("invalid JSON: %v", err))
	}
	if result := e.schema.Validate(v); !result.IsValid() {
		return domain.NewDomainError("Registry.ValidateArgs", domain.ErrInvalidInput,
			fmt.Sprintf("schema validation failed: %v", result.Error()))
	}
	return nil
}

// Mount registers def and serves h on its topic. Arguments are validated
// against the schema before h runs. The returned function removes both the
// handler and the catalog entry.
func (r *Registry) Mount(bus domain.EventBus, def domain.ToolDefinition, h domain.RequestHandler) (func(), error) {
	if err := r.Register(def); err != nil {
		return nil, err
	}
	name := def.Schema.Name

	unhandle, err := bus.Handle(def.Topic, func(ctx context.Context, event domain.Event) (json.RawMessage, error) {
		if err := r.ValidateArgs(name, event.Payload); err != nil {
			r.logger.Debug("tool arguments rejected", "tool", name, "agent", event.Origin, "error", err)
			return encodeReply(domain.ToolReply{Error: err.Error()})
		}
		return h(ctx, event)
	})
	if err != nil {
		r.Unregister(name)
		return nil, err
	}

	r.logger.Debug("tool mounted", "tool", name, "topic", def.Topic)
	return func() {
		unhandle()
		r.Unregister(name)
	}, nil
}

// Endpoint is one executor operation ready to be mounted.
type Endpoint struct {
	Definition domain.ToolDefinition
	Handler    domain.RequestHandler
}

func endpoint(name, topic, description, params string, h domain.RequestHandler) Endpoint {
	return Endpoint{
		Definition: domain.ToolDefinition{
			Schema: domain.ToolSchema{
				Name:        name,
				Description: description,
				Parameters:  json.RawMessage(params),
			},
			Topic: topic,
		},
		Handler: h,
	}
}

// MountAll mounts every endpoint, stopping at the first failure. The returned
// function unmounts everything mounted so far.
func (r *Registry) MountAll(bus domain.EventBus, endpoints ...Endpoint) (func(), error) {
	var unmounts []func()
	unmountAll := func() {
		for i := len(unmounts) - 1; i >= 0; i-- {
			unmounts[i]()
		}
	}
	for _, ep := range endpoints {
		u, err := r.Mount(bus, ep.Definition, ep.Handler)
		if err != nil {
			unmountAll()
			return nil, err
		}
		unmounts = append(unmounts, u)
	}
	return unmountAll, nil
}
