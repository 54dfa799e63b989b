package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"agentswarm/internal/adapter/executor"
	"agentswarm/internal/domain"
	"agentswarm/internal/infra/config"
	"agentswarm/internal/infra/logger"
	"agentswarm/internal/usecase/eventbus"
	"agentswarm/internal/usecase/shadow"
	"agentswarm/internal/usecase/swarm"
	"agentswarm/internal/usecase/workbench"
)

// app is the assembled swarm: bus, store, executors, gate, orchestrator and
// workbench.
type app struct {
	log       *slog.Logger
	bus       *eventbus.Bus
	store     domain.KVStore
	gate      *shadow.Gate
	registry  *executor.Registry
	swarm     *swarm.Manager
	workbench *workbench.Workbench // nil when disabled

	closers []func(context.Context) error
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close releases everything in reverse order of construction.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildApp wires every component. On error whatever was already built is
// released.
func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{log: log}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	// 1. Event bus
	a.bus = eventbus.New(logger.Component(log, "eventbus"))
	a.onClose(func(context.Context) error {
		a.bus.Close()
		return nil
	})

	// 2. Store
	a.store, err = initStore(ctx, cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	a.onClose(func(context.Context) error { return a.store.Close() })

	// 3. Effects and the approval gate
	tools, err := initTools(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}
	a.onClose(func(context.Context) error { return tools.close() })

	a.gate = shadow.New(shadow.Options{
		Enabled: cfg.Shadow.Enabled,
		Effects: tools.effects,
		Store:   a.store,
		Bus:     a.bus,
		Logger:  logger.Component(log, "shadow"),
	})
	if n, err := a.gate.Restore(ctx); err != nil {
		log.Warn("restore shadow actions failed", "error", err)
	} else if n > 0 {
		log.Info("restored shadow actions", "count", n, "pending", len(a.gate.Pending()))
	}
	mutator := executor.NewMutation(a.gate, tools.effects, logger.Component(log, "mutation"))

	// 4. Executors
	a.registry = executor.NewRegistry(logger.Component(log, "registry"))
	unmount, err := mountExecutors(cfg, a.bus, a.registry, tools, mutator, log)
	if err != nil {
		return nil, fmt.Errorf("executors: %w", err)
	}
	a.onClose(func(context.Context) error {
		unmount()
		return nil
	})

	// 5. Workbench
	if cfg.Workbench.Enabled {
		a.workbench = workbench.New(workbench.Options{
			Config:  cfg.Workbench,
			Bus:     a.bus,
			Catalog: a.registry,
			Mutator: mutator,
			Logger:  log,
		})
		if err := a.workbench.Mount(); err != nil {
			return nil, fmt.Errorf("workbench: %w", err)
		}
		a.onClose(a.workbench.Cleanup)
	}

	// 6. Swarm
	a.swarm = swarm.New(cfg.Swarm, swarm.Deps{
		Bus:     a.bus,
		Catalog: a.registry,
		Store:   a.store,
		Gate:    a.gate,
		Logger:  logger.Component(log, "swarm"),
	})
	if err := a.swarm.Mount(); err != nil {
		return nil, fmt.Errorf("swarm: %w", err)
	}
	a.onClose(func(ctx context.Context) error {
		a.swarm.Shutdown(ctx)
		return nil
	})

	return a, nil
}
