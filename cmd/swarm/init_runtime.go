package main

import (
	"context"

	"agentswarm/internal/adapter/gateway"
	"agentswarm/internal/infra/config"
	"agentswarm/internal/infra/logger"
	"agentswarm/internal/infra/middleware"
	"agentswarm/internal/usecase/scheduling"
)

// runtimeComponents holds the long-running outer surfaces: scheduler and gateway.
type runtimeComponents struct {
	scheduler *scheduling.Scheduler // nil when disabled
	gateway   *gateway.Server       // nil when disabled
	stops     []func()
}

func (r *runtimeComponents) stop() {
	for i := len(r.stops) - 1; i >= 0; i-- {
		r.stops[i]()
	}
}

// initRuntime builds the scheduler and gateway. ctx bounds background
// housekeeping such as the rate limiter sweep.
func initRuntime(ctx context.Context, cfg *config.Config, a *app) (*runtimeComponents, error) {
	rt := &runtimeComponents{}

	if cfg.Scheduler.Enabled {
		sched, err := initScheduler(cfg, a)
		if err != nil {
			return nil, err
		}
		rt.scheduler = sched
		rt.stops = append(rt.stops, func() { sched.Stop() })
	}

	if cfg.Gateway.Enabled {
		srv := gateway.NewServer(a.bus, gateway.NewStaticTokenAuth(cfg.Gateway.Tokens),
			gateway.OptionsFrom(cfg.Gateway), logger.Component(a.log, "gateway"))
		srv.Use(middleware.SecurityHeaders)
		srv.Use(middleware.RateLimit(ctx, middleware.RateLimitConfig{
			RequestsPerMin: cfg.Gateway.RateLimitPerMin,
			BurstSize:      cfg.Gateway.RateLimitBurst,
			TrustedProxies: cfg.Gateway.TrustedProxies,
		}))
		deps := gateway.HandlerDeps{
			Shadow:  a.gate,
			Swarm:   a.swarm,
			Bus:     a.bus,
			Logger:  logger.Component(a.log, "gateway"),
			Version: version,
		}
		// Typed nils must not leak into the interfaces.
		if a.workbench != nil {
			deps.Tools = a.workbench
		}
		if rt.scheduler != nil {
			deps.Scheduler = rt.scheduler
		}
		gateway.RegisterDefaultHandlers(srv, deps)
		_, stopMetrics := gateway.RegisterRESTHandlers(srv, deps)
		rt.gateway = srv
		rt.stops = append(rt.stops, stopMetrics)
	}

	return rt, nil
}

// initScheduler registers the swarm's scheduled actions and loads the
// configured tasks.
func initScheduler(cfg *config.Config, a *app) (*scheduling.Scheduler, error) {
	log := logger.Component(a.log, "scheduler")
	sched := scheduling.NewScheduler(log)
	sched.RegisterAction(scheduling.ActionAgentRun, scheduling.AgentRun(a.swarm))
	sched.RegisterAction(scheduling.ActionShadowPrune, scheduling.ShadowPrune(a.gate, cfg.Shadow.Retention, log))
	if err := sched.Load(cfg.Scheduler); err != nil {
		return nil, err
	}
	return sched, nil
}
