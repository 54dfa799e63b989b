package main

import (
	"fmt"
	"log/slog"

	"agentswarm/internal/adapter/executor"
	"agentswarm/internal/adapter/llm"
	"agentswarm/internal/domain"
	"agentswarm/internal/infra/config"
	"agentswarm/internal/infra/logger"
	"agentswarm/internal/security"
	"agentswarm/internal/usecase/eventbus"
)

// toolComponents are the pieces shared by the gate and the executors.
type toolComponents struct {
	sandbox  *security.Sandbox
	commands *executor.CommandPolicy
	effects  *executor.Effects
	browser  executor.BrowserBackend // nil when disabled
}

func (t *toolComponents) close() error {
	if t.browser != nil {
		return t.browser.Close()
	}
	return nil
}

// initTools builds the sandbox and the effect layer, plus the browser when
// enabled.
func initTools(cfg *config.Config, log *slog.Logger) (*toolComponents, error) {
	sandbox, err := security.NewSandbox(cfg.Tools.SandboxRoot)
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	commands := executor.NewCommandPolicy(cfg.Tools.AllowedCommands)
	runner := executor.NewLocalRunner(cfg.Tools.ShellTimeout)

	t := &toolComponents{
		sandbox:  sandbox,
		commands: commands,
		effects:  executor.NewEffects(sandbox, runner, commands, logger.Component(log, "effects")),
	}

	if cfg.Tools.BrowserEnabled {
		backend, err := executor.NewChromeDPBackend(executor.ChromeDPConfig{
			RemoteURL: cfg.Tools.BrowserCDPURL,
			Headless:  cfg.Tools.BrowserHeadless,
			Timeout:   cfg.Tools.BrowserTimeout,
			MaxTabs:   cfg.Tools.BrowserMaxTabs,
		}, logger.Component(log, "browser"))
		if err != nil {
			// The swarm still works without a browser.
			log.Warn("browser unavailable, browser_browse disabled", "error", err)
		} else {
			t.browser = backend
		}
	}
	return t, nil
}

// initLLM builds the provider behind llm:generate. Each endpoint gets its
// own breaker so an open primary fails over without waiting.
func initLLM(cfg config.LLMConfig, log *slog.Logger) domain.LLMProvider {
	llmLog := logger.Component(log, "llm")
	build := func(c config.LLMConfig) domain.LLMProvider {
		var p domain.LLMProvider = llm.NewOpenAIProvider(c, llmLog)
		if c.CircuitBreaker.Enabled {
			p = llm.NewCircuitBreakerProvider(p, c.CircuitBreaker, llmLog)
		}
		return p
	}

	primary := build(cfg)
	if len(cfg.Fallbacks) == 0 {
		return primary
	}
	fallbacks := make([]domain.LLMProvider, 0, len(cfg.Fallbacks))
	for _, e := range cfg.Fallbacks {
		fallbacks = append(fallbacks, build(cfg.Endpoint(e)))
	}
	return llm.NewFailoverProvider(primary, fallbacks, llmLog)
}

// mountExecutors registers every service executor on bus. The returned
// function unmounts them all.
func mountExecutors(cfg *config.Config, bus *eventbus.Bus, registry *executor.Registry, t *toolComponents, mutator domain.Mutator, log *slog.Logger) (func(), error) {
	policy := security.URLPolicy{AllowPrivate: cfg.Tools.NetAllowPrivate}

	endpoints := executor.NewFS(t.sandbox, mutator, cfg.Tools.MaxReadBytes, logger.Component(log, "fs")).Endpoints()
	endpoints = append(endpoints, executor.NewTerminal(t.sandbox, t.commands, mutator, logger.Component(log, "terminal")).Endpoints()...)
	endpoints = append(endpoints, executor.NewNet(executor.NetConfig{
		Timeout:       cfg.Tools.NetTimeout,
		RatePerMinute: cfg.Tools.NetRatePerMinute,
		Policy:        policy,
	}, logger.Component(log, "net")).Endpoints()...)
	if cfg.Tools.SearchURL != "" {
		backend := executor.NewSearXNGBackend(cfg.Tools.SearchURL, logger.Component(log, "search"))
		endpoints = append(endpoints, executor.NewSearch(backend, cfg.Tools.SearchRatePerMin, cfg.Tools.SearchResultLimit,
			logger.Component(log, "search")).Endpoints()...)
	}
	if t.browser != nil {
		endpoints = append(endpoints, executor.NewBrowser(t.browser, policy, logger.Component(log, "browser")).Endpoints()...)
	}

	unmountTools, err := registry.MountAll(bus, endpoints...)
	if err != nil {
		return nil, err
	}

	model := domain.ModelConfig{
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}
	unmountLLM, err := executor.NewLLM(initLLM(cfg.LLM, log), model, logger.Component(log, "llm")).Mount(bus)
	if err != nil {
		unmountTools()
		return nil, err
	}

	return func() {
		unmountLLM()
		unmountTools()
	}, nil
}
