package config

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateSwarm(cfg, ve)
	validateLLM(cfg, ve)
	validateTools(cfg, ve)
	validateWorkbench(cfg, ve)
	validateStore(cfg, ve)
	validateScheduler(cfg, ve)
	validateGateway(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateSwarm(cfg *Config, ve *ValidationError) {
	s := cfg.Swarm
	if s.MaxSteps <= 0 {
		ve.Add("swarm.max_steps must be > 0")
	}
	if s.ApprovalTimeout <= 0 {
		ve.Add("swarm.approval_timeout must be > 0")
	}
	if s.TaskTimeout <= 0 {
		ve.Add("swarm.task_timeout must be > 0")
	}
	if s.ToolTimeout <= 0 {
		ve.Add("swarm.tool_timeout must be > 0")
	}
	switch s.DelegationMode {
	case DelegationSync, DelegationSuspend:
	default:
		ve.Add("swarm.delegation_mode %q must be %q or %q", s.DelegationMode, DelegationSync, DelegationSuspend)
	}
	if len(s.Agents) == 0 {
		ve.Add("swarm.agents must define at least one agent")
	}
	seen := make(map[string]bool, len(s.Agents))
	for i, a := range s.Agents {
		switch {
		case a.ID == "":
			ve.Add("swarm.agents[%d].id is required", i)
		case strings.ContainsAny(a.ID, ": \t"):
			ve.Add("swarm.agents[%d].id %q must not contain ':' or whitespace", i, a.ID)
		case seen[a.ID]:
			ve.Add("swarm.agents[%d].id %q is duplicated", i, a.ID)
		}
		seen[a.ID] = true
		if a.Instructions == "" {
			ve.Add("swarm.agents[%d].instructions is required", i)
		}
	}
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.BaseURL == "" {
		ve.Add("llm.base_url is required")
	} else if u, err := url.Parse(cfg.LLM.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		ve.Add("llm.base_url %q is not a valid URL", cfg.LLM.BaseURL)
	}
	if cfg.LLM.Model == "" {
		ve.Add("llm.model is required")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		ve.Add("llm.temperature must be between 0 and 2")
	}
	for i, fb := range cfg.LLM.Fallbacks {
		if fb.BaseURL == "" {
			ve.Add("llm.fallbacks[%d].base_url is required", i)
		} else if u, err := url.Parse(fb.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			ve.Add("llm.fallbacks[%d].base_url %q is not a valid URL", i, fb.BaseURL)
		}
	}
	cb := cfg.LLM.CircuitBreaker
	if cb.Enabled && cb.MaxFailures == 0 {
		ve.Add("llm.circuit_breaker.max_failures must be > 0 when enabled")
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	t := cfg.Tools
	if t.SandboxRoot == "" {
		ve.Add("tools.sandbox_root is required")
	}
	if t.ShellTimeout <= 0 {
		ve.Add("tools.shell_timeout must be > 0")
	}
	if t.NetTimeout <= 0 {
		ve.Add("tools.net_timeout must be > 0")
	}
	if t.NetRatePerMinute < 0 || t.SearchRatePerMin < 0 {
		ve.Add("tools rate limits must be >= 0")
	}
	if t.BrowserEnabled && t.BrowserTimeout <= 0 {
		ve.Add("tools.browser_timeout must be > 0 when the browser is enabled")
	}
	if t.BrowserMaxTabs < 0 {
		ve.Add("tools.browser_max_tabs must be >= 0")
	}
	if t.SearchURL != "" {
		if u, err := url.Parse(t.SearchURL); err != nil || u.Scheme == "" || u.Host == "" {
			ve.Add("tools.search_url %q is not a valid URL", t.SearchURL)
		}
	}
}

// forbiddenScriptPackages may never be exposed to script tools.
var forbiddenScriptPackages = []string{"os", "os/exec", "net", "net/http", "syscall", "unsafe", "plugin", "reflect"}

func validateWorkbench(cfg *Config, ve *ValidationError) {
	w := cfg.Workbench
	if !w.Enabled {
		return
	}
	if w.ExecTimeout <= 0 || w.ExecTimeout > 5*time.Minute {
		ve.Add("workbench.exec_timeout must be in (0, 5m]")
	}
	if w.MaxMemoryMB <= 0 || w.MaxMemoryMB > 4096 {
		ve.Add("workbench.max_memory_mb must be in (0, 4096]")
	}
	for _, p := range w.AllowedPackages {
		if slices.Contains(forbiddenScriptPackages, p) {
			ve.Add("workbench.allowed_packages must not include %q", p)
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	switch cfg.Store.Backend {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			ve.Add("store.path is required for the sqlite backend")
		}
	case "redis":
		if cfg.Store.RedisURL == "" {
			ve.Add("store.redis_url is required for the redis backend")
		}
	default:
		ve.Add("store.backend %q must be memory, sqlite or redis", cfg.Store.Backend)
	}
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		}
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule is required", i)
		}
		switch t.Action {
		case "agent_run":
			if t.AgentID == "" || t.Message == "" {
				ve.Add("scheduler.tasks[%d] agent_run requires agent_id and message", i)
			}
		case "shadow_prune":
		default:
			ve.Add("scheduler.tasks[%d].action %q must be agent_run or shadow_prune", i, t.Action)
		}
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	if cfg.Gateway.RateLimitPerMin < 0 || cfg.Gateway.RateLimitBurst < 0 {
		ve.Add("gateway rate limits must be >= 0")
	}
	if cfg.Gateway.MaxInflightRPCs < 0 || cfg.Gateway.SendBuffer < 0 {
		ve.Add("gateway.max_inflight_rpcs and gateway.send_buffer must be >= 0")
	}
	if len(cfg.Gateway.Tokens) == 0 {
		ve.Add("gateway.tokens must define at least one token when gateway is enabled")
	}
	for i, tok := range cfg.Gateway.Tokens {
		if len(tok.Token) < 16 {
			ve.Add("gateway.tokens[%d] must be at least 16 characters", i)
		}
	}
}
