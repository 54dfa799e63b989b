package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agentswarm/internal/domain"
)

// Delegation strategies.
const (
	DelegationSync    = "sync"
	DelegationSuspend = "suspend"
)

// Config is the top-level application configuration.
type Config struct {
	Swarm     SwarmConfig     `yaml:"swarm"`
	Shadow    ShadowConfig    `yaml:"shadow"`
	LLM       LLMConfig       `yaml:"llm"`
	Tools     ToolsConfig     `yaml:"tools"`
	Workbench WorkbenchConfig `yaml:"workbench"`
	Store     StoreConfig     `yaml:"store"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// SwarmConfig holds agent and orchestration settings.
type SwarmConfig struct {
	MaxSteps        int           `yaml:"max_steps"`
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	// DelegationMode is "sync" (block on the child) or "suspend" (release the
	// parent until the child's completion notice arrives).
	DelegationMode string               `yaml:"delegation_mode"`
	Autonomy       string               `yaml:"autonomy"`
	Agents         []domain.AgentConfig `yaml:"agents"`
}

// ShadowConfig holds Approval Gate settings.
type ShadowConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Retention time.Duration `yaml:"retention"` // terminal actions older than this are pruned
}

// LLMConfig holds the OpenAI-compatible provider used by llm:generate.
type LLMConfig struct {
	Name           string               `yaml:"name"`
	BaseURL        string               `yaml:"base_url"`
	APIKey         string               `yaml:"api_key"`
	Model          string               `yaml:"model"`
	MaxTokens      int                  `yaml:"max_tokens"`
	Temperature    float64              `yaml:"temperature"`
	ConnTimeout    time.Duration        `yaml:"conn_timeout"`
	RespTimeout    time.Duration        `yaml:"resp_timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	// Fallbacks are tried in order when the primary endpoint fails. They
	// share the primary's timeouts and circuit breaker settings.
	Fallbacks []LLMEndpoint `yaml:"fallbacks"`
}

// LLMEndpoint is an additional OpenAI-compatible endpoint.
type LLMEndpoint struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// Endpoint returns a copy of c pointed at e. Empty fields of e keep c's value.
func (c LLMConfig) Endpoint(e LLMEndpoint) LLMConfig {
	out := c
	out.Fallbacks = nil
	if e.Name != "" {
		out.Name = e.Name
	}
	if e.BaseURL != "" {
		out.BaseURL = e.BaseURL
	}
	if e.APIKey != "" {
		out.APIKey = e.APIKey
	}
	if e.Model != "" {
		out.Model = e.Model
	}
	return out
}

// CircuitBreakerConfig holds circuit breaker settings for the LLM provider.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// ToolsConfig holds service executor settings.
type ToolsConfig struct {
	SandboxRoot       string        `yaml:"sandbox_root"`
	MaxReadBytes      int64         `yaml:"max_read_bytes"`
	AllowedCommands   []string      `yaml:"allowed_commands"`
	ShellTimeout      time.Duration `yaml:"shell_timeout"`
	NetTimeout        time.Duration `yaml:"net_timeout"`
	NetRatePerMinute  int           `yaml:"net_rate_per_minute"`
	NetAllowPrivate   bool          `yaml:"net_allow_private"`
	BrowserEnabled    bool          `yaml:"browser_enabled"`
	BrowserCDPURL     string        `yaml:"browser_cdp_url"`
	BrowserHeadless   bool          `yaml:"browser_headless"`
	BrowserTimeout    time.Duration `yaml:"browser_timeout"`
	BrowserMaxTabs    int           `yaml:"browser_max_tabs"`
	SearchURL         string        `yaml:"search_url"` // SearXNG instance; empty disables browser:search
	SearchRatePerMin  int           `yaml:"search_rate_per_minute"`
	SearchResultLimit int           `yaml:"search_result_limit"`
}

// WorkbenchConfig holds dynamic tool runtime settings.
type WorkbenchConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ExecTimeout     time.Duration `yaml:"exec_timeout"`
	MaxMemoryMB     int           `yaml:"max_memory_mb"`
	MaxTools        int           `yaml:"max_tools"`
	AllowedPackages []string      `yaml:"allowed_packages"` // stdlib packages script tools may import
}

// StoreConfig selects the durable key-value backend.
type StoreConfig struct {
	Backend   string `yaml:"backend"` // "memory", "sqlite", "redis"
	Path      string `yaml:"path"`
	RedisURL  string `yaml:"redis_url"`
	Namespace string `yaml:"namespace"`
}

// GatewayConfig holds the WebSocket control gateway settings.
type GatewayConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	Tokens          []TokenConfig `yaml:"tokens,omitempty"`
	RateLimitPerMin int           `yaml:"rate_limit_per_minute"` // per client IP; 0 disables
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	TrustedProxies  []string      `yaml:"trusted_proxies,omitempty"`
	AllowedOrigins  []string      `yaml:"allowed_origins,omitempty"` // loopback only when empty
	MaxInflightRPCs int           `yaml:"max_inflight_rpcs"`
	SendBuffer      int           `yaml:"send_buffer"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token    string `yaml:"token"`
	Name     string `yaml:"name"`
	ReadOnly bool   `yaml:"read_only"` // observe only: no approvals, tasks or kills
}

// SchedulerConfig holds cron/scheduler settings.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled task.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Action   string `yaml:"action"`   // "agent_run" or "shadow_prune"
	AgentID  string `yaml:"agent_id,omitempty"`
	Message  string `yaml:"message,omitempty"`
	OneShot  bool   `yaml:"one_shot,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Output      string  `yaml:"output"` // stdout exporter target file; stdout when empty
	SampleRatio float64 `yaml:"sample_ratio"`
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".agentswarm")
}

// DefaultAgents is the starter roster used when the config names none.
func DefaultAgents() []domain.AgentConfig {
	return []domain.AgentConfig{
		{
			ID:   "architect",
			Name: "Architect",
			Role: "architect",
			Instructions: "You are the architect. Break the task into concrete steps, decide " +
				"file layout and interfaces, and delegate implementation to the coder and " +
				"verification to qa.",
			Capabilities: []string{"fs_read", "fs_list", "delegate_task", "browser_search"},
		},
		{
			ID:   "coder",
			Name: "Coder",
			Role: "coder",
			Instructions: "You are the coder. Implement what you are asked by reading and " +
				"writing files and running commands. Keep changes minimal and explain them.",
			Capabilities: []string{"fs_read", "fs_write", "fs_list", "fs_delete", "terminal_exec", "create_tool"},
		},
		{
			ID:   "qa",
			Name: "QA",
			Role: "qa",
			Instructions: "You are QA. Run the tests and checks relevant to the change and " +
				"report failures precisely.",
			Capabilities: []string{"fs_read", "fs_list", "terminal_exec"},
		},
	}
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Swarm: SwarmConfig{
			MaxSteps:        30,
			ApprovalTimeout: 10 * time.Minute,
			TaskTimeout:     30 * time.Minute,
			ToolTimeout:     2 * time.Minute,
			DelegationMode:  DelegationSync,
			Autonomy: "Work autonomously. Use tools instead of asking the user. When the " +
				"task is done, reply with a concise summary and no tool calls.",
			Agents: DefaultAgents(),
		},
		Shadow: ShadowConfig{
			Enabled:   true,
			Retention: 7 * 24 * time.Hour,
		},
		LLM: LLMConfig{
			Name:        "openai",
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.2,
			ConnTimeout: 10 * time.Second,
			RespTimeout: 120 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Tools: ToolsConfig{
			SandboxRoot:  ".",
			MaxReadBytes: 1 << 20,
			AllowedCommands: []string{
				"ls", "cat", "grep", "find", "git", "go", "make", "python", "python3",
				"node", "npm", "pytest", "echo", "mkdir", "touch",
			},
			ShellTimeout:      60 * time.Second,
			NetTimeout:        30 * time.Second,
			NetRatePerMinute:  60,
			BrowserEnabled:    false,
			BrowserHeadless:   true,
			BrowserTimeout:    30 * time.Second,
			BrowserMaxTabs:    4,
			SearchURL:         "",
			SearchRatePerMin:  30,
			SearchResultLimit: 5,
		},
		Workbench: WorkbenchConfig{
			Enabled:     true,
			ExecTimeout: 5 * time.Second,
			MaxMemoryMB: 100,
			MaxTools:    32,
			AllowedPackages: []string{
				"bytes", "encoding/base64", "encoding/hex", "encoding/json", "errors",
				"fmt", "math", "regexp", "sort", "strconv", "strings", "time",
				"unicode", "unicode/utf8",
			},
		},
		Store: StoreConfig{
			Backend:   "sqlite",
			Path:      filepath.Join(dataDir, "swarm.db"),
			Namespace: "agentswarm:",
		},
		Gateway: GatewayConfig{
			Enabled:         false,
			Addr:            "127.0.0.1:8090",
			RateLimitPerMin: 600,
			RateLimitBurst:  60,
			MaxInflightRPCs: 16,
			SendBuffer:      64,
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Tasks: []ScheduledTaskConfig{
				{Name: "shadow-retention", Schedule: "1h", Action: "shadow_prune"},
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:     false,
			Exporter:    "noop",
			SampleRatio: 1,
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: read config: %v", domain.ErrConfigLoad, err)
		}
	} else {
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config: %v", domain.ErrConfigLoad, err)
		}
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps SWARM_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SWARM_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("SWARM_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("SWARM_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("SWARM_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SWARM_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("SWARM_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("SWARM_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("SWARM_SHADOW_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Shadow.Enabled = b
		}
	}
	if v := os.Getenv("SWARM_DELEGATION_MODE"); v != "" {
		cfg.Swarm.DelegationMode = v
	}
	if v := os.Getenv("SWARM_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Swarm.MaxSteps = n
		}
	}
	if v := os.Getenv("SWARM_TOOLS_SANDBOX_ROOT"); v != "" {
		cfg.Tools.SandboxRoot = v
	}
	if v := os.Getenv("SWARM_TOOLS_ALLOWED_COMMANDS"); v != "" {
		cfg.Tools.AllowedCommands = splitAndTrim(v, ",")
	}
	if v := os.Getenv("SWARM_TOOLS_SEARCH_URL"); v != "" {
		cfg.Tools.SearchURL = v
	}
	if v := os.Getenv("SWARM_TOOLS_BROWSER_CDP_URL"); v != "" {
		cfg.Tools.BrowserCDPURL = v
		cfg.Tools.BrowserEnabled = true
	}
	if v := os.Getenv("SWARM_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("SWARM_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SWARM_STORE_REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}
	if v := os.Getenv("SWARM_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
		cfg.Gateway.Enabled = true
	}
	if v := os.Getenv("SWARM_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Tokens = append(cfg.Gateway.Tokens, TokenConfig{Token: v, Name: "env"})
	}
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validatePermissions checks the config file has restrictive permissions,
// since it may hold the LLM API key and gateway tokens.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
