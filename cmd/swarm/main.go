package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agentswarm/internal/infra/config"
	"agentswarm/internal/infra/logger"
	"agentswarm/internal/infra/tracer"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	args := stripConfigFlag(os.Args[1:])

	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe()
	case "run":
		err = runTask(args)
	case "agents":
		err = runAgents()
	case "version", "--version":
		fmt.Println("agentswarm", version)
	case "help", "--help", "-h":
		showUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'agentswarm --help' for usage information.\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`agentswarm - multi-agent orchestration with human approval

USAGE:
    agentswarm [COMMAND] [--config PATH]

COMMANDS:
    serve                  Run the swarm, scheduler and control gateway (default)
    run <agent> <prompt>   Run one task on an agent and print the result
    agents                 List configured agents
    version                Print the version

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml or $SWARM_CONFIG
    Environment: SWARM_* variables override config

In "run" mode shadow approval is not available (there is no reviewer), so
mutating actions either apply directly or time out, as configured.`)
}

// configPath returns --config from os.Args, $SWARM_CONFIG or config.yaml.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("SWARM_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// stripConfigFlag removes --config and its value so positional arguments can
// be read in order.
func stripConfigFlag(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config":
			i++
		case strings.HasPrefix(args[i], "--config="):
		default:
			out = append(out, args[i])
		}
	}
	return out
}

// bootstrap loads config and sets up logging and tracing. The returned
// function flushes both.
func bootstrap(ctx context.Context) (*config.Config, *app, func(), error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer, version)
	if err != nil {
		logCloser()
		return nil, nil, nil, fmt.Errorf("tracer: %w", err)
	}

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		tracerShutdown(ctx)
		logCloser()
		return nil, nil, nil, err
	}

	return cfg, a, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.close(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
		tracerShutdown(shutdownCtx)
		logCloser()
	}, nil
}

func runServe() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, a, shutdown, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer shutdown()

	rt, err := initRuntime(ctx, cfg, a)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	defer rt.stop()

	if rt.scheduler != nil {
		if err := rt.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}
	if rt.gateway != nil {
		go func() {
			if err := rt.gateway.Start(ctx); err != nil {
				a.log.Error("gateway server error", "error", err)
				cancel()
			}
		}()
	}

	a.log.Info("agentswarm started",
		"version", version,
		"agents", len(cfg.Swarm.Agents),
		"shadow", a.gate.Enabled(),
		"store", cfg.Store.Backend,
		"tools", len(a.registry.Definitions()),
		"workbench", a.workbench != nil,
		"gateway", rt.gateway != nil,
	)

	<-ctx.Done()
	a.log.Info("shutting down")
	return nil
}

func runTask(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: agentswarm run <agent> <prompt>")
	}
	agentID, prompt := args[0], strings.Join(args[1:], " ")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	_, a, shutdown, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer shutdown()

	reply, err := a.swarm.Dispatch(ctx, agentID, prompt, nil)
	if err != nil {
		return err
	}
	if reply.Error != "" {
		return fmt.Errorf("task failed: %s", reply.Error)
	}
	fmt.Println(reply.Output)
	return nil
}

func runAgents() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg.Swarm.Agents)
}
