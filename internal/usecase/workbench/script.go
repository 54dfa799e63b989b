package workbench

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"log/slog"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"agentswarm/internal/domain"
)

// swarmPackage is the import path of the host package scripts may use.
const swarmPackage = "swarm"

// scriptFunc is the entry point every script tool defines.
type scriptFunc func(input string) (string, error)

// scriptCompiler interprets Go tool code with yaegi. Only the allowlisted
// standard library packages and the swarm package are importable.
type scriptCompiler struct {
	allowed map[string]bool
	symbols interp.Exports
	logger  *slog.Logger
}

func newScriptCompiler(allowed []string, logger *slog.Logger) *scriptCompiler {
	c := &scriptCompiler{
		allowed: make(map[string]bool, len(allowed)),
		symbols: make(interp.Exports),
		logger:  logger,
	}
	for _, p := range allowed {
		c.allowed[p] = true
	}
	// stdlib keys are "import/path/name".
	for key, syms := range stdlib.Symbols {
		i := strings.LastIndex(key, "/")
		if i > 0 && c.allowed[key[:i]] {
			c.symbols[key] = syms
		}
	}
	return c
}

// normalize adds a package clause when the code has none.
func normalize(code string) string {
	if strings.HasPrefix(strings.TrimSpace(code), "package ") {
		return code
	}
	return "package main\n\n" + code
}

// checkImports parses the import block and refuses anything outside the
// allowlist. It returns the script's package name.
func (c *scriptCompiler) checkImports(code string) (string, error) {
	file, err := parser.ParseFile(token.NewFileSet(), "tool.go", code, parser.ImportsOnly)
	if err != nil {
		return "", domain.NewDomainError("Workbench.compile", domain.ErrInvalidInput, err.Error())
	}
	var forbidden []string
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return "", domain.NewDomainError("Workbench.compile", domain.ErrInvalidInput, err.Error())
		}
		if path != swarmPackage && !c.allowed[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		slices.Sort(forbidden)
		return "", domain.NewDomainError("Workbench.compile", domain.ErrPermissionDenied,
			fmt.Sprintf("imports not allowed: %s", strings.Join(forbidden, ", ")))
	}
	return file.Name.Name, nil
}

// compile evaluates code in a fresh interpreter and returns its Run function.
// swarm.Log lines are attributed to the tool.
func (c *scriptCompiler) compile(ctx context.Context, name, code string) (scriptFunc, error) {
	code = normalize(code)
	pkg, err := c.checkImports(code)
	if err != nil {
		return nil, err
	}

	toolLog := c.logger.With("tool", name)
	i := interp.New(interp.Options{
		Stdout: logWriter{toolLog, "stdout"},
		Stderr: logWriter{toolLog, "stderr"},
	})
	if err := i.Use(c.symbols); err != nil {
		return nil, fmt.Errorf("load script symbols: %w", err)
	}
	if err := i.Use(interp.Exports{
		swarmPackage + "/" + swarmPackage: {
			"Log": reflect.ValueOf(func(msg string) { toolLog.Info(msg) }),
		},
	}); err != nil {
		return nil, fmt.Errorf("load swarm package: %w", err)
	}

	if _, err := i.EvalWithContext(ctx, code); err != nil {
		return nil, domain.NewDomainError("Workbench.compile", domain.ErrInvalidInput, err.Error())
	}
	v, err := i.EvalWithContext(ctx, pkg+".Run")
	if err != nil {
		return nil, domain.NewDomainError("Workbench.compile", domain.ErrInvalidInput,
			"code must define func Run(input string) (string, error)")
	}
	run, ok := v.Interface().(func(string) (string, error))
	if !ok {
		return nil, domain.NewDomainError("Workbench.compile", domain.ErrInvalidInput,
			fmt.Sprintf("Run has type %s, want func(string) (string, error)", v.Type()))
	}
	return run, nil
}

// logWriter turns a script's printed output into tool log lines.
type logWriter struct {
	logger *slog.Logger
	stream string
}

func (w logWriter) Write(p []byte) (int, error) {
	for line := range strings.Lines(string(p)) {
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			w.logger.Debug(line, "stream", w.stream)
		}
	}
	return len(p), nil
}

// callScript runs fn under ctx. An interpreted call cannot be interrupted, so
// on timeout the call is abandoned and the tool is expected to be killed.
func callScript(ctx context.Context, fn scriptFunc, input string) (string, error) {
	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: script panicked: %v", domain.ErrToolExecution, r)}
			}
		}()
		out, err := fn(input)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		return "", domain.NewSubSystemError("workbench", "Workbench.invoke", domain.ErrSandboxResourceExceeded,
			fmt.Sprintf("script exceeded its time limit: %v", ctx.Err()))
	}
}
