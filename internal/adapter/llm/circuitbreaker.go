package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"agentswarm/internal/domain"
	"agentswarm/internal/infra/config"
)

var _ domain.LLMProvider = (*CircuitBreakerProvider)(nil)

// CircuitBreakerProvider guards one LLM endpoint. After MaxFailures
// consecutive provider-side failures it stops calling the endpoint for
// Timeout, then lets a single probe through.
type CircuitBreakerProvider struct {
	inner   domain.LLMProvider
	breaker *gobreaker.CircuitBreaker[*domain.ChatResponse]
}

// NewCircuitBreakerProvider wraps inner. Zero fields in cfg take defaults.
func NewCircuitBreakerProvider(inner domain.LLMProvider, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerProvider {
	return &CircuitBreakerProvider{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[*domain.ChatResponse](breakerSettings("llm:"+inner.Name(), cfg, logger)),
	}
}

func breakerSettings(name string, cfg config.CircuitBreakerConfig, logger *slog.Logger) gobreaker.Settings {
	trip := orDefault(cfg.MaxFailures, 5)
	return gobreaker.Settings{
		Name:         name,
		MaxRequests:  1,
		Interval:     orDefault(cfg.Interval, time.Minute),
		Timeout:      orDefault(cfg.Timeout, 30*time.Second),
		ReadyToTrip:  func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= trip },
		IsSuccessful: healthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			level := slog.LevelInfo
			if to == gobreaker.StateOpen {
				level = slog.LevelWarn
			}
			logger.Log(context.Background(), level, "llm breaker "+to.String(), "breaker", name, "from", from.String())
		},
	}
}

// orDefault returns v, or def when v is zero.
func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// healthy reports whether err says nothing about the endpoint's health.
// Cancelled callers and requests the endpoint rightly refused do not count
// as failures.
func healthy(err error) bool {
	return err == nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrContextOverflow)
}

// Chat implements domain.LLMProvider. While the circuit is open it fails
// with ErrProviderError without touching the endpoint.
func (p *CircuitBreakerProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := p.breaker.Execute(func() (*domain.ChatResponse, error) {
		return p.inner.Chat(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("provider %q circuit open: %w: %w", p.inner.Name(), domain.ErrProviderError, err)
	}
	return resp, err
}

// Name implements domain.LLMProvider.
func (p *CircuitBreakerProvider) Name() string { return p.inner.Name() }

// Ready reports whether a call would reach the endpoint right now. The
// failover chain uses it to skip endpoints that would fail fast.
func (p *CircuitBreakerProvider) Ready() bool {
	return p.breaker.State() != gobreaker.StateOpen
}

// State returns the current breaker state.
func (p *CircuitBreakerProvider) State() gobreaker.State { return p.breaker.State() }

// Counts returns the breaker's counters for the current interval.
func (p *CircuitBreakerProvider) Counts() gobreaker.Counts { return p.breaker.Counts() }
