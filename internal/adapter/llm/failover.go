package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"agentswarm/internal/domain"
)

var _ domain.LLMProvider = (*FailoverProvider)(nil)

type readier interface {
	Ready() bool
}

// FailoverProvider tries each provider in order until one answers.
// A cancelled caller stops the chain immediately, and providers reporting
// themselves not ready (an open circuit) are skipped without a call.
type FailoverProvider struct {
	providers []domain.LLMProvider
	logger    *slog.Logger
}

// NewFailoverProvider chains primary with fallbacks.
func NewFailoverProvider(primary domain.LLMProvider, fallbacks []domain.LLMProvider, logger *slog.Logger) *FailoverProvider {
	return &FailoverProvider{
		providers: append([]domain.LLMProvider{primary}, fallbacks...),
		logger:    logger,
	}
}

// Chat implements domain.LLMProvider.
func (f *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var errs []error
	for i, p := range f.providers {
		if r, ok := p.(readier); ok && !r.Ready() {
			errs = append(errs, fmt.Errorf("%s: %w: circuit open", p.Name(), domain.ErrProviderError))
			continue
		}
		resp, err := p.Chat(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("llm failover succeeded", "provider", p.Name(), "attempt", i+1)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		f.logger.Warn("llm provider failed", "provider", p.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return nil, fmt.Errorf("%w: all %d providers failed: %w", domain.ErrProviderError, len(f.providers), errors.Join(errs...))
}

// Name implements domain.LLMProvider.
func (f *FailoverProvider) Name() string {
	return f.providers[0].Name() + "+failover"
}
