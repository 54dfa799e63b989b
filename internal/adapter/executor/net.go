package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"agentswarm/internal/domain"
	"agentswarm/internal/infra/tracer"
	"agentswarm/internal/security"
)

const defaultMaxBodySize = 1 << 20 // 1MB

// newLimiter converts a per-minute budget into a token bucket. perMinute <= 0
// means unlimited.
func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := perMinute / 6
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60), burst)
}

// NetConfig configures the net:request executor.
type NetConfig struct {
	Timeout       time.Duration
	RatePerMinute int
	Policy        security.URLPolicy
}

// Net serves net:request: read-only HTTP fetches with SSRF protection.
type Net struct {
	client      *http.Client
	policy      security.URLPolicy
	limiter     *rate.Limiter
	maxBodySize int64
	logger      *slog.Logger
}

// NewNet creates the net executor.
func NewNet(cfg NetConfig, logger *slog.Logger) *Net {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	policy := cfg.Policy
	return &Net{
		client: &http.Client{
			Transport: policy.Transport(),
			Timeout:   cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return policy.Validate(req.Context(), req.URL.String())
			},
		},
		policy:      policy,
		limiter:     newLimiter(cfg.RatePerMinute),
		maxBodySize: defaultMaxBodySize,
		logger:      logger,
	}
}

type netParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Endpoints returns net_request.
func (n *Net) Endpoints() []Endpoint {
	return []Endpoint{
		endpoint("net_request", domain.TopicNetRequest, "Fetch a URL over HTTP (GET or HEAD, SSRF protected)", `{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "The URL to fetch"},
				"method": {"type": "string", "enum": ["GET", "HEAD"], "description": "HTTP method (default: GET)"},
				"headers": {"type": "object", "additionalProperties": {"type": "string"}}
			},
			"required": ["url"]
		}`, Handler("executor.net_request", n.logger, n.request)),
	}
}

func (n *Net) request(ctx context.Context, span trace.Span, p netParams) (any, error) {
	if !n.limiter.Allow() {
		return nil, domain.NewDomainError("Net.request", domain.ErrRateLimit, "net_request budget exhausted")
	}
	if err := n.policy.Validate(ctx, p.URL); err != nil {
		return nil, err
	}

	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodHead {
		return nil, domain.NewDomainError("Net.request", domain.ErrInvalidInput,
			fmt.Sprintf("HTTP method %q not allowed (only GET and HEAD)", p.Method))
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range p.Headers {
		if strings.ContainsAny(k, "\r\n") || strings.ContainsAny(v, "\r\n") {
			return nil, domain.NewDomainError("Net.request", domain.ErrInvalidInput, "CRLF characters not allowed in headers")
		}
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, n.maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	span.SetAttributes(tracer.IntAttr("http.status_code", resp.StatusCode))

	n.logger.Debug("net request completed", "url", p.URL, "status", resp.StatusCode, "size", len(body))
	return fmt.Sprintf("HTTP %d\n\n%s", resp.StatusCode, body), nil
}
