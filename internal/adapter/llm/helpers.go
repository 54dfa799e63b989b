package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"agentswarm/internal/domain"
)

const (
	// maxResponseBody caps how much of an LLM API response is read.
	maxResponseBody = 10 << 20
	// maxErrorDetail caps the raw body echoed into error messages.
	maxErrorDetail = 512
)

// endpoint is one JSON-over-HTTP API route.
type endpoint struct {
	url    string
	apiKey string
	client *http.Client
}

// post sends in as JSON and decodes a 200 response into out. Other statuses
// become domain errors via mapHTTPError.
func (e endpoint) post(ctx context.Context, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return mapHTTPError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// apiErrorBody is the OpenAI error envelope. Compatible servers vary, so
// both the nested object and a bare string are accepted.
type apiErrorBody struct {
	Error json.RawMessage `json:"error"`
}

// errorDetail extracts a readable message from an error response body.
func errorDetail(body []byte) string {
	var env apiErrorBody
	if json.Unmarshal(body, &env) == nil && len(env.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		}
		if json.Unmarshal(env.Error, &nested) == nil && nested.Message != "" {
			if nested.Type != "" {
				return nested.Type + ": " + nested.Message
			}
			return nested.Message
		}
		var s string
		if json.Unmarshal(env.Error, &s) == nil && s != "" {
			return s
		}
	}
	b := bytes.TrimSpace(body)
	if len(b) > maxErrorDetail {
		b = append(b[:maxErrorDetail:maxErrorDetail], "..."...)
	}
	return string(b)
}

// mapHTTPError maps an HTTP status and body to a domain error so the
// circuit breaker, failover and the executor error classifier can tell
// them apart.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("API error %d: %s", statusCode, errorDetail(body))
	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, detail)
	case statusCode >= 500:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, detail)
	}
}
