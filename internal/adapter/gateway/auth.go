package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"

	"agentswarm/internal/domain"
	"agentswarm/internal/infra/config"
)

// ClientInfo identifies an authenticated gateway client. Read-only clients
// may observe the swarm but not steer it.
type ClientInfo struct {
	Name     string
	ReadOnly bool
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// StaticTokenAuth authenticates clients against the configured token list.
// Tokens are held and compared as SHA-256 digests so neither content nor
// length leaks through timing.
type StaticTokenAuth struct {
	digests [][sha256.Size]byte
	clients []*ClientInfo
}

// NewStaticTokenAuth builds an authenticator from the configured tokens.
// Empty tokens are skipped.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		a.digests = append(a.digests, sha256.Sum256([]byte(t.Token)))
		a.clients = append(a.clients, &ClientInfo{Name: t.Name, ReadOnly: t.ReadOnly})
	}
	return a
}

// Authenticate returns the client bound to token. Every entry is compared
// so the match position is not observable.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	digest := sha256.Sum256([]byte(token))
	var found *ClientInfo
	for i := range s.digests {
		if subtle.ConstantTimeCompare(digest[:], s.digests[i][:]) == 1 && found == nil {
			found = s.clients[i]
		}
	}
	if found == nil {
		return nil, domain.ErrGatewayAuthFailed
	}
	return found, nil
}

// mutating rejects read-only clients before h runs.
func mutating(method string, h RPCHandler) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if client == nil || client.ReadOnly {
			return nil, domain.NewDomainError(method, domain.ErrPermissionDenied, "read-only client")
		}
		return h(ctx, client, payload)
	}
}
