package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// QueryKeyParam carries the gateway key on WebSocket upgrades, where
// browsers cannot set an Authorization header.
const QueryKeyParam = "gateway_api_key"

type Principal struct {
	APIKey string
}

// Key is a stable identifier for p that is safe to log and use as a map key.
func (p *Principal) Key() string {
	if p == nil {
		return ""
	}
	return KeyFromAPIKey(p.APIKey)
}

// KeyFromAPIKey hashes an API key into a principal key.
func KeyFromAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	// 16 bytes => 32 hex chars; enough to avoid collisions in practice.
	return "k_" + hex.EncodeToString(sum[:16])
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// ParseUpgradeKey returns the key offered on a WebSocket upgrade: the bearer
// token when present, otherwise the gateway_api_key query parameter.
func ParseUpgradeKey(r *http.Request) (string, bool) {
	if token, ok := ParseBearer(r); ok {
		return token, true
	}
	token := strings.TrimSpace(r.URL.Query().Get(QueryKeyParam))
	return token, token != ""
}
