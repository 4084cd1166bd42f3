// Package principal identifies the caller a request is limited and logged as.
package principal

import (
	"net"
	"net/http"
	"strings"

	"github.com/vango-go/vai-assistant/pkg/gateway/auth"
	"github.com/vango-go/vai-assistant/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindIP     Kind = "ip"
	KindAnon   Kind = "anonymous"
)

type Resolved struct {
	Kind Kind
	// Key is a hashed identifier suitable for in-memory maps and logs.
	Key string
	// IP is the client address, when known.
	IP string
}

// Resolve prefers an authenticated principal (set by the auth middleware or
// passed as apiKey) and falls back to the client IP.
func Resolve(r *http.Request, apiKey string, trustProxyHeaders bool) Resolved {
	if r == nil {
		return Resolved{Kind: KindAnon, Key: "anonymous"}
	}
	ip := resolveClientIP(r, trustProxyHeaders)

	if strings.TrimSpace(apiKey) == "" {
		if p, ok := auth.PrincipalFrom(r.Context()); ok {
			apiKey = p.APIKey
		}
	}
	if strings.TrimSpace(apiKey) != "" {
		return Resolved{Kind: KindAPIKey, Key: auth.KeyFromAPIKey(apiKey), IP: ip}
	}

	if ip == "" {
		return Resolved{Kind: KindAnon, Key: "anonymous"}
	}
	return Resolved{Kind: KindIP, Key: ratelimit.PrincipalKeyFromIP(ip), IP: ip}
}

func resolveClientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		if ip := parseIP(r.Header.Get("CF-Connecting-IP")); ip != "" {
			return ip
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if raw := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); raw != "" {
			// "client, proxy1, proxy2": take the left-most.
			first, _, _ := strings.Cut(raw, ",")
			if ip := parseIP(first); ip != "" {
				return ip
			}
		}
	}
	return parseIP(r.RemoteAddr)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}
