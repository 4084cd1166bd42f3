package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-assistant/pkg/gateway/apierror"
)

const (
	apiVersionHeader    = "X-VAI-Version"
	supportedAPIVersion = "1"
)

// APIVersion rejects /v1 requests that ask for another API version and
// stamps the served version on the response.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shouldValidateAPIVersion(r) {
			next.ServeHTTP(w, r)
			return
		}

		for _, version := range parseHeaderCSVValues(r.Header.Values(apiVersionHeader)) {
			if version != supportedAPIVersion {
				reqID, _ := RequestIDFrom(r.Context())
				apierror.Write(w, http.StatusBadRequest, &apierror.Error{
					Type:      apierror.TypeInvalidRequest,
					Message:   "unsupported API version",
					Param:     apiVersionHeader,
					Code:      "unsupported_version",
					RequestID: reqID,
				})
				return
			}
		}

		w.Header().Set(apiVersionHeader, supportedAPIVersion)
		next.ServeHTTP(w, r)
	})
}

func shouldValidateAPIVersion(r *http.Request) bool {
	if r.Method == http.MethodOptions || isWebSocketUpgrade(r) {
		return false
	}
	return r.URL.Path == "/v1" || strings.HasPrefix(r.URL.Path, "/v1/")
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !headerHasToken(r.Header, "Connection", "upgrade") {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, part := range parseHeaderCSVValues(h.Values(name)) {
		if strings.EqualFold(part, token) {
			return true
		}
	}
	return false
}

func parseHeaderCSVValues(values []string) []string {
	var out []string
	for _, value := range values {
		for part := range strings.SplitSeq(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
