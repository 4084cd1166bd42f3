package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/vai-assistant/pkg/gateway/apierror"
	"github.com/vango-go/vai-assistant/pkg/gateway/config"
	"github.com/vango-go/vai-assistant/pkg/gateway/principal"
	"github.com/vango-go/vai-assistant/pkg/gateway/ratelimit"
)

// RateLimit applies the per-principal request budget. WebSocket upgrades
// spend a token but do not hold a request slot; the live handler caps
// open sessions separately.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isHealthPath(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		p := principal.Resolve(r, "", cfg.TrustProxyHeaders)
		dec := limiter.AcquireRequest(p.Key, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			e := &apierror.Error{
				Type:      apierror.TypeRateLimit,
				Message:   "rate limit exceeded",
				RequestID: reqID,
			}
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
				retryAfter := dec.RetryAfter
				e.RetryAfter = &retryAfter
			}
			apierror.Write(w, http.StatusTooManyRequests, e)
			return
		}
		if isWebSocketUpgrade(r) {
			dec.Permit.Release()
		} else {
			defer dec.Permit.Release()
		}

		next.ServeHTTP(w, r)
	})
}
