package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-assistant/pkg/gateway/apierror"
	"github.com/vango-go/vai-assistant/pkg/gateway/auth"
	"github.com/vango-go/vai-assistant/pkg/gateway/config"
	"github.com/vango-go/vai-assistant/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-assistant/pkg/gateway/live/session"
	"github.com/vango-go/vai-assistant/pkg/gateway/mw"
	"github.com/vango-go/vai-assistant/pkg/gateway/principal"
	"github.com/vango-go/vai-assistant/pkg/gateway/ratelimit"
)

// LiveHandler handles /v1/live websocket sessions.
type LiveHandler struct {
	Config    config.Config
	Sessions  session.Manager
	Limiter   *ratelimit.Limiter
	Lifecycle *lifecycle.Lifecycle
	Logger    *slog.Logger
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID})
		return
	}
	if h.Lifecycle.IsDraining() {
		apierror.Write(w, http.StatusServiceUnavailable, &apierror.Error{Type: apierror.TypeOverloaded, Message: "gateway is draining", Code: "draining", RequestID: reqID})
		return
	}
	if !mw.OriginAllowed(h.Config, r) {
		apierror.Write(w, http.StatusForbidden, &apierror.Error{Type: apierror.TypePermission, Message: "origin is not allowed", Param: "Origin", RequestID: reqID})
		return
	}

	p, authErr := h.resolvePrincipal(r)
	if authErr != nil {
		authErr.RequestID = reqID
		apierror.Write(w, http.StatusUnauthorized, authErr)
		return
	}

	dec := h.Limiter.AcquireLiveSession(p.Key, time.Now())
	if !dec.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
		apierror.Write(w, http.StatusTooManyRequests, &apierror.Error{Type: apierror.TypeRateLimit, Message: "too many active live sessions", Code: "live_sessions", RequestID: reqID})
		return
	}
	defer dec.Permit.Release()

	upgrader := websocket.Upgrader{
		// Origin was checked above against the CORS allowlist.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logger := h.logger().With("request_id", reqID, "principal", p.Key)
	if err := session.Serve(r.Context(), conn, h.Sessions, h.bridgeConfig(), logger); err != nil {
		logger.Warn("live connection ended with error", "error", err)
	}
}

func (h LiveHandler) resolvePrincipal(r *http.Request) (principal.Resolved, *apierror.Error) {
	key, hasKey := auth.ParseUpgradeKey(r)
	switch h.Config.AuthMode {
	case config.AuthModeDisabled:
		return principal.Resolve(r, "", h.Config.TrustProxyHeaders), nil
	case config.AuthModeRequired, config.AuthModeOptional:
	default:
		return principal.Resolved{}, &apierror.Error{Type: apierror.TypeAPI, Message: "invalid auth_mode"}
	}
	if !hasKey {
		if h.Config.AuthMode == config.AuthModeRequired {
			return principal.Resolved{}, &apierror.Error{Type: apierror.TypeAuthentication, Message: "missing gateway api key", Param: auth.QueryKeyParam}
		}
		return principal.Resolve(r, "", h.Config.TrustProxyHeaders), nil
	}
	if _, ok := h.Config.APIKeys[key]; !ok {
		return principal.Resolved{}, &apierror.Error{Type: apierror.TypeAuthentication, Message: "invalid gateway api key"}
	}
	return principal.Resolve(r, key, h.Config.TrustProxyHeaders), nil
}

func (h LiveHandler) bridgeConfig() session.Config {
	return session.Config{
		Audio:                  h.Config.Live.Audio,
		MaxAudioFrameBytes:     h.Config.LiveMaxAudioFrameBytes,
		MaxJSONMessageBytes:    h.Config.LiveMaxJSONMessageBytes,
		MaxAudioFPS:            h.Config.LiveMaxAudioFPS,
		MaxAudioBytesPerSecond: h.Config.LiveMaxAudioBytesPerSecond,
		InboundBurstSeconds:    h.Config.LiveInboundBurstSeconds,
		HandshakeTimeout:       h.Config.LiveHandshakeTimeout,
		PingInterval:           h.Config.LiveWSPingInterval,
		WriteTimeout:           h.Config.LiveWSWriteTimeout,
		ReadTimeout:            h.Config.LiveWSReadTimeout,
	}
}

func (h LiveHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
