package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/vango-go/vai-assistant/pkg/core/live"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Client IPs are taken from proxy headers only when set.
	TrustProxyHeaders bool

	// Per-principal limits. Zero disables a limit.
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int
	LimitMaxLiveSessions       int

	LogLevel string

	// Agents
	AgentsDir     string
	MaxSessions   int
	RecordTimeout time.Duration

	// Pipeline settings shared by every session.
	Live live.Config

	// Live WebSocket mode (/v1/live).
	LiveMaxAudioFrameBytes     int
	LiveMaxJSONMessageBytes    int64
	LiveMaxAudioFPS            int
	LiveMaxAudioBytesPerSecond int64
	LiveInboundBurstSeconds    int
	LiveWSPingInterval         time.Duration
	LiveWSWriteTimeout         time.Duration
	LiveWSReadTimeout          time.Duration
	LiveHandshakeTimeout       time.Duration

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration

	// Record sinks. Empty disables a sink.
	LogRecords        bool
	DatabaseURL       string
	RedisURL          string
	RedisKeyPrefix    string
	RedisRecordTTL    time.Duration
	RedisMaxRecent    int64
	StripeAPIKey      string
	StripeMeterEvent  string
	StripeCustomerVar string
}

// LoadFromEnv reads VAI_ASSISTANT_* variables. Pipeline thresholds, retry
// bounds, per-role timeouts and the cancel grace have no defaults; every
// missing or malformed one is reported.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("VAI_ASSISTANT_ADDR", ":8080"),
		AuthMode:                   AuthMode(envOr("VAI_ASSISTANT_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                    make(map[string]struct{}),
		CORSAllowedOrigins:         make(map[string]struct{}),
		LogLevel:                   strings.ToLower(envOr("VAI_ASSISTANT_LOG_LEVEL", "info")),
		TrustProxyHeaders:          envBoolOr("VAI_ASSISTANT_TRUST_PROXY_HEADERS", false),
		LimitRPS:                   envFloat64Or("VAI_ASSISTANT_LIMIT_RPS", 2),
		LimitBurst:                 envIntOr("VAI_ASSISTANT_LIMIT_BURST", 10),
		LimitMaxConcurrentRequests: envIntOr("VAI_ASSISTANT_LIMIT_MAX_CONCURRENT_REQUESTS", 20),
		LimitMaxLiveSessions:       envIntOr("VAI_ASSISTANT_LIMIT_MAX_LIVE_SESSIONS", 4),
		AgentsDir:                  envOr("VAI_ASSISTANT_AGENTS_DIR", "agents"),
		MaxSessions:                envIntOr("VAI_ASSISTANT_MAX_SESSIONS", 100),
		RecordTimeout:              envDurationOr("VAI_ASSISTANT_RECORD_TIMEOUT", 10*time.Second),
		LiveMaxAudioFrameBytes:     envIntOr("VAI_ASSISTANT_LIVE_MAX_AUDIO_FRAME_BYTES", 16384),
		LiveMaxJSONMessageBytes:    envInt64Or("VAI_ASSISTANT_LIVE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		LiveMaxAudioFPS:            envIntOr("VAI_ASSISTANT_LIVE_MAX_AUDIO_FPS", 120),
		LiveMaxAudioBytesPerSecond: envInt64Or("VAI_ASSISTANT_LIVE_MAX_AUDIO_BPS", 128*1024),
		LiveInboundBurstSeconds:    envIntOr("VAI_ASSISTANT_LIVE_INBOUND_BURST_SECONDS", 2),
		LiveWSPingInterval:         envDurationOr("VAI_ASSISTANT_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:         envDurationOr("VAI_ASSISTANT_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:          envDurationOr("VAI_ASSISTANT_LIVE_WS_READ_TIMEOUT", 60*time.Second),
		LiveHandshakeTimeout:       envDurationOr("VAI_ASSISTANT_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		ReadHeaderTimeout:          envDurationOr("VAI_ASSISTANT_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                envDurationOr("VAI_ASSISTANT_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:        envDurationOr("VAI_ASSISTANT_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		LogRecords:                 envBoolOr("VAI_ASSISTANT_LOG_RECORDS", true),
		DatabaseURL:                envOr("VAI_ASSISTANT_DATABASE_URL", ""),
		RedisURL:                   envOr("VAI_ASSISTANT_REDIS_URL", ""),
		RedisKeyPrefix:             envOr("VAI_ASSISTANT_REDIS_KEY_PREFIX", "vai:sessions"),
		RedisRecordTTL:             envDurationOr("VAI_ASSISTANT_REDIS_RECORD_TTL", 24*time.Hour),
		RedisMaxRecent:             envInt64Or("VAI_ASSISTANT_REDIS_MAX_RECENT", 1000),
		StripeAPIKey:               envOr("VAI_ASSISTANT_STRIPE_API_KEY", ""),
		StripeMeterEvent:           envOr("VAI_ASSISTANT_STRIPE_METER_EVENT", "voice_session_cost"),
		StripeCustomerVar:          envOr("VAI_ASSISTANT_STRIPE_CUSTOMER_VAR", "stripe_customer"),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VAI_ASSISTANT_AUTH_MODE must be one of required|optional|disabled")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("VAI_ASSISTANT_LOG_LEVEL must be one of debug|info|warn|error")
	}

	for _, key := range splitCSV(os.Getenv("VAI_ASSISTANT_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("VAI_ASSISTANT_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	pipeline, err := loadLive()
	if err != nil {
		return Config{}, err
	}
	cfg.Live = pipeline

	if strings.TrimSpace(cfg.AgentsDir) == "" {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_AGENTS_DIR must not be empty")
	}
	if cfg.LimitRPS < 0 || cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_LIMIT_RPS and VAI_ASSISTANT_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitRPS > 0 && cfg.LimitBurst == 0 {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_LIMIT_BURST must be >= 1 when VAI_ASSISTANT_LIMIT_RPS is set")
	}
	if cfg.LimitMaxConcurrentRequests < 0 || cfg.LimitMaxLiveSessions < 0 {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_LIMIT_MAX_* must be >= 0")
	}
	if cfg.MaxSessions < 0 {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_MAX_SESSIONS must be >= 0")
	}
	if cfg.RecordTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_RECORD_TIMEOUT must be > 0")
	}
	if cfg.LiveMaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_LIVE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.LiveMaxAudioBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_LIVE_MAX_AUDIO_BPS must be >= 0")
	}
	if (cfg.LiveMaxAudioFPS > 0 || cfg.LiveMaxAudioBytesPerSecond > 0) && cfg.LiveInboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_LIVE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout <= cfg.LiveWSPingInterval {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_LIVE_WS_READ_TIMEOUT must be > VAI_ASSISTANT_LIVE_WS_PING_INTERVAL")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.RedisURL != "" && cfg.RedisRecordTTL <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_REDIS_RECORD_TTL must be > 0")
	}
	if cfg.StripeAPIKey != "" && strings.TrimSpace(cfg.StripeMeterEvent) == "" {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_STRIPE_METER_EVENT must be set when VAI_ASSISTANT_STRIPE_API_KEY is")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VAI_ASSISTANT_API_KEYS must be set when VAI_ASSISTANT_AUTH_MODE=required")
	}

	return cfg, nil
}

func loadLive() (live.Config, error) {
	var errs error
	cfg := live.Config{
		Audio: live.AudioConfig{
			SampleRate:    envIntOr("VAI_ASSISTANT_SAMPLE_RATE", 24000),
			Channels:      1,
			BitsPerSample: 16,
		},
		Interrupt: live.InterruptConfig{
			Mode:            live.InterruptMode(envOr("VAI_ASSISTANT_INTERRUPT_MODE", string(live.InterruptModeAlways))),
			EnergyThreshold: requireFloat64(&errs, "VAI_ASSISTANT_INTERRUPT_THRESHOLD"),
			MinSpeechMs:     requireInt(&errs, "VAI_ASSISTANT_INTERRUPT_MIN_SPEECH_MS"),
		},
		Activity: live.ActivityConfig{
			EnergyThreshold: envFloat64Or("VAI_ASSISTANT_ACTIVITY_THRESHOLD", 0),
			MinSpeechMs:     envIntOr("VAI_ASSISTANT_ACTIVITY_MIN_SPEECH_MS", 0),
			PreRollMs:       envIntOr("VAI_ASSISTANT_ACTIVITY_PRE_ROLL_MS", 0),
		},
		Retry: live.RetryConfig{
			MaxAttempts:    requireInt(&errs, "VAI_ASSISTANT_RETRY_MAX_ATTEMPTS"),
			InitialBackoff: requireDuration(&errs, "VAI_ASSISTANT_RETRY_INITIAL_BACKOFF"),
			MaxBackoff:     requireDuration(&errs, "VAI_ASSISTANT_RETRY_MAX_BACKOFF"),
		},
		Timeouts: live.TimeoutConfig{
			Transcriber: requireDuration(&errs, "VAI_ASSISTANT_TIMEOUT_TRANSCRIBER"),
			Generator:   requireDuration(&errs, "VAI_ASSISTANT_TIMEOUT_GENERATOR"),
			Synthesizer: requireDuration(&errs, "VAI_ASSISTANT_TIMEOUT_SYNTHESIZER"),
		},
		CancelGrace:  requireDuration(&errs, "VAI_ASSISTANT_CANCEL_GRACE"),
		MaxBacklogMs: envIntOr("VAI_ASSISTANT_MAX_BACKLOG_MS", 0),
		EventBuffer:  envIntOr("VAI_ASSISTANT_EVENT_BUFFER", 0),
		Debug:        envBoolOr("VAI_ASSISTANT_DEBUG_EVENTS", false),
	}
	if errs != nil {
		return live.Config{}, errs
	}
	if cfg.Audio.SampleRate <= 0 {
		return live.Config{}, fmt.Errorf("VAI_ASSISTANT_SAMPLE_RATE must be > 0")
	}
	if err := cfg.Validate(); err != nil {
		return live.Config{}, fmt.Errorf("pipeline settings: %w", err)
	}
	return cfg, nil
}

func requireRaw(errs *error, key string) (string, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		*errs = multierr.Append(*errs, fmt.Errorf("%s is required", key))
		return "", false
	}
	return raw, true
}

func requireFloat64(errs *error, key string) float64 {
	raw, ok := requireRaw(errs, key)
	if !ok {
		return 0
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = multierr.Append(*errs, fmt.Errorf("%s must be a number", key))
	}
	return n
}

func requireInt(errs *error, key string) int {
	raw, ok := requireRaw(errs, key)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = multierr.Append(*errs, fmt.Errorf("%s must be an integer", key))
	}
	return n
}

func requireDuration(errs *error, key string) time.Duration {
	raw, ok := requireRaw(errs, key)
	if !ok {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = multierr.Append(*errs, fmt.Errorf("%s must be a duration like 250ms", key))
	}
	return d
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
