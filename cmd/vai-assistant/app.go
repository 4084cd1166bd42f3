package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"

	"github.com/vango-go/vai-assistant/pkg/billing/stripemeter"
	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/agent"
	"github.com/vango-go/vai-assistant/pkg/core/providers/gemini"
	"github.com/vango-go/vai-assistant/pkg/core/providers/openai"
	"github.com/vango-go/vai-assistant/pkg/core/providers/scripted"
	"github.com/vango-go/vai-assistant/pkg/core/providers/wsstream"
	"github.com/vango-go/vai-assistant/pkg/core/record"
	"github.com/vango-go/vai-assistant/pkg/gateway/config"
	"github.com/vango-go/vai-assistant/pkg/gateway/handlers"
	"github.com/vango-go/vai-assistant/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-assistant/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-assistant/pkg/store/postgres"
	"github.com/vango-go/vai-assistant/pkg/store/redisstore"
)

// app holds everything a command needs beyond the HTTP layer.
type app struct {
	agents    *agent.Cache
	manager   *sessions.Manager
	records   handlers.RecordStore
	lifecycle *lifecycle.Lifecycle
	closers   []func() error
}

func newRegistry() *core.Registry {
	reg := core.NewRegistry()
	scripted.Register(reg)
	gemini.Register(reg)
	openai.Register(reg)
	wsstream.Register(reg)
	return reg
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// connectBackoff bounds how long startup waits for a store to accept
// connections.
func connectBackoff() retry.Backoff {
	return retry.WithMaxRetries(4, retry.WithCappedDuration(5*time.Second, retry.NewExponential(250*time.Millisecond)))
}

func openWithRetry[T any](ctx context.Context, logger *slog.Logger, name string, open func(context.Context) (T, error)) (T, error) {
	var out T
	attempt := 0
	err := retry.Do(ctx, connectBackoff(), func(ctx context.Context) error {
		attempt++
		v, err := open(ctx)
		if err != nil {
			logger.Warn("store not reachable", "store", name, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		out = v
		return nil
	})
	return out, err
}

// buildApp wires the agent cache, record sinks and session manager from cfg.
// Sinks that need a network connection register a readiness check.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		agents:    agent.NewCache(agent.DirLoader{Dir: cfg.AgentsDir}, newRegistry()),
		lifecycle: &lifecycle.Lifecycle{},
	}

	var sinks record.Multi
	if cfg.LogRecords {
		sinks = append(sinks, record.LogRecorder{Logger: logger})
	}

	if cfg.DatabaseURL != "" {
		pg, err := openWithRetry(ctx, logger, "postgres", func(ctx context.Context) (*postgres.Store, error) {
			return postgres.Open(ctx, cfg.DatabaseURL, logger)
		})
		if err != nil {
			return nil, a.fail(fmt.Errorf("postgres: %w", err))
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		a.lifecycle.AddCheck("postgres", pg.Ping)
		a.records = pg
		sinks = append(sinks, pg)
	}

	if cfg.RedisURL != "" {
		rs, err := openWithRetry(ctx, logger, "redis", func(ctx context.Context) (*redisstore.Store, error) {
			return redisstore.Open(ctx, cfg.RedisURL, redisstore.Options{
				Prefix:    cfg.RedisKeyPrefix,
				TTL:       cfg.RedisRecordTTL,
				MaxRecent: cfg.RedisMaxRecent,
			})
		})
		if err != nil {
			return nil, a.fail(fmt.Errorf("redis: %w", err))
		}
		a.closers = append(a.closers, rs.Close)
		a.lifecycle.AddCheck("redis", rs.Ping)
		if a.records == nil {
			a.records = rs
		}
		sinks = append(sinks, rs)
	}

	if cfg.StripeAPIKey != "" {
		meter, err := stripemeter.New(stripemeter.NewSender(cfg.StripeAPIKey), stripemeter.Config{
			EventName:   cfg.StripeMeterEvent,
			CustomerVar: cfg.StripeCustomerVar,
		}, logger)
		if err != nil {
			return nil, a.fail(err)
		}
		sinks = append(sinks, meter)
	}

	mgr, err := sessions.NewManager(a.agents, sessions.Config{
		Live:          cfg.Live,
		MaxSessions:   cfg.MaxSessions,
		RecordTimeout: cfg.RecordTimeout,
	}, sinks, logger)
	if err != nil {
		return nil, a.fail(err)
	}
	a.manager = mgr
	return a, nil
}

func (a *app) fail(err error) error {
	return multierr.Append(err, a.Close())
}

// Close releases store connections in reverse order of opening.
func (a *app) Close() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, a.closers[i]())
	}
	a.closers = nil
	return errs
}
