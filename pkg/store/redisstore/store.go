// Package redisstore keeps recent session records in Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/types"
)

const (
	defaultPrefix    = "vai:sessions"
	defaultTTL       = 24 * time.Hour
	defaultMaxRecent = 1000
)

type Options struct {
	// Prefix namespaces every key. Default: vai:sessions.
	Prefix string
	// TTL bounds how long a record is kept. Default: 24h.
	TTL time.Duration
	// MaxRecent caps the recent-ids list. Default: 1000.
	MaxRecent int64
}

// Store writes each record under <prefix>:record:<id> and pushes its id
// onto <prefix>:recent, newest first.
type Store struct {
	client *redis.Client
	opts   Options
}

// New wraps an existing client.
func New(client *redis.Client, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.MaxRecent <= 0 {
		opts.MaxRecent = defaultMaxRecent
	}
	return &Store{client: client, opts: opts}
}

// Open parses a redis:// URL and checks the connection.
func Open(ctx context.Context, url string, opts Options) (*Store, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return New(client, opts), nil
}

// Record implements record.Recorder. The first write for a session wins.
func (s *Store) Record(ctx context.Context, rec types.SessionRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: encode record %s: %w", rec.SessionID, err)
	}
	created, err := s.client.SetNX(ctx, s.recordKey(rec.SessionID), val, s.opts.TTL).Result()
	if err != nil {
		return fmt.Errorf("redis: set record %s: %w", rec.SessionID, err)
	}
	if !created {
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.recentKey(), rec.SessionID)
		pipe.LTrim(ctx, s.recentKey(), 0, s.opts.MaxRecent-1)
		pipe.Expire(ctx, s.recentKey(), s.opts.TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: push recent %s: %w", rec.SessionID, err)
	}
	return nil
}

// Get returns a stored record or a not_found_error.
func (s *Store) Get(ctx context.Context, sessionID string) (types.SessionRecord, error) {
	val, err := s.client.Get(ctx, s.recordKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.SessionRecord{}, core.NewNotFoundError("session record not found: " + sessionID)
	}
	if err != nil {
		return types.SessionRecord{}, fmt.Errorf("redis: get record %s: %w", sessionID, err)
	}
	var rec types.SessionRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return types.SessionRecord{}, fmt.Errorf("redis: decode record %s: %w", sessionID, err)
	}
	return rec, nil
}

// Recent returns up to n session ids, newest first. Ids may outlive their
// records by up to one TTL.
func (s *Store) Recent(ctx context.Context, n int64) ([]string, error) {
	if n <= 0 || n > s.opts.MaxRecent {
		n = s.opts.MaxRecent
	}
	ids, err := s.client.LRange(ctx, s.recentKey(), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: recent: %w", err)
	}
	return ids, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) recordKey(id string) string {
	return s.opts.Prefix + ":record:" + id
}

func (s *Store) recentKey() string {
	return s.opts.Prefix + ":recent"
}
