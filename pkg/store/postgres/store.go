// Package postgres persists session records in Postgres.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

var turnColumns = []string{"session_id", "seq", "turn_id", "speaker", "stage", "node_id", "text", "truncated", "cost", "at", "payload"}

const insertRecordSQL = `
INSERT INTO session_records (
	session_id, agent_id, reason, error, started_at, ended_at, duration_ms,
	vars, node_path, costs, quantities,
	base_cost, platform_fee_percent, platform_fee, total_cost
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (session_id) DO NOTHING`

const selectRecordSQL = `
SELECT session_id, agent_id, reason, error, started_at, ended_at,
	vars, node_path, costs, quantities,
	base_cost, platform_fee_percent, platform_fee, total_cost
FROM session_records WHERE session_id = $1`

const selectTurnsSQL = `SELECT payload FROM session_turns WHERE session_id = $1 ORDER BY seq`

// Store writes one row per session and one row per transcript turn.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := &Store{pool: pool, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("postgres: migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}
	for _, r := range results {
		s.logger.Info("applied migration", "version", r.Source.Version, "duration_ms", r.Duration.Milliseconds())
	}
	return nil
}

// Record implements record.Recorder. A record that is already stored is
// left as is.
func (s *Store) Record(ctx context.Context, rec types.SessionRecord) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	rows, err := turnRows(rec)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertRecordSQL, args...)
		if err != nil {
			return fmt.Errorf("postgres: insert record %s: %w", rec.SessionID, err)
		}
		if tag.RowsAffected() == 0 || len(rows) == 0 {
			return nil
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"session_turns"}, turnColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("postgres: copy turns %s: %w", rec.SessionID, err)
		}
		return nil
	})
}

// Get loads a stored record with its transcript.
func (s *Store) Get(ctx context.Context, sessionID string) (types.SessionRecord, error) {
	var (
		rec                     types.SessionRecord
		vars, costs, quantities []byte
	)
	err := s.pool.QueryRow(ctx, selectRecordSQL, sessionID).Scan(
		&rec.SessionID, &rec.AgentID, &rec.Reason, &rec.Error, &rec.StartedAt, &rec.EndedAt,
		&vars, &rec.NodePath, &costs, &quantities,
		&rec.Breakdown.Base, &rec.Breakdown.PlatformFeePercent, &rec.Breakdown.PlatformFee, &rec.Breakdown.Total,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.SessionRecord{}, core.NewNotFoundError("session record not found: " + sessionID)
	}
	if err != nil {
		return types.SessionRecord{}, fmt.Errorf("postgres: select record %s: %w", sessionID, err)
	}
	if err := decodeJSONColumns(&rec, vars, costs, quantities); err != nil {
		return types.SessionRecord{}, err
	}

	rows, err := s.pool.Query(ctx, selectTurnsSQL, sessionID)
	if err != nil {
		return types.SessionRecord{}, fmt.Errorf("postgres: select turns %s: %w", sessionID, err)
	}
	payloads, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return types.SessionRecord{}, fmt.Errorf("postgres: scan turns %s: %w", sessionID, err)
	}
	rec.Transcript, err = decodeTurns(payloads)
	if err != nil {
		return types.SessionRecord{}, err
	}
	return rec, nil
}

// Ping checks the connection pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

func recordArgs(rec types.SessionRecord) ([]any, error) {
	vars, err := jsonObject(rec.Vars)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode vars: %w", err)
	}
	costs, err := jsonObject(rec.Costs)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode costs: %w", err)
	}
	quantities, err := jsonObject(rec.Quantities)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode quantities: %w", err)
	}
	nodePath := rec.NodePath
	if nodePath == nil {
		nodePath = []string{}
	}
	return []any{
		rec.SessionID, rec.AgentID, rec.Reason, rec.Error, rec.StartedAt, rec.EndedAt, rec.Duration().Milliseconds(),
		vars, nodePath, costs, quantities,
		rec.Breakdown.Base, rec.Breakdown.PlatformFeePercent, rec.Breakdown.PlatformFee, rec.Breakdown.Total,
	}, nil
}

func turnRows(rec types.SessionRecord) ([][]any, error) {
	rows := make([][]any, 0, len(rec.Transcript))
	for i, t := range rec.Transcript {
		payload, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("postgres: encode turn %d: %w", i, err)
		}
		rows = append(rows, []any{
			rec.SessionID, int32(i), t.ID, string(t.Speaker), string(t.Stage), t.NodeID,
			t.Text, t.Truncated, t.Cost(), t.At, payload,
		})
	}
	return rows, nil
}

func decodeTurns(payloads [][]byte) ([]types.Turn, error) {
	turns := make([]types.Turn, 0, len(payloads))
	for i, p := range payloads {
		var t types.Turn
		if err := json.Unmarshal(p, &t); err != nil {
			return nil, fmt.Errorf("postgres: decode turn %d: %w", i, err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func decodeJSONColumns(rec *types.SessionRecord, vars, costs, quantities []byte) error {
	if err := json.Unmarshal(vars, &rec.Vars); err != nil {
		return fmt.Errorf("postgres: decode vars: %w", err)
	}
	if err := json.Unmarshal(costs, &rec.Costs); err != nil {
		return fmt.Errorf("postgres: decode costs: %w", err)
	}
	if err := json.Unmarshal(quantities, &rec.Quantities); err != nil {
		return fmt.Errorf("postgres: decode quantities: %w", err)
	}
	return nil
}

// jsonObject encodes m, writing {} for a nil map.
func jsonObject[M ~map[K]V, K comparable, V any](m M) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
