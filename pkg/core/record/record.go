// Package record delivers finished session records to persistence sinks.
package record

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-assistant/pkg/core/types"
)

// Recorder persists one session record.
type Recorder interface {
	Record(ctx context.Context, rec types.SessionRecord) error
}

// Func adapts a function to Recorder.
type Func func(ctx context.Context, rec types.SessionRecord) error

// Record implements Recorder.
func (f Func) Record(ctx context.Context, rec types.SessionRecord) error {
	return f(ctx, rec)
}

// LogRecorder writes a summary line per session.
type LogRecorder struct {
	Logger *slog.Logger
}

// Record implements Recorder.
func (r LogRecorder) Record(_ context.Context, rec types.SessionRecord) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"session_id", rec.SessionID,
		"agent_id", rec.AgentID,
		"reason", rec.Reason,
		"duration_ms", rec.Duration().Milliseconds(),
		"turns", len(rec.Transcript),
		"node_path", rec.NodePath,
		"cost_transcription", rec.Costs[types.CategoryTranscription],
		"cost_generation", rec.Costs[types.CategoryGeneration],
		"cost_synthesis", rec.Costs[types.CategorySynthesis],
		"cost_total", rec.Breakdown.Total,
	}
	if rec.Error != "" {
		logger.Warn("session recorded", append(attrs, "error", rec.Error)...)
		return nil
	}
	logger.Info("session recorded", attrs...)
	return nil
}

// Multi fans a record out to every sink concurrently.
// All sinks run to completion; their errors are combined.
type Multi []Recorder

// Record implements Recorder.
func (m Multi) Record(ctx context.Context, rec types.SessionRecord) error {
	errs := make([]error, len(m))
	var g errgroup.Group
	for i, r := range m {
		if r == nil {
			continue
		}
		g.Go(func() error {
			if err := r.Record(ctx, rec); err != nil {
				errs[i] = fmt.Errorf("recorder %d (%T): %w", i, r, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return multierr.Combine(errs...)
}

// Discard drops records.
var Discard Recorder = Func(func(context.Context, types.SessionRecord) error { return nil })
