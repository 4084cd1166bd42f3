package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/types"
)

type callEventKind int

const (
	callChunk callEventKind = iota
	callUsage
	callDone
)

// callEvent is what a pump forwards to the coordinator. Events of one call
// arrive in order; callDone is always last.
type callEvent struct {
	callID   uint64
	kind     callEventKind
	chunk    types.StreamChunk
	usage    []types.Observation
	err      error
	attempts int
}

// pump runs one adapter call: it starts attempts, validates sequencing,
// enforces the chunk deadline, retries while nothing has been delivered, and
// forwards everything to the coordinator.
//
// A restartable call may also be retried after delivering partial chunks, as
// long as no final chunk was delivered. Each attempt restarts at sequence 1
// and replays its input from the beginning.
type pump struct {
	id       uint64
	role     core.Role
	provider string
	start    func(ctx context.Context) (*core.ChunkStream, error)
	// watch optionally returns a channel signalling input activity, which
	// also resets the chunk deadline. A nil channel disables it.
	watch func() <-chan struct{}

	restartable bool

	timeout time.Duration
	grace   time.Duration
	retry   RetryConfig

	out    chan<- callEvent
	exited <-chan struct{}
	logger *slog.Logger
}

func (p *pump) run(ctx context.Context) {
	var (
		attempts  int
		delivered bool
		final     bool
	)
	backoff := retry.WithMaxRetries(uint64(p.retry.MaxAttempts-1),
		retry.WithCappedDuration(p.retry.MaxBackoff, retry.NewExponential(p.retry.InitialBackoff)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		got, done, err := p.attempt(ctx)
		delivered = delivered || got
		final = final || done
		if err == nil {
			return nil
		}
		if p.retryable(err, delivered, final) && ctx.Err() == nil {
			p.logger.Warn("adapter call failed, retrying",
				"role", p.role, "provider", p.provider, "attempt", attempts, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})

	if e, ok := core.AsError(err); ok {
		cp := *e
		cp.Attempts = attempts
		err = &cp
	}
	p.send(callEvent{kind: callDone, err: err, attempts: attempts})
}

func (p *pump) retryable(err error, delivered, final bool) bool {
	if !core.IsRetryable(err) || final {
		return false
	}
	return !delivered || p.restartable
}

// attempt runs one adapter attempt until its stream ends. It reports whether
// any chunk, and whether the final chunk, reached the coordinator.
func (p *pump) attempt(ctx context.Context) (delivered, final bool, err error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := p.start(actx)
	if err != nil {
		return false, false, p.classify(ctx, err)
	}

	var (
		reported int
		expected = 1
	)
	flush := func() {
		if obs := stream.UsageSince(reported); len(obs) > 0 {
			reported += len(obs)
			p.send(callEvent{kind: callUsage, usage: obs})
		}
	}
	abort := func() {
		cancel()
		p.drain(stream)
		flush()
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	for {
		var activity <-chan struct{}
		if p.watch != nil {
			activity = p.watch()
		}

		select {
		case chunk, ok := <-stream.Chunks():
			if !ok {
				flush()
				if err := stream.Err(); err != nil {
					return delivered, final, p.classify(ctx, err)
				}
				if !final {
					return delivered, final, core.NewStreamProtocolError(p.role, p.provider, "stream ended without a final chunk")
				}
				return delivered, final, nil
			}
			if final {
				abort()
				return delivered, final, core.NewStreamProtocolError(p.role, p.provider,
					fmt.Sprintf("chunk %d after final chunk", chunk.Seq))
			}
			if chunk.Seq != expected {
				abort()
				return delivered, final, core.NewStreamProtocolError(p.role, p.provider,
					fmt.Sprintf("sequence %d, expected %d", chunk.Seq, expected))
			}
			expected++
			if chunk.Final {
				final = true
				flush()
			}
			if !p.send(callEvent{kind: callChunk, chunk: chunk}) {
				abort()
				return delivered, final, context.Canceled
			}
			delivered = true
			timer.Reset(p.timeout)

		case <-activity:
			timer.Reset(p.timeout)

		case <-timer.C:
			abort()
			return delivered, final, core.NewProviderTimeoutError(p.role, p.provider, p.timeout)

		case <-ctx.Done():
			abort()
			return delivered, final, ctx.Err()
		}
	}
}

// drain tells the adapter to stop and waits up to the grace period for its
// stream to close, discarding chunks.
func (p *pump) drain(stream *core.ChunkStream) {
	stream.Close()
	grace := time.NewTimer(p.grace)
	defer grace.Stop()
	for {
		select {
		case _, ok := <-stream.Chunks():
			if !ok {
				return
			}
		case <-grace.C:
			p.logger.Debug("adapter did not stop within grace",
				"role", p.role, "provider", p.provider, "grace", p.grace)
			return
		}
	}
}

func (p *pump) classify(ctx context.Context, err error) error {
	if _, ok := core.AsError(err); ok {
		return err
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ctx.Err()
	}
	return core.NewProviderUnavailableError(p.role, p.provider, err)
}

// send forwards ev unless the coordinator has exited.
func (p *pump) send(ev callEvent) bool {
	ev.callID = p.id
	select {
	case p.out <- ev:
		return true
	case <-p.exited:
		return false
	}
}
