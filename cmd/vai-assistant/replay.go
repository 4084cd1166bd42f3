package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/live"
	"github.com/vango-go/vai-assistant/pkg/core/types"
	"github.com/vango-go/vai-assistant/pkg/gateway/live/session"
)

type replayOptions struct {
	AgentID  string
	Vars     map[string]string
	Audio    live.AudioConfig
	FrameMs  int
	Realtime bool
	// Idle is how long the session may stay quiet after the last frame
	// before it is terminated.
	Idle time.Duration
}

// replay feeds pcm through a fresh session in FrameMs frames, prints what
// the session does, and returns its record.
func replay(ctx context.Context, mgr session.Manager, opts replayOptions, pcm []byte, out io.Writer) (types.SessionRecord, error) {
	h, err := mgr.Create(ctx, opts.AgentID, opts.Vars)
	if err != nil {
		return types.SessionRecord{}, fmt.Errorf("create session: %w", err)
	}
	events, err := mgr.Events(h)
	if err != nil {
		return types.SessionRecord{}, err
	}
	fmt.Fprintf(out, "session %s agent %s\n", h, opts.AgentID)

	frameBytes := max(opts.Audio.BytesForDurationMs(opts.FrameMs), 2)
	fed := make(chan error, 1)
	go func() {
		defer close(fed)
		for off := 0; off < len(pcm); off += frameBytes {
			end := min(off+frameBytes, len(pcm))
			if err := mgr.Feed(h, pcm[off:end]); err != nil {
				fed <- err
				return
			}
			if opts.Realtime {
				select {
				case <-time.After(time.Duration(opts.FrameMs) * time.Millisecond):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	type result struct {
		rec types.SessionRecord
		err error
	}
	ended := make(chan result, 1)
	terminate := func() {
		go func() {
			tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			rec, err := mgr.Terminate(tctx, h)
			ended <- result{rec, err}
		}()
	}

	var (
		idle       <-chan time.Time
		idleTimer  *time.Timer
		feeding    = fed
		stopping   bool
		cancelled  = ctx.Done()
		assistant  strings.Builder
		closedWith string
	)
	arm := func() {
		if feeding != nil || stopping {
			return
		}
		if idleTimer == nil {
			idleTimer = time.NewTimer(opts.Idle)
			idle = idleTimer.C
			return
		}
		idleTimer.Reset(opts.Idle)
	}
	defer func() {
		if idleTimer != nil {
			idleTimer.Stop()
		}
	}()

loop:
	for {
		select {
		case err, ok := <-feeding:
			feeding = nil
			if ok && err != nil {
				fmt.Fprintf(out, "feed stopped: %v\n", err)
			}
			arm()
		case <-idle:
			idle = nil
			if !stopping {
				stopping = true
				terminate()
			}
		case <-cancelled:
			cancelled = nil
			if !stopping {
				stopping = true
				terminate()
			}
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			switch e := ev.(type) {
			case *live.NodeChangedEvent:
				fmt.Fprintf(out, "node %s -> %s (turns %d)\n", e.From, e.To, e.Turns)
			case *live.InputCommittedEvent:
				fmt.Fprintf(out, "user: %s\n", e.Transcript)
			case *live.AssistantTextEvent:
				assistant.WriteString(e.Delta)
			case *live.AudioCommittedEvent, *live.ResponseInterruptedEvent:
				if text := strings.TrimSpace(assistant.String()); text != "" {
					fmt.Fprintf(out, "agent: %s\n", text)
				}
				assistant.Reset()
				if _, interrupted := e.(*live.ResponseInterruptedEvent); interrupted {
					fmt.Fprintln(out, "interrupted")
				}
			case *live.ErrorEvent:
				fmt.Fprintf(out, "error: %s: %s\n", e.Code, e.Message)
			case *live.SessionClosedEvent:
				closedWith = e.Reason
				break loop
			}
			arm()
		}
	}

	if !stopping {
		// The session ended on its own. Terminate still returns its record
		// unless the manager has already dropped it.
		terminate()
	}
	res := <-ended
	if core.IsType(res.err, core.ErrNotFound) {
		// Already removed; its record went to the configured sinks.
		res = result{rec: types.SessionRecord{SessionID: string(h), AgentID: opts.AgentID, Reason: closedWith}}
	}
	if res.err != nil {
		return types.SessionRecord{}, fmt.Errorf("terminate session: %w", res.err)
	}
	if closedWith == "" {
		closedWith = res.rec.Reason
	}
	fmt.Fprintf(out, "closed: %s\n", closedWith)
	fmt.Fprintf(out, "path: %s\n", strings.Join(res.rec.NodePath, " -> "))
	fmt.Fprintf(out, "cost: %.6f\n", res.rec.Breakdown.Total)
	return res.rec, nil
}
