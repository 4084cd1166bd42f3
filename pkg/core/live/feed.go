package live

import (
	"context"
	"sync"
)

// feed is an append-only input log for one adapter call.
//
// Every Reader replays the log from the beginning, so a retried attempt sees
// exactly the input the failed attempt saw before receiving anything new.
type feed[T any] struct {
	mu      sync.Mutex
	items   []T
	closed  bool
	changed chan struct{}
}

func newFeed[T any]() *feed[T] {
	return &feed[T]{changed: make(chan struct{})}
}

// Append adds v. It returns false once the feed is closed.
func (f *feed[T]) Append(v T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.items = append(f.items, v)
	close(f.changed)
	f.changed = make(chan struct{})
	return true
}

// Close marks the end of input. Readers drain what is left and stop.
func (f *feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.changed)
}

// Len returns the number of appended items.
func (f *feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Watch returns a channel closed by the next Append, or nil after Close.
func (f *feed[T]) Watch() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	return f.changed
}

// Reader streams the feed from its first item until Close or ctx is done.
func (f *feed[T]) Reader(ctx context.Context) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for i := 0; ; {
			f.mu.Lock()
			if i < len(f.items) {
				v := f.items[i]
				f.mu.Unlock()
				select {
				case out <- v:
					i++
				case <-ctx.Done():
					return
				}
				continue
			}
			if f.closed {
				f.mu.Unlock()
				return
			}
			wait := f.changed
			f.mu.Unlock()

			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
