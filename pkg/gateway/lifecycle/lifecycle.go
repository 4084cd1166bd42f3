package lifecycle

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// Lifecycle is the process state shared across handlers: a draining flag
// flipped at shutdown and the dependency checks behind /readyz.
type Lifecycle struct {
	draining atomic.Bool

	mu     sync.RWMutex
	checks map[string]func(context.Context) error
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// AddCheck registers a readiness check, replacing any with the same name.
func (l *Lifecycle) AddCheck(name string, check func(context.Context) error) {
	if l == nil || check == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.checks == nil {
		l.checks = make(map[string]func(context.Context) error)
	}
	l.checks[name] = check
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Check runs every check sequentially, sorted by name.
func (l *Lifecycle) Check(ctx context.Context) []CheckResult {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	names := make([]string, 0, len(l.checks))
	for name := range l.checks {
		names = append(names, name)
	}
	checks := make(map[string]func(context.Context) error, len(l.checks))
	for name, fn := range l.checks {
		checks[name] = fn
	}
	l.mu.RUnlock()
	sort.Strings(names)

	out := make([]CheckResult, 0, len(names))
	for _, name := range names {
		res := CheckResult{Name: name, OK: true}
		if err := checks[name](ctx); err != nil {
			res.OK = false
			res.Error = err.Error()
		}
		out = append(out, res)
	}
	return out
}
