package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/vango-go/vai-assistant/pkg/core"
)

// Loader fetches descriptors by agent id.
type Loader interface {
	Load(ctx context.Context, id string) (Descriptor, error)
}

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// DirLoader reads <dir>/<id>.yaml.
type DirLoader struct {
	Dir string
}

// Load implements Loader.
func (l DirLoader) Load(ctx context.Context, id string) (Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return Descriptor{}, err
	}
	if !validID.MatchString(id) {
		return Descriptor{}, core.NewInvalidConfigError(fmt.Sprintf("invalid agent id %q", id), "agent_id")
	}
	path := filepath.Join(l.Dir, id+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Descriptor{}, core.NewNotFoundError(fmt.Sprintf("agent %q not found", id))
		}
		return Descriptor{}, fmt.Errorf("read %s: %w", path, err)
	}
	d, err := Parse(data)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%s: %w", path, err)
	}
	if d.ID == "" {
		d.ID = id
	}
	if d.ID != id {
		return Descriptor{}, core.NewInvalidConfigError(fmt.Sprintf("%s declares id %q", path, d.ID), "id")
	}
	return d, nil
}

// IDs lists the agent ids available in the directory.
func (l DirLoader) IDs() ([]string, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(ids)
	return ids, nil
}

// StaticLoader serves descriptors from memory.
type StaticLoader map[string]Descriptor

// Load implements Loader.
func (l StaticLoader) Load(_ context.Context, id string) (Descriptor, error) {
	d, ok := l[id]
	if !ok {
		return Descriptor{}, core.NewNotFoundError(fmt.Sprintf("agent %q not found", id))
	}
	return d, nil
}

// Cache resolves agents once and shares them across sessions.
// Concurrent misses for the same id collapse into one load.
type Cache struct {
	loader   Loader
	registry *core.Registry

	group singleflight.Group
	mu    sync.RWMutex
	items map[string]*Agent
}

// NewCache creates a cache over loader, resolving adapters through reg.
func NewCache(loader Loader, reg *core.Registry) *Cache {
	return &Cache{
		loader:   loader,
		registry: reg,
		items:    make(map[string]*Agent),
	}
}

// Get returns the resolved agent for id.
func (c *Cache) Get(ctx context.Context, id string) (*Agent, error) {
	if a, ok := c.lookup(id); ok {
		return a, nil
	}
	res, err, _ := c.group.Do(id, func() (any, error) {
		if a, ok := c.lookup(id); ok {
			return a, nil
		}
		d, err := c.loader.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		a, err := Build(d, c.registry)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", id, err)
		}
		c.mu.Lock()
		c.items[id] = a
		c.mu.Unlock()
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Agent), nil
}

// Invalidate drops a cached agent so the next Get reloads it.
// Sessions already running keep the agent they started with.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.items, id)
	c.mu.Unlock()
}

func (c *Cache) lookup(id string) (*Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.items[id]
	return a, ok
}
