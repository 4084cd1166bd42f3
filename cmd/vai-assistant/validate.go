package main

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/multierr"

	"github.com/vango-go/vai-assistant/pkg/core/agent"
)

// validateAgents resolves every descriptor in dir, reporting each result to
// out. It fails if any agent does not build.
func validateAgents(ctx context.Context, dir string, out io.Writer) error {
	loader := agent.DirLoader{Dir: dir}
	ids, err := loader.IDs()
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if len(ids) == 0 {
		return fmt.Errorf("no agent descriptors in %s", dir)
	}

	cache := agent.NewCache(loader, newRegistry())
	var errs error
	for _, id := range ids {
		a, err := cache.Get(ctx, id)
		if err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", id, err)
			errs = multierr.Append(errs, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s (%d nodes, start %s)\n", id, len(a.Graph.NodeIDs()), a.Graph.Start())
	}
	if errs != nil {
		return fmt.Errorf("%d of %d agents invalid", len(multierr.Errors(errs)), len(ids))
	}
	return nil
}
