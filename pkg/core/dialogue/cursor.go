package dialogue

import (
	"regexp"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/types"
)

// Cursor tracks one session's position in a Graph. It is not safe for
// concurrent use; the owning coordinator goroutine is its only caller.
type Cursor struct {
	graph   *Graph
	current string
	turns   int
	path    []string
}

// NewCursor returns a cursor positioned at the start node.
func (g *Graph) NewCursor() *Cursor {
	return &Cursor{
		graph:   g,
		current: g.start,
		path:    []string{g.start},
	}
}

// Current returns the current node id.
func (c *Cursor) Current() string { return c.current }

// Node returns the current node.
func (c *Cursor) Node() Node {
	n, _ := c.graph.Node(c.current)
	return n
}

// Turns returns the number of graph-driven turns taken.
func (c *Cursor) Turns() int { return c.turns }

// InGraph reports whether the conversation is still graph-driven.
func (c *Cursor) InGraph() bool {
	return !c.Node().IsLeaf()
}

// Path returns every node visited, starting with the start node.
// Consecutive duplicates are not recorded.
func (c *Cursor) Path() []string {
	return append([]string(nil), c.path...)
}

// Advance resolves the next node for out and moves the cursor.
//
// Once a leaf is reached Advance is a no-op. Each graph-driven turn counts
// toward the limit; reaching the limit while the resulting node is not a leaf
// returns a dialogue_limit_exceeded error with the cursor already moved.
func (c *Cursor) Advance(out types.GeneratorOutput) (changed bool, err error) {
	if !c.InGraph() {
		return false, nil
	}
	next, err := c.graph.ResolveNext(c.current, out)
	if err != nil {
		return false, err
	}
	c.turns++
	if next != c.current {
		c.current = next
		c.path = append(c.path, next)
		changed = true
	}
	if c.InGraph() && c.turns >= c.graph.maxTurns {
		return changed, core.NewDialogueLimitError(c.current, c.graph.maxTurns)
	}
	return changed, nil
}

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// RenderPrompt substitutes {name} placeholders from vars.
// Unknown placeholders are left as written.
func RenderPrompt(tmpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tmpl
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}
