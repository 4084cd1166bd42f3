// Package dialogue implements the per-agent dialogue graph and the
// per-session cursor that walks it.
package dialogue

import (
	"fmt"
	"strings"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/types"
)

// ConditionKind selects how an edge condition is evaluated.
type ConditionKind string

const (
	// ConditionAlways is satisfied by every output.
	ConditionAlways ConditionKind = "always"
	// ConditionIntent matches GeneratorOutput.Intent.
	ConditionIntent ConditionKind = "intent"
	// ConditionDirective matches GeneratorOutput.Directive.
	ConditionDirective ConditionKind = "directive"
	// ConditionField matches GeneratorOutput.Fields[Key].
	ConditionField ConditionKind = "field"
)

// Condition is a predicate over a generator output.
// Comparisons are case-insensitive and ignore surrounding whitespace.
type Condition struct {
	Kind  ConditionKind `yaml:"kind" json:"kind"`
	Key   string        `yaml:"key,omitempty" json:"key,omitempty"`
	Value string        `yaml:"value,omitempty" json:"value,omitempty"`
}

// Matches reports whether out satisfies the condition.
func (c Condition) Matches(out types.GeneratorOutput) bool {
	switch c.Kind {
	case ConditionAlways:
		return true
	case ConditionIntent:
		return equalFold(out.Intent, c.Value)
	case ConditionDirective:
		return equalFold(out.Directive, c.Value)
	case ConditionField:
		v, ok := lookupField(out.Fields, c.Key)
		if !ok {
			return false
		}
		// An empty value matches any present field.
		if strings.TrimSpace(c.Value) == "" {
			return strings.TrimSpace(v) != ""
		}
		return equalFold(v, c.Value)
	default:
		return false
	}
}

func (c Condition) validate() error {
	switch c.Kind {
	case ConditionAlways:
		return nil
	case ConditionIntent, ConditionDirective:
		if strings.TrimSpace(c.Value) == "" {
			return fmt.Errorf("%s condition requires a value", c.Kind)
		}
		return nil
	case ConditionField:
		if strings.TrimSpace(c.Key) == "" {
			return fmt.Errorf("field condition requires a key")
		}
		return nil
	case "":
		return fmt.Errorf("condition kind is required")
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
}

// Edge is a conditional transition to Target.
type Edge struct {
	Target string    `yaml:"target" json:"target"`
	When   Condition `yaml:"when" json:"when"`
}

// Node is one dialogue step with its prompt fragment and ordered edges.
type Node struct {
	ID     string `yaml:"id" json:"id"`
	Prompt string `yaml:"prompt" json:"prompt"`
	Edges  []Edge `yaml:"edges,omitempty" json:"edges,omitempty"`
}

// IsLeaf reports whether the node ends the graph-driven part of a conversation.
func (n Node) IsLeaf() bool {
	return len(n.Edges) == 0
}

// Definition is the declarative form of a graph.
type Definition struct {
	Start    string `yaml:"start" json:"start"`
	MaxTurns int    `yaml:"max_turns" json:"max_turns"`
	Nodes    []Node `yaml:"nodes" json:"nodes"`
}

// Graph is an immutable, validated dialogue graph shared by all sessions of an agent.
type Graph struct {
	start    string
	maxTurns int
	nodes    map[string]Node
	order    []string
}

// New validates def and builds a Graph.
func New(def Definition) (*Graph, error) {
	start := strings.TrimSpace(def.Start)
	if start == "" {
		return nil, invalid("dialogue.start is required", "dialogue.start")
	}
	if def.MaxTurns <= 0 {
		return nil, invalid("dialogue.max_turns must be > 0", "dialogue.max_turns")
	}
	if len(def.Nodes) == 0 {
		return nil, invalid("dialogue.nodes must not be empty", "dialogue.nodes")
	}

	g := &Graph{
		start:    start,
		maxTurns: def.MaxTurns,
		nodes:    make(map[string]Node, len(def.Nodes)),
		order:    make([]string, 0, len(def.Nodes)),
	}
	for i, n := range def.Nodes {
		id := strings.TrimSpace(n.ID)
		if id == "" {
			return nil, invalid("node id is required", fmt.Sprintf("dialogue.nodes[%d].id", i))
		}
		if _, dup := g.nodes[id]; dup {
			return nil, invalid(fmt.Sprintf("duplicate node id %q", id), fmt.Sprintf("dialogue.nodes[%d].id", i))
		}
		n.ID = id
		n.Edges = append([]Edge(nil), n.Edges...)
		g.nodes[id] = n
		g.order = append(g.order, id)
	}
	if _, ok := g.nodes[start]; !ok {
		return nil, invalid(fmt.Sprintf("start node %q does not exist", start), "dialogue.start")
	}

	for _, id := range g.order {
		n := g.nodes[id]
		for j, e := range n.Edges {
			param := fmt.Sprintf("dialogue.nodes[%s].edges[%d]", id, j)
			target := strings.TrimSpace(e.Target)
			if _, ok := g.nodes[target]; !ok {
				return nil, invalid(fmt.Sprintf("edge from %q targets unknown node %q", id, e.Target), param+".target")
			}
			if err := e.When.validate(); err != nil {
				return nil, invalid(fmt.Sprintf("edge from %q: %v", id, err), param+".when")
			}
			n.Edges[j].Target = target
		}
		g.nodes[id] = n
	}
	return g, nil
}

// Start returns the start node id.
func (g *Graph) Start() string { return g.start }

// MaxTurns returns the configured graph-driven turn limit.
func (g *Graph) MaxTurns() int { return g.maxTurns }

// Node returns a node by id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns node ids in declaration order.
func (g *Graph) NodeIDs() []string {
	return append([]string(nil), g.order...)
}

// ResolveNext evaluates the current node's edges in declared order and returns
// the target of the first satisfied edge, or current if none is satisfied.
func (g *Graph) ResolveNext(current string, out types.GeneratorOutput) (string, error) {
	n, ok := g.nodes[current]
	if !ok {
		return "", core.NewNotFoundError(fmt.Sprintf("dialogue node %q not found", current))
	}
	for _, e := range n.Edges {
		if e.When.Matches(out) {
			return e.Target, nil
		}
	}
	return current, nil
}

func invalid(message, param string) error {
	return core.NewInvalidConfigError(message, param)
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func lookupField(fields map[string]string, key string) (string, bool) {
	key = strings.TrimSpace(key)
	if v, ok := fields[key]; ok {
		return v, true
	}
	for k, v := range fields {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}
