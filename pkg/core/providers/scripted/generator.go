package scripted

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/types"
)

// Rule answers user messages containing Keyword.
type Rule struct {
	Keyword string
	Output  types.GeneratorOutput
}

// Generator answers the latest user message from keyword rules.
//
// Rules are read from options named "match.<keyword>" with the value
// "<intent>|<reply>"; the first keyword in lexical order found in the
// message wins. Unmatched messages get the "default" option. Replies stream
// word by word, delay_ms apart (0).
type Generator struct {
	rules       []Rule
	fallback    string
	delay       time.Duration
	inputPrice  float64
	outputPrice float64
}

// NewGenerator creates a scripted Generator from configuration.
func NewGenerator(cfg core.AdapterConfig) (*Generator, error) {
	g := &Generator{
		fallback:    cfg.Option("default", "Sorry, could you say that again?"),
		inputPrice:  cfg.Price(types.UnitInputToken),
		outputPrice: cfg.Price(types.UnitOutputToken),
	}
	if raw := cfg.Option("delay_ms", ""); raw != "" {
		ms, err := intOption(cfg, "delay_ms", 0)
		if err != nil {
			return nil, err
		}
		g.delay = time.Duration(ms) * time.Millisecond
	}

	for name, value := range cfg.Options {
		keyword, ok := strings.CutPrefix(name, "match.")
		if !ok || strings.TrimSpace(keyword) == "" {
			continue
		}
		intent, reply, found := strings.Cut(value, "|")
		if !found {
			reply, intent = intent, ""
		}
		g.rules = append(g.rules, Rule{
			Keyword: strings.ToLower(strings.TrimSpace(keyword)),
			Output:  types.GeneratorOutput{Intent: strings.TrimSpace(intent), Text: strings.TrimSpace(reply)},
		})
	}
	sort.Slice(g.rules, func(i, j int) bool { return g.rules[i].Keyword < g.rules[j].Keyword })
	return g, nil
}

// Name returns the adapter identifier.
func (g *Generator) Name() string { return Kind }

// Respond returns the output for a user message.
func (g *Generator) Respond(message string) types.GeneratorOutput {
	lower := strings.ToLower(message)
	for _, r := range g.rules {
		if strings.Contains(lower, r.Keyword) {
			return r.Output
		}
	}
	return types.GeneratorOutput{Text: g.fallback}
}

// Generate starts one generation call.
func (g *Generator) Generate(ctx context.Context, req core.GenerateRequest) (*core.ChunkStream, error) {
	history := req.History()
	var last string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			last = history[i].Text
			break
		}
	}
	out := g.Respond(last)

	input := len(strings.Fields(req.SystemPrompt)) + len(strings.Fields(req.NodePrompt))
	for _, m := range history {
		input += len(strings.Fields(m.Text))
	}

	s := core.NewChunkStream(8)
	go g.run(ctx, out, input, s)
	return s, nil
}

func (g *Generator) run(ctx context.Context, out types.GeneratorOutput, input int, s *core.ChunkStream) {
	defer s.Finish()

	words := strings.Fields(out.Text)
	emitted := 0
	report := func() {
		s.Report(
			types.Observation{Category: types.CategoryGeneration, Unit: types.UnitInputToken, Quantity: float64(input), UnitPrice: g.inputPrice},
			types.Observation{Category: types.CategoryGeneration, Unit: types.UnitOutputToken, Quantity: float64(emitted), UnitPrice: g.outputPrice},
		)
	}

	seq := 0
	for i, w := range words {
		if g.delay > 0 {
			select {
			case <-time.After(g.delay):
			case <-ctx.Done():
				report()
				return
			case <-s.Done():
				report()
				return
			}
		}
		if i > 0 {
			w = " " + w
		}
		seq++
		if !s.Push(types.StreamChunk{Seq: seq, Text: w}) {
			report()
			return
		}
		emitted++
	}

	report()
	seq++
	s.Push(types.StreamChunk{Seq: seq, Final: true, Output: &out})
}
