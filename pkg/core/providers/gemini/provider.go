// Package gemini implements a Generator backed by the Google Gemini API.
//
// Replies stream as spoken text. Control lines at the end of a reply are
// parsed into the structured output and never spoken.
package gemini

import (
	"context"
	"fmt"
	"iter"
	"os"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/providers/control"
	"github.com/vango-go/vai-assistant/pkg/core/types"
)

const (
	// Kind is the registry kind of the Gemini generator.
	Kind = "gemini"

	// DefaultModel is used when the agent does not name one.
	DefaultModel = "gemini-2.5-flash"
)

// streamFunc starts one streaming generation.
type streamFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// Generator streams replies from Gemini.
type Generator struct {
	model       string
	maxTokens   int32
	temperature *float32
	inputPrice  float64
	outputPrice float64
	stream      streamFunc
}

// Register adds the Gemini generator to reg.
func Register(reg *core.Registry) {
	reg.RegisterGenerator(Kind, func(cfg core.AdapterConfig) (core.Generator, error) {
		return New(context.Background(), cfg)
	})
}

// New creates a Generator from configuration.
//
// The API key comes from the api_key option, or else from the environment
// variable named by api_key_env (GEMINI_API_KEY).
func New(ctx context.Context, cfg core.AdapterConfig) (*Generator, error) {
	g, err := newGenerator(cfg)
	if err != nil {
		return nil, err
	}

	key := cfg.Option("api_key", "")
	if key == "" {
		key = os.Getenv(cfg.Option("api_key_env", "GEMINI_API_KEY"))
	}
	if key == "" {
		return nil, core.NewInvalidConfigError("gemini generator requires an API key", "generator.options.api_key")
	}

	cc := &genai.ClientConfig{APIKey: key, Backend: genai.BackendGeminiAPI}
	if cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	g.stream = client.Models.GenerateContentStream
	return g, nil
}

func newGenerator(cfg core.AdapterConfig) (*Generator, error) {
	g := &Generator{
		model:       cfg.Model,
		inputPrice:  cfg.Price(types.UnitInputToken),
		outputPrice: cfg.Price(types.UnitOutputToken),
	}
	if g.model == "" {
		g.model = DefaultModel
	}
	if raw := cfg.Option("max_output_tokens", ""); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || n <= 0 {
			return nil, core.NewInvalidConfigError("max_output_tokens must be a positive integer", "generator.options.max_output_tokens")
		}
		g.maxTokens = int32(n)
	}
	if raw := cfg.Option("temperature", ""); raw != "" {
		f, err := strconv.ParseFloat(raw, 32)
		if err != nil || f < 0 {
			return nil, core.NewInvalidConfigError("temperature must be a non-negative number", "generator.options.temperature")
		}
		t := float32(f)
		g.temperature = &t
	}
	return g, nil
}

// Name returns the adapter identifier.
func (g *Generator) Name() string { return Kind }

// Generate starts one generation call.
func (g *Generator) Generate(ctx context.Context, req core.GenerateRequest) (*core.ChunkStream, error) {
	contents := buildContents(req)
	if len(contents) == 0 {
		return nil, core.NewProviderRejectedError(core.RoleGenerator, Kind, fmt.Errorf("empty conversation"))
	}
	s := core.NewChunkStream(16)
	go g.run(ctx, contents, g.config(req), s)
	return s, nil
}

func (g *Generator) config(req core.GenerateRequest) *genai.GenerateContentConfig {
	var prompt strings.Builder
	if p := strings.TrimSpace(req.SystemPrompt); p != "" {
		prompt.WriteString(p)
		prompt.WriteString("\n\n")
	}
	if p := strings.TrimSpace(req.NodePrompt); p != "" {
		prompt.WriteString(p)
		prompt.WriteString("\n\n")
	}
	prompt.WriteString(control.Instruction)

	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(prompt.String(), genai.RoleUser),
		MaxOutputTokens:   g.maxTokens,
		Temperature:       g.temperature,
	}
}

// buildContents maps the conversation onto Gemini contents, merging
// consecutive messages of the same role. Gemini expects the conversation to
// start with a user turn, so a leading agent greeting is dropped.
func buildContents(req core.GenerateRequest) []*genai.Content {
	var (
		out  []*genai.Content
		role genai.Role
		text strings.Builder
	)
	flush := func() {
		if text.Len() > 0 {
			out = append(out, genai.NewContentFromText(text.String(), role))
		}
		text.Reset()
	}
	for _, m := range req.History() {
		var r genai.Role = genai.RoleUser
		if m.Role == "assistant" {
			r = genai.RoleModel
		}
		if len(out) == 0 && text.Len() == 0 && r == genai.RoleModel {
			continue
		}
		if r != role {
			flush()
			role = r
		} else if text.Len() > 0 {
			text.WriteString("\n")
		}
		text.WriteString(m.Text)
	}
	flush()
	return out
}

func (g *Generator) run(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig, s *core.ChunkStream) {
	defer s.Finish()

	var (
		input, output int32
		filter        control.Filter
		seq           int
	)
	report := func() {
		s.Report(
			types.Observation{Category: types.CategoryGeneration, Unit: types.UnitInputToken, Quantity: float64(input), UnitPrice: g.inputPrice},
			types.Observation{Category: types.CategoryGeneration, Unit: types.UnitOutputToken, Quantity: float64(output), UnitPrice: g.outputPrice},
		)
	}
	push := func(text string) bool {
		if text == "" {
			return true
		}
		seq++
		return s.Push(types.StreamChunk{Seq: seq, Text: text})
	}

	for resp, err := range g.stream(ctx, g.model, contents, cfg) {
		if err != nil {
			report()
			if ctx.Err() != nil {
				return
			}
			s.Fail(classify(err))
			return
		}
		if resp == nil {
			continue
		}
		if u := resp.UsageMetadata; u != nil {
			input, output = u.PromptTokenCount, u.CandidatesTokenCount
		}
		if !push(filter.Write(resp.Text())) {
			report()
			return
		}
	}
	if ctx.Err() != nil {
		report()
		return
	}

	if !push(filter.Close()) {
		report()
		return
	}
	out := filter.Output()
	report()
	seq++
	s.Push(types.StreamChunk{Seq: seq, Final: true, Output: &out})
}
