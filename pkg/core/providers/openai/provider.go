// Package openai implements a Generator for the OpenAI Chat Completions API
// and the services that speak the same streaming protocol.
//
// Kinds other than "openai" are presets that only change the default
// endpoint and the environment variable holding the key.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/providers/control"
	"github.com/vango-go/vai-assistant/pkg/core/types"
)

const (
	// Kind is the registry kind of the OpenAI generator.
	Kind = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is used when the agent does not name one.
	DefaultModel = "gpt-4o-mini"
)

// Preset is an OpenAI-compatible service.
type Preset struct {
	Kind    string
	BaseURL string
	KeyEnv  string
	Model   string
}

// Presets lists the services registered by Register.
var Presets = []Preset{
	{Kind: Kind, BaseURL: DefaultBaseURL, KeyEnv: "OPENAI_API_KEY", Model: DefaultModel},
	{Kind: "groq", BaseURL: "https://api.groq.com/openai/v1", KeyEnv: "GROQ_API_KEY", Model: "llama-3.3-70b-versatile"},
	{Kind: "cerebras", BaseURL: "https://api.cerebras.ai/v1", KeyEnv: "CEREBRAS_API_KEY", Model: "llama-3.3-70b"},
	{Kind: "openrouter", BaseURL: "https://openrouter.ai/api/v1", KeyEnv: "OPENROUTER_API_KEY", Model: "openai/gpt-4o-mini"},
}

// Generator streams replies from a chat completions endpoint.
type Generator struct {
	kind        string
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	temperature *float64
	headers     map[string]string
	inputPrice  float64
	outputPrice float64
	httpClient  *http.Client
}

// Register adds a generator factory for every preset to reg.
func Register(reg *core.Registry) {
	for _, p := range Presets {
		reg.RegisterGenerator(p.Kind, func(cfg core.AdapterConfig) (core.Generator, error) {
			return New(p, cfg)
		})
	}
}

// New creates a Generator for the preset from configuration.
//
// The API key comes from the api_key option, or else from the environment
// variable named by api_key_env (the preset's default). Options prefixed
// with "header." are sent as extra request headers.
func New(p Preset, cfg core.AdapterConfig) (*Generator, error) {
	g := &Generator{
		kind:        p.Kind,
		baseURL:     p.BaseURL,
		model:       cfg.Model,
		inputPrice:  cfg.Price(types.UnitInputToken),
		outputPrice: cfg.Price(types.UnitOutputToken),
		httpClient:  &http.Client{},
	}
	if cfg.Endpoint != "" {
		g.baseURL = cfg.Endpoint
	}
	if g.model == "" {
		g.model = p.Model
	}

	g.apiKey = cfg.Option("api_key", "")
	if g.apiKey == "" {
		g.apiKey = os.Getenv(cfg.Option("api_key_env", p.KeyEnv))
	}
	if g.apiKey == "" {
		return nil, core.NewInvalidConfigError(fmt.Sprintf("%s generator requires an API key", p.Kind), "generator.options.api_key")
	}

	if raw := cfg.Option("max_tokens", ""); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, core.NewInvalidConfigError("max_tokens must be a positive integer", "generator.options.max_tokens")
		}
		g.maxTokens = n
	}
	if raw := cfg.Option("temperature", ""); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 {
			return nil, core.NewInvalidConfigError("temperature must be a non-negative number", "generator.options.temperature")
		}
		g.temperature = &f
	}
	for name, value := range cfg.Options {
		if h, ok := strings.CutPrefix(name, "header."); ok && h != "" {
			if g.headers == nil {
				g.headers = make(map[string]string)
			}
			g.headers[h] = value
		}
	}
	return g, nil
}

// Name returns the adapter identifier.
func (g *Generator) Name() string { return g.kind }

// Generate starts one generation call.
func (g *Generator) Generate(ctx context.Context, req core.GenerateRequest) (*core.ChunkStream, error) {
	body := g.buildRequest(req)
	if len(body.Messages) < 2 {
		return nil, core.NewProviderRejectedError(core.RoleGenerator, g.kind, fmt.Errorf("empty conversation"))
	}
	s := core.NewChunkStream(16)
	go g.run(ctx, body, s)
	return s, nil
}

func (g *Generator) run(ctx context.Context, body *chatRequest, s *core.ChunkStream) {
	defer s.Finish()

	stream, err := g.doStreamRequest(ctx, body)
	if err != nil {
		s.Report(g.observations(0, 0)...)
		if ctx.Err() == nil {
			s.Fail(err)
		}
		return
	}
	defer stream.Close()

	var (
		filter control.Filter
		seq    int
	)
	report := func() {
		s.Report(g.observations(stream.Usage())...)
	}
	push := func(text string) bool {
		if text == "" {
			return true
		}
		seq++
		return s.Push(types.StreamChunk{Seq: seq, Text: text})
	}

	for {
		delta, err := stream.Next()
		if err == errStreamDone {
			break
		}
		if err != nil {
			report()
			if ctx.Err() != nil {
				return
			}
			s.Fail(g.classify(err))
			return
		}
		if !push(filter.Write(delta)) {
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

func (g *Generator) observations(input, output int) []types.Observation {
	return []types.Observation{
		{Category: types.CategoryGeneration, Unit: types.UnitInputToken, Quantity: float64(input), UnitPrice: g.inputPrice},
		{Category: types.CategoryGeneration, Unit: types.UnitOutputToken, Quantity: float64(output), UnitPrice: g.outputPrice},
	}
}
