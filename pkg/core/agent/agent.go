// Package agent loads agent descriptors and resolves them into ready-to-run
// adapter sets and dialogue graphs.
package agent

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/cost"
	"github.com/vango-go/vai-assistant/pkg/core/dialogue"
)

// Descriptor is the declarative form of an agent.
type Descriptor struct {
	ID                 string              `yaml:"id" json:"id"`
	Name               string              `yaml:"name,omitempty" json:"name,omitempty"`
	SystemPrompt       string              `yaml:"system_prompt" json:"system_prompt"`
	WelcomeMessage     string              `yaml:"welcome_message,omitempty" json:"welcome_message,omitempty"`
	Vars               map[string]string   `yaml:"vars,omitempty" json:"vars,omitempty"`
	Transcriber        core.AdapterConfig  `yaml:"transcriber" json:"transcriber"`
	Generator          core.AdapterConfig  `yaml:"generator" json:"generator"`
	Synthesizer        core.AdapterConfig  `yaml:"synthesizer" json:"synthesizer"`
	Dialogue           dialogue.Definition `yaml:"dialogue" json:"dialogue"`
	PlatformFeePercent *float64            `yaml:"platform_fee_percent,omitempty" json:"platform_fee_percent,omitempty"`
}

// Parse decodes a YAML descriptor. Unknown keys are rejected.
func Parse(data []byte) (Descriptor, error) {
	var d Descriptor
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return Descriptor{}, core.NewInvalidConfigError(fmt.Sprintf("decode agent descriptor: %v", err), "")
	}
	d.ID = strings.TrimSpace(d.ID)
	return d, nil
}

// Agent is a resolved descriptor. Adapters and the graph are shared by every
// session of the agent.
type Agent struct {
	ID             string
	Name           string
	SystemPrompt   string
	WelcomeMessage string
	Vars           map[string]string
	FeePercent     float64

	Transcriber core.Transcriber
	Generator   core.Generator
	Synthesizer core.Synthesizer
	Graph       *dialogue.Graph

	Descriptor Descriptor
}

// Build validates d and resolves its adapters through reg.
func Build(d Descriptor, reg *core.Registry) (*Agent, error) {
	if d.ID == "" {
		return nil, core.NewInvalidConfigError("agent id is required", "id")
	}
	if strings.TrimSpace(d.SystemPrompt) == "" {
		return nil, core.NewInvalidConfigError("system_prompt is required", "system_prompt")
	}
	fee := cost.DefaultPlatformFeePercent
	if d.PlatformFeePercent != nil {
		fee = *d.PlatformFeePercent
		if fee < 0 {
			return nil, core.NewInvalidConfigError("platform_fee_percent must be >= 0", "platform_fee_percent")
		}
	}

	graph, err := dialogue.New(d.Dialogue)
	if err != nil {
		return nil, err
	}

	d.Transcriber = withDefaultPrices(d.Transcriber)
	d.Generator = withDefaultPrices(d.Generator)
	d.Synthesizer = withDefaultPrices(d.Synthesizer)

	stt, err := reg.Transcriber(d.Transcriber)
	if err != nil {
		return nil, err
	}
	llm, err := reg.Generator(d.Generator)
	if err != nil {
		return nil, err
	}
	tts, err := reg.Synthesizer(d.Synthesizer)
	if err != nil {
		return nil, err
	}

	return &Agent{
		ID:             d.ID,
		Name:           d.Name,
		SystemPrompt:   d.SystemPrompt,
		WelcomeMessage: strings.TrimSpace(d.WelcomeMessage),
		Vars:           d.Vars,
		FeePercent:     fee,
		Transcriber:    stt,
		Generator:      llm,
		Synthesizer:    tts,
		Graph:          graph,
		Descriptor:     d,
	}, nil
}

// MergeVars returns the agent defaults overlaid with session vars.
func (a *Agent) MergeVars(vars map[string]string) map[string]string {
	out := make(map[string]string, len(a.Vars)+len(vars))
	for k, v := range a.Vars {
		out[k] = v
	}
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// Estimate projects the per-minute cost of a conversation with this agent.
func (a *Agent) Estimate() cost.Estimate {
	return cost.EstimatePerMinute(
		cost.Rates(a.Descriptor.Transcriber.Prices),
		cost.Rates(a.Descriptor.Generator.Prices),
		cost.Rates(a.Descriptor.Synthesizer.Prices),
		a.FeePercent,
	)
}

// withDefaultPrices fills unset unit prices from the list price of the
// upstream provider. Adapters fronting a vendor name it in options.provider.
func withDefaultPrices(cfg core.AdapterConfig) core.AdapterConfig {
	defaults := cost.DefaultRates(cfg.Option("provider", cfg.Kind), cfg.Model)
	if defaults == nil {
		return cfg
	}
	cfg.Prices = cost.Rates(cfg.Prices).Merge(defaults)
	return cfg
}
