package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// AdapterConfig selects and configures one adapter for an agent.
type AdapterConfig struct {
	Kind     string             `yaml:"kind" json:"kind"`
	Model    string             `yaml:"model,omitempty" json:"model,omitempty"`
	Voice    string             `yaml:"voice,omitempty" json:"voice,omitempty"`
	Language string             `yaml:"language,omitempty" json:"language,omitempty"`
	Endpoint string             `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Options  map[string]string  `yaml:"options,omitempty" json:"options,omitempty"`
	Prices   map[string]float64 `yaml:"prices,omitempty" json:"prices,omitempty"`
}

// Option returns a named option or def when unset.
func (c AdapterConfig) Option(name, def string) string {
	if v := strings.TrimSpace(c.Options[name]); v != "" {
		return v
	}
	return def
}

// Price returns the unit price configured for unit, or zero.
func (c AdapterConfig) Price(unit string) float64 {
	return c.Prices[unit]
}

// TranscriberFactory builds a Transcriber from configuration.
type TranscriberFactory func(cfg AdapterConfig) (Transcriber, error)

// GeneratorFactory builds a Generator from configuration.
type GeneratorFactory func(cfg AdapterConfig) (Generator, error)

// SynthesizerFactory builds a Synthesizer from configuration.
type SynthesizerFactory func(cfg AdapterConfig) (Synthesizer, error)

// Registry maps adapter kinds to factories, per role.
type Registry struct {
	mu           sync.RWMutex
	transcribers map[string]TranscriberFactory
	generators   map[string]GeneratorFactory
	synthesizers map[string]SynthesizerFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		transcribers: make(map[string]TranscriberFactory),
		generators:   make(map[string]GeneratorFactory),
		synthesizers: make(map[string]SynthesizerFactory),
	}
}

func (r *Registry) RegisterTranscriber(kind string, f TranscriberFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcribers[normalizeKind(kind)] = f
}

func (r *Registry) RegisterGenerator(kind string, f GeneratorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[normalizeKind(kind)] = f
}

func (r *Registry) RegisterSynthesizer(kind string, f SynthesizerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synthesizers[normalizeKind(kind)] = f
}

// Transcriber builds the transcriber named by cfg.Kind.
func (r *Registry) Transcriber(cfg AdapterConfig) (Transcriber, error) {
	r.mu.RLock()
	f, ok := r.transcribers[normalizeKind(cfg.Kind)]
	r.mu.RUnlock()
	if !ok {
		return nil, unknownKind(RoleTranscriber, cfg.Kind)
	}
	t, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s %q: %w", RoleTranscriber, cfg.Kind, err)
	}
	return t, nil
}

// Generator builds the generator named by cfg.Kind.
func (r *Registry) Generator(cfg AdapterConfig) (Generator, error) {
	r.mu.RLock()
	f, ok := r.generators[normalizeKind(cfg.Kind)]
	r.mu.RUnlock()
	if !ok {
		return nil, unknownKind(RoleGenerator, cfg.Kind)
	}
	g, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s %q: %w", RoleGenerator, cfg.Kind, err)
	}
	return g, nil
}

// Synthesizer builds the synthesizer named by cfg.Kind.
func (r *Registry) Synthesizer(cfg AdapterConfig) (Synthesizer, error) {
	r.mu.RLock()
	f, ok := r.synthesizers[normalizeKind(cfg.Kind)]
	r.mu.RUnlock()
	if !ok {
		return nil, unknownKind(RoleSynthesizer, cfg.Kind)
	}
	s, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s %q: %w", RoleSynthesizer, cfg.Kind, err)
	}
	return s, nil
}

// Kinds lists registered kinds for a role, sorted.
func (r *Registry) Kinds(role Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch role {
	case RoleTranscriber:
		for k := range r.transcribers {
			names = append(names, k)
		}
	case RoleGenerator:
		for k := range r.generators {
			names = append(names, k)
		}
	case RoleSynthesizer:
		for k := range r.synthesizers {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

func unknownKind(role Role, kind string) *Error {
	return NewInvalidConfigError(fmt.Sprintf("unknown %s kind %q", role, kind), string(role)+".kind")
}
