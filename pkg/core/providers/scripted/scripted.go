// Package scripted implements deterministic in-process adapters.
//
// The Transcriber endpoints on audio energy and returns configured
// utterances in order, the Generator answers from keyword rules, and the
// Synthesizer renders silence sized by text length. They make sessions
// reproducible without a network and back the replay command.
package scripted

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vango-go/vai-assistant/pkg/core"
)

// Kind is the registry kind of every scripted adapter.
const Kind = "scripted"

// Register adds the scripted adapters to reg.
func Register(reg *core.Registry) {
	reg.RegisterTranscriber(Kind, func(cfg core.AdapterConfig) (core.Transcriber, error) {
		return NewTranscriber(cfg)
	})
	reg.RegisterGenerator(Kind, func(cfg core.AdapterConfig) (core.Generator, error) {
		return NewGenerator(cfg)
	})
	reg.RegisterSynthesizer(Kind, func(cfg core.AdapterConfig) (core.Synthesizer, error) {
		return NewSynthesizer(cfg)
	})
}

func intOption(cfg core.AdapterConfig, name string, def int) (int, error) {
	raw := cfg.Option(name, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, core.NewInvalidConfigError(fmt.Sprintf("option %s must be a positive integer, got %q", name, raw), "options."+name)
	}
	return v, nil
}

func floatOption(cfg core.AdapterConfig, name string, def float64) (float64, error) {
	raw := cfg.Option(name, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, core.NewInvalidConfigError(fmt.Sprintf("option %s must be a non-negative number, got %q", name, raw), "options."+name)
	}
	return v, nil
}

func boolOption(cfg core.AdapterConfig, name string) bool {
	v, _ := strconv.ParseBool(cfg.Option(name, "false"))
	return v
}

// splitList splits a "|" separated option, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func bytesPerSecond(sampleRate int) int {
	return sampleRate * 2
}
