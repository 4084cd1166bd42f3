package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopGenerator struct{ name string }

func (g nopGenerator) Name() string { return g.name }

func (g nopGenerator) Generate(ctx context.Context, req GenerateRequest) (*ChunkStream, error) {
	s := NewChunkStream(0)
	s.Finish()
	return s, nil
}

func TestRegistry_ResolvesByRoleAndKind(t *testing.T) {
	r := NewRegistry()
	r.RegisterGenerator("Scripted", func(cfg AdapterConfig) (Generator, error) {
		return nopGenerator{name: "scripted:" + cfg.Model}, nil
	})

	g, err := r.Generator(AdapterConfig{Kind: " scripted ", Model: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "scripted:m1", g.Name())

	// A generator kind is not a transcriber kind.
	_, err = r.Transcriber(AdapterConfig{Kind: "scripted"})
	require.Error(t, err)
	assert.True(t, IsType(err, ErrInvalidConfig))

	assert.Equal(t, []string{"scripted"}, r.Kinds(RoleGenerator))
	assert.Empty(t, r.Kinds(RoleSynthesizer))
}

func TestRegistry_FactoryErrorIsWrapped(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("missing api key")
	r.RegisterSynthesizer("ws", func(cfg AdapterConfig) (Synthesizer, error) { return nil, boom })

	_, err := r.Synthesizer(AdapterConfig{Kind: "ws"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestAdapterConfig_OptionAndPrice(t *testing.T) {
	cfg := AdapterConfig{
		Options: map[string]string{"frame_ms": "20", "blank": "  "},
		Prices:  map[string]float64{"character": 0.00003},
	}
	assert.Equal(t, "20", cfg.Option("frame_ms", "40"))
	assert.Equal(t, "40", cfg.Option("blank", "40"))
	assert.Equal(t, "x", cfg.Option("missing", "x"))
	assert.Equal(t, 0.00003, cfg.Price("character"))
	assert.Zero(t, cfg.Price("audio_second"))
}
