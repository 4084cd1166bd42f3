package cost

import (
	"strings"

	"github.com/vango-go/vai-assistant/pkg/core/types"
)

// DefaultPlatformFeePercent is applied on top of provider cost when an agent
// does not configure its own fee.
const DefaultPlatformFeePercent = 7.0

// Rates maps a unit to its price per unit.
type Rates map[string]float64

// Published list prices, normalized to per-unit values.
var defaultRates = map[string]Rates{
	"deepgram/nova-2":            {types.UnitAudioSecond: 0.0098 / 60},
	"deepgram/nova-3":            {types.UnitAudioSecond: 0.0077 / 60},
	"openai/whisper-1":           {types.UnitAudioSecond: 0.006 / 60},
	"openai/gpt-4o-mini":         {types.UnitInputToken: 0.15 / 1e6, types.UnitOutputToken: 0.60 / 1e6},
	"openai/gpt-4o":              {types.UnitInputToken: 2.50 / 1e6, types.UnitOutputToken: 10.00 / 1e6},
	"openai/gpt-4.1-mini":        {types.UnitInputToken: 0.40 / 1e6, types.UnitOutputToken: 1.60 / 1e6},
	"gemini/gemini-2.0-flash":    {types.UnitInputToken: 0.10 / 1e6, types.UnitOutputToken: 0.40 / 1e6},
	"gemini/gemini-2.5-flash":    {types.UnitInputToken: 0.30 / 1e6, types.UnitOutputToken: 2.50 / 1e6},
	"elevenlabs/eleven_turbo_v2": {types.UnitCharacter: 30.0 / 1e6},
	"openai/tts-1":               {types.UnitCharacter: 15.0 / 1e6},
}

// DefaultRates returns list prices for a provider/model pair, or nil if unknown.
func DefaultRates(provider, model string) Rates {
	key := strings.ToLower(strings.TrimSpace(provider)) + "/" + strings.ToLower(strings.TrimSpace(model))
	r, ok := defaultRates[key]
	if !ok {
		return nil
	}
	out := make(Rates, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns r with any unit missing from r filled from fallback.
func (r Rates) Merge(fallback Rates) Rates {
	out := make(Rates, len(r)+len(fallback))
	for k, v := range fallback {
		out[k] = v
	}
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Per-minute consumption assumed when estimating the cost of a conversation.
const (
	estimateInputTokensPerMinute  = 150
	estimateOutputTokensPerMinute = 100
	estimateCharactersPerMinute   = 120
)

// Estimate is a projected per-minute cost.
type Estimate struct {
	Transcription float64 `json:"transcription"`
	Generation    float64 `json:"generation"`
	Synthesis     float64 `json:"synthesis"`
	Base          float64 `json:"base"`
	PlatformFee   float64 `json:"platform_fee"`
	Total         float64 `json:"total"`
}

// EstimatePerMinute projects the cost of one minute of conversation.
func EstimatePerMinute(stt, llm, tts Rates, feePercent float64) Estimate {
	e := Estimate{
		Transcription: 60 * stt[types.UnitAudioSecond],
		Generation: estimateInputTokensPerMinute*llm[types.UnitInputToken] +
			estimateOutputTokensPerMinute*llm[types.UnitOutputToken],
		Synthesis: estimateCharactersPerMinute * tts[types.UnitCharacter],
	}
	e.Base = e.Transcription + e.Generation + e.Synthesis
	e.PlatformFee = e.Base * feePercent / 100
	e.Total = e.Base + e.PlatformFee
	return e
}
