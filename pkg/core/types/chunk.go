package types

// Category is a cost ledger category.
type Category string

const (
	CategoryTranscription Category = "transcription"
	CategoryGeneration    Category = "generation"
	CategorySynthesis     Category = "synthesis"
)

// Categories lists every ledger category in a stable order.
var Categories = []Category{CategoryTranscription, CategoryGeneration, CategorySynthesis}

// Units reported by adapters in observations.
const (
	UnitAudioSecond = "audio_second"
	UnitInputToken  = "input_token"
	UnitOutputToken = "output_token"
	UnitCharacter   = "character"
)

// Observation is a provider-reported consumption measurement.
type Observation struct {
	Category  Category `json:"category"`
	Unit      string   `json:"unit"`
	Quantity  float64  `json:"quantity"`
	UnitPrice float64  `json:"unit_price"`
}

// Amount returns quantity times unit price.
func (o Observation) Amount() float64 {
	return o.Quantity * o.UnitPrice
}

// GeneratorOutput is the structured result of one generation call.
// Dialogue edge conditions are evaluated against it.
type GeneratorOutput struct {
	Text      string            `json:"text"`
	Intent    string            `json:"intent,omitempty"`
	Directive string            `json:"directive,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// StreamChunk is one unit of streamed adapter output.
// Seq starts at 1 for each adapter call and increases by one per chunk.
type StreamChunk struct {
	Seq    int              `json:"seq"`
	Final  bool             `json:"final"`
	Text   string           `json:"text,omitempty"`
	Audio  []byte           `json:"-"`
	Output *GeneratorOutput `json:"output,omitempty"`
}
