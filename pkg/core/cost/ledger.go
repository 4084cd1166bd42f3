// Package cost accumulates per-category usage cost for a session.
package cost

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/vango-go/vai-assistant/pkg/core/types"
)

// ErrInvalidObservation is returned for observations that would decrease the ledger.
var ErrInvalidObservation = errors.New("invalid cost observation")

// Ledger holds accumulated cost per category.
//
// Each category is stored as the bits of a float64 in an atomic word, so
// Snapshot never observes a partially written value and never blocks Add.
// Entries only grow.
type Ledger struct {
	amounts [3]atomic.Uint64

	mu         sync.Mutex
	quantities map[string]float64
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{quantities: make(map[string]float64)}
}

// Add books quantity times unit price under the observation's category.
func (l *Ledger) Add(o types.Observation) error {
	idx, ok := categoryIndex(o.Category)
	if !ok {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidObservation, o.Category)
	}
	if !validNumber(o.Quantity) || !validNumber(o.UnitPrice) {
		return fmt.Errorf("%w: quantity=%v unit_price=%v", ErrInvalidObservation, o.Quantity, o.UnitPrice)
	}

	amount := o.Amount()
	for {
		old := l.amounts[idx].Load()
		next := math.Float64bits(math.Float64frombits(old) + amount)
		if l.amounts[idx].CompareAndSwap(old, next) {
			break
		}
	}

	if o.Unit != "" {
		l.mu.Lock()
		l.quantities[string(o.Category)+"."+o.Unit] += o.Quantity
		l.mu.Unlock()
	}
	return nil
}

// Get returns the accumulated cost of one category.
func (l *Ledger) Get(c types.Category) float64 {
	idx, ok := categoryIndex(c)
	if !ok {
		return 0
	}
	return math.Float64frombits(l.amounts[idx].Load())
}

// Snapshot returns the current per-category costs.
func (l *Ledger) Snapshot() Snapshot {
	return Snapshot{
		Transcription: l.Get(types.CategoryTranscription),
		Generation:    l.Get(types.CategoryGeneration),
		Synthesis:     l.Get(types.CategorySynthesis),
	}
}

// Quantities returns the consumed quantities keyed by "category.unit".
func (l *Ledger) Quantities() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.quantities))
	for k, v := range l.quantities {
		out[k] = v
	}
	return out
}

// Snapshot is a point-in-time copy of a ledger.
type Snapshot struct {
	Transcription float64 `json:"transcription"`
	Generation    float64 `json:"generation"`
	Synthesis     float64 `json:"synthesis"`
}

// Total returns the sum over categories.
func (s Snapshot) Total() float64 {
	return s.Transcription + s.Generation + s.Synthesis
}

// Map returns the snapshot keyed by category.
func (s Snapshot) Map() map[types.Category]float64 {
	return map[types.Category]float64{
		types.CategoryTranscription: s.Transcription,
		types.CategoryGeneration:    s.Generation,
		types.CategorySynthesis:     s.Synthesis,
	}
}

// Breakdown applies a platform fee percentage to the snapshot total.
func (s Snapshot) Breakdown(feePercent float64) types.CostBreakdown {
	base := s.Total()
	fee := base * feePercent / 100
	return types.CostBreakdown{
		Base:               base,
		PlatformFeePercent: feePercent,
		PlatformFee:        fee,
		Total:              base + fee,
	}
}

func categoryIndex(c types.Category) (int, bool) {
	switch c {
	case types.CategoryTranscription:
		return 0, true
	case types.CategoryGeneration:
		return 1, true
	case types.CategorySynthesis:
		return 2, true
	default:
		return 0, false
	}
}

func validNumber(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
