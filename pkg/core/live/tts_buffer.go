package live

import (
	"strings"
)

// TTSBuffer accumulates generated text deltas and releases pieces suitable
// for the synthesizer. A piece is released:
//  1. at the last punctuation mark seen (, . ! ? ; :)
//  2. at a confirmed word boundary once minWords whole words are buffered
//
// It is owned by the session coordinator and is not safe for concurrent use.
type TTSBuffer struct {
	text        strings.Builder
	minWords    int
	punctuation string
}

// NewTTSBuffer creates a buffer releasing at punctuation or every five words.
func NewTTSBuffer() *TTSBuffer {
	return &TTSBuffer{
		minWords:    5,
		punctuation: ",.!?;:",
	}
}

// Add buffers a delta and returns the text to synthesize, if any.
func (b *TTSBuffer) Add(delta string) string {
	if delta == "" {
		return ""
	}

	boundary := delta[0] == ' ' || delta[0] == '\n'
	before := b.text.String()
	b.text.WriteString(delta)

	if strings.ContainsAny(delta, b.punctuation) {
		content := b.text.String()
		if cut := strings.LastIndexAny(content, b.punctuation); cut >= 0 {
			b.text.Reset()
			b.text.WriteString(strings.TrimSpace(content[cut+1:]))
			return strings.TrimSpace(content[:cut+1])
		}
	}

	// The leading space proves the previous word is complete.
	if boundary && len(strings.Fields(before)) >= b.minWords {
		b.text.Reset()
		b.text.WriteString(strings.TrimLeft(delta, " \n"))
		return strings.TrimSpace(before)
	}

	return ""
}

// Flush returns any remaining text and empties the buffer.
func (b *TTSBuffer) Flush() string {
	out := strings.TrimSpace(b.text.String())
	b.text.Reset()
	return out
}

// Reset drops buffered text.
func (b *TTSBuffer) Reset() {
	b.text.Reset()
}

// Len returns the buffered length in bytes.
func (b *TTSBuffer) Len() int {
	return b.text.Len()
}
