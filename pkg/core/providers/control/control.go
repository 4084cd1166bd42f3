// Package control separates spoken text from the control lines a generator
// model appends to its reply:
//
//	INTENT: book_table
//	DIRECTIVE: transfer
//	FIELD date=friday
package control

import (
	"strings"

	"github.com/vango-go/vai-assistant/pkg/core/types"
)

// Instruction tells the model how to emit control lines. Generators append
// it to the system prompt.
const Instruction = `You are speaking on a live voice call. Reply in plain spoken sentences without markdown.
After your reply you may add control lines, each on its own line:
INTENT: <name> when the caller's intent is clear
DIRECTIVE: <name> to ask the system to act
FIELD <key>=<value> for each detail the caller gave
Control lines are never read aloud.`

var prefixes = []string{"INTENT:", "DIRECTIVE:", "FIELD "}

// Filter separates spoken text from control lines in a streamed reply. Text at the start of a line is held only while it could still turn
// into a control prefix; everything else passes through immediately.
type Filter struct {
	pending   strings.Builder
	midLine   bool
	inControl bool

	spoken strings.Builder
	out    types.GeneratorOutput
}

// Write consumes a delta and returns the text that is safe to speak.
func (f *Filter) Write(delta string) string {
	var emit strings.Builder
	for _, r := range delta {
		switch {
		case f.inControl:
			if r == '\n' {
				f.parse(f.pending.String())
				f.pending.Reset()
				f.inControl = false
				continue
			}
			f.pending.WriteRune(r)

		case f.midLine:
			emit.WriteRune(r)
			if r == '\n' {
				f.midLine = false
			}

		default:
			f.pending.WriteRune(r)
			if r == '\n' {
				emit.WriteString(f.pending.String())
				f.pending.Reset()
				continue
			}
			switch classifyLine(f.pending.String()) {
			case lineControl:
				f.inControl = true
			case lineSpoken:
				emit.WriteString(f.pending.String())
				f.pending.Reset()
				f.midLine = true
			}
		}
	}
	f.spoken.WriteString(emit.String())
	return emit.String()
}

// Close flushes held text at the end of the reply.
func (f *Filter) Close() string {
	rest := f.pending.String()
	f.pending.Reset()
	if f.inControl {
		f.parse(rest)
		f.inControl = false
		return ""
	}
	f.spoken.WriteString(rest)
	return rest
}

// Output returns the structured result of the reply.
func (f *Filter) Output() types.GeneratorOutput {
	out := f.out
	out.Text = strings.TrimSpace(f.spoken.String())
	return out
}

func (f *Filter) parse(line string) {
	line = strings.TrimSpace(line)
	upper := strings.ToUpper(line)
	switch {
	case strings.HasPrefix(upper, "INTENT:"):
		f.out.Intent = strings.TrimSpace(line[len("INTENT:"):])
	case strings.HasPrefix(upper, "DIRECTIVE:"):
		f.out.Directive = strings.TrimSpace(line[len("DIRECTIVE:"):])
	case strings.HasPrefix(upper, "FIELD "):
		key, value, ok := strings.Cut(line[len("FIELD "):], "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return
		}
		if f.out.Fields == nil {
			f.out.Fields = make(map[string]string)
		}
		f.out.Fields[key] = strings.TrimSpace(value)
	}
}

type lineKind int

const (
	lineUndecided lineKind = iota
	lineControl
	lineSpoken
)

func classifyLine(start string) lineKind {
	s := strings.ToUpper(strings.TrimLeft(start, " \t"))
	if s == "" {
		return lineUndecided
	}
	undecided := false
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return lineControl
		}
		if strings.HasPrefix(p, s) {
			undecided = true
		}
	}
	if undecided {
		return lineUndecided
	}
	return lineSpoken
}
