package openai

import (
	"strings"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/providers/control"
)

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// buildRequest maps the conversation onto chat messages. The system message
// carries the agent prompt, the node prompt and the control instruction.
func (g *Generator) buildRequest(req core.GenerateRequest) *chatRequest {
	var prompt strings.Builder
	for _, p := range []string{req.SystemPrompt, req.NodePrompt} {
		if p = strings.TrimSpace(p); p != "" {
			prompt.WriteString(p)
			prompt.WriteString("\n\n")
		}
	}
	prompt.WriteString(control.Instruction)

	messages := []chatMessage{{Role: "system", Content: prompt.String()}}
	for _, m := range req.History() {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Text})
	}
	return &chatRequest{
		Model:         g.model,
		Messages:      messages,
		MaxTokens:     g.maxTokens,
		Temperature:   g.temperature,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
}
