package openai

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

var errStreamDone = errors.New("stream done")

// eventStream reads text deltas from a chat completions SSE body.
type eventStream struct {
	reader       *bufio.Reader
	closer       io.Closer
	inputTokens  int
	outputTokens int
	done         bool
}

// chatChunk is the streaming chunk format.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func newEventStream(body io.ReadCloser) *eventStream {
	return &eventStream{reader: bufio.NewReader(body), closer: body}
}

// Next returns the next non-empty text delta, or errStreamDone at the end of
// the stream. A body that ends without [DONE] is treated as complete.
func (s *eventStream) Next() (string, error) {
	if s.done {
		return "", errStreamDone
	}
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				s.done = true
				return "", errStreamDone
			}
			return "", err
		}

		line = strings.TrimSpace(line)
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = true
			return "", errStreamDone
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return "", fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return "", &APIError{StatusCode: 500, Type: chunk.Error.Type, Message: chunk.Error.Message}
		}
		if chunk.Usage != nil {
			s.inputTokens = chunk.Usage.PromptTokens
			s.outputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			return chunk.Choices[0].Delta.Content, nil
		}
	}
}

// Usage returns the token counts reported so far.
func (s *eventStream) Usage() (input, output int) {
	return s.inputTokens, s.outputTokens
}

// Close releases the response body.
func (s *eventStream) Close() error {
	return s.closer.Close()
}
