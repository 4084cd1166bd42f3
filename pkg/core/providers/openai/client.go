package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vango-go/vai-assistant/pkg/core"
)

// APIError is an error response from the chat completions endpoint.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// doStreamRequest sends a streaming request and returns the open event stream.
func (g *Generator) doStreamRequest(ctx context.Context, req *chatRequest) (*eventStream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.chatCompletionsURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	g.setHeaders(httpReq)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, g.classify(err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, g.classify(parseError(resp))
	}
	return newEventStream(resp.Body), nil
}

func (g *Generator) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	for key, value := range g.headers {
		req.Header.Set(key, value)
	}
}

func (g *Generator) chatCompletionsURL() string {
	return strings.TrimRight(g.baseURL, "/") + "/chat/completions"
}

func parseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
		apiErr.Type = body.Error.Type
		apiErr.Message = body.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}

// classify maps a transport or API error onto the pipeline error taxonomy.
// Rate limits and server errors are worth retrying; other API errors are not.
func (g *Generator) classify(err error) error {
	if _, ok := core.AsError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return core.NewProviderUnavailableError(core.RoleGenerator, g.kind, err)
	}
	code := apiErr.StatusCode
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
		return core.NewProviderUnavailableError(core.RoleGenerator, g.kind, err)
	}
	return core.NewProviderRejectedError(core.RoleGenerator, g.kind, err)
}
