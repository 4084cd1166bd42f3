package gemini

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/genai"

	"github.com/vango-go/vai-assistant/pkg/core"
)

// classify maps a Gemini error onto the pipeline error taxonomy. Rate limits
// and server errors are worth retrying; other API errors are not.
func classify(err error) error {
	if _, ok := core.AsError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	code, ok := apiErrorCode(err)
	if !ok {
		return core.NewProviderUnavailableError(core.RoleGenerator, Kind, err)
	}
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return core.NewProviderUnavailableError(core.RoleGenerator, Kind, err)
	case code >= 400:
		return core.NewProviderRejectedError(core.RoleGenerator, Kind, err)
	default:
		return core.NewProviderUnavailableError(core.RoleGenerator, Kind, err)
	}
}

func apiErrorCode(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, true
	}
	return 0, false
}
