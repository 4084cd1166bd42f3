package handlers

import (
	"net/http"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/gateway/apierror"
	"github.com/vango-go/vai-assistant/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.Write(w, http.StatusNotFound, &apierror.Error{
		Type:      string(core.ErrNotFound),
		Message:   "not found",
		RequestID: reqID,
	})
}
