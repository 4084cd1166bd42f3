package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/live"
	"github.com/vango-go/vai-assistant/pkg/core/types"
	"github.com/vango-go/vai-assistant/pkg/gateway/apierror"
	"github.com/vango-go/vai-assistant/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-assistant/pkg/gateway/mw"
)

// SessionDirectory lists running sessions. *sessions.Manager implements it.
type SessionDirectory interface {
	Snapshot(h sessions.Handle) (live.Snapshot, bool)
	Snapshots() []live.Snapshot
}

// RecordStore looks up finished session records. Implementations return a
// core not_found_error for unknown ids.
type RecordStore interface {
	Get(ctx context.Context, sessionID string) (types.SessionRecord, error)
}

type sessionStatus string

const (
	statusLive  sessionStatus = "live"
	statusEnded sessionStatus = "ended"
)

type sessionResp struct {
	Status  sessionStatus        `json:"status"`
	Session *live.Snapshot       `json:"session,omitempty"`
	Record  *types.SessionRecord `json:"record,omitempty"`
}

type sessionListResp struct {
	Object string          `json:"object"`
	Data   []live.Snapshot `json:"data"`
}

// SessionsHandler serves GET /v1/sessions and GET /v1/sessions/{id}.
// A running session answers with its snapshot; an ended one with its
// stored record when a RecordStore is configured.
type SessionsHandler struct {
	Live    SessionDirectory
	Records RecordStore
	Logger  *slog.Logger
}

func (h SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	snaps := h.Live.Snapshots()
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].StartedAt.Equal(snaps[j].StartedAt) {
			return snaps[i].ID < snaps[j].ID
		}
		return snaps[i].StartedAt.Before(snaps[j].StartedAt)
	})
	writeJSON(w, http.StatusOK, sessionListResp{Object: "list", Data: snaps})
}

func (h SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		apierror.Write(w, http.StatusBadRequest, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "session id is required", Param: "id", RequestID: reqID})
		return
	}

	if snap, ok := h.Live.Snapshot(sessions.Handle(id)); ok {
		writeJSON(w, http.StatusOK, sessionResp{Status: statusLive, Session: &snap})
		return
	}
	if h.Records == nil {
		apierror.WriteError(w, core.NewNotFoundError(fmt.Sprintf("session %q not found", id)), reqID)
		return
	}

	rec, err := h.Records.Get(r.Context(), id)
	if err != nil {
		if !core.IsType(err, core.ErrNotFound) && h.Logger != nil {
			h.Logger.Error("session record lookup failed", "request_id", reqID, "session_id", id, "error", err)
		}
		apierror.WriteError(w, err, reqID)
		return
	}
	writeJSON(w, http.StatusOK, sessionResp{Status: statusEnded, Record: &rec})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
