package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/mrs-federation/server/internal/api/apierror"
	"github.com/mrs-federation/server/internal/api/middleware"
	"github.com/mrs-federation/server/internal/api/pagination"
	"github.com/mrs-federation/server/internal/domain/federation"
)

type SyncHandler struct {
	Service *federation.Service
}

func NewSyncHandler(service *federation.Service) *SyncHandler {
	return &SyncHandler{Service: service}
}

// Snapshot handles GET /sync/snapshot?cursor=&limit=.
func (h *SyncHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	page, err := h.Service.Snapshot(r.Context(), r.URL.Query().Get("cursor"), queryLimit(r))
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Changes handles GET /sync/changes?cursor=&limit=.
func (h *SyncHandler) Changes(w http.ResponseWriter, r *http.Request) {
	cursor := r.URL.Query().Get("cursor")
	if cursor == "" {
		// Legacy peers send ?since=.
		cursor = r.URL.Query().Get("since")
	}
	if cursor == "" {
		apierror.Write(w, r, apierror.CodeMissingField, "cursor required", nil)
		return
	}

	page, err := h.Service.Changes(r.Context(), cursor, queryLimit(r))
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func writeSyncError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, federation.ErrCursorExpired):
		apierror.Write(w, r, apierror.CodeCursorExpired, "cursor predates the retained change log, restart from snapshot", err)
	case errors.Is(err, pagination.ErrInvalidCursor):
		apierror.Write(w, r, apierror.CodeTypeMismatch, "malformed cursor", err)
	default:
		apierror.WriteInternal(w, r, middleware.GetRequestID(r.Context()), err)
	}
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return limit
}
