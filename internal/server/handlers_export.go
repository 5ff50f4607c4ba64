package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/triagedeck/triagedeck/internal/model"
	exportsvc "github.com/triagedeck/triagedeck/internal/service/export"
	"github.com/triagedeck/triagedeck/internal/storage"
)

func (h *handlers) handleCreateExport(w http.ResponseWriter, r *http.Request, pc projectContext) {
	var req model.CreateExportRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, "invalid JSON body: "+err.Error(), nil)
		return
	}

	payload, err := h.exports.Create(r.Context(), pc.Project, pc.Identity.UserID,
		RequestIDFromContext(r.Context()), req)
	var verr *exportsvc.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, r, http.StatusUnprocessableEntity, verr.Code, verr.Message, verr.Details)
	case errors.Is(err, exportsvc.ErrConcurrencyLimit):
		writeError(w, r, http.StatusTooManyRequests, model.CodeRateLimited,
			"too many active export jobs", nil)
	case err != nil:
		h.internalError(w, r, "create export", err)
	default:
		writeJSON(w, r, http.StatusAccepted, payload)
	}
}

func (h *handlers) handleListExports(w http.ResponseWriter, r *http.Request, pc projectContext) {
	page, err := h.exports.List(r.Context(), pc.Project, pc.Identity.UserID, pc.Role,
		r.URL.Query().Get("cursor"), intQuery(r, "limit"))
	if errors.Is(err, exportsvc.ErrInvalidCursor) {
		writeError(w, r, http.StatusBadRequest, model.CodeInvalidCursor, "invalid or expired cursor", nil)
		return
	}
	if err != nil {
		h.internalError(w, r, "list exports", err)
		return
	}
	writeJSON(w, r, http.StatusOK, page)
}

func (h *handlers) handleGetExport(w http.ResponseWriter, r *http.Request, pc projectContext) {
	exportID, err := uuid.Parse(r.PathValue("eid"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.CodeNotFound, "export not found", nil)
		return
	}

	payload, err := h.exports.Get(r.Context(), pc.Project, pc.Identity.UserID, pc.Role,
		exportID, RequestIDFromContext(r.Context()))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.CodeNotFound, "export not found", nil)
	case errors.Is(err, exportsvc.ErrExpired):
		writeError(w, r, http.StatusGone, model.CodeExportExpired, "export artifact has expired", nil)
	case err != nil:
		h.internalError(w, r, "get export", err)
	default:
		writeJSON(w, r, http.StatusOK, payload)
	}
}

func (h *handlers) handleCancelExport(w http.ResponseWriter, r *http.Request, pc projectContext) {
	exportID, err := uuid.Parse(r.PathValue("eid"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.CodeNotFound, "export not found", nil)
		return
	}

	payload, err := h.exports.Cancel(r.Context(), pc.Project, pc.Identity.UserID, pc.Role,
		exportID, RequestIDFromContext(r.Context()))
	var nc *exportsvc.ErrNotCancellable
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.CodeNotFound, "export not found", nil)
	case errors.As(err, &nc):
		writeError(w, r, http.StatusConflict, model.CodeExportReady, nc.Error(), nil)
	case err != nil:
		h.internalError(w, r, "cancel export", err)
	default:
		writeJSON(w, r, http.StatusOK, payload)
	}
}
