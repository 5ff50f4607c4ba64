package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/triagedeck/triagedeck/internal/model"
	"github.com/triagedeck/triagedeck/internal/service/ingest"
)

func (h *handlers) handleIngestEvents(w http.ResponseWriter, r *http.Request, pc projectContext) {
	var req model.IngestRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, "invalid JSON body: "+err.Error(), nil)
		return
	}

	resp, err := h.ingest.Ingest(r.Context(), pc.Project, pc.Identity.UserID, req)
	if errors.Is(err, ingest.ErrBatchTooLarge) {
		writeError(w, r, http.StatusUnprocessableEntity, model.CodeValidationError, "batch exceeds maximum size",
			map[string]any{"max_events": model.MaxIngestBatch})
		return
	}
	if err != nil {
		h.internalError(w, r, "ingest events", err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (h *handlers) handleRebuild(w http.ResponseWriter, r *http.Request, pc projectContext) {
	start := time.Now()
	rebuilt, err := h.store.RebuildLatest(r.Context(), pc.Project.ID)
	if err != nil {
		h.internalError(w, r, "rebuild projection", err)
		return
	}
	h.logger.Info("projection rebuilt",
		"project_id", pc.Project.ID, "rows", rebuilt, "user_id", pc.Identity.UserID)
	writeJSON(w, r, http.StatusOK, model.RebuildResponse{
		Rebuilt: rebuilt,
		TookMS:  time.Since(start).Milliseconds(),
	})
}
