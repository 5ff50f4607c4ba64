package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/triagedeck/triagedeck/internal/clock"
	"github.com/triagedeck/triagedeck/internal/model"
	"github.com/triagedeck/triagedeck/internal/service/query"
	"github.com/triagedeck/triagedeck/internal/storage"
)

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{OK: true, TS: clock.NowMS(), Store: h.store.Name(), Version: h.version}
	status := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		resp.OK = false
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

func (h *handlers) handleOpenAPISpec(w http.ResponseWriter, _ *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.Error(w, "openapi spec not embedded", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// handleDevToken issues a JWT for an arbitrary user. Registered only when
// dev auth is enabled; production deployments receive tokens from the
// organization's identity provider.
func (h *handlers) handleDevToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Email  string `json:"email,omitempty"`
	}
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, "invalid JSON body: "+err.Error(), nil)
		return
	}
	if req.UserID == "" {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, "user_id is required", nil)
		return
	}
	token, exp, err := h.jwtMgr.IssueToken(req.UserID, req.Email)
	if err != nil {
		h.internalError(w, r, "issue token", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": exp.UnixMilli(),
	})
}

func (h *handlers) handleListProjects(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, r, http.StatusUnauthorized, model.CodeUnauthorized, "no identity in context", nil)
		return
	}
	memberships, err := h.store.ListProjectsForUser(r.Context(), identity.UserID)
	if err != nil {
		h.internalError(w, r, "list projects", err)
		return
	}
	resp := model.ProjectsResponse{Projects: make([]model.ProjectSummary, 0, len(memberships))}
	for _, m := range memberships {
		resp.Projects = append(resp.Projects, projectSummary(m.Project, m.Role))
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func projectSummary(p model.Project, role model.Role) model.ProjectSummary {
	return model.ProjectSummary{
		ID:        p.ID.String(),
		Name:      p.Name,
		Slug:      p.Slug,
		Role:      role,
		CreatedAt: p.CreatedAt,
	}
}

func (h *handlers) handleProjectConfig(w http.ResponseWriter, r *http.Request, pc projectContext) {
	cfg := pc.Project.Config
	writeJSON(w, r, http.StatusOK, model.ConfigResponse{
		Project:             projectSummary(pc.Project, pc.Role),
		DecisionSchema:      pc.Project.DecisionSchema,
		MediaTypesSupported: cfg.MediaTypesSupported,
		VariantsEnabled:     cfg.VariantsEnabled,
		VariantNavigation:   cfg.VariantNavigationMode,
		CompareModeEnabled:  cfg.CompareModeEnabled,
		MaxCompareVariants:  cfg.MaxCompareVariants,
	})
}

func (h *handlers) handleListItems(w http.ResponseWriter, r *http.Request, pc projectContext) {
	limit := intQuery(r, "limit")
	page, err := h.query.ListItems(r.Context(), pc.Project.ID, r.URL.Query().Get("cursor"), limit)
	if errors.Is(err, query.ErrInvalidCursor) {
		writeError(w, r, http.StatusBadRequest, model.CodeInvalidCursor, "invalid or expired cursor", nil)
		return
	}
	if err != nil {
		h.internalError(w, r, "list items", err)
		return
	}
	writeJSON(w, r, http.StatusOK, page)
}

func (h *handlers) handleGetItem(w http.ResponseWriter, r *http.Request, pc projectContext) {
	itemID, err := uuid.Parse(r.PathValue("iid"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.CodeNotFound, "item not found", nil)
		return
	}
	item, err := h.query.GetItem(r.Context(), pc.Project.ID, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.CodeNotFound, "item not found", nil)
		return
	}
	if err != nil {
		h.internalError(w, r, "get item", err)
		return
	}
	writeJSON(w, r, http.StatusOK, item)
}

// handleRefreshURL re-signs the item's media URL, or one variant's when
// variant_key is given.
func (h *handlers) handleRefreshURL(w http.ResponseWriter, r *http.Request, pc projectContext) {
	itemID, err := uuid.Parse(r.PathValue("iid"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.CodeNotFound, "item not found", nil)
		return
	}

	variantKey := r.URL.Query().Get("variant_key")
	if variantKey == "" {
		resp, err := h.query.RefreshItemURL(r.Context(), pc.Project.ID, itemID)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.CodeNotFound, "item not found", nil)
			return
		}
		if err != nil {
			h.internalError(w, r, "refresh url", err)
			return
		}
		writeJSON(w, r, http.StatusOK, resp)
		return
	}

	resp, err := h.query.RefreshVariantURL(r.Context(), pc.Project.ID, itemID, variantKey)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.CodeNotFound, "variant not found", nil)
		return
	}
	if err != nil {
		h.internalError(w, r, "refresh url", err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (h *handlers) handleListDecisions(w http.ResponseWriter, r *http.Request, pc projectContext) {
	limit := intQuery(r, "limit")
	page, err := h.query.ListDecisions(r.Context(), pc.Project.ID, pc.Identity.UserID, r.URL.Query().Get("cursor"), limit)
	if errors.Is(err, query.ErrInvalidCursor) {
		writeError(w, r, http.StatusBadRequest, model.CodeInvalidCursor, "invalid or expired cursor", nil)
		return
	}
	if err != nil {
		h.internalError(w, r, "list decisions", err)
		return
	}
	writeJSON(w, r, http.StatusOK, page)
}

// intQuery parses a numeric query parameter; absent or malformed values
// read as zero, which the limit clamps turn into the default.
func intQuery(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
