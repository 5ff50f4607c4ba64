package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/triagedeck/triagedeck/internal/authz"
	"github.com/triagedeck/triagedeck/internal/clock"
	"github.com/triagedeck/triagedeck/internal/cursor"
	"github.com/triagedeck/triagedeck/internal/model"
	"github.com/triagedeck/triagedeck/internal/resolver"
	"github.com/triagedeck/triagedeck/internal/storage"
)

// Page limits for the exports view.
const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// ValidationError rejects a create request with a machine code; the HTTP
// layer maps it to 422.
type ValidationError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *ValidationError) Error() string { return "export: " + e.Message }

// ErrConcurrencyLimit marks a create that would exceed the caller's
// active-job cap; maps to 429 rate_limited.
var ErrConcurrencyLimit = errors.New("export: active job limit reached")

// ErrExpired marks a fetch of an expired export; maps to 410.
var ErrExpired = errors.New("export: artifact expired")

// ErrNotCancellable marks a cancel of a ready job whose artifact is
// already published; maps to 409 export_ready.
type ErrNotCancellable struct {
	Status model.ExportStatus
}

func (e *ErrNotCancellable) Error() string {
	return fmt.Sprintf("export: job is %s and cannot be cancelled", e.Status)
}

// ErrInvalidCursor mirrors the query engine's cursor failure.
var ErrInvalidCursor = errors.New("export: invalid cursor")

// Controller validates and tracks export jobs.
type Controller struct {
	store           storage.Store
	codec           *cursor.Codec
	resolver        resolver.Resolver
	logger          *slog.Logger
	perUserCap      int
	globalAllowlist []string
	downloadTTL     time.Duration
}

// NewController builds the export controller. globalAllowlist is the
// fallback when a project sets none; empty means all exportable fields.
func NewController(store storage.Store, codec *cursor.Codec, res resolver.Resolver, logger *slog.Logger, perUserCap int, globalAllowlist []string, downloadTTL time.Duration) *Controller {
	return &Controller{
		store:           store,
		codec:           codec,
		resolver:        res,
		logger:          logger,
		perUserCap:      perUserCap,
		globalAllowlist: globalAllowlist,
		downloadTTL:     downloadTTL,
	}
}

// effectiveAllowlist is the project's allowlist, falling back to the
// server-global one, falling back to every exportable field.
func (c *Controller) effectiveAllowlist(project model.Project) []string {
	if len(project.Config.ExportAllowlist) > 0 {
		return project.Config.ExportAllowlist
	}
	if len(c.globalAllowlist) > 0 {
		return c.globalAllowlist
	}
	return model.ExportableFields
}

// Create validates the request, enforces the per-user concurrency cap, and
// enqueues a job.
func (c *Controller) Create(ctx context.Context, project model.Project, userID, requestID string, req model.CreateExportRequest) (model.ExportPayload, error) {
	if req.Mode == "" {
		req.Mode = model.ModeLabelsOnly
	}
	if req.LabelPolicy == "" {
		req.LabelPolicy = model.PolicyLatestPerUser
	}
	if !model.ValidExportMode(req.Mode) {
		return model.ExportPayload{}, &ValidationError{
			Code: model.CodeValidationError, Message: fmt.Sprintf("unknown export mode %q", req.Mode),
		}
	}
	if !model.ValidLabelPolicy(req.LabelPolicy) {
		return model.ExportPayload{}, &ValidationError{
			Code: model.CodeValidationError, Message: fmt.Sprintf("unknown label policy %q", req.LabelPolicy),
		}
	}
	if !model.ValidExportFormat(req.Format) {
		return model.ExportPayload{}, &ValidationError{
			Code: model.CodeValidationError, Message: fmt.Sprintf("unknown export format %q", req.Format),
		}
	}
	if req.Filters.FromTS != nil && req.Filters.ToTS != nil && *req.Filters.FromTS > *req.Filters.ToTS {
		return model.ExportPayload{}, &ValidationError{
			Code: model.CodeValidationError, Message: "filters.from_ts must not exceed filters.to_ts",
		}
	}

	include := req.IncludeFields
	if len(include) == 0 {
		include = model.DefaultIncludeFields
	}
	allowed := make(map[string]bool)
	for _, f := range c.effectiveAllowlist(project) {
		allowed[f] = true
	}
	for _, f := range include {
		if !model.ExportableField(f) {
			return model.ExportPayload{}, &ValidationError{
				Code:    model.CodeValidationError,
				Message: fmt.Sprintf("unknown field %q", f),
				Details: map[string]any{"field": f},
			}
		}
		if allowed[f] {
			continue
		}
		// An allowlisted "metadata" covers its dotted subpaths.
		if _, ok := model.MetadataField(f); ok && allowed["metadata"] {
			continue
		}
		return model.ExportPayload{}, &ValidationError{
			Code:    model.CodeFieldNotAllowlisted,
			Message: fmt.Sprintf("field %q is not allowlisted for export", f),
			Details: map[string]any{"field": f},
		}
	}

	active, err := c.store.CountActiveExportJobs(ctx, project.ID, userID)
	if err != nil {
		return model.ExportPayload{}, fmt.Errorf("export: count active: %w", err)
	}
	if active >= c.perUserCap {
		return model.ExportPayload{}, ErrConcurrencyLimit
	}

	job := model.ExportJob{
		ID:            uuid.New(),
		ProjectID:     project.ID,
		RequestedBy:   userID,
		Status:        model.ExportQueued,
		Mode:          req.Mode,
		LabelPolicy:   req.LabelPolicy,
		Format:        req.Format,
		Filters:       req.Filters,
		IncludeFields: include,
		CreatedAt:     clock.NowMS(),
	}
	if err := c.store.CreateExportJob(ctx, job); err != nil {
		return model.ExportPayload{}, fmt.Errorf("export: create job: %w", err)
	}
	c.audit(ctx, requestID, userID, job, "export_created")
	c.logger.Info("export queued",
		"export_id", job.ID, "project_id", project.ID, "user_id", userID, "format", job.Format)
	return c.payload(ctx, job, requestID, userID, false)
}

// Get returns a job the caller may see. Ready jobs carry a fresh download
// URL; expired ones return ErrExpired.
func (c *Controller) Get(ctx context.Context, project model.Project, userID string, role model.Role, id uuid.UUID, requestID string) (model.ExportPayload, error) {
	job, err := c.store.GetExportJob(ctx, project.ID, id)
	if err != nil {
		return model.ExportPayload{}, err
	}
	if !c.visible(job, userID, role, project.Config.OrgPolicy) {
		// Invisible jobs are indistinguishable from absent ones.
		return model.ExportPayload{}, storage.ErrNotFound
	}
	if job.Status == model.ExportExpired {
		return model.ExportPayload{}, ErrExpired
	}
	return c.payload(ctx, job, requestID, userID, true)
}

// List returns one page of jobs the caller may see, newest first.
func (c *Controller) List(ctx context.Context, project model.Project, userID string, role model.Role, cursorToken string, limit int) (model.ExportsPage, error) {
	now := clock.NowMS()
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	var after *model.ExportKey
	if cursorToken != "" {
		var key model.ExportKey
		if err := c.codec.Decode(cursor.ViewExports, cursorToken, now, &key); err != nil {
			return model.ExportsPage{}, ErrInvalidCursor
		}
		after = &key
	}

	onlyUser := ""
	if !authz.CanReadOthersExports(role, project.Config.OrgPolicy) {
		onlyUser = userID
	}
	jobs, err := c.store.ListExportJobs(ctx, project.ID, onlyUser, after, limit)
	if err != nil {
		return model.ExportsPage{}, fmt.Errorf("export: list jobs: %w", err)
	}

	page := model.ExportsPage{Exports: make([]model.ExportPayload, 0, len(jobs))}
	for _, job := range jobs {
		// Listings omit download URLs; clients fetch the job for one.
		p, err := c.payload(ctx, job, "", userID, false)
		if err != nil {
			return model.ExportsPage{}, err
		}
		page.Exports = append(page.Exports, p)
	}
	if len(jobs) == limit {
		last := jobs[len(jobs)-1]
		token, err := c.codec.Encode(cursor.ViewExports, model.ExportKey{CreatedAt: last.CreatedAt, ID: last.ID}, now)
		if err != nil {
			return model.ExportsPage{}, fmt.Errorf("export: encode cursor: %w", err)
		}
		page.NextCursor = token
	}
	return page, nil
}

// Cancel requests cancellation. Requester and admins may cancel; cancels
// of failed or expired jobs are idempotent no-ops; ready jobs conflict.
func (c *Controller) Cancel(ctx context.Context, project model.Project, userID string, role model.Role, id uuid.UUID, requestID string) (model.ExportPayload, error) {
	job, err := c.store.GetExportJob(ctx, project.ID, id)
	if err != nil {
		return model.ExportPayload{}, err
	}
	if !c.visible(job, userID, role, project.Config.OrgPolicy) {
		return model.ExportPayload{}, storage.ErrNotFound
	}
	if job.RequestedBy != userID && role != model.RoleAdmin {
		return model.ExportPayload{}, storage.ErrNotFound
	}

	job, err = c.store.CancelExportJob(ctx, project.ID, id, clock.NowMS())
	if errors.Is(err, storage.ErrConflict) {
		return model.ExportPayload{}, &ErrNotCancellable{Status: job.Status}
	}
	if err != nil {
		return model.ExportPayload{}, fmt.Errorf("export: cancel job: %w", err)
	}
	c.audit(ctx, requestID, userID, job, "export_cancelled")
	return c.payload(ctx, job, requestID, userID, false)
}

func (c *Controller) visible(job model.ExportJob, userID string, role model.Role, policy model.OrgPolicy) bool {
	return job.RequestedBy == userID || authz.CanReadOthersExports(role, policy)
}

// payload converts a job, optionally attaching a download URL for ready
// artifacts.
func (c *Controller) payload(ctx context.Context, job model.ExportJob, requestID, actorID string, withURL bool) (model.ExportPayload, error) {
	p := model.ExportPayload{
		ID:              job.ID.String(),
		ProjectID:       job.ProjectID.String(),
		RequestedBy:     job.RequestedBy,
		Status:          job.Status,
		Mode:            job.Mode,
		LabelPolicy:     job.LabelPolicy,
		Format:          job.Format,
		Filters:         job.Filters,
		IncludeFields:   job.IncludeFields,
		SnapshotAt:      job.SnapshotAt,
		Manifest:        job.Manifest,
		ErrorCode:       job.ErrorCode,
		CancelRequested: job.CancelRequested,
		ExpiresAt:       job.ExpiresAt,
		CreatedAt:       job.CreatedAt,
		CompletedAt:     job.CompletedAt,
	}
	if withURL && job.Status == model.ExportReady && job.FileURI != "" {
		r, err := c.resolver.Resolve(ctx, job.FileURI, c.downloadTTL, clock.NowMS())
		if err != nil {
			return model.ExportPayload{}, fmt.Errorf("export: resolve download url: %w", err)
		}
		p.DownloadURL = r.URL
		p.URLExpiresAt = r.ExpiresAt
		c.audit(ctx, requestID, actorID, job, "download_url_issued")
	}
	return p, nil
}

// audit is best-effort: a failed audit write never blocks the operation.
func (c *Controller) audit(ctx context.Context, requestID, actorID string, job model.ExportJob, action string) {
	err := c.store.AppendAudit(ctx, model.AuditEntry{
		RequestID: requestID,
		ProjectID: job.ProjectID,
		UserID:    actorID,
		ExportID:  job.ID,
		Action:    action,
		CreatedAt: clock.NowMS(),
	})
	if err != nil {
		c.logger.Warn("audit write failed", "error", err, "action", action, "export_id", job.ID)
	}
}
