// Package storage defines the persistence contract for TriageDeck and its
// two implementations: PostgreSQL (via pgxpool) and an in-memory store used
// by unit tests and database-free development.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/triagedeck/triagedeck/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist, is
// soft-deleted, or is outside the caller's visible scope.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicateEvent marks an insert that hit the event idempotency key
// (project_id, user_id, event_id).
var ErrDuplicateEvent = errors.New("storage: duplicate event")

// ErrConflict marks a state transition the current row state forbids.
var ErrConflict = errors.New("storage: conflict")

// Membership pairs a visible project with the caller's role in it.
type Membership struct {
	Project model.Project
	Role    model.Role
}

// ApplyResult reports the outcome of one event apply.
type ApplyResult struct {
	// Duplicate is true when the event id was already recorded for this
	// (project, user); the stored event is untouched in that case.
	Duplicate bool
}

// Store is the persistence contract. All listing methods use keyset
// pagination: a nil position starts from the beginning, and results never
// exceed limit. Implementations must exclude soft-deleted projects and
// items from every read and export path.
type Store interface {
	// Ping reports backend connectivity. Name identifies the backend in
	// the health payload ("postgres" or "memory").
	Ping(ctx context.Context) error
	Name() string

	// Projects and membership.
	ListProjectsForUser(ctx context.Context, userID string) ([]Membership, error)
	GetProject(ctx context.Context, id uuid.UUID) (model.Project, error)
	// GetProjectRole returns RoleNone (no error) for non-members.
	GetProjectRole(ctx context.Context, projectID uuid.UUID, userID string) (model.Role, error)

	// Items. Variants are loaded eagerly, ordered (sort_order, variant_key).
	ListItems(ctx context.Context, projectID uuid.UUID, after *model.ItemKey, limit int) ([]model.Item, error)
	GetItem(ctx context.Context, projectID, itemID uuid.UUID) (model.Item, error)
	ItemExists(ctx context.Context, projectID, itemID uuid.UUID) (bool, error)

	// Decisions. ApplyEvent atomically appends the event and advances the
	// latest projection iff the event outranks the incumbent.
	ApplyEvent(ctx context.Context, ev model.DecisionEvent) (ApplyResult, error)
	ListLatest(ctx context.Context, projectID uuid.UUID, userID string, after *model.DecisionKey, limit int) ([]model.DecisionLatest, error)
	// RebuildLatest replays the event log into a fresh projection and
	// returns the row count. Diagnostic; admin-triggered.
	RebuildLatest(ctx context.Context, projectID uuid.UUID) (int, error)

	// Export jobs.
	CreateExportJob(ctx context.Context, job model.ExportJob) error
	GetExportJob(ctx context.Context, projectID, id uuid.UUID) (model.ExportJob, error)
	// ListExportJobs returns jobs newest first; onlyUser != "" restricts
	// to that requester.
	ListExportJobs(ctx context.Context, projectID uuid.UUID, onlyUser string, after *model.ExportKey, limit int) ([]model.ExportJob, error)
	// CountActiveExportJobs counts the user's queued + running jobs.
	CountActiveExportJobs(ctx context.Context, projectID uuid.UUID, userID string) (int, error)
	// CancelExportJob applies the cancel transition: queued jobs fail
	// immediately with error code export_cancelled, running jobs get
	// cancel_requested set, and failed or expired jobs are a no-op.
	// Ready jobs return the job unchanged with ErrConflict.
	CancelExportJob(ctx context.Context, projectID, id uuid.UUID, nowMS int64) (model.ExportJob, error)

	// Worker surface. ClaimNextExportJob moves the oldest queued job to
	// running, stamps snapshot_at, and returns it; ok is false when the
	// queue is empty. CompleteExportJob publishes the artifact only if
	// the job is still running without a pending cancel (ErrConflict
	// otherwise, and the caller discards the artifact).
	ClaimNextExportJob(ctx context.Context, nowMS int64) (model.ExportJob, bool, error)
	CompleteExportJob(ctx context.Context, id uuid.UUID, fileURI string, manifest map[string]any, completedAt, expiresAt int64) error
	FailExportJob(ctx context.Context, id uuid.UUID, errorCode string, completedAt int64) error
	// GetExportJobStatus is the worker's cheap cancellation poll.
	GetExportJobStatus(ctx context.Context, id uuid.UUID) (model.ExportStatus, bool, error)
	// ExpireReadyJobs flips ready jobs past their TTL to expired and
	// returns them so the caller can delete artifacts.
	ExpireReadyJobs(ctx context.Context, nowMS int64) ([]model.ExportJob, error)
	// StreamExportRows streams the dataset for a snapshot in the export
	// row order: (ts_server ASC NULLS FIRST, item_id ASC, user_id ASC).
	// Only events with ts_server <= snapshotAt contribute, which makes
	// replays of the same snapshot deterministic.
	StreamExportRows(ctx context.Context, projectID uuid.UUID, mode model.ExportMode, filters model.ExportFilters, snapshotAt int64, fn func(model.ExportRow) error) error

	// AppendAudit records an export lifecycle action.
	AppendAudit(ctx context.Context, e model.AuditEntry) error

	// SeedDemo installs the demo org, project, and items. Idempotent.
	SeedDemo(ctx context.Context) error
}

// MatchMetadata reports whether item metadata satisfies equality filters.
// Values compare against the string form of top-level keys only.
func MatchMetadata(meta map[string]any, want map[string]string) bool {
	for k, v := range want {
		got, ok := meta[k]
		if !ok {
			return false
		}
		s, ok := got.(string)
		if !ok || s != v {
			return false
		}
	}
	return true
}
