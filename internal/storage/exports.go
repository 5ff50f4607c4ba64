package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/triagedeck/triagedeck/internal/model"
)

const exportJobColumns = `
	id, project_id, requested_by, status, mode, label_policy, format,
	filters, include_fields, snapshot_at, manifest, file_uri, error_code,
	cancel_requested, expires_at, created_at, completed_at`

// CreateExportJob inserts a queued job.
func (db *DB) CreateExportJob(ctx context.Context, job model.ExportJob) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO export_job
			(id, project_id, requested_by, status, mode, label_policy, format,
			 filters, include_fields, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.ProjectID, job.RequestedBy, job.Status, job.Mode,
		job.LabelPolicy, job.Format, job.Filters, job.IncludeFields, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: create export job: %w", err)
	}
	return nil
}

// GetExportJob fetches a job scoped to its project.
func (db *DB) GetExportJob(ctx context.Context, projectID, id uuid.UUID) (model.ExportJob, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+exportJobColumns+` FROM export_job WHERE id = $1 AND project_id = $2`,
		id, projectID)
	job, err := scanExportJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ExportJob{}, ErrNotFound
	}
	if err != nil {
		return model.ExportJob{}, fmt.Errorf("storage: get export job: %w", err)
	}
	return job, nil
}

// ListExportJobs returns one page of jobs, newest first. onlyUser != ""
// restricts visibility to that requester's jobs.
func (db *DB) ListExportJobs(ctx context.Context, projectID uuid.UUID, onlyUser string, after *model.ExportKey, limit int) ([]model.ExportJob, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + exportJobColumns + ` FROM export_job WHERE project_id = $1`)
	args := []any{projectID}
	if onlyUser != "" {
		args = append(args, onlyUser)
		fmt.Fprintf(&sb, ` AND requested_by = $%d`, len(args))
	}
	if after != nil {
		args = append(args, after.CreatedAt, after.ID)
		fmt.Fprintf(&sb, ` AND (created_at, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, ` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := db.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list export jobs: %w", err)
	}
	defer rows.Close()

	var out []model.ExportJob
	for rows.Next() {
		job, err := scanExportJob(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan export job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// CountActiveExportJobs counts the user's queued and running jobs.
func (db *DB) CountActiveExportJobs(ctx context.Context, projectID uuid.UUID, userID string) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx, `
		SELECT count(*) FROM export_job
		WHERE project_id = $1 AND requested_by = $2 AND status IN ('queued', 'running')`,
		projectID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count active jobs: %w", err)
	}
	return n, nil
}

// CancelExportJob applies the cancel transition under a row lock: queued
// fails immediately with error code export_cancelled, running gets
// cancel_requested, and failed or expired jobs are a no-op. Ready jobs
// return the job unchanged with ErrConflict.
func (db *DB) CancelExportJob(ctx context.Context, projectID, id uuid.UUID, nowMS int64) (model.ExportJob, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.ExportJob{}, fmt.Errorf("storage: begin cancel: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx,
		`SELECT `+exportJobColumns+` FROM export_job
		 WHERE id = $1 AND project_id = $2 FOR UPDATE`, id, projectID)
	job, err := scanExportJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ExportJob{}, ErrNotFound
	}
	if err != nil {
		return model.ExportJob{}, fmt.Errorf("storage: lock export job: %w", err)
	}

	switch job.Status {
	case model.ExportQueued:
		if _, err := tx.Exec(ctx, `
			UPDATE export_job SET status = 'failed', error_code = $2, completed_at = $3
			WHERE id = $1`, id, model.CodeExportCancelled, nowMS); err != nil {
			return model.ExportJob{}, fmt.Errorf("storage: cancel queued job: %w", err)
		}
		job.Status = model.ExportFailed
		job.ErrorCode = model.CodeExportCancelled
		job.CompletedAt = &nowMS
	case model.ExportRunning:
		if _, err := tx.Exec(ctx, `
			UPDATE export_job SET cancel_requested = TRUE WHERE id = $1`, id); err != nil {
			return model.ExportJob{}, fmt.Errorf("storage: request cancel: %w", err)
		}
		job.CancelRequested = true
	case model.ExportFailed, model.ExportExpired:
		// Idempotent.
	default:
		return job, ErrConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return model.ExportJob{}, fmt.Errorf("storage: commit cancel: %w", err)
	}
	return job, nil
}

// ClaimNextExportJob moves the oldest queued job to running and stamps
// snapshot_at. SKIP LOCKED keeps concurrent workers from double-claiming.
func (db *DB) ClaimNextExportJob(ctx context.Context, nowMS int64) (model.ExportJob, bool, error) {
	row := db.pool.QueryRow(ctx, `
		UPDATE export_job SET status = 'running', snapshot_at = $1
		WHERE id = (
			SELECT id FROM export_job
			WHERE status = 'queued'
			ORDER BY created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+exportJobColumns, nowMS)
	job, err := scanExportJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ExportJob{}, false, nil
	}
	if err != nil {
		return model.ExportJob{}, false, fmt.Errorf("storage: claim export job: %w", err)
	}
	return job, true, nil
}

// CompleteExportJob publishes the artifact. The guard on status and
// cancel_requested loses the race against a late cancel: zero rows means
// the caller must discard the artifact.
func (db *DB) CompleteExportJob(ctx context.Context, id uuid.UUID, fileURI string, manifest map[string]any, completedAt, expiresAt int64) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE export_job
		SET status = 'ready', file_uri = $2, manifest = $3,
		    completed_at = $4, expires_at = $5
		WHERE id = $1 AND status = 'running' AND NOT cancel_requested`,
		id, fileURI, manifest, completedAt, expiresAt)
	if err != nil {
		return fmt.Errorf("storage: complete export job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// FailExportJob marks a running job failed with the given error code.
func (db *DB) FailExportJob(ctx context.Context, id uuid.UUID, errorCode string, completedAt int64) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE export_job SET status = 'failed', error_code = $2, completed_at = $3
		WHERE id = $1 AND status = 'running'`,
		id, errorCode, completedAt)
	if err != nil {
		return fmt.Errorf("storage: fail export job: %w", err)
	}
	return nil
}

// GetExportJobStatus returns the job's status and cancel flag.
func (db *DB) GetExportJobStatus(ctx context.Context, id uuid.UUID) (model.ExportStatus, bool, error) {
	var (
		status model.ExportStatus
		cancel bool
	)
	err := db.pool.QueryRow(ctx,
		`SELECT status, cancel_requested FROM export_job WHERE id = $1`, id,
	).Scan(&status, &cancel)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: export job status: %w", err)
	}
	return status, cancel, nil
}

// ExpireReadyJobs flips ready jobs past their TTL to expired and returns
// them so the sweeper can delete artifacts.
func (db *DB) ExpireReadyJobs(ctx context.Context, nowMS int64) ([]model.ExportJob, error) {
	rows, err := db.pool.Query(ctx, `
		UPDATE export_job SET status = 'expired'
		WHERE status = 'ready' AND expires_at IS NOT NULL AND expires_at <= $1
		RETURNING `+exportJobColumns, nowMS)
	if err != nil {
		return nil, fmt.Errorf("storage: expire jobs: %w", err)
	}
	defer rows.Close()

	var out []model.ExportJob
	for rows.Next() {
		job, err := scanExportJob(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan expired job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanExportJob(row pgx.Row) (model.ExportJob, error) {
	var (
		job        model.ExportJob
		snapshotAt *int64
		expiresAt  *int64
		fileURI    *string
		errorCode  *string
	)
	err := row.Scan(&job.ID, &job.ProjectID, &job.RequestedBy, &job.Status,
		&job.Mode, &job.LabelPolicy, &job.Format, &job.Filters,
		&job.IncludeFields, &snapshotAt, &job.Manifest, &fileURI, &errorCode,
		&job.CancelRequested, &expiresAt, &job.CreatedAt, &job.CompletedAt)
	if err != nil {
		return model.ExportJob{}, err
	}
	if snapshotAt != nil {
		job.SnapshotAt = *snapshotAt
	}
	if expiresAt != nil {
		job.ExpiresAt = *expiresAt
	}
	if fileURI != nil {
		job.FileURI = *fileURI
	}
	if errorCode != nil {
		job.ErrorCode = *errorCode
	}
	return job, nil
}
