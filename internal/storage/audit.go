package storage

import (
	"context"
	"fmt"

	"github.com/triagedeck/triagedeck/internal/model"
)

// AppendAudit records one export lifecycle action.
func (db *DB) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO audit_log (request_id, project_id, user_id, export_id, action, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.RequestID, e.ProjectID, e.UserID, e.ExportID, e.Action, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: append audit: %w", err)
	}
	return nil
}
