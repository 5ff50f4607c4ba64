package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/triagedeck/triagedeck/internal/model"
)

// ListProjectsForUser returns the caller's projects ordered by name,
// excluding soft-deleted ones.
func (db *DB) ListProjectsForUser(ctx context.Context, userID string) ([]Membership, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT p.id, p.org_id, p.name, p.slug, p.decision_schema, p.config,
		       p.created_at, p.deleted_at, m.role
		FROM project p
		JOIN project_membership m ON m.project_id = p.id
		WHERE m.user_id = $1 AND p.deleted_at IS NULL
		ORDER BY p.name, p.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list projects: %w", err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(
			&m.Project.ID, &m.Project.OrgID, &m.Project.Name, &m.Project.Slug,
			&m.Project.DecisionSchema, &m.Project.Config,
			&m.Project.CreatedAt, &m.Project.DeletedAt, &m.Role,
		); err != nil {
			return nil, fmt.Errorf("storage: scan project: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetProject fetches a project by id. Soft-deleted projects are not found.
func (db *DB) GetProject(ctx context.Context, id uuid.UUID) (model.Project, error) {
	var p model.Project
	err := db.pool.QueryRow(ctx, `
		SELECT id, org_id, name, slug, decision_schema, config, created_at, deleted_at
		FROM project
		WHERE id = $1 AND deleted_at IS NULL`, id,
	).Scan(&p.ID, &p.OrgID, &p.Name, &p.Slug, &p.DecisionSchema, &p.Config,
		&p.CreatedAt, &p.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Project{}, ErrNotFound
	}
	if err != nil {
		return model.Project{}, fmt.Errorf("storage: get project: %w", err)
	}
	return p, nil
}

// GetProjectRole returns the caller's role, or RoleNone for non-members.
func (db *DB) GetProjectRole(ctx context.Context, projectID uuid.UUID, userID string) (model.Role, error) {
	var role model.Role
	err := db.pool.QueryRow(ctx, `
		SELECT role FROM project_membership
		WHERE project_id = $1 AND user_id = $2`, projectID, userID,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RoleNone, nil
	}
	if err != nil {
		return model.RoleNone, fmt.Errorf("storage: get role: %w", err)
	}
	return role, nil
}
