package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/triagedeck/triagedeck/internal/model"
)

// ApplyEvent appends one decision event and conditionally advances the
// latest projection, in a single transaction. The upsert's WHERE clause
// implements the winner order as a row comparison, so applying any
// permutation of the same events converges to the same projection.
func (db *DB) ApplyEvent(ctx context.Context, ev model.DecisionEvent) (ApplyResult, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("storage: begin apply: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx, `
		INSERT INTO decision_event
			(id, project_id, user_id, event_id, item_id, decision_id, note,
			 ts_client, ts_client_effective, ts_server)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.ProjectID, ev.UserID, ev.EventID, ev.ItemID, ev.DecisionID,
		ev.Note, ev.TSClient, ev.TSClientEffective, ev.TSServer)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ApplyResult{Duplicate: true}, nil
		}
		return ApplyResult{}, fmt.Errorf("storage: insert event: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO decision_latest AS l
			(project_id, user_id, item_id, event_id, decision_id, note,
			 ts_client, ts_client_effective, ts_server)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (project_id, user_id, item_id) DO UPDATE SET
			event_id = excluded.event_id,
			decision_id = excluded.decision_id,
			note = excluded.note,
			ts_client = excluded.ts_client,
			ts_client_effective = excluded.ts_client_effective,
			ts_server = excluded.ts_server
		WHERE (excluded.ts_client_effective, excluded.ts_server, excluded.event_id::text)
		    > (l.ts_client_effective, l.ts_server, l.event_id::text)`,
		ev.ProjectID, ev.UserID, ev.ItemID, ev.EventID, ev.DecisionID, ev.Note,
		ev.TSClient, ev.TSClientEffective, ev.TSServer)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("storage: upsert latest: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ApplyResult{}, fmt.Errorf("storage: commit apply: %w", err)
	}
	return ApplyResult{}, nil
}

// ListLatest returns one page of the user's latest decisions ordered
// (ts_server, item_id).
func (db *DB) ListLatest(ctx context.Context, projectID uuid.UUID, userID string, after *model.DecisionKey, limit int) ([]model.DecisionLatest, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after == nil {
		rows, err = db.pool.Query(ctx, `
			SELECT project_id, user_id, item_id, event_id, decision_id, note,
			       ts_client, ts_client_effective, ts_server
			FROM decision_latest
			WHERE project_id = $1 AND user_id = $2
			ORDER BY ts_server, item_id
			LIMIT $3`, projectID, userID, limit)
	} else {
		rows, err = db.pool.Query(ctx, `
			SELECT project_id, user_id, item_id, event_id, decision_id, note,
			       ts_client, ts_client_effective, ts_server
			FROM decision_latest
			WHERE project_id = $1 AND user_id = $2
			  AND (ts_server, item_id) > ($3, $4)
			ORDER BY ts_server, item_id
			LIMIT $5`, projectID, userID, after.TSServer, after.ItemID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list latest: %w", err)
	}
	defer rows.Close()

	var out []model.DecisionLatest
	for rows.Next() {
		var d model.DecisionLatest
		if err := rows.Scan(&d.ProjectID, &d.UserID, &d.ItemID, &d.EventID,
			&d.DecisionID, &d.Note, &d.TSClient, &d.TSClientEffective, &d.TSServer); err != nil {
			return nil, fmt.Errorf("storage: scan latest: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RebuildLatest replaces the projection with a replay of the event log.
// The winner per (user, item) is selected with the same order the upsert
// enforces, so a rebuild never changes a correct projection.
func (db *DB) RebuildLatest(ctx context.Context, projectID uuid.UUID) (int, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin rebuild: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM decision_latest WHERE project_id = $1`, projectID); err != nil {
		return 0, fmt.Errorf("storage: clear projection: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO decision_latest
			(project_id, user_id, item_id, event_id, decision_id, note,
			 ts_client, ts_client_effective, ts_server)
		SELECT DISTINCT ON (user_id, item_id)
			project_id, user_id, item_id, event_id, decision_id, note,
			ts_client, ts_client_effective, ts_server
		FROM decision_event
		WHERE project_id = $1
		ORDER BY user_id, item_id,
			ts_client_effective DESC, ts_server DESC, event_id::text DESC`,
		projectID)
	if err != nil {
		return 0, fmt.Errorf("storage: replay events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit rebuild: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
