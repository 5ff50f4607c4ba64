package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/triagedeck/triagedeck/internal/model"
)

// StreamExportRows streams the dataset for one snapshot inside a
// REPEATABLE READ read-only transaction. Winners are derived from the
// append-only event log bounded by ts_server <= snapshotAt, so re-running
// the same snapshot yields the same rows regardless of later ingestion.
//
// Row order: unlabeled rows first (null ts_server, by item_id), then
// labeled rows by (ts_server, item_id, user_id).
func (db *DB) StreamExportRows(ctx context.Context, projectID uuid.UUID, mode model.ExportMode, filters model.ExportFilters, snapshotAt int64, fn func(model.ExportRow) error) error {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("storage: begin export read: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Unlabeled rows carry no decision filters; when any decision-scoped
	// filter is set the mode degrades to labels_only.
	if mode == model.ModeLabelsPlusUnlabeled && !filters.DecisionScoped() {
		if err := streamUnlabeled(ctx, tx, projectID, filters, snapshotAt, fn); err != nil {
			return err
		}
	}
	if err := streamLabeled(ctx, tx, projectID, filters, snapshotAt, fn); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func streamLabeled(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, filters model.ExportFilters, snapshotAt int64, fn func(model.ExportRow) error) error {
	var sb strings.Builder
	args := []any{projectID, snapshotAt}
	sb.WriteString(`
		SELECT d.item_id, i.external_id, i.media_type, i.uri, i.sort_key, i.metadata,
		       d.user_id, d.decision_id, d.note, d.ts_client, d.ts_server, d.event_id
		FROM (
			SELECT DISTINCT ON (user_id, item_id)
				user_id, item_id, event_id, decision_id, note,
				ts_client, ts_client_effective, ts_server
			FROM decision_event
			WHERE project_id = $1 AND ts_server <= $2
			ORDER BY user_id, item_id,
				ts_client_effective DESC, ts_server DESC, event_id::text DESC
		) d
		JOIN item i ON i.id = d.item_id AND i.deleted_at IS NULL`)

	var conds []string
	if len(filters.DecisionIDs) > 0 {
		args = append(args, filters.DecisionIDs)
		conds = append(conds, fmt.Sprintf("d.decision_id = ANY($%d)", len(args)))
	}
	if filters.FromTS != nil {
		args = append(args, *filters.FromTS)
		conds = append(conds, fmt.Sprintf("d.ts_server >= $%d", len(args)))
	}
	if filters.ToTS != nil {
		args = append(args, *filters.ToTS)
		conds = append(conds, fmt.Sprintf("d.ts_server <= $%d", len(args)))
	}
	if len(filters.UserIDs) > 0 {
		args = append(args, filters.UserIDs)
		conds = append(conds, fmt.Sprintf("d.user_id = ANY($%d)", len(args)))
	}
	conds = append(conds, metadataConds(filters.Metadata, &args)...)
	if len(conds) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	sb.WriteString(" ORDER BY d.ts_server, d.item_id, d.user_id")

	rows, err := tx.Query(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("storage: query export rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r       model.ExportRow
			userID  string
			decID   string
			note    string
			tsCl    int64
			tsSrv   int64
			eventID uuid.UUID
		)
		if err := rows.Scan(&r.ItemID, &r.ExternalID, &r.MediaType, &r.URI,
			&r.SortKey, &r.Metadata, &userID, &decID, &note, &tsCl, &tsSrv, &eventID); err != nil {
			return fmt.Errorf("storage: scan export row: %w", err)
		}
		r.UserID, r.DecisionID, r.Note = &userID, &decID, &note
		r.TSClient, r.TSServer, r.EventID = &tsCl, &tsSrv, &eventID
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

func streamUnlabeled(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, filters model.ExportFilters, snapshotAt int64, fn func(model.ExportRow) error) error {
	var sb strings.Builder
	args := []any{projectID, snapshotAt}
	sb.WriteString(`
		SELECT i.id, i.external_id, i.media_type, i.uri, i.sort_key, i.metadata
		FROM item i
		WHERE i.project_id = $1 AND i.deleted_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM decision_event e
			WHERE e.project_id = i.project_id AND e.item_id = i.id
			  AND e.ts_server <= $2
		  )`)
	for _, c := range metadataConds(filters.Metadata, &args) {
		sb.WriteString(" AND " + c)
	}
	sb.WriteString(" ORDER BY i.id")

	rows, err := tx.Query(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("storage: query unlabeled rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r model.ExportRow
		if err := rows.Scan(&r.ItemID, &r.ExternalID, &r.MediaType, &r.URI,
			&r.SortKey, &r.Metadata); err != nil {
			return fmt.Errorf("storage: scan unlabeled row: %w", err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// metadataConds renders equality filters over top-level item metadata keys.
// Keys are processed in sorted order so generated SQL is stable.
func metadataConds(meta map[string]string, args *[]any) []string {
	if len(meta) == 0 {
		return nil
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conds := make([]string, 0, len(keys))
	for _, k := range keys {
		*args = append(*args, k, meta[k])
		conds = append(conds, fmt.Sprintf("i.metadata ->> $%d = $%d", len(*args)-1, len(*args)))
	}
	return conds
}
