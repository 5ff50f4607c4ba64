package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/triagedeck/triagedeck/internal/model"
)

// ListItems returns one page of live items ordered (sort_key, id), with
// variants attached.
func (db *DB) ListItems(ctx context.Context, projectID uuid.UUID, after *model.ItemKey, limit int) ([]model.Item, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after == nil {
		rows, err = db.pool.Query(ctx, `
			SELECT id, project_id, external_id, media_type, uri, sort_key, metadata, created_at, deleted_at
			FROM item
			WHERE project_id = $1 AND deleted_at IS NULL
			ORDER BY sort_key, id
			LIMIT $2`, projectID, limit)
	} else {
		rows, err = db.pool.Query(ctx, `
			SELECT id, project_id, external_id, media_type, uri, sort_key, metadata, created_at, deleted_at
			FROM item
			WHERE project_id = $1 AND deleted_at IS NULL
			  AND (sort_key, id) > ($2, $3)
			ORDER BY sort_key, id
			LIMIT $4`, projectID, after.SortKey, after.ItemID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list items: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if err := db.attachVariants(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

// GetItem fetches a live item with its variants.
func (db *DB) GetItem(ctx context.Context, projectID, itemID uuid.UUID) (model.Item, error) {
	var it model.Item
	err := db.pool.QueryRow(ctx, `
		SELECT id, project_id, external_id, media_type, uri, sort_key, metadata, created_at, deleted_at
		FROM item
		WHERE id = $1 AND project_id = $2 AND deleted_at IS NULL`, itemID, projectID,
	).Scan(&it.ID, &it.ProjectID, &it.ExternalID, &it.MediaType, &it.URI,
		&it.SortKey, &it.Metadata, &it.CreatedAt, &it.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Item{}, ErrNotFound
	}
	if err != nil {
		return model.Item{}, fmt.Errorf("storage: get item: %w", err)
	}
	items := []model.Item{it}
	if err := db.attachVariants(ctx, items); err != nil {
		return model.Item{}, err
	}
	return items[0], nil
}

// ItemExists reports whether the item is live in the project.
func (db *DB) ItemExists(ctx context.Context, projectID, itemID uuid.UUID) (bool, error) {
	var ok bool
	err := db.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM item
			WHERE id = $1 AND project_id = $2 AND deleted_at IS NULL
		)`, itemID, projectID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("storage: item exists: %w", err)
	}
	return ok, nil
}

func scanItems(rows pgx.Rows) ([]model.Item, error) {
	defer rows.Close()
	var items []model.Item
	for rows.Next() {
		var it model.Item
		if err := rows.Scan(&it.ID, &it.ProjectID, &it.ExternalID, &it.MediaType,
			&it.URI, &it.SortKey, &it.Metadata, &it.CreatedAt, &it.DeletedAt); err != nil {
			return nil, fmt.Errorf("storage: scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// attachVariants loads variants for the page in one query and distributes
// them in (sort_order, variant_key) order.
func (db *DB) attachVariants(ctx context.Context, items []model.Item) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(items))
	idx := make(map[uuid.UUID]int, len(items))
	for i := range items {
		ids[i] = items[i].ID
		idx[items[i].ID] = i
	}

	rows, err := db.pool.Query(ctx, `
		SELECT id, item_id, variant_key, label, uri, sort_order, metadata, created_at
		FROM item_variant
		WHERE item_id = ANY($1)
		ORDER BY item_id, sort_order, variant_key`, ids)
	if err != nil {
		return fmt.Errorf("storage: list variants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v model.ItemVariant
		if err := rows.Scan(&v.ID, &v.ItemID, &v.VariantKey, &v.Label, &v.URI,
			&v.SortOrder, &v.Metadata, &v.CreatedAt); err != nil {
			return fmt.Errorf("storage: scan variant: %w", err)
		}
		i := idx[v.ItemID]
		items[i].Variants = append(items[i].Variants, v)
	}
	return rows.Err()
}
