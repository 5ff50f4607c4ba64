package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/triagedeck/triagedeck/internal/clock"
	"github.com/triagedeck/triagedeck/internal/model"
)

// Deterministic seed identifiers so reseeding is idempotent.
var (
	seedOrgID     = uuid.MustParse("00000000-0000-4000-8000-000000000001")
	seedProjectID = uuid.MustParse("00000000-0000-4000-8000-000000000002")
)

// SeedUsers are the demo accounts installed by SeedDemo.
var SeedUsers = []struct {
	UserID string
	Role   model.Role
}{
	{"dev-admin", model.RoleAdmin},
	{"dev-reviewer", model.RoleReviewer},
	{"dev-viewer", model.RoleViewer},
}

// SeedProject describes the demo project for callers that need its handle.
func SeedProject() (orgID, projectID uuid.UUID) {
	return seedOrgID, seedProjectID
}

// seedSchema is the demo pass/fail decision vocabulary.
func seedSchema() model.DecisionSchema {
	return model.DecisionSchema{
		Version: 1,
		Choices: []model.DecisionChoice{
			{ID: "pass", Label: "Pass", Hotkey: "a"},
			{ID: "fail", Label: "Fail", Hotkey: "s"},
			{ID: "unsure", Label: "Unsure", Hotkey: "d"},
		},
		AllowNotes: true,
	}
}

func seedConfig() model.ProjectConfig {
	return model.ProjectConfig{
		MediaTypesSupported:   []string{"image"},
		VariantsEnabled:       true,
		VariantNavigationMode: "horizontal",
		CompareModeEnabled:    true,
		MaxCompareVariants:    2,
		OrgPolicy:             model.OrgPolicy{},
		Version:               1,
	}
}

// SeedDemo installs a demo org, a pass/fail project with three member
// accounts, and 20 items with before/after variants. Re-running is a no-op.
func (db *DB) SeedDemo(ctx context.Context) error {
	now := clock.NowMS()

	if _, err := db.pool.Exec(ctx, `
		INSERT INTO org (id, name, created_at)
		VALUES ($1, 'Demo Org', $2)
		ON CONFLICT (id) DO NOTHING`, seedOrgID, now); err != nil {
		return fmt.Errorf("storage: seed org: %w", err)
	}

	if _, err := db.pool.Exec(ctx, `
		INSERT INTO project (id, org_id, name, slug, decision_schema, config, created_at)
		VALUES ($1, $2, 'QA Review', 'qa-review', $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		seedProjectID, seedOrgID, seedSchema(), seedConfig(), now); err != nil {
		return fmt.Errorf("storage: seed project: %w", err)
	}

	for _, u := range SeedUsers {
		if _, err := db.pool.Exec(ctx, `
			INSERT INTO project_membership (project_id, user_id, role)
			VALUES ($1, $2, $3)
			ON CONFLICT (project_id, user_id) DO NOTHING`,
			seedProjectID, u.UserID, u.Role); err != nil {
			return fmt.Errorf("storage: seed membership: %w", err)
		}
	}

	for _, it := range SeedItems(seedProjectID, now) {
		if _, err := db.pool.Exec(ctx, `
			INSERT INTO item (id, project_id, external_id, media_type, uri, sort_key, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (project_id, external_id) DO NOTHING`,
			it.ID, it.ProjectID, it.ExternalID, it.MediaType, it.URI,
			it.SortKey, it.Metadata, it.CreatedAt); err != nil {
			return fmt.Errorf("storage: seed item %s: %w", it.ExternalID, err)
		}
		for _, v := range it.Variants {
			if _, err := db.pool.Exec(ctx, `
				INSERT INTO item_variant (id, item_id, variant_key, label, uri, sort_order, metadata, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (item_id, variant_key) DO NOTHING`,
				v.ID, v.ItemID, v.VariantKey, v.Label, v.URI, v.SortOrder,
				v.Metadata, v.CreatedAt); err != nil {
				return fmt.Errorf("storage: seed variant: %w", err)
			}
		}
	}

	db.logger.Info("demo data seeded", "project_id", seedProjectID)
	return nil
}

// SeedItems builds the 20 demo items with before/after variants. IDs are
// derived from the project id so the set is stable across runs.
func SeedItems(projectID uuid.UUID, now int64) []model.Item {
	items := make([]model.Item, 0, 20)
	for i := range 20 {
		extID := fmt.Sprintf("demo-%03d", i+1)
		itemID := uuid.NewSHA1(projectID, []byte("item:"+extID))
		it := model.Item{
			ID:         itemID,
			ProjectID:  projectID,
			ExternalID: extID,
			MediaType:  model.MediaImage,
			URI:        fmt.Sprintf("demo://items/%s.png", extID),
			SortKey:    fmt.Sprintf("%06d", i+1),
			Metadata:   map[string]any{"batch": "demo", "index": float64(i + 1)},
			CreatedAt:  now,
		}
		for j, key := range []string{"before", "after"} {
			it.Variants = append(it.Variants, model.ItemVariant{
				ID:         uuid.NewSHA1(itemID, []byte("variant:"+key)),
				ItemID:     itemID,
				VariantKey: key,
				Label:      key,
				URI:        fmt.Sprintf("demo://items/%s_%s.png", extID, key),
				SortOrder:  j,
				Metadata:   map[string]any{},
				CreatedAt:  now,
			})
		}
		items = append(items, it)
	}
	return items
}
