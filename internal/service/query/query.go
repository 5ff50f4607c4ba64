// Package query serves the paginated read views: items, the caller's
// latest decisions, and media URL refresh.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/triagedeck/triagedeck/internal/clock"
	"github.com/triagedeck/triagedeck/internal/cursor"
	"github.com/triagedeck/triagedeck/internal/model"
	"github.com/triagedeck/triagedeck/internal/resolver"
	"github.com/triagedeck/triagedeck/internal/storage"
)

// ErrInvalidCursor covers malformed, forged, wrong-view, and expired
// cursors; the HTTP layer maps it to 400 invalid_cursor.
var ErrInvalidCursor = errors.New("query: invalid cursor")

// Page limits per view.
const (
	DefaultItemLimit     = 100
	MaxItemLimit         = 200
	DefaultDecisionLimit = 500
	MaxDecisionLimit     = 2000
)

// Engine answers the read endpoints.
type Engine struct {
	store    storage.Store
	codec    *cursor.Codec
	resolver resolver.Resolver
	urlTTL   time.Duration
}

// New creates a query engine. urlTTL is the default signed URL lifetime.
func New(store storage.Store, codec *cursor.Codec, res resolver.Resolver, urlTTL time.Duration) *Engine {
	return &Engine{store: store, codec: codec, resolver: res, urlTTL: urlTTL}
}

// ClampLimit bounds a requested page size to (1, max], using def when the
// request omits it.
func ClampLimit(requested, def, max int) int {
	if requested <= 0 {
		return def
	}
	if requested > max {
		return max
	}
	return requested
}

// ListItems returns one page of the item catalog. A next_cursor is present
// only when the page is full, so a short page terminates iteration.
func (e *Engine) ListItems(ctx context.Context, projectID uuid.UUID, cursorToken string, limit int) (model.ItemsPage, error) {
	now := clock.NowMS()
	limit = ClampLimit(limit, DefaultItemLimit, MaxItemLimit)

	var after *model.ItemKey
	if cursorToken != "" {
		var key model.ItemKey
		if err := e.codec.Decode(cursor.ViewItems, cursorToken, now, &key); err != nil {
			return model.ItemsPage{}, ErrInvalidCursor
		}
		after = &key
	}

	items, err := e.store.ListItems(ctx, projectID, after, limit)
	if err != nil {
		return model.ItemsPage{}, fmt.Errorf("query: list items: %w", err)
	}

	page := model.ItemsPage{Items: make([]model.ItemPayload, 0, len(items))}
	for _, it := range items {
		payload, err := e.itemPayload(ctx, it, now)
		if err != nil {
			return model.ItemsPage{}, err
		}
		page.Items = append(page.Items, payload)
	}

	if len(items) == limit {
		last := items[len(items)-1]
		token, err := e.codec.Encode(cursor.ViewItems, model.ItemKey{SortKey: last.SortKey, ItemID: last.ID}, now)
		if err != nil {
			return model.ItemsPage{}, fmt.Errorf("query: encode cursor: %w", err)
		}
		page.NextCursor = token
	}
	return page, nil
}

// GetItem returns one item with resolved URLs.
func (e *Engine) GetItem(ctx context.Context, projectID, itemID uuid.UUID) (model.ItemPayload, error) {
	it, err := e.store.GetItem(ctx, projectID, itemID)
	if err != nil {
		return model.ItemPayload{}, err
	}
	return e.itemPayload(ctx, it, clock.NowMS())
}

// RefreshItemURL re-signs the item's primary media URL.
func (e *Engine) RefreshItemURL(ctx context.Context, projectID, itemID uuid.UUID) (model.RefreshURLResponse, error) {
	it, err := e.store.GetItem(ctx, projectID, itemID)
	if err != nil {
		return model.RefreshURLResponse{}, err
	}
	r, err := e.resolver.Resolve(ctx, it.URI, e.urlTTL, clock.NowMS())
	if err != nil {
		return model.RefreshURLResponse{}, fmt.Errorf("query: resolve url: %w", err)
	}
	return model.RefreshURLResponse{URL: r.URL, ExpiresAt: r.ExpiresAt}, nil
}

// RefreshVariantURL re-signs one variant's media URL, addressed by its
// variant key.
func (e *Engine) RefreshVariantURL(ctx context.Context, projectID, itemID uuid.UUID, variantKey string) (model.RefreshURLResponse, error) {
	it, err := e.store.GetItem(ctx, projectID, itemID)
	if err != nil {
		return model.RefreshURLResponse{}, err
	}
	for _, v := range it.Variants {
		if v.VariantKey != variantKey {
			continue
		}
		r, err := e.resolver.Resolve(ctx, v.URI, e.urlTTL, clock.NowMS())
		if err != nil {
			return model.RefreshURLResponse{}, fmt.Errorf("query: resolve url: %w", err)
		}
		return model.RefreshURLResponse{URL: r.URL, ExpiresAt: r.ExpiresAt}, nil
	}
	return model.RefreshURLResponse{}, storage.ErrNotFound
}

// ListDecisions returns one page of the caller's latest decisions.
func (e *Engine) ListDecisions(ctx context.Context, projectID uuid.UUID, userID, cursorToken string, limit int) (model.DecisionsPage, error) {
	now := clock.NowMS()
	limit = ClampLimit(limit, DefaultDecisionLimit, MaxDecisionLimit)

	var after *model.DecisionKey
	if cursorToken != "" {
		var key model.DecisionKey
		if err := e.codec.Decode(cursor.ViewDecisions, cursorToken, now, &key); err != nil {
			return model.DecisionsPage{}, ErrInvalidCursor
		}
		after = &key
	}

	rows, err := e.store.ListLatest(ctx, projectID, userID, after, limit)
	if err != nil {
		return model.DecisionsPage{}, fmt.Errorf("query: list decisions: %w", err)
	}

	page := model.DecisionsPage{Decisions: make([]model.DecisionPayload, 0, len(rows))}
	for _, d := range rows {
		page.Decisions = append(page.Decisions, model.DecisionPayload{
			ItemID:     d.ItemID.String(),
			UserID:     d.UserID,
			DecisionID: d.DecisionID,
			Note:       d.Note,
			EventID:    d.EventID.String(),
			TSClient:   d.TSClient,
			TSServer:   d.TSServer,
		})
	}

	if len(rows) == limit {
		last := rows[len(rows)-1]
		token, err := e.codec.Encode(cursor.ViewDecisions, model.DecisionKey{TSServer: last.TSServer, ItemID: last.ItemID}, now)
		if err != nil {
			return model.DecisionsPage{}, fmt.Errorf("query: encode cursor: %w", err)
		}
		page.NextCursor = token
	}
	return page, nil
}

func (e *Engine) itemPayload(ctx context.Context, it model.Item, nowMS int64) (model.ItemPayload, error) {
	resolved, err := e.resolver.Resolve(ctx, it.URI, e.urlTTL, nowMS)
	if err != nil {
		return model.ItemPayload{}, fmt.Errorf("query: resolve url: %w", err)
	}
	payload := model.ItemPayload{
		ID:         it.ID.String(),
		ExternalID: it.ExternalID,
		MediaType:  it.MediaType,
		URL:        resolved.URL,
		ExpiresAt:  resolved.ExpiresAt,
		SortKey:    it.SortKey,
		Metadata:   it.Metadata,
		CreatedAt:  it.CreatedAt,
		Variants:   make([]model.VariantPayload, 0, len(it.Variants)),
	}
	for _, v := range it.Variants {
		rv, err := e.resolver.Resolve(ctx, v.URI, e.urlTTL, nowMS)
		if err != nil {
			return model.ItemPayload{}, fmt.Errorf("query: resolve variant url: %w", err)
		}
		payload.Variants = append(payload.Variants, model.VariantPayload{
			ID:        v.ID.String(),
			Key:       v.VariantKey,
			Label:     v.Label,
			URL:       rv.URL,
			ExpiresAt: rv.ExpiresAt,
			SortOrder: v.SortOrder,
			Metadata:  v.Metadata,
		})
	}
	return payload, nil
}
