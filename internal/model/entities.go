// Package model defines the persisted entities and the HTTP API types for
// TriageDeck. All timestamps are Unix-epoch milliseconds (int64) so that
// ordering and skew arithmetic are exact and serialization is stable.
package model

import (
	"github.com/google/uuid"
)

// Role is a caller's role within a project.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReviewer Role = "reviewer"
	RoleViewer   Role = "viewer"

	// RoleNone means the caller is not a member of the project.
	// Non-membership surfaces as 404, never 403, to prevent enumeration.
	RoleNone Role = ""
)

// MediaType classifies an item's primary media.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaPDF   MediaType = "pdf"
	MediaOther MediaType = "other"
)

// ValidMediaType reports whether mt is one of the supported media types.
func ValidMediaType(mt MediaType) bool {
	switch mt {
	case MediaImage, MediaVideo, MediaPDF, MediaOther:
		return true
	}
	return false
}

// OrgPolicy holds the policy switches that feed the authorization matrix.
// Stored inside the project config so the matrix stays configuration-driven.
type OrgPolicy struct {
	ViewerCanExport              bool `json:"viewer_can_export"`
	ReviewerCanReadOthersExports bool `json:"reviewer_can_read_others_exports"`
}

// ProjectConfig is the reviewed-by-server portion of a project's config JSON.
type ProjectConfig struct {
	MediaTypesSupported   []string  `json:"media_types_supported"`
	VariantsEnabled       bool      `json:"variants_enabled"`
	VariantNavigationMode string    `json:"variant_navigation_mode"` // "horizontal", "vertical", or "both"
	CompareModeEnabled    bool      `json:"compare_mode_enabled"`
	MaxCompareVariants    int       `json:"max_compare_variants"`
	ExportAllowlist       []string  `json:"export_allowlist,omitempty"`
	OrgPolicy             OrgPolicy `json:"org_policy"`
	// Version is bumped on every config change; the in-process project
	// cache uses it to detect staleness inside the TTL window.
	Version int `json:"version,omitempty"`
}

// Project is a reviewing workspace. Soft-deleted projects (DeletedAt set)
// are excluded from every read path.
type Project struct {
	ID             uuid.UUID
	OrgID          uuid.UUID
	Name           string
	Slug           string
	DecisionSchema DecisionSchema
	Config         ProjectConfig
	CreatedAt      int64
	DeletedAt      *int64
}

// Item is a reviewable media item. Immutable except for soft deletion.
// URI is the logical media URI; signed URLs are derived at read time.
type Item struct {
	ID         uuid.UUID
	ProjectID  uuid.UUID
	ExternalID string
	MediaType  MediaType
	URI        string
	SortKey    string
	Metadata   map[string]any
	CreatedAt  int64
	DeletedAt  *int64

	// Variants are eagerly loaded on item reads,
	// ordered (sort_order ASC, variant_key ASC).
	Variants []ItemVariant
}

// ItemVariant is an alternate rendition of an item (e.g. before/after).
// (item_id, variant_key) is unique.
type ItemVariant struct {
	ID         uuid.UUID
	ItemID     uuid.UUID
	VariantKey string
	Label      string
	URI        string
	SortOrder  int
	Metadata   map[string]any
	CreatedAt  int64
}

// DecisionEvent is one immutable reviewer choice. Rows are append-only;
// (project_id, user_id, event_id) is the idempotency key.
type DecisionEvent struct {
	ID                uuid.UUID
	ProjectID         uuid.UUID
	UserID            string
	EventID           uuid.UUID
	ItemID            uuid.UUID
	DecisionID        string
	Note              string
	TSClient          int64
	TSClientEffective int64
	TSServer          int64
}

// DecisionLatest is the materialized winner per (project, user, item).
// Its decision fields always match the winning event bit-for-bit.
type DecisionLatest struct {
	ProjectID         uuid.UUID
	UserID            string
	ItemID            uuid.UUID
	EventID           uuid.UUID
	DecisionID        string
	Note              string
	TSClient          int64
	TSClientEffective int64
	TSServer          int64
}

// CompareRank compares two events on the same (project, user, item) under
// the winner total order: ts_client_effective, then ts_server, then the
// lexicographic order of the canonical event_id string. Returns -1, 0 or 1.
// The order is total (event IDs are unique per key), which makes ingestion
// commutative: any permutation of the same event set converges.
func CompareRank(aEff, aSrv int64, aEvent uuid.UUID, bEff, bSrv int64, bEvent uuid.UUID) int {
	switch {
	case aEff != bEff:
		if aEff > bEff {
			return 1
		}
		return -1
	case aSrv != bSrv:
		if aSrv > bSrv {
			return 1
		}
		return -1
	}
	as, bs := aEvent.String(), bEvent.String()
	switch {
	case as > bs:
		return 1
	case as < bs:
		return -1
	}
	return 0
}

// Outranks reports whether event e beats the incumbent latest row.
func (e DecisionEvent) Outranks(l DecisionLatest) bool {
	return CompareRank(e.TSClientEffective, e.TSServer, e.EventID,
		l.TSClientEffective, l.TSServer, l.EventID) > 0
}

// ItemKey is the keyset-pagination position in the items view,
// ordered (sort_key ASC, item_id ASC).
type ItemKey struct {
	SortKey string    `json:"sort_key"`
	ItemID  uuid.UUID `json:"item_id"`
}

// DecisionKey is the position in the decisions view,
// ordered (ts_server ASC, item_id ASC).
type DecisionKey struct {
	TSServer int64     `json:"ts_server"`
	ItemID   uuid.UUID `json:"item_id"`
}

// ExportKey is the position in the exports view,
// ordered (created_at DESC, id DESC).
type ExportKey struct {
	CreatedAt int64     `json:"created_at"`
	ID        uuid.UUID `json:"id"`
}

// AuditEntry records an export lifecycle action for the audit log.
type AuditEntry struct {
	RequestID string
	ProjectID uuid.UUID
	UserID    string
	ExportID  uuid.UUID
	Action    string // "export_created", "export_cancelled", "download_url_issued"
	CreatedAt int64
}
