package model

import (
	"strings"

	"github.com/google/uuid"
)

// ExportStatus is the lifecycle state of an export job.
// queued → running → ready | failed; ready → expired. Cancellation ends
// in failed with error code export_cancelled.
type ExportStatus string

const (
	ExportQueued  ExportStatus = "queued"
	ExportRunning ExportStatus = "running"
	ExportReady   ExportStatus = "ready"
	ExportFailed  ExportStatus = "failed"
	ExportExpired ExportStatus = "expired"
)

// ExportFormat is the artifact serialization format.
type ExportFormat string

const (
	FormatJSONL   ExportFormat = "jsonl"
	FormatCSV     ExportFormat = "csv"
	FormatParquet ExportFormat = "parquet"
)

// ValidExportFormat reports whether f is a supported format.
func ValidExportFormat(f ExportFormat) bool {
	switch f {
	case FormatJSONL, FormatCSV, FormatParquet:
		return true
	}
	return false
}

// ExportMode selects which rows the dataset contains.
type ExportMode string

const (
	// ModeLabelsOnly emits one row per latest decision.
	ModeLabelsOnly ExportMode = "labels_only"
	// ModeLabelsPlusUnlabeled additionally emits a row per undecided item
	// with empty decision fields, unless decision-scoped filters are set.
	ModeLabelsPlusUnlabeled ExportMode = "labels_plus_unlabeled"
)

// ValidExportMode reports whether m is a supported mode.
func ValidExportMode(m ExportMode) bool {
	return m == ModeLabelsOnly || m == ModeLabelsPlusUnlabeled
}

// LabelPolicy selects which decision rows feed the dataset. Only one policy
// exists today; the worker switches on it so new policies slot in cleanly.
type LabelPolicy string

const PolicyLatestPerUser LabelPolicy = "latest_per_user"

// ValidLabelPolicy reports whether p is a supported policy.
func ValidLabelPolicy(p LabelPolicy) bool {
	return p == PolicyLatestPerUser
}

// ExportFilters narrows the dataset. All filters are conjunctive.
type ExportFilters struct {
	DecisionIDs []string          `json:"decision_ids,omitempty"`
	FromTS      *int64            `json:"from_ts,omitempty"`
	ToTS        *int64            `json:"to_ts,omitempty"`
	UserIDs     []string          `json:"user_ids,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// DecisionScoped reports whether any filter targets decisions rather than
// items. When true, labels_plus_unlabeled emits no unlabeled rows.
func (f ExportFilters) DecisionScoped() bool {
	return len(f.DecisionIDs) > 0 || f.FromTS != nil || f.ToTS != nil || len(f.UserIDs) > 0
}

// ExportJob is one export request and its artifact bookkeeping.
type ExportJob struct {
	ID              uuid.UUID
	ProjectID       uuid.UUID
	RequestedBy     string
	Status          ExportStatus
	Mode            ExportMode
	LabelPolicy     LabelPolicy
	Format          ExportFormat
	Filters         ExportFilters
	IncludeFields   []string
	SnapshotAt      int64
	Manifest        map[string]any
	FileURI         string
	ErrorCode       string
	CancelRequested bool
	ExpiresAt       int64
	CreatedAt       int64
	CompletedAt     *int64
}

// Terminal reports whether the job can no longer change state
// (other than ready → expired via the TTL sweep).
func (j ExportJob) Terminal() bool {
	switch j.Status {
	case ExportReady, ExportFailed, ExportExpired:
		return true
	}
	return false
}

// ExportRow is one dataset record before serialization. Pointer fields are
// null for unlabeled rows in labels_plus_unlabeled mode.
type ExportRow struct {
	ItemID     uuid.UUID
	ExternalID string
	MediaType  MediaType
	URI        string
	SortKey    string
	Metadata   map[string]any
	UserID     *string
	DecisionID *string
	Note       *string
	TSClient   *int64
	TSServer   *int64
	EventID    *uuid.UUID
}

// ExportableFields is the universe of exportable column names. The
// effective allowlist and include_fields must be subsets of it.
var ExportableFields = []string{
	"item_id",
	"external_id",
	"media_type",
	"uri",
	"sort_key",
	"metadata",
	"user_id",
	"decision_id",
	"note",
	"ts_client",
	"ts_server",
	"event_id",
}

// DefaultIncludeFields is used when a request omits include_fields.
var DefaultIncludeFields = []string{"item_id", "external_id", "decision_id", "note", "ts_server"}

// MetadataField reports whether name addresses a single metadata key via
// a dotted path ("metadata.<key>") and returns the key.
func MetadataField(name string) (string, bool) {
	key, ok := strings.CutPrefix(name, "metadata.")
	if !ok || key == "" {
		return "", false
	}
	return key, true
}

// ExportableField reports whether name is a known column. Dotted metadata
// paths are always known; an absent key serializes as the format's null.
func ExportableField(name string) bool {
	if _, ok := MetadataField(name); ok {
		return true
	}
	for _, f := range ExportableFields {
		if f == name {
			return true
		}
	}
	return false
}
