package model

// Error codes carried in the error envelope and in per-event results.
// All codes are lower_snake_case strings, stable across releases.
const (
	CodeBadRequest      = "bad_request"
	CodeUnauthorized    = "unauthorized"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeValidationError = "validation_error"
	CodeRateLimited     = "rate_limited"
	CodeInternalError   = "internal_error"
	CodeInvalidCursor   = "invalid_cursor"

	// Per-event rejection codes.
	CodeInvalidEventID    = "invalid_event_id"
	CodeInvalidDecisionID = "invalid_decision_id"
	CodeInvalidNote       = "invalid_note"
	CodeUnknownItem       = "unknown_item"

	// Export-specific codes.
	CodeFieldNotAllowlisted = "field_not_allowlisted"
	CodeExportExpired       = "export_expired"
	CodeExportCancelled     = "export_cancelled"
	CodeExportLimitExceeded = "export_limit_exceeded"
	CodeExportReady         = "export_ready"
)

// ErrorBody is the wire error envelope: {"error":{code,message,details}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine code, human message and optional context.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ProjectSummary is the projects-list representation.
type ProjectSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	Role      Role   `json:"role"`
	CreatedAt int64  `json:"created_at"`
}

// ProjectsResponse wraps GET /projects.
type ProjectsResponse struct {
	Projects []ProjectSummary `json:"projects"`
}

// ConfigResponse is the project config payload the client boots from.
type ConfigResponse struct {
	Project             ProjectSummary `json:"project"`
	DecisionSchema      DecisionSchema `json:"decision_schema"`
	MediaTypesSupported []string       `json:"media_types_supported"`
	VariantsEnabled     bool           `json:"variants_enabled"`
	VariantNavigation   string         `json:"variant_navigation_mode"`
	CompareModeEnabled  bool           `json:"compare_mode_enabled"`
	MaxCompareVariants  int            `json:"max_compare_variants"`
}

// VariantPayload is an item variant with its resolved media URL.
type VariantPayload struct {
	ID        string         `json:"id"`
	Key       string         `json:"variant_key"`
	Label     string         `json:"label"`
	URL       string         `json:"url"`
	ExpiresAt int64          `json:"url_expires_at"`
	SortOrder int            `json:"sort_order"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ItemPayload is an item with eagerly resolved variants.
type ItemPayload struct {
	ID         string           `json:"id"`
	ExternalID string           `json:"external_id"`
	MediaType  MediaType        `json:"media_type"`
	URL        string           `json:"url"`
	ExpiresAt  int64            `json:"url_expires_at"`
	SortKey    string           `json:"sort_key"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	Variants   []VariantPayload `json:"variants"`
}

// ItemsPage is one page of the items view.
type ItemsPage struct {
	Items      []ItemPayload `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// RefreshURLResponse re-signs a single media URL.
type RefreshURLResponse struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"url_expires_at"`
}

// EventInput is one client-submitted decision event.
type EventInput struct {
	EventID    string `json:"event_id"`
	ItemID     string `json:"item_id"`
	DecisionID string `json:"decision_id"`
	Note       string `json:"note,omitempty"`
	TSClient   int64  `json:"ts_client"`
}

// IngestRequest is the decision-events batch body. ClientID and SessionID
// are opaque to the server: echoed in the response, never persisted.
type IngestRequest struct {
	ClientID  string       `json:"client_id"`
	SessionID string       `json:"session_id"`
	Events    []EventInput `json:"events"`
}

// MaxIngestBatch bounds the per-request event count.
const MaxIngestBatch = 200

// EventResult is the per-event outcome, index-aligned with the request.
type EventResult struct {
	EventID   string `json:"event_id"`
	Status    string `json:"status"` // accepted | duplicate | rejected
	ErrorCode string `json:"error_code,omitempty"`
}

// IngestResponse summarizes one ingest batch. The client and session
// identifiers echo the request verbatim.
type IngestResponse struct {
	ClientID  string        `json:"client_id,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Acked     int           `json:"acked"`
	Accepted  int           `json:"accepted"`
	Duplicate int           `json:"duplicate"`
	Rejected  int           `json:"rejected"`
	ServerTS  int64         `json:"server_ts"`
	Results   []EventResult `json:"results"`
}

// DecisionPayload is one latest-decision row.
type DecisionPayload struct {
	ItemID     string `json:"item_id"`
	UserID     string `json:"user_id"`
	DecisionID string `json:"decision_id"`
	Note       string `json:"note,omitempty"`
	EventID    string `json:"event_id"`
	TSClient   int64  `json:"ts_client"`
	TSServer   int64  `json:"ts_server"`
}

// DecisionsPage is one page of the caller's latest decisions.
type DecisionsPage struct {
	Decisions  []DecisionPayload `json:"decisions"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// CreateExportRequest is the export job submission body.
type CreateExportRequest struct {
	Mode          ExportMode    `json:"mode"`
	LabelPolicy   LabelPolicy   `json:"label_policy"`
	Format        ExportFormat  `json:"format"`
	Filters       ExportFilters `json:"filters"`
	IncludeFields []string      `json:"include_fields,omitempty"`
}

// ExportPayload is the export job representation.
type ExportPayload struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"project_id"`
	RequestedBy     string         `json:"requested_by"`
	Status          ExportStatus   `json:"status"`
	Mode            ExportMode     `json:"mode"`
	LabelPolicy     LabelPolicy    `json:"label_policy"`
	Format          ExportFormat   `json:"format"`
	Filters         ExportFilters  `json:"filters"`
	IncludeFields   []string       `json:"include_fields"`
	SnapshotAt      int64          `json:"snapshot_at,omitempty"`
	Manifest        map[string]any `json:"manifest,omitempty"`
	DownloadURL     string         `json:"download_url,omitempty"`
	URLExpiresAt    int64          `json:"download_url_expires_at,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
	ExpiresAt       int64          `json:"expires_at,omitempty"`
	CreatedAt       int64          `json:"created_at"`
	CompletedAt     *int64         `json:"completed_at,omitempty"`
}

// ExportsPage is one page of the exports view, newest first.
type ExportsPage struct {
	Exports    []ExportPayload `json:"exports"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// RebuildResponse reports a projection rebuild.
type RebuildResponse struct {
	Rebuilt int   `json:"rebuilt"`
	TookMS  int64 `json:"took_ms"`
}

// HealthResponse is the unauthenticated liveness payload.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	TS      int64  `json:"ts"`
	Store   string `json:"store"`
	Version string `json:"version,omitempty"`
}
