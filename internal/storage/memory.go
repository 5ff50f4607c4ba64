package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/triagedeck/triagedeck/internal/model"
)

// Mem is the in-memory Store used by unit tests and database-free
// development. Behavior mirrors the Postgres implementation, including
// soft-delete visibility, winner ordering, and cancel/complete races.
type Mem struct {
	mu          sync.Mutex
	projects    map[uuid.UUID]model.Project
	memberships map[uuid.UUID]map[string]model.Role
	items       map[uuid.UUID]map[uuid.UUID]model.Item
	events      map[uuid.UUID][]model.DecisionEvent
	eventKeys   map[eventKey]struct{}
	latest      map[latestKey]model.DecisionLatest
	jobs        map[uuid.UUID]model.ExportJob
	audit       []model.AuditEntry
}

type eventKey struct {
	projectID uuid.UUID
	userID    string
	eventID   uuid.UUID
}

type latestKey struct {
	projectID uuid.UUID
	userID    string
	itemID    uuid.UUID
}

var _ Store = (*Mem)(nil)

// NewMem creates an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		projects:    make(map[uuid.UUID]model.Project),
		memberships: make(map[uuid.UUID]map[string]model.Role),
		items:       make(map[uuid.UUID]map[uuid.UUID]model.Item),
		events:      make(map[uuid.UUID][]model.DecisionEvent),
		eventKeys:   make(map[eventKey]struct{}),
		latest:      make(map[latestKey]model.DecisionLatest),
		jobs:        make(map[uuid.UUID]model.ExportJob),
	}
}

// Ping always succeeds.
func (m *Mem) Ping(context.Context) error { return nil }

// Name identifies the backend in the health payload.
func (m *Mem) Name() string { return "memory" }

// AddProject installs a project. Test and seed helper.
func (m *Mem) AddProject(p model.Project) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
	if m.memberships[p.ID] == nil {
		m.memberships[p.ID] = make(map[string]model.Role)
	}
	if m.items[p.ID] == nil {
		m.items[p.ID] = make(map[uuid.UUID]model.Item)
	}
}

// UpdateProject replaces a stored project in place.
func (m *Mem) UpdateProject(p model.Project) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
}

// AddMembership grants a role. Test and seed helper.
func (m *Mem) AddMembership(projectID uuid.UUID, userID string, role model.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.memberships[projectID] == nil {
		m.memberships[projectID] = make(map[string]model.Role)
	}
	m.memberships[projectID][userID] = role
}

// AddItem installs an item (with any variants it carries). Test and seed helper.
func (m *Mem) AddItem(it model.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items[it.ProjectID] == nil {
		m.items[it.ProjectID] = make(map[uuid.UUID]model.Item)
	}
	m.items[it.ProjectID][it.ID] = it
}

// SoftDeleteItem marks an item deleted. Test helper.
func (m *Mem) SoftDeleteItem(projectID, itemID uuid.UUID, nowMS int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[projectID][itemID]; ok {
		it.DeletedAt = &nowMS
		m.items[projectID][itemID] = it
	}
}

// ListProjectsForUser returns the caller's live projects ordered by name.
func (m *Mem) ListProjectsForUser(_ context.Context, userID string) ([]Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Membership
	for pid, members := range m.memberships {
		role, ok := members[userID]
		if !ok {
			continue
		}
		p, ok := m.projects[pid]
		if !ok || p.DeletedAt != nil {
			continue
		}
		out = append(out, Membership{Project: p, Role: role})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Project.Name != out[j].Project.Name {
			return out[i].Project.Name < out[j].Project.Name
		}
		return out[i].Project.ID.String() < out[j].Project.ID.String()
	})
	return out, nil
}

// GetProject fetches a live project.
func (m *Mem) GetProject(_ context.Context, id uuid.UUID) (model.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok || p.DeletedAt != nil {
		return model.Project{}, ErrNotFound
	}
	return p, nil
}

// GetProjectRole returns RoleNone for non-members.
func (m *Mem) GetProjectRole(_ context.Context, projectID uuid.UUID, userID string) (model.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memberships[projectID][userID], nil
}

// ListItems returns one page of live items ordered (sort_key, id).
func (m *Mem) ListItems(_ context.Context, projectID uuid.UUID, after *model.ItemKey, limit int) ([]model.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []model.Item
	for _, it := range m.items[projectID] {
		if it.DeletedAt != nil {
			continue
		}
		all = append(all, it)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].SortKey != all[j].SortKey {
			return all[i].SortKey < all[j].SortKey
		}
		return all[i].ID.String() < all[j].ID.String()
	})

	var out []model.Item
	for _, it := range all {
		if after != nil {
			if it.SortKey < after.SortKey ||
				(it.SortKey == after.SortKey && it.ID.String() <= after.ItemID.String()) {
				continue
			}
		}
		out = append(out, it)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetItem fetches a live item.
func (m *Mem) GetItem(_ context.Context, projectID, itemID uuid.UUID) (model.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[projectID][itemID]
	if !ok || it.DeletedAt != nil {
		return model.Item{}, ErrNotFound
	}
	return it, nil
}

// ItemExists reports whether the item is live in the project.
func (m *Mem) ItemExists(_ context.Context, projectID, itemID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[projectID][itemID]
	return ok && it.DeletedAt == nil, nil
}

// ApplyEvent appends the event and advances the projection iff it outranks
// the incumbent.
func (m *Mem) ApplyEvent(_ context.Context, ev model.DecisionEvent) (ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ek := eventKey{ev.ProjectID, ev.UserID, ev.EventID}
	if _, dup := m.eventKeys[ek]; dup {
		return ApplyResult{Duplicate: true}, nil
	}
	m.eventKeys[ek] = struct{}{}
	m.events[ev.ProjectID] = append(m.events[ev.ProjectID], ev)

	lk := latestKey{ev.ProjectID, ev.UserID, ev.ItemID}
	if cur, ok := m.latest[lk]; !ok || ev.Outranks(cur) {
		m.latest[lk] = model.DecisionLatest{
			ProjectID: ev.ProjectID, UserID: ev.UserID, ItemID: ev.ItemID,
			EventID: ev.EventID, DecisionID: ev.DecisionID, Note: ev.Note,
			TSClient: ev.TSClient, TSClientEffective: ev.TSClientEffective,
			TSServer: ev.TSServer,
		}
	}
	return ApplyResult{}, nil
}

// ListLatest returns one page of the user's latest decisions ordered
// (ts_server, item_id).
func (m *Mem) ListLatest(_ context.Context, projectID uuid.UUID, userID string, after *model.DecisionKey, limit int) ([]model.DecisionLatest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []model.DecisionLatest
	for k, d := range m.latest {
		if k.projectID == projectID && k.userID == userID {
			all = append(all, d)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].TSServer != all[j].TSServer {
			return all[i].TSServer < all[j].TSServer
		}
		return all[i].ItemID.String() < all[j].ItemID.String()
	})

	var out []model.DecisionLatest
	for _, d := range all {
		if after != nil {
			if d.TSServer < after.TSServer ||
				(d.TSServer == after.TSServer && d.ItemID.String() <= after.ItemID.String()) {
				continue
			}
		}
		out = append(out, d)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// RebuildLatest replays the project's event log into a fresh projection.
func (m *Mem) RebuildLatest(_ context.Context, projectID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.latest {
		if k.projectID == projectID {
			delete(m.latest, k)
		}
	}
	for _, ev := range m.events[projectID] {
		lk := latestKey{projectID, ev.UserID, ev.ItemID}
		if cur, ok := m.latest[lk]; !ok || ev.Outranks(cur) {
			m.latest[lk] = model.DecisionLatest{
				ProjectID: ev.ProjectID, UserID: ev.UserID, ItemID: ev.ItemID,
				EventID: ev.EventID, DecisionID: ev.DecisionID, Note: ev.Note,
				TSClient: ev.TSClient, TSClientEffective: ev.TSClientEffective,
				TSServer: ev.TSServer,
			}
		}
	}
	n := 0
	for k := range m.latest {
		if k.projectID == projectID {
			n++
		}
	}
	return n, nil
}

// CreateExportJob inserts a queued job.
func (m *Mem) CreateExportJob(_ context.Context, job model.ExportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

// GetExportJob fetches a job scoped to its project.
func (m *Mem) GetExportJob(_ context.Context, projectID, id uuid.UUID) (model.ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.ProjectID != projectID {
		return model.ExportJob{}, ErrNotFound
	}
	return job, nil
}

// ListExportJobs returns one page of jobs, newest first.
func (m *Mem) ListExportJobs(_ context.Context, projectID uuid.UUID, onlyUser string, after *model.ExportKey, limit int) ([]model.ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []model.ExportJob
	for _, job := range m.jobs {
		if job.ProjectID != projectID {
			continue
		}
		if onlyUser != "" && job.RequestedBy != onlyUser {
			continue
		}
		all = append(all, job)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt != all[j].CreatedAt {
			return all[i].CreatedAt > all[j].CreatedAt
		}
		return all[i].ID.String() > all[j].ID.String()
	})

	var out []model.ExportJob
	for _, job := range all {
		if after != nil {
			if job.CreatedAt > after.CreatedAt ||
				(job.CreatedAt == after.CreatedAt && job.ID.String() >= after.ID.String()) {
				continue
			}
		}
		out = append(out, job)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// CountActiveExportJobs counts the user's queued and running jobs.
func (m *Mem) CountActiveExportJobs(_ context.Context, projectID uuid.UUID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, job := range m.jobs {
		if job.ProjectID == projectID && job.RequestedBy == userID &&
			(job.Status == model.ExportQueued || job.Status == model.ExportRunning) {
			n++
		}
	}
	return n, nil
}

// CancelExportJob applies the cancel transition.
func (m *Mem) CancelExportJob(_ context.Context, projectID, id uuid.UUID, nowMS int64) (model.ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.ProjectID != projectID {
		return model.ExportJob{}, ErrNotFound
	}
	switch job.Status {
	case model.ExportQueued:
		job.Status = model.ExportFailed
		job.ErrorCode = model.CodeExportCancelled
		job.CompletedAt = &nowMS
	case model.ExportRunning:
		job.CancelRequested = true
	case model.ExportFailed, model.ExportExpired:
		// Idempotent.
	default:
		return job, ErrConflict
	}
	m.jobs[id] = job
	return job, nil
}

// ClaimNextExportJob moves the oldest queued job to running.
func (m *Mem) ClaimNextExportJob(_ context.Context, nowMS int64) (model.ExportJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *model.ExportJob
	for _, job := range m.jobs {
		if job.Status != model.ExportQueued {
			continue
		}
		j := job
		if best == nil || j.CreatedAt < best.CreatedAt ||
			(j.CreatedAt == best.CreatedAt && j.ID.String() < best.ID.String()) {
			best = &j
		}
	}
	if best == nil {
		return model.ExportJob{}, false, nil
	}
	best.Status = model.ExportRunning
	best.SnapshotAt = nowMS
	m.jobs[best.ID] = *best
	return *best, true, nil
}

// CompleteExportJob publishes the artifact unless cancel won the race.
func (m *Mem) CompleteExportJob(_ context.Context, id uuid.UUID, fileURI string, manifest map[string]any, completedAt, expiresAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != model.ExportRunning || job.CancelRequested {
		return ErrConflict
	}
	job.Status = model.ExportReady
	job.FileURI = fileURI
	job.Manifest = manifest
	job.CompletedAt = &completedAt
	job.ExpiresAt = expiresAt
	m.jobs[id] = job
	return nil
}

// FailExportJob marks a running job failed with the given error code.
func (m *Mem) FailExportJob(_ context.Context, id uuid.UUID, errorCode string, completedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != model.ExportRunning {
		return nil
	}
	job.Status = model.ExportFailed
	job.ErrorCode = errorCode
	job.CompletedAt = &completedAt
	m.jobs[id] = job
	return nil
}

// GetExportJobStatus returns the job's status and cancel flag.
func (m *Mem) GetExportJobStatus(_ context.Context, id uuid.UUID) (model.ExportStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return "", false, ErrNotFound
	}
	return job.Status, job.CancelRequested, nil
}

// ExpireReadyJobs flips ready jobs past their TTL to expired.
func (m *Mem) ExpireReadyJobs(_ context.Context, nowMS int64) ([]model.ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ExportJob
	for id, job := range m.jobs {
		if job.Status == model.ExportReady && job.ExpiresAt > 0 && job.ExpiresAt <= nowMS {
			job.Status = model.ExportExpired
			m.jobs[id] = job
			out = append(out, job)
		}
	}
	return out, nil
}

// StreamExportRows streams the dataset derived from events with
// ts_server <= snapshotAt, in the export row order.
func (m *Mem) StreamExportRows(_ context.Context, projectID uuid.UUID, mode model.ExportMode, filters model.ExportFilters, snapshotAt int64, fn func(model.ExportRow) error) error {
	m.mu.Lock()

	// Winner per (user, item) within the snapshot.
	winners := make(map[latestKey]model.DecisionEvent)
	for _, ev := range m.events[projectID] {
		if ev.TSServer > snapshotAt {
			continue
		}
		lk := latestKey{projectID, ev.UserID, ev.ItemID}
		if cur, ok := winners[lk]; !ok || model.CompareRank(
			ev.TSClientEffective, ev.TSServer, ev.EventID,
			cur.TSClientEffective, cur.TSServer, cur.EventID) > 0 {
			winners[lk] = ev
		}
	}

	liveItems := make(map[uuid.UUID]model.Item)
	for id, it := range m.items[projectID] {
		if it.DeletedAt == nil {
			liveItems[id] = it
		}
	}

	var rows []model.ExportRow
	decided := make(map[uuid.UUID]bool)
	for _, ev := range winners {
		decided[ev.ItemID] = true
		it, ok := liveItems[ev.ItemID]
		if !ok {
			continue
		}
		if !matchDecisionFilters(ev, filters) || !MatchMetadata(it.Metadata, filters.Metadata) {
			continue
		}
		e := ev
		rows = append(rows, model.ExportRow{
			ItemID: it.ID, ExternalID: it.ExternalID, MediaType: it.MediaType,
			URI: it.URI, SortKey: it.SortKey, Metadata: it.Metadata,
			UserID: &e.UserID, DecisionID: &e.DecisionID, Note: &e.Note,
			TSClient: &e.TSClient, TSServer: &e.TSServer, EventID: &e.EventID,
		})
	}

	var unlabeled []model.ExportRow
	if mode == model.ModeLabelsPlusUnlabeled && !filters.DecisionScoped() {
		for _, it := range liveItems {
			if decided[it.ID] || !MatchMetadata(it.Metadata, filters.Metadata) {
				continue
			}
			unlabeled = append(unlabeled, model.ExportRow{
				ItemID: it.ID, ExternalID: it.ExternalID, MediaType: it.MediaType,
				URI: it.URI, SortKey: it.SortKey, Metadata: it.Metadata,
			})
		}
	}
	m.mu.Unlock()

	sort.Slice(unlabeled, func(i, j int) bool {
		return unlabeled[i].ItemID.String() < unlabeled[j].ItemID.String()
	})
	sort.Slice(rows, func(i, j int) bool {
		if *rows[i].TSServer != *rows[j].TSServer {
			return *rows[i].TSServer < *rows[j].TSServer
		}
		if rows[i].ItemID != rows[j].ItemID {
			return rows[i].ItemID.String() < rows[j].ItemID.String()
		}
		return *rows[i].UserID < *rows[j].UserID
	})

	for _, r := range unlabeled {
		if err := fn(r); err != nil {
			return err
		}
	}
	for _, r := range rows {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func matchDecisionFilters(ev model.DecisionEvent, f model.ExportFilters) bool {
	if len(f.DecisionIDs) > 0 {
		found := false
		for _, d := range f.DecisionIDs {
			if d == ev.DecisionID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.FromTS != nil && ev.TSServer < *f.FromTS {
		return false
	}
	if f.ToTS != nil && ev.TSServer > *f.ToTS {
		return false
	}
	if len(f.UserIDs) > 0 {
		found := false
		for _, u := range f.UserIDs {
			if u == ev.UserID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AppendAudit records one export lifecycle action.
func (m *Mem) AppendAudit(_ context.Context, e model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

// AuditEntries returns a copy of the audit log. Test helper.
func (m *Mem) AuditEntries() []model.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

// SeedDemo installs the demo org, project, members and items.
func (m *Mem) SeedDemo(_ context.Context) error {
	now := int64(1_700_000_000_000)
	orgID, projectID := SeedProject()

	m.AddProject(model.Project{
		ID: projectID, OrgID: orgID, Name: "QA Review", Slug: "qa-review",
		DecisionSchema: seedSchema(), Config: seedConfig(), CreatedAt: now,
	})
	for _, u := range SeedUsers {
		m.AddMembership(projectID, u.UserID, u.Role)
	}
	for _, it := range SeedItems(projectID, now) {
		m.AddItem(it)
	}
	return nil
}
