package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triagedeck/triagedeck/internal/auth"
	"github.com/triagedeck/triagedeck/internal/cursor"
	"github.com/triagedeck/triagedeck/internal/model"
	"github.com/triagedeck/triagedeck/internal/projcache"
	"github.com/triagedeck/triagedeck/internal/ratelimit"
	"github.com/triagedeck/triagedeck/internal/resolver"
	exportsvc "github.com/triagedeck/triagedeck/internal/service/export"
	"github.com/triagedeck/triagedeck/internal/service/ingest"
	"github.com/triagedeck/triagedeck/internal/service/query"
	"github.com/triagedeck/triagedeck/internal/storage"
)

type testEnv struct {
	server *Server
	mem    *storage.Mem
	pid    uuid.UUID
}

func newTestEnv(t *testing.T, mutate func(cfg *Config)) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	mem := storage.NewMem()
	require.NoError(t, mem.SeedDemo(ctx))
	_, pid := storage.SeedProject()

	codec, err := cursor.NewCodec([]byte("test-secret"), 7*24*time.Hour)
	require.NoError(t, err)
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	projects := projcache.New(mem, time.Minute)
	t.Cleanup(projects.Close)

	res := resolver.Identity{}
	cfg := Config{
		Store:           mem,
		Projects:        projects,
		JWTMgr:          jwtMgr,
		Ingest:          ingest.New(mem, 24*time.Hour, logger),
		Query:           query.New(mem, codec, res, 15*time.Minute),
		Exports:         exportsvc.NewController(mem, codec, res, logger, 2, nil, 15*time.Minute),
		Limiter:         ratelimit.NoopLimiter{},
		Logger:          logger,
		EventsPerMinute: 60,
		ReadsPerMinute:  600,
		DevAuth:         true,
		MaxBodyBytes:    1 << 20,
		Version:         "test",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &testEnv{server: New(cfg), mem: mem, pid: pid}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[model.ErrorBody](t, rec).Error.Code
}

func TestHealthOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[model.HealthResponse](t, rec)
	assert.True(t, resp.OK)
	assert.Equal(t, "memory", resp.Store)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/v1/projects", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, model.CodeUnauthorized, errorCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestBearerToken(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/auth/token", "", map[string]string{"user_id": "dev-admin"})
	require.Equal(t, http.StatusOK, rec.Code)
	token := decodeBody[map[string]any](t, rec)["token"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	out := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)

	req.Header.Set("Authorization", "Bearer not-a-token")
	out = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(out, req)
	assert.Equal(t, http.StatusUnauthorized, out.Code)
}

func TestProjectsList(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/v1/projects", "dev-reviewer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[model.ProjectsResponse](t, rec)
	require.Len(t, resp.Projects, 1)
	assert.Equal(t, model.RoleReviewer, resp.Projects[0].Role)
}

func TestNonMemberReadsNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	base := "/api/v1/projects/" + env.pid.String()

	// Unknown caller, unknown project id, and malformed project id all
	// read identically.
	for _, path := range []string{
		base + "/items",
		"/api/v1/projects/" + uuid.New().String() + "/items",
		"/api/v1/projects/not-a-uuid/items",
	} {
		rec := env.do(t, http.MethodGet, path, "stranger", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, model.CodeNotFound, errorCode(t, rec), path)
	}
}

func TestProjectConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/v1/projects/"+env.pid.String()+"/config", "dev-viewer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[model.ConfigResponse](t, rec)
	assert.Equal(t, 1, resp.DecisionSchema.Version)
	assert.NotEmpty(t, resp.DecisionSchema.Choices)
	assert.Equal(t, 2, resp.MaxCompareVariants)
}

func TestItemsPagingEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	base := "/api/v1/projects/" + env.pid.String() + "/items"

	var seen int
	cursorToken := ""
	for {
		path := base + "?limit=8"
		if cursorToken != "" {
			path += "&cursor=" + cursorToken
		}
		rec := env.do(t, http.MethodGet, path, "dev-viewer", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		page := decodeBody[model.ItemsPage](t, rec)
		seen += len(page.Items)
		if page.NextCursor == "" {
			break
		}
		cursorToken = page.NextCursor
	}
	assert.Equal(t, 20, seen)

	rec := env.do(t, http.MethodGet, base+"?cursor=forged", "dev-viewer", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.CodeInvalidCursor, errorCode(t, rec))
}

func TestRefreshURLVariants(t *testing.T) {
	env := newTestEnv(t, nil)
	items, err := env.mem.ListItems(context.Background(), env.pid, nil, 1)
	require.NoError(t, err)
	base := fmt.Sprintf("/api/v1/projects/%s/items/%s/url", env.pid, items[0].ID)

	rec := env.do(t, http.MethodGet, base, "dev-viewer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, items[0].URI, decodeBody[model.RefreshURLResponse](t, rec).URL)

	rec = env.do(t, http.MethodGet, base+"?variant_key=after", "dev-viewer", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, base+"?variant_key=nope", "dev-viewer", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestRoleAndCounters(t *testing.T) {
	env := newTestEnv(t, nil)
	path := "/api/v1/projects/" + env.pid.String() + "/events"
	items, err := env.mem.ListItems(context.Background(), env.pid, nil, 2)
	require.NoError(t, err)

	// Viewers are read-only.
	rec := env.do(t, http.MethodPost, path, "dev-viewer", model.IngestRequest{})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, model.CodeForbidden, errorCode(t, rec))

	dup := uuid.New().String()
	req := model.IngestRequest{ClientID: "client-a", SessionID: "sess-1", Events: []model.EventInput{
		{EventID: dup, ItemID: items[0].ID.String(), DecisionID: "pass", TSClient: 1000},
		{EventID: dup, ItemID: items[0].ID.String(), DecisionID: "pass", TSClient: 1000},
		{EventID: uuid.New().String(), ItemID: items[1].ID.String(), DecisionID: "bogus", TSClient: 1000},
	}}
	rec = env.do(t, http.MethodPost, path, "dev-reviewer", req)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[model.IngestResponse](t, rec)
	assert.Equal(t, "client-a", resp.ClientID)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, 2, resp.Acked)
	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, 1, resp.Duplicate)
	assert.Equal(t, 1, resp.Rejected)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, model.CodeInvalidDecisionID, resp.Results[2].ErrorCode)
}

func TestIngestBatchTooLarge(t *testing.T) {
	env := newTestEnv(t, nil)
	path := "/api/v1/projects/" + env.pid.String() + "/events"

	req := model.IngestRequest{ClientID: "c1", SessionID: "s1",
		Events: make([]model.EventInput, model.MaxIngestBatch+1)}
	rec := env.do(t, http.MethodPost, path, "dev-reviewer", req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, model.CodeValidationError, errorCode(t, rec))
}

func TestIngestRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Limiter = limiter
		cfg.EventsPerMinute = 2
	})
	t.Cleanup(func() { _ = limiter.Close() })
	path := "/api/v1/projects/" + env.pid.String() + "/events"

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, path, "dev-reviewer", model.IngestRequest{})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := env.do(t, http.MethodPost, path, "dev-reviewer", model.IngestRequest{})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, model.CodeRateLimited, errorCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Admins bypass the ceiling.
	rec = env.do(t, http.MethodPost, path, "dev-admin", model.IngestRequest{})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDecisionsCallerScoped(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	items, err := env.mem.ListItems(ctx, env.pid, nil, 1)
	require.NoError(t, err)
	_, err = env.mem.ApplyEvent(ctx, model.DecisionEvent{
		ID: uuid.New(), ProjectID: env.pid, UserID: "dev-reviewer", EventID: uuid.New(),
		ItemID: items[0].ID, DecisionID: "pass",
		TSClient: 1000, TSClientEffective: 1000, TSServer: 1000,
	})
	require.NoError(t, err)
	path := "/api/v1/projects/" + env.pid.String() + "/decisions"

	rec := env.do(t, http.MethodGet, path, "dev-reviewer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[model.DecisionsPage](t, rec).Decisions, 1)

	rec = env.do(t, http.MethodGet, path, "dev-admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[model.DecisionsPage](t, rec).Decisions)
}

func TestRebuildAdminOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	path := "/api/v1/projects/" + env.pid.String() + "/decisions/rebuild"

	rec := env.do(t, http.MethodPost, path, "dev-reviewer", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, path, "dev-admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeBody[model.RebuildResponse](t, rec).Rebuilt)
}

func TestExportLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	base := "/api/v1/projects/" + env.pid.String() + "/exports"
	body := model.CreateExportRequest{Format: model.FormatJSONL}

	rec := env.do(t, http.MethodPost, base, "dev-reviewer", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	created := decodeBody[model.ExportPayload](t, rec)
	assert.Equal(t, model.ExportQueued, created.Status)

	// Unknown fields in the body are rejected.
	rec = env.do(t, http.MethodPost, base, "dev-reviewer", map[string]any{"format": "jsonl", "surprise": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Invalid format maps to 422.
	rec = env.do(t, http.MethodPost, base, "dev-admin", model.CreateExportRequest{Format: "xml"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, model.CodeValidationError, errorCode(t, rec))

	// Per-user active cap: second create fine, third 429.
	rec = env.do(t, http.MethodPost, base, "dev-reviewer", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = env.do(t, http.MethodPost, base, "dev-reviewer", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, model.CodeRateLimited, errorCode(t, rec))

	// Other reviewers cannot see the job.
	rec = env.do(t, http.MethodGet, base+"/"+created.ID, "dev-admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env.mem.AddMembership(env.pid, "other-reviewer", model.RoleReviewer)
	rec = env.do(t, http.MethodGet, base+"/"+created.ID, "other-reviewer", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Cancel is idempotent over DELETE and lands in failed/export_cancelled.
	rec = env.do(t, http.MethodDelete, base+"/"+created.ID, "dev-reviewer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cancelled := decodeBody[model.ExportPayload](t, rec)
	assert.Equal(t, model.ExportFailed, cancelled.Status)
	assert.Equal(t, model.CodeExportCancelled, cancelled.ErrorCode)
	rec = env.do(t, http.MethodDelete, base+"/"+created.ID, "dev-reviewer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestExportExpiredGone(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	job := model.ExportJob{
		ID: uuid.New(), ProjectID: env.pid, RequestedBy: "dev-reviewer",
		Status: model.ExportQueued, Mode: model.ModeLabelsOnly,
		LabelPolicy: model.PolicyLatestPerUser, Format: model.FormatJSONL,
		IncludeFields: model.DefaultIncludeFields, CreatedAt: 1000,
	}
	require.NoError(t, env.mem.CreateExportJob(ctx, job))
	_, ok, err := env.mem.ClaimNextExportJob(ctx, 2000)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, env.mem.CompleteExportJob(ctx, job.ID, "file:///tmp/gone", nil, 3000, 4000))
	_, err = env.mem.ExpireReadyJobs(ctx, 5000)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet,
		"/api/v1/projects/"+env.pid.String()+"/exports/"+job.ID.String(), "dev-reviewer", nil)
	require.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, model.CodeExportExpired, errorCode(t, rec))
}

func TestViewerExportPolicy(t *testing.T) {
	env := newTestEnv(t, nil)
	base := "/api/v1/projects/" + env.pid.String() + "/exports"
	body := model.CreateExportRequest{Format: model.FormatCSV}

	rec := env.do(t, http.MethodPost, base, "dev-viewer", body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Flip the org policy; a fresh server picks it up.
	project, err := env.mem.GetProject(context.Background(), env.pid)
	require.NoError(t, err)
	project.Config.OrgPolicy.ViewerCanExport = true
	project.Config.Version++

	env2 := newTestEnv(t, nil)
	env2.mem.UpdateProject(project)
	rec = env2.do(t, http.MethodPost, base, "dev-viewer", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
