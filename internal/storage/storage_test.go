package storage_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/triagedeck/triagedeck/internal/model"
	"github.com/triagedeck/triagedeck/internal/storage"
)

// testDB holds a shared test database connection for all tests in this file.
// The container harness runs only when TRIAGEDECK_INTEGRATION=1; everything
// else in this package tests against the in-memory store.
var testDB *storage.DB

func TestMain(m *testing.M) {
	if os.Getenv("TRIAGEDECK_INTEGRATION") != "1" {
		os.Exit(m.Run())
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "triagedeck",
			"POSTGRES_PASSWORD": "triagedeck",
			"POSTGRES_DB":       "triagedeck",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://triagedeck:triagedeck@%s:%s/triagedeck?sslmode=disable", host, port.Port())

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	testDB, err = storage.New(ctx, dsn, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	if err := testDB.RunMigrations(ctx, os.DirFS("../../migrations")); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}
	if err := testDB.SeedDemo(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func requireIntegration(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("set TRIAGEDECK_INTEGRATION=1 to run Postgres-backed tests")
	}
}

const pgBaseTS = int64(1_700_000_000_000)

func pgEvent(projectID, itemID uuid.UUID, user, decision string, eff, srv int64) model.DecisionEvent {
	return model.DecisionEvent{
		ID: uuid.New(), ProjectID: projectID, UserID: user, EventID: uuid.New(),
		ItemID: itemID, DecisionID: decision,
		TSClient: eff, TSClientEffective: eff, TSServer: srv,
	}
}

func TestPGSeedAndMembership(t *testing.T) {
	requireIntegration(t)
	ctx := context.Background()
	_, pid := storage.SeedProject()

	p, err := testDB.GetProject(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "qa-review", p.Slug)
	assert.True(t, p.DecisionSchema.HasChoice("pass"))

	role, err := testDB.GetProjectRole(ctx, pid, "dev-reviewer")
	require.NoError(t, err)
	assert.Equal(t, model.RoleReviewer, role)

	role, err = testDB.GetProjectRole(ctx, pid, "stranger")
	require.NoError(t, err)
	assert.Equal(t, model.RoleNone, role)

	ms, err := testDB.ListProjectsForUser(ctx, "dev-admin")
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, model.RoleAdmin, ms[0].Role)
}

func TestPGListItems(t *testing.T) {
	requireIntegration(t)
	ctx := context.Background()
	_, pid := storage.SeedProject()

	page1, err := testDB.ListItems(ctx, pid, nil, 12)
	require.NoError(t, err)
	require.Len(t, page1, 12)
	require.Len(t, page1[0].Variants, 2)
	assert.Equal(t, "before", page1[0].Variants[0].VariantKey)

	last := page1[len(page1)-1]
	page2, err := testDB.ListItems(ctx, pid, &model.ItemKey{SortKey: last.SortKey, ItemID: last.ID}, 12)
	require.NoError(t, err)
	require.Len(t, page2, 8)
	assert.Greater(t, page2[0].SortKey, last.SortKey)
}

func TestPGApplyEventAndRebuild(t *testing.T) {
	requireIntegration(t)
	ctx := context.Background()
	_, pid := storage.SeedProject()
	items, err := testDB.ListItems(ctx, pid, nil, 2)
	require.NoError(t, err)

	user := "pg-user-" + uuid.NewString()

	ev := pgEvent(pid, items[0].ID, user, "pass", pgBaseTS, pgBaseTS+1)
	res, err := testDB.ApplyEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	res, err = testDB.ApplyEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	// A stale event must not displace the winner.
	stale := pgEvent(pid, items[0].ID, user, "fail", pgBaseTS-10_000, pgBaseTS+2)
	_, err = testDB.ApplyEvent(ctx, stale)
	require.NoError(t, err)

	latest, err := testDB.ListLatest(ctx, pid, user, nil, 10)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "pass", latest[0].DecisionID)
	assert.Equal(t, ev.EventID, latest[0].EventID)

	before, err := testDB.ListLatest(ctx, pid, user, nil, 100)
	require.NoError(t, err)
	_, err = testDB.RebuildLatest(ctx, pid)
	require.NoError(t, err)
	after, err := testDB.ListLatest(ctx, pid, user, nil, 100)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPGExportJobLifecycle(t *testing.T) {
	requireIntegration(t)
	ctx := context.Background()
	_, pid := storage.SeedProject()

	job := model.ExportJob{
		ID: uuid.New(), ProjectID: pid, RequestedBy: "pg-exporter",
		Status: model.ExportQueued, Mode: model.ModeLabelsOnly,
		LabelPolicy: model.PolicyLatestPerUser, Format: model.FormatJSONL,
		IncludeFields: []string{"item_id", "decision_id"},
		CreatedAt:     pgBaseTS,
	}
	require.NoError(t, testDB.CreateExportJob(ctx, job))

	n, err := testDB.CountActiveExportJobs(ctx, pid, "pg-exporter")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, ok, err := testDB.ClaimNextExportJob(ctx, pgBaseTS+10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, model.ExportRunning, claimed.Status)
	assert.Equal(t, pgBaseTS+10, claimed.SnapshotAt)

	manifest := map[string]any{"row_count": float64(0)}
	require.NoError(t, testDB.CompleteExportJob(ctx, job.ID, "file:///tmp/x.jsonl", manifest, pgBaseTS+20, pgBaseTS+1000))

	got, err := testDB.GetExportJob(ctx, pid, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExportReady, got.Status)
	assert.Equal(t, "file:///tmp/x.jsonl", got.FileURI)
	assert.Equal(t, manifest, got.Manifest)

	_, err = testDB.CancelExportJob(ctx, pid, job.ID, pgBaseTS+30)
	assert.ErrorIs(t, err, storage.ErrConflict)

	expired, err := testDB.ExpireReadyJobs(ctx, pgBaseTS+2000)
	require.NoError(t, err)
	found := false
	for _, e := range expired {
		if e.ID == job.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestPGStreamExportRowsSnapshot(t *testing.T) {
	requireIntegration(t)
	ctx := context.Background()
	_, pid := storage.SeedProject()
	items, err := testDB.ListItems(ctx, pid, nil, 3)
	require.NoError(t, err)

	user := "pg-stream-" + uuid.NewString()
	_, err = testDB.ApplyEvent(ctx, pgEvent(pid, items[0].ID, user, "pass", pgBaseTS, pgBaseTS+1))
	require.NoError(t, err)
	_, err = testDB.ApplyEvent(ctx, pgEvent(pid, items[1].ID, user, "fail", pgBaseTS, pgBaseTS+2))
	require.NoError(t, err)

	snapshot := pgBaseTS + 5
	filters := model.ExportFilters{UserIDs: []string{user}}
	var rows []model.ExportRow
	require.NoError(t, testDB.StreamExportRows(ctx, pid, model.ModeLabelsOnly, filters, snapshot, func(r model.ExportRow) error {
		rows = append(rows, r)
		return nil
	}))
	require.Len(t, rows, 2)
	assert.Equal(t, "pass", *rows[0].DecisionID)
	assert.Equal(t, "fail", *rows[1].DecisionID)

	// Later ingestion is invisible to the snapshot.
	_, err = testDB.ApplyEvent(ctx, pgEvent(pid, items[2].ID, user, "pass", pgBaseTS, snapshot+100))
	require.NoError(t, err)

	var again []model.ExportRow
	require.NoError(t, testDB.StreamExportRows(ctx, pid, model.ModeLabelsOnly, filters, snapshot, func(r model.ExportRow) error {
		again = append(again, r)
		return nil
	}))
	assert.Equal(t, len(rows), len(again))
}
