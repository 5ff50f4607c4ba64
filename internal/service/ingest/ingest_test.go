package ingest

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triagedeck/triagedeck/internal/model"
	"github.com/triagedeck/triagedeck/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func setup(t *testing.T) (*Engine, *storage.Mem, model.Project, []model.Item) {
	t.Helper()
	ctx := context.Background()
	mem := storage.NewMem()
	require.NoError(t, mem.SeedDemo(ctx))
	_, pid := storage.SeedProject()
	project, err := mem.GetProject(ctx, pid)
	require.NoError(t, err)
	items, err := mem.ListItems(ctx, pid, nil, 20)
	require.NoError(t, err)
	return New(mem, 24*time.Hour, testLogger()), mem, project, items
}

func input(itemID uuid.UUID, decision string) model.EventInput {
	return model.EventInput{
		EventID:    uuid.NewString(),
		ItemID:     itemID.String(),
		DecisionID: decision,
		TSClient:   time.Now().UnixMilli(),
	}
}

func TestIngestMixedBatch(t *testing.T) {
	eng, _, project, items := setup(t)
	ctx := context.Background()

	dup := input(items[0].ID, "pass")
	req := model.IngestRequest{Events: []model.EventInput{
		dup,
		dup, // same event id again
		{EventID: "not-a-uuid", ItemID: items[1].ID.String(), DecisionID: "pass"},
		{EventID: uuid.NewString(), ItemID: uuid.NewString(), DecisionID: "pass"},
		{EventID: uuid.NewString(), ItemID: items[1].ID.String(), DecisionID: "nonsense"},
		input(items[2].ID, "fail"),
	}}

	resp, err := eng.Ingest(ctx, project, "dev-reviewer", req)
	require.NoError(t, err)

	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 1, resp.Duplicate)
	assert.Equal(t, 3, resp.Rejected)
	assert.Equal(t, 3, resp.Acked)
	assert.Greater(t, resp.ServerTS, int64(0))

	require.Len(t, resp.Results, 6)
	assert.Equal(t, "accepted", resp.Results[0].Status)
	assert.Equal(t, "duplicate", resp.Results[1].Status)
	assert.Equal(t, model.CodeInvalidEventID, resp.Results[2].ErrorCode)
	assert.Equal(t, model.CodeUnknownItem, resp.Results[3].ErrorCode)
	assert.Equal(t, model.CodeInvalidDecisionID, resp.Results[4].ErrorCode)
	assert.Equal(t, "accepted", resp.Results[5].Status)
}

func TestIngestReplayedBatchAllDuplicates(t *testing.T) {
	eng, mem, project, items := setup(t)
	ctx := context.Background()

	req := model.IngestRequest{Events: []model.EventInput{
		input(items[0].ID, "pass"),
		input(items[1].ID, "fail"),
	}}

	first, err := eng.Ingest(ctx, project, "u", req)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Accepted)

	replay, err := eng.Ingest(ctx, project, "u", req)
	require.NoError(t, err)
	assert.Equal(t, 0, replay.Accepted)
	assert.Equal(t, 2, replay.Duplicate)
	assert.Equal(t, 2, replay.Acked)

	latest, err := mem.ListLatest(ctx, project.ID, "u", nil, 10)
	require.NoError(t, err)
	assert.Len(t, latest, 2)
}

func TestIngestNoteValidation(t *testing.T) {
	eng, _, project, items := setup(t)
	ctx := context.Background()

	longNote := input(items[0].ID, "pass")
	longNote.Note = strings.Repeat("x", model.MaxNoteLen+1)

	okNote := input(items[1].ID, "pass")
	okNote.Note = "looks fine"

	resp, err := eng.Ingest(ctx, project, "u", model.IngestRequest{
		Events: []model.EventInput{longNote, okNote},
	})
	require.NoError(t, err)
	assert.Equal(t, model.CodeInvalidNote, resp.Results[0].ErrorCode)
	assert.Equal(t, "accepted", resp.Results[1].Status)

	// Notes disabled in the schema reject any non-empty note.
	project.DecisionSchema.AllowNotes = false
	resp, err = eng.Ingest(ctx, project, "u", model.IngestRequest{
		Events: []model.EventInput{func() model.EventInput {
			in := input(items[2].ID, "pass")
			in.Note = "nope"
			return in
		}()},
	})
	require.NoError(t, err)
	assert.Equal(t, model.CodeInvalidNote, resp.Results[0].ErrorCode)
}

func TestIngestSkewClamp(t *testing.T) {
	eng, mem, project, items := setup(t)
	ctx := context.Background()

	farFuture := input(items[0].ID, "pass")
	farFuture.TSClient = time.Now().UnixMilli() + (48 * time.Hour).Milliseconds()

	resp, err := eng.Ingest(ctx, project, "u", model.IngestRequest{
		Events: []model.EventInput{farFuture},
	})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Accepted)

	latest, err := mem.ListLatest(ctx, project.ID, "u", nil, 10)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	// Raw client time is preserved; the effective time is clamped to the
	// window boundary.
	assert.Equal(t, farFuture.TSClient, latest[0].TSClient)
	assert.Equal(t, resp.ServerTS+(24*time.Hour).Milliseconds(), latest[0].TSClientEffective)
}

func TestIngestBatchTooLarge(t *testing.T) {
	eng, _, project, items := setup(t)
	ctx := context.Background()

	events := make([]model.EventInput, model.MaxIngestBatch+1)
	for i := range events {
		events[i] = input(items[0].ID, "pass")
	}
	_, err := eng.Ingest(ctx, project, "u", model.IngestRequest{Events: events})
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestIngestOutOfOrderConvergence(t *testing.T) {
	eng, mem, project, items := setup(t)
	ctx := context.Background()

	base := time.Now().UnixMilli()
	older := input(items[0].ID, "pass")
	older.TSClient = base - 10_000
	newer := input(items[0].ID, "fail")
	newer.TSClient = base

	// Newer decision arrives first (e.g. offline queue flushed backwards).
	_, err := eng.Ingest(ctx, project, "u", model.IngestRequest{Events: []model.EventInput{newer}})
	require.NoError(t, err)
	_, err = eng.Ingest(ctx, project, "u", model.IngestRequest{Events: []model.EventInput{older}})
	require.NoError(t, err)

	latest, err := mem.ListLatest(ctx, project.ID, "u", nil, 10)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "fail", latest[0].DecisionID)
}
