// Package ingest applies decision-event batches: validation, skew
// clamping, idempotent apply, and the per-batch counters.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/triagedeck/triagedeck/internal/clock"
	"github.com/triagedeck/triagedeck/internal/model"
	"github.com/triagedeck/triagedeck/internal/storage"
)

// ErrBatchTooLarge rejects a whole request whose batch exceeds the cap.
var ErrBatchTooLarge = errors.New("ingest: batch exceeds maximum size")

// Engine validates and applies event batches.
type Engine struct {
	store  storage.Store
	skew   time.Duration
	logger *slog.Logger
}

// New creates an ingest engine. skew is the clamp window around server time.
func New(store storage.Store, skew time.Duration, logger *slog.Logger) *Engine {
	return &Engine{store: store, skew: skew, logger: logger}
}

const (
	statusAccepted  = "accepted"
	statusDuplicate = "duplicate"
	statusRejected  = "rejected"
)

// Ingest applies one batch for the caller. Every event gets an
// index-aligned result; a rejected event never blocks its neighbors. One
// server timestamp is assigned for the whole batch so a replayed batch is
// internally consistent.
func (e *Engine) Ingest(ctx context.Context, project model.Project, userID string, req model.IngestRequest) (model.IngestResponse, error) {
	if len(req.Events) > model.MaxIngestBatch {
		return model.IngestResponse{}, ErrBatchTooLarge
	}

	serverTS := clock.NowMS()
	resp := model.IngestResponse{
		ClientID:  req.ClientID,
		SessionID: req.SessionID,
		ServerTS:  serverTS,
		Results:   make([]model.EventResult, 0, len(req.Events)),
	}

	for _, in := range req.Events {
		result := e.applyOne(ctx, project, userID, in, serverTS)
		switch result.Status {
		case statusAccepted:
			resp.Accepted++
		case statusDuplicate:
			resp.Duplicate++
		case statusRejected:
			resp.Rejected++
		}
		resp.Results = append(resp.Results, result)
	}
	resp.Acked = resp.Accepted + resp.Duplicate

	e.logger.Info("events ingested",
		"project_id", project.ID,
		"user_id", userID,
		"accepted", resp.Accepted,
		"duplicate", resp.Duplicate,
		"rejected", resp.Rejected,
	)
	return resp, nil
}

func (e *Engine) applyOne(ctx context.Context, project model.Project, userID string, in model.EventInput, serverTS int64) model.EventResult {
	reject := func(code string) model.EventResult {
		return model.EventResult{EventID: in.EventID, Status: statusRejected, ErrorCode: code}
	}

	eventID, err := uuid.Parse(in.EventID)
	if err != nil {
		return reject(model.CodeInvalidEventID)
	}

	itemID, err := uuid.Parse(in.ItemID)
	if err != nil {
		return reject(model.CodeUnknownItem)
	}
	exists, err := e.store.ItemExists(ctx, project.ID, itemID)
	if err != nil {
		e.logger.Error("item lookup failed", "error", err, "item_id", in.ItemID)
		return reject(model.CodeInternalError)
	}
	if !exists {
		return reject(model.CodeUnknownItem)
	}

	if !project.DecisionSchema.HasChoice(in.DecisionID) {
		return reject(model.CodeInvalidDecisionID)
	}

	if in.Note != "" {
		if !project.DecisionSchema.AllowNotes || len(in.Note) > model.MaxNoteLen {
			return reject(model.CodeInvalidNote)
		}
	}

	ev := model.DecisionEvent{
		ID:                uuid.New(),
		ProjectID:         project.ID,
		UserID:            userID,
		EventID:           eventID,
		ItemID:            itemID,
		DecisionID:        in.DecisionID,
		Note:              in.Note,
		TSClient:          in.TSClient,
		TSClientEffective: clock.Clamp(in.TSClient, serverTS, e.skew),
		TSServer:          serverTS,
	}

	var res storage.ApplyResult
	err = storage.WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		var applyErr error
		res, applyErr = e.store.ApplyEvent(ctx, ev)
		return applyErr
	})
	if err != nil {
		e.logger.Error("apply event failed", "error", fmt.Errorf("ingest: %w", err), "event_id", in.EventID)
		return reject(model.CodeInternalError)
	}
	if res.Duplicate {
		return model.EventResult{EventID: in.EventID, Status: statusDuplicate}
	}
	return model.EventResult{EventID: in.EventID, Status: statusAccepted}
}
