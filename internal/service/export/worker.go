package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/triagedeck/triagedeck/internal/clock"
	"github.com/triagedeck/triagedeck/internal/model"
	"github.com/triagedeck/triagedeck/internal/storage"
)

// WorkerOptions tune the artifact pipeline.
type WorkerOptions struct {
	Dir          string
	Workers      int
	PollInterval time.Duration
	ChunkSize    int
	MaxRows      int64
	MaxBytes     int64
	ArtifactTTL  time.Duration
}

// Worker claims queued jobs and materializes artifacts.
type Worker struct {
	store  storage.Store
	logger *slog.Logger
	opts   WorkerOptions
}

// NewWorker builds the worker pool runner.
func NewWorker(store storage.Store, logger *slog.Logger, opts WorkerOptions) *Worker {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.ChunkSize < 1 {
		opts.ChunkSize = 1000
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Worker{store: store, logger: logger, opts: opts}
}

// Run blocks, polling for jobs across a pool of workers, until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("export: create artifact dir: %w", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Workers; i++ {
		g.Go(func() error { return w.loop(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		// Drain the queue before sleeping.
		for {
			job, ok, err := w.store.ClaimNextExportJob(ctx, clock.NowMS())
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Error("export claim failed", "error", err)
				break
			}
			if !ok {
				break
			}
			w.process(ctx, job)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// errCancelled aborts streaming when a cancel request is observed.
var errCancelled = errors.New("export: cancel requested")

// errLimit aborts streaming when the artifact would exceed row/byte caps.
var errLimit = errors.New("export: size limit exceeded")

func (w *Worker) process(ctx context.Context, job model.ExportJob) {
	start := time.Now()
	log := w.logger.With("export_id", job.ID, "project_id", job.ProjectID, "format", job.Format)
	log.Info("export started", "snapshot_at", job.SnapshotAt)

	err := w.build(ctx, job)
	switch {
	case err == nil:
		log.Info("export ready", "took_ms", time.Since(start).Milliseconds())
	case errors.Is(err, errCancelled), errors.Is(err, storage.ErrConflict):
		// Cancel won the race; the artifact was discarded.
		w.fail(ctx, job, model.CodeExportCancelled)
		log.Info("export cancelled", "took_ms", time.Since(start).Milliseconds())
	case errors.Is(err, errLimit):
		w.fail(ctx, job, model.CodeExportLimitExceeded)
		log.Warn("export exceeded size limits")
	case ctx.Err() != nil:
		// Shutdown mid-run. The job stays running; a restarted worker
		// cannot reclaim it, so mark it failed for the operator.
		w.fail(context.WithoutCancel(ctx), job, model.CodeInternalError)
		log.Warn("export interrupted by shutdown")
	default:
		w.fail(ctx, job, model.CodeInternalError)
		log.Error("export failed", "error", err)
	}
}

func (w *Worker) fail(ctx context.Context, job model.ExportJob, code string) {
	if err := w.store.FailExportJob(ctx, job.ID, code, clock.NowMS()); err != nil {
		w.logger.Error("export fail-mark failed", "export_id", job.ID, "error", err)
	}
}

// build streams the snapshot into a temp file, verifies limits and
// cancellation, then publishes artifact + manifest atomically via rename.
func (w *Worker) build(ctx context.Context, job model.ExportJob) error {
	// The manifest records the schema version decisions were made against.
	project, err := w.store.GetProject(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("export: load project: %w", err)
	}

	tmp, err := os.CreateTemp(w.opts.Dir, "tmp_"+job.ID.String()+"_*")
	if err != nil {
		return fmt.Errorf("export: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	counter := &countingWriter{w: tmp, max: w.opts.MaxBytes}
	ser, err := newSerializer(job.Format, counter, job.IncludeFields)
	if err != nil {
		tmp.Close()
		return err
	}

	var rows int64
	streamErr := w.store.StreamExportRows(ctx, job.ProjectID, job.Mode, job.Filters, job.SnapshotAt, func(r model.ExportRow) error {
		if rows > 0 && rows%int64(w.opts.ChunkSize) == 0 {
			status, cancelRequested, err := w.store.GetExportJobStatus(ctx, job.ID)
			if err != nil {
				return err
			}
			if cancelRequested || status != model.ExportRunning {
				return errCancelled
			}
		}
		if w.opts.MaxRows > 0 && rows >= w.opts.MaxRows {
			return errLimit
		}
		rows++
		return ser.WriteRow(r)
	})
	if streamErr == nil {
		streamErr = ser.Close()
	}
	if closeErr := tmp.Close(); streamErr == nil {
		streamErr = closeErr
	}
	if streamErr != nil {
		if errors.Is(streamErr, errTooLarge) {
			return errLimit
		}
		return streamErr
	}

	sum, size, err := hashFile(tmpPath)
	if err != nil {
		return err
	}

	now := clock.NowMS()
	name := fmt.Sprintf("triagedeck_export_%s_%d.%s", job.ProjectID, job.SnapshotAt, job.Format)
	finalPath := filepath.Join(w.opts.Dir, job.ID.String()+"_"+name)
	manifest := map[string]any{
		"export_id":               job.ID.String(),
		"project_id":              job.ProjectID.String(),
		"snapshot_at":             job.SnapshotAt,
		"decision_schema_version": project.DecisionSchema.Version,
		"mode":                    string(job.Mode),
		"label_policy":            string(job.LabelPolicy),
		"format":                  string(job.Format),
		"filters":                 job.Filters,
		"include_fields":          job.IncludeFields,
		"row_count":               rows,
		"byte_size":               size,
		"sha256":                  sum,
		"file_name":               name,
		"created_at":              now,
	}

	if err := writeManifest(finalPath+".manifest.json", manifest); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(finalPath + ".manifest.json")
		return fmt.Errorf("export: publish artifact: %w", err)
	}

	expiresAt := now + w.opts.ArtifactTTL.Milliseconds()
	err = w.store.CompleteExportJob(ctx, job.ID, "file://"+finalPath, manifest, now, expiresAt)
	if errors.Is(err, storage.ErrConflict) {
		// A cancel landed between the last poll and publication.
		os.Remove(finalPath)
		os.Remove(finalPath + ".manifest.json")
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("export: complete job: %w", err)
	}
	return nil
}

func writeManifest(path string, manifest map[string]any) error {
	enc, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("export: encode manifest: %w", err)
	}
	if err := os.WriteFile(path, append(enc, '\n'), 0o644); err != nil {
		return fmt.Errorf("export: write manifest: %w", err)
	}
	return nil
}

// hashFile re-reads the published bytes so the manifest digest covers
// exactly what a downloader will see.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("export: reopen artifact: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("export: hash artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

var errTooLarge = errors.New("export: byte limit exceeded")

// countingWriter enforces the byte cap as rows are serialized.
type countingWriter struct {
	w   io.Writer
	n   int64
	max int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.max > 0 && c.n+int64(len(p)) > c.max {
		return 0, errTooLarge
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
