package export

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/triagedeck/triagedeck/internal/clock"
	"github.com/triagedeck/triagedeck/internal/storage"
)

// Sweeper expires ready exports past their TTL and deletes their artifacts.
type Sweeper struct {
	store    storage.Store
	logger   *slog.Logger
	interval time.Duration
}

// NewSweeper builds the TTL sweeper.
func NewSweeper(store storage.Store, logger *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{store: store, logger: logger, interval: interval}
}

// Run blocks, sweeping on a ticker until ctx ends. One sweep runs
// immediately at startup to catch jobs that expired while down.
func (s *Sweeper) Run(ctx context.Context) error {
	s.Sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.store.ExpireReadyJobs(ctx, clock.NowMS())
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("export expiry sweep failed", "error", err)
		}
		return
	}
	for _, job := range expired {
		path := strings.TrimPrefix(job.FileURI, "file://")
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("expired artifact removal failed", "export_id", job.ID, "error", err)
		}
		if err := os.Remove(path + ".manifest.json"); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("expired manifest removal failed", "export_id", job.ID, "error", err)
		}
		s.logger.Info("export expired", "export_id", job.ID, "project_id", job.ProjectID)
	}
}
