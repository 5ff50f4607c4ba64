package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/triagedeck/triagedeck/api"
	"github.com/triagedeck/triagedeck/internal/auth"
	"github.com/triagedeck/triagedeck/internal/config"
	"github.com/triagedeck/triagedeck/internal/cursor"
	"github.com/triagedeck/triagedeck/internal/projcache"
	"github.com/triagedeck/triagedeck/internal/ratelimit"
	"github.com/triagedeck/triagedeck/internal/resolver"
	"github.com/triagedeck/triagedeck/internal/server"
	exportsvc "github.com/triagedeck/triagedeck/internal/service/export"
	"github.com/triagedeck/triagedeck/internal/service/ingest"
	"github.com/triagedeck/triagedeck/internal/service/query"
	"github.com/triagedeck/triagedeck/internal/storage"
	"github.com/triagedeck/triagedeck/internal/telemetry"
	"github.com/triagedeck/triagedeck/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TRIAGEDECK_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("triagedeck starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Select the store. "memory" keeps everything in-process for local
	// development; anything else is a Postgres DSN.
	var store storage.Store
	if cfg.DatabaseURL == "memory" {
		logger.Warn("storage: in-memory store selected, data will not survive restarts")
		store = storage.NewMem()
	} else {
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer db.Close()

		// RunMigrations tracks applied files in schema_migrations and skips
		// duplicates, so errors here indicate real failures.
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		store = db
	}

	if cfg.DevSeed {
		if err := store.SeedDemo(ctx); err != nil {
			slog.Warn("demo seed failed", "error", err)
		} else {
			logger.Info("demo project seeded")
		}
	}

	// Cursor codec. Without a configured secret, cursors are signed with an
	// ephemeral key and expire on restart.
	secret := []byte(cfg.CursorSecret)
	if len(secret) == 0 {
		slog.Warn("no cursor secret configured, issued cursors will not survive restarts")
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("cursor secret: %w", err)
		}
	}
	codec, err := cursor.NewCodec(secret, cfg.CursorTTL)
	if err != nil {
		return fmt.Errorf("cursor: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Media URL resolver.
	var res resolver.Resolver
	switch cfg.ResolverMode {
	case "signed":
		signed, err := resolver.NewSigned([]byte(cfg.ResolverKey), cfg.ResolverHost)
		if err != nil {
			return fmt.Errorf("resolver: %w", err)
		}
		res = signed
		logger.Info("resolver: signed URLs", "ttl", cfg.SignedURLTTL)
	default:
		res = resolver.Identity{}
		logger.Info("resolver: identity passthrough")
	}

	// Project config cache (30s TTL keeps policy checks off the hot path
	// without letting config edits lag noticeably).
	projects := projcache.New(store, 30*time.Second)
	defer projects.Close()

	limiter := ratelimit.NewMemoryLimiter()
	defer func() { _ = limiter.Close() }()

	ingestEngine := ingest.New(store, cfg.SkewWindow, logger)
	queryEngine := query.New(store, codec, res, cfg.SignedURLTTL)
	exportCtrl := exportsvc.NewController(store, codec, res, logger,
		cfg.ExportPerUser, cfg.GlobalAllowlist, cfg.SignedURLTTL)

	// Export worker pool and TTL sweeper.
	worker := exportsvc.NewWorker(store, logger, exportsvc.WorkerOptions{
		Dir:          cfg.ExportDir,
		Workers:      cfg.ExportWorkers,
		PollInterval: cfg.ExportPollInterval,
		ChunkSize:    cfg.ExportChunkSize,
		MaxRows:      cfg.ExportMaxRows,
		MaxBytes:     cfg.ExportMaxBytes,
		ArtifactTTL:  cfg.ExportTTL,
	})
	sweeper := exportsvc.NewSweeper(store, logger, cfg.SweepInterval)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("export worker stopped", "error", err)
		}
	}()
	go func() { _ = sweeper.Run(workerCtx) }()

	srv := server.New(server.Config{
		Store:           store,
		Projects:        projects,
		JWTMgr:          jwtMgr,
		Ingest:          ingestEngine,
		Query:           queryEngine,
		Exports:         exportCtrl,
		Limiter:         limiter,
		Logger:          logger,
		Port:            cfg.Port,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		Version:         version,
		MaxBodyBytes:    cfg.MaxRequestBodyBytes,
		EventsPerMinute: cfg.EventsPerMinute,
		ReadsPerMinute:  cfg.ReadsPerMinute,
		DevAuth:         cfg.DevAuth,
		OpenAPISpec:     api.OpenAPISpec,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests and drain in-flight ones, (2) stop the export workers;
	// a job caught mid-run is marked failed and can be resubmitted.
	slog.Info("triagedeck shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	stopWorkers()
	select {
	case <-workerDone:
	case <-time.After(10 * time.Second):
		slog.Error("export workers did not stop in time")
	}

	slog.Info("triagedeck stopped")
	return nil
}
