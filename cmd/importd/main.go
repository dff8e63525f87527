package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/carelane/importd/internal/config"
	"github.com/carelane/importd/internal/importer"
	"github.com/carelane/importd/internal/logging"
	"github.com/carelane/importd/internal/schema"
	"github.com/carelane/importd/internal/store"
	"github.com/carelane/importd/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"max_concurrent_jobs", cfg.Import.MaxConcurrentJobs,
		"retention", cfg.Import.Retention,
		"rate_limit_enabled", cfg.Rate.Enabled,
		"durable", cfg.Database.URL != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		jobStore importer.JobStore
		sink     importer.ErrorSink
		sweep    func(context.Context)
	)

	if cfg.Database.URL != "" {
		pool, err := connectPool(ctx, cfg)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := store.EnsureSchema(ctx, pool); err != nil {
			slog.Error("failed to prepare database schema", "error", err)
			os.Exit(1)
		}

		pgStore := store.NewPostgresStore(pool)
		pgSink := store.NewPostgresSink(pool)
		jobStore, sink = pgStore, pgSink
		sweep = func(ctx context.Context) {
			pgStore.RunSweeper(ctx, cfg.Import.SweepInterval, cfg.Import.Retention, pgSink)
		}
	} else {
		slog.Warn("no DATABASE_URL configured, using in-memory job store")
		memStore := importer.NewMemoryStore()
		memSink := importer.NewMemorySink()
		jobStore, sink = memStore, memSink
		sweep = func(ctx context.Context) {
			memStore.RunSweeper(ctx, cfg.Import.SweepInterval, cfg.Import.Retention, memSink)
		}
	}

	limiter := importer.NewJobLimiter(cfg.Import.MaxConcurrentJobs, cfg.Import.SlotWait)
	presets := importer.NewPresetStore()
	pub := importer.NewPublisher(jobStore)
	orch := importer.NewOrchestrator(jobStore, sink, pub, limiter, schema.Patients, presets, cfg.Import.ErrorCap)
	validator := importer.NewValidator(schema.Patients, presets, cfg.Import.SampleRows)

	server := web.NewServer(orch, validator, pub, presets, schema.Patients, cfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server starting", "addr", cfg.Server.Addr())
		if err := server.Start(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sweep(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Let in-flight imports run to completion before closing up.
		if limiter.Active() > 0 {
			slog.Info("waiting for imports to complete", "active", limiter.Active())
			if err := limiter.WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("imports did not complete in time", "error", err)
			} else {
				slog.Info("all imports completed")
			}
		}

		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// connectPool builds the pgx pool from config and verifies the connection.
func connectPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	}
	return pool, nil
}
