package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/backfill"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/batch"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/config"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/domain"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/firehose"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/httpserver"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/hub"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/pipeline"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/replicator"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app is everything a command needs once configuration is loaded.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	repo   *store.Repository
	rep    *replicator.Replicator
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	// Repository implements the cursor, freshness and entity stores.
	repo, err := store.NewRepository(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	logger.Info("connected to database")

	source, err := hub.NewClient(hub.Options{
		URL:               cfg.HubURL,
		SSL:               cfg.HubSSL,
		RequestsPerSecond: cfg.HubRequestsPerSecond,
	}, logger)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("create hub client: %w", err)
	}

	state := domain.NewStateService(repo, repo, cfg.FreshnessThreshold, logger)
	registry := pipeline.NewRegistry(repo, batch.Options{
		MaxSize:      cfg.BatchSize,
		MaxLatency:   cfg.BatchMaxLatency,
		FlushTimeout: cfg.BatchFlushTimeout,
	}, logger)

	rep := replicator.New(source, state, registry, replicator.Config{
		Backfill: backfill.Options{
			Concurrency: cfg.BackfillConcurrency,
			PageSize:    cfg.BackfillPageSize,
		},
		Subscriber: firehose.Options{
			ReconnectDelay: cfg.ReconnectDelay,
			SyncFlush:      cfg.SyncFlush,
		},
	}, logger)

	return &app{cfg: cfg, logger: logger, repo: repo, rep: rep}, nil
}

// close drains the writers before the database goes away.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.rep.Close(ctx); err != nil {
		a.logger.Error("error closing replicator", "error", err)
	}
	if err := a.repo.Close(); err != nil {
		a.logger.Error("error closing repository", "error", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
}

func runServe(opts *serveOptions) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer a.close()

	server := httpserver.NewServer(a.cfg.Port, a.rep, a.cfg.StatsInterval, a.logger)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server exited with error", "error", err)
		}
	}()

	a.logger.Info("replicator started", "port", a.cfg.Port, "hub", a.cfg.HubURL, "force_backfill", opts.backfill)

	runErr := a.rep.Run(ctx, replicator.Options{
		ForceBackfill: opts.backfill,
		Range:         opts.fidRange(),
	})
	if runErr == nil {
		a.logger.Info("received signal, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("error shutting down http server", "error", err)
	}

	return runErr
}

func runBackfill(opts *backfillOptions) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.rep.Validate(ctx); err != nil {
		return err
	}

	report, err := a.rep.Backfill(ctx, backfill.Request{
		Range:        opts.fidRange(),
		SaveSnapshot: opts.snapshot,
	})
	if report != nil {
		a.logger.Info("backfill finished",
			"run_id", report.RunID,
			"requested", report.Requested,
			"skipped", report.Skipped,
			"processed", report.Processed,
			"failed", report.Failed,
			"elapsed", report.Elapsed,
		)
	}
	return err
}
