package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"command-outbox/internal/compactor"
	"command-outbox/internal/config"
	"command-outbox/internal/notify"
	"command-outbox/internal/outbox"
	"command-outbox/internal/reaper"
	"command-outbox/internal/store"
	"command-outbox/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		telemetry.NewLogger("error", "worker").Error("load config", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(cfg.LogLevel, "worker")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.ServiceName+"-worker", cfg.OTLPEndpoint, cfg.OTLPInsecure)
	if err != nil {
		logger.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing()

	st, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		logger.Error("open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	notifier, closeNotify, err := notify.FromConfig(cfg, logger)
	if err != nil {
		logger.Error("init notifiers", "error", err)
		os.Exit(1)
	}
	defer closeNotify()

	svc := outbox.New(st, outbox.Options{Notifier: notifier, Logger: logger})

	archiver, err := newArchiver(ctx, cfg)
	if err != nil {
		logger.Error("init archiver", "error", err)
		os.Exit(1)
	}
	comp, err := compactor.New(compactor.Config{
		Store:     st,
		Archiver:  archiver,
		Logger:    logger,
		Retention: cfg.ReceiptsRetention,
		MaxDelete: cfg.CompactorMaxDelete,
		Schedule:  cfg.CompactorSchedule,
	})
	if err != nil {
		logger.Error("init compactor", "error", err)
		os.Exit(1)
	}
	reap := reaper.New(reaper.Config{Sweeper: svc, Logger: logger, Interval: cfg.ReaperInterval})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	reap.Start(ctx)
	comp.Start(ctx)
	logger.Info("worker started",
		"reaper_interval", cfg.ReaperInterval,
		"retention", cfg.ReceiptsRetention,
		"compactor_schedule", cfg.CompactorSchedule,
		"archive", archiver != nil,
	)

	<-ctx.Done()
	reap.Stop()
	comp.Stop()
	logger.Info("worker stopped")
}

func newArchiver(ctx context.Context, cfg config.Config) (compactor.Archiver, error) {
	switch {
	case cfg.ArchiveBucket != "":
		return compactor.NewS3Archiver(ctx, compactor.S3Options{
			Bucket:    cfg.ArchiveBucket,
			Prefix:    cfg.ArchivePrefix,
			Region:    cfg.ArchiveS3Region,
			Endpoint:  cfg.ArchiveS3Endpoint,
			PathStyle: cfg.ArchiveS3PathStyle,
		})
	case cfg.ArchiveDir != "":
		return &compactor.LocalArchiver{BaseDir: cfg.ArchiveDir}, nil
	}
	return nil, nil
}
