package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"command-outbox/internal/api"
	"command-outbox/internal/config"
	"command-outbox/internal/notify"
	"command-outbox/internal/outbox"
	"command-outbox/internal/ratelimit"
	"command-outbox/internal/signature"
	"command-outbox/internal/store"
	"command-outbox/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		telemetry.NewLogger("error", "api").Error("load config", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(cfg.LogLevel, "api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint, cfg.OTLPInsecure)
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

	var limiter ratelimit.Limiter = ratelimit.Noop{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	svc := outbox.New(st, outbox.Options{
		DefaultLease: cfg.DefaultLease,
		MaxLease:     cfg.MaxLease,
		DefaultLimit: cfg.PullDefaultLimit,
		MaxLimit:     cfg.PullMaxLimit,
		Notifier:     notifier,
		Logger:       logger,
	})
	verifier := signature.NewVerifier(cfg.Secrets, cfg.SignatureMaxSkew)
	if verifier.Open() {
		logger.Warn("no OUTBOX_SECRET configured; accepting unsigned requests")
	}
	server := api.New(svc, api.Options{
		Verifier:             verifier,
		Limiter:              limiter,
		PullRequireSignature: cfg.PullRequireSignature,
		AllowedAgents:        cfg.AllowedAgents,
		Commit:               cfg.Commit,
		Logger:               logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening",
		"port", cfg.HTTPPort,
		"store", cfg.StoreDriver,
		"notifiers", notifier.Len(),
		"rate_limited", cfg.RedisAddr != "",
	)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
