package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"command-outbox/internal/agent"
	"command-outbox/internal/client"
	"command-outbox/internal/config"
	"command-outbox/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		telemetry.NewLogger("error", "edge-agent").Error("load config", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(cfg.LogLevel, "edge-agent").With("agent_id", cfg.AgentID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var secret string
	if len(cfg.Secrets) > 0 {
		secret = cfg.Secrets[0]
	}
	api := client.New(cfg.OutboxURL, cfg.AgentID, secret, client.WithTimestamp())

	runner := agent.New(agent.Config{
		API:    api,
		Logger: logger,
		Poll:   cfg.AgentPoll,
		Batch:  cfg.AgentBatch,
		Lease:  cfg.AgentLease,
	})
	// Only the configured types execute; anything else is acked as an error.
	runner.SetDefaultHandler(nil)
	for _, t := range cfg.AgentHandlers {
		runner.RegisterHandler(t, agent.DryRun)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("edge agent started", "outbox", cfg.OutboxURL, "handlers", cfg.AgentHandlers, "lease", cfg.AgentLease)
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("edge agent stopped")
}
