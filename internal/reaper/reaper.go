// Package reaper periodically returns abandoned leases to pending and expires
// commands past their deadline.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"command-outbox/internal/outbox"
	"command-outbox/internal/telemetry"
)

// Sweeper is the single operation the reaper drives.
type Sweeper interface {
	Sweep(ctx context.Context) (outbox.SweepResult, error)
}

// Config holds the dependencies for the reaper.
type Config struct {
	Sweeper  Sweeper
	Logger   *slog.Logger
	Interval time.Duration // defaults to 15s
}

// Reaper runs Sweep on a fixed interval. Several reapers may share one store;
// the guarded updates make overlapping passes harmless.
type Reaper struct {
	sweeper  Sweeper
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a reaper from cfg.
func New(cfg Config) *Reaper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{sweeper: cfg.Sweeper, logger: logger, interval: interval}
}

// Start launches the loop in a background goroutine.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("reaper started", "interval", r.interval)
}

// Stop cancels the loop and waits for the current pass to finish.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one pass. Errors are logged; the next tick retries.
func (r *Reaper) Tick(ctx context.Context) {
	start := time.Now()
	res, err := r.sweeper.Sweep(ctx)
	telemetry.SweepDuration.WithLabelValues("reaper").Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("reaper pass failed", "error", err)
		}
		return
	}
	if res.Reaped > 0 || res.Expired > 0 {
		r.logger.Info("reaper pass", "reaped", res.Reaped, "expired", res.Expired)
	}
}
