// Package compactor rolls raw receipts older than the retention window into
// daily aggregates and prunes them, optionally archiving the raw rows first.
package compactor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"command-outbox/internal/models"
	"command-outbox/internal/store"
	"command-outbox/internal/telemetry"
)

// Archiver stores one UTC day's raw receipts before they are deleted.
type Archiver interface {
	Archive(ctx context.Context, day time.Time, receipts []models.Receipt) error
}

// Config holds the dependencies for the compactor.
type Config struct {
	Store     store.Store
	Archiver  Archiver
	Logger    *slog.Logger
	Retention time.Duration // defaults to 14 days
	MaxDelete int           // defaults to store.DefaultCompactBatch
	Schedule  string        // cron expression or descriptor; defaults to "@every 1h"
	Now       func() time.Time
}

// Compactor runs bounded compaction passes on a cron schedule.
type Compactor struct {
	store     store.Store
	archiver  Archiver
	logger    *slog.Logger
	retention time.Duration
	maxDelete int
	schedule  cronlib.Schedule
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates the schedule and builds a compactor.
func New(cfg Config) (*Compactor, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "@every 1h"
	}
	sched, err := cronlib.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse compactor schedule %q: %w", expr, err)
	}
	c := &Compactor{
		store:     cfg.Store,
		archiver:  cfg.Archiver,
		logger:    cfg.Logger,
		retention: cfg.Retention,
		maxDelete: cfg.MaxDelete,
		schedule:  sched,
		now:       cfg.Now,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.retention <= 0 {
		c.retention = 14 * 24 * time.Hour
	}
	if c.maxDelete <= 0 {
		c.maxDelete = store.DefaultCompactBatch
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// RunOnce compacts at most one batch of receipts older than the retention window.
// Repeated runs never count a receipt twice.
func (c *Compactor) RunOnce(ctx context.Context) (store.CompactResult, error) {
	start := time.Now()
	defer func() {
		telemetry.SweepDuration.WithLabelValues("compactor").Observe(time.Since(start).Seconds())
	}()

	params := store.CompactParams{
		Cutoff:    c.now().UTC().Add(-c.retention),
		MaxDelete: c.maxDelete,
	}
	if c.archiver != nil {
		params.Archive = c.archiver.Archive
	}
	res, err := c.store.CompactReceipts(ctx, params)
	if err != nil {
		telemetry.StoreErrors.WithLabelValues("compact").Inc()
		return store.CompactResult{}, fmt.Errorf("compact receipts: %w", err)
	}
	telemetry.CompactedCounter.Add(float64(res.Deleted))
	if res.Deleted > 0 {
		c.logger.Info("receipts compacted", "deleted", res.Deleted, "days", len(res.Days), "cutoff", params.Cutoff.Format(time.RFC3339))
	}
	return res, nil
}

// Drain runs passes until a pass deletes fewer rows than the batch size.
func (c *Compactor) Drain(ctx context.Context) (int64, error) {
	var total int64
	for {
		res, err := c.RunOnce(ctx)
		total += res.Deleted
		if err != nil {
			return total, err
		}
		if res.Deleted < int64(c.maxDelete) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// Start launches the scheduled loop in a background goroutine.
func (c *Compactor) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop(ctx)
	c.logger.Info("compactor started", "retention", c.retention.String(), "max_delete", c.maxDelete)
}

// Stop cancels the loop and waits for any running pass.
func (c *Compactor) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("compactor stopped")
}

func (c *Compactor) loop(ctx context.Context) {
	defer c.wg.Done()
	for {
		next := c.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := c.Drain(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("compaction failed", "error", err)
			}
		}
	}
}
