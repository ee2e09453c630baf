// Package agent is a reference edge agent: it pulls leased commands, executes
// them through registered handlers and acks the outcome.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"command-outbox/internal/backoff"
	"command-outbox/internal/client"
	"command-outbox/internal/telemetry"
)

// Ack statuses understood by the outbox.
const (
	StatusDone  = "DONE"
	StatusError = "ERROR"
	StatusHeld  = "HELD"
)

// API is the subset of the outbox client the runner needs.
type API interface {
	Pull(ctx context.Context, limit int, lease time.Duration) ([]client.Command, error)
	Renew(ctx context.Context, id string, lease time.Duration) (bool, error)
	Ack(ctx context.Context, id, status string, rc client.Receipt) (client.AckResult, error)
	Heartbeat(ctx context.Context, latency time.Duration) error
}

// Outcome is what a handler reports back for one command.
type Outcome struct {
	Status  string
	TxID    string
	Message string
	Result  json.RawMessage
}

// Handler executes a command of a given type.
type Handler func(ctx context.Context, cmd client.Command) (Outcome, error)

// ErrLeaseLost is the cancellation cause when a renewal is refused.
var ErrLeaseLost = errors.New("lease lost")

// Config wires a Runner.
type Config struct {
	API        API
	Logger     *slog.Logger
	Poll       time.Duration
	Batch      int
	Lease      time.Duration
	BackoffMax time.Duration
}

// Runner drives the agent loop.
type Runner struct {
	api            API
	log            *slog.Logger
	poll           time.Duration
	batch          int
	lease          time.Duration
	backoffMax     time.Duration
	handlers       map[string]Handler
	defaultHandler Handler
}

// New builds a runner whose default handler is DryRun.
func New(cfg Config) *Runner {
	r := &Runner{
		api:        cfg.API,
		log:        cfg.Logger,
		poll:       cfg.Poll,
		batch:      cfg.Batch,
		lease:      cfg.Lease,
		backoffMax: cfg.BackoffMax,
		handlers:   make(map[string]Handler),
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.poll <= 0 {
		r.poll = 2 * time.Second
	}
	if r.batch <= 0 {
		r.batch = 10
	}
	if r.lease <= 0 {
		r.lease = 90 * time.Second
	}
	if r.backoffMax < r.poll {
		r.backoffMax = 30 * time.Second
	}
	r.defaultHandler = DryRun
	return r
}

// RegisterHandler binds a handler to a command type.
func (r *Runner) RegisterHandler(cmdType string, handler Handler) {
	if cmdType == "" || handler == nil {
		return
	}
	r.handlers[cmdType] = handler
}

// SetDefaultHandler replaces the fallback for unregistered types. nil makes
// unknown types fail.
func (r *Runner) SetDefaultHandler(h Handler) { r.defaultHandler = h }

// Run polls until ctx is cancelled. Pull failures back off exponentially.
func (r *Runner) Run(ctx context.Context) error {
	failures := 0
	for {
		n, err := r.PollOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := time.Duration(0)
		switch {
		case err != nil:
			failures++
			wait = backoff.Jitter(r.poll, r.backoffMax, failures)
			r.log.Warn("pull failed", "error", err, "retry_in", wait)
		case n == 0:
			failures = 0
			wait = r.poll
		default:
			failures = 0
		}
		if wait == 0 {
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// PollOnce leases one batch and executes it in order, returning how many
// commands were handled. Every successful pull is followed by a heartbeat
// carrying the pull round-trip time.
func (r *Runner) PollOnce(ctx context.Context) (int, error) {
	start := time.Now()
	cmds, err := r.api.Pull(ctx, r.batch, r.lease)
	if err != nil {
		return 0, err
	}
	if err := r.api.Heartbeat(ctx, time.Since(start)); err != nil {
		r.log.Warn("heartbeat failed", "error", err)
	}
	for _, cmd := range cmds {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		r.execute(ctx, cmd)
	}
	return len(cmds), nil
}

func (r *Runner) execute(ctx context.Context, cmd client.Command) {
	telemetry.AgentInFlight.Inc()
	defer telemetry.AgentInFlight.Dec()

	runCtx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.keepAlive(runCtx, cancel, cmd.ID)
	}()

	out, err := r.run(runCtx, cmd)
	lost := errors.Is(context.Cause(runCtx), ErrLeaseLost)
	cancel(nil)
	wg.Wait()

	if ctx.Err() != nil && !lost {
		// Shutting down: leave the lease to expire so another agent picks it up.
		return
	}
	rc := client.Receipt{Status: out.Status, TxID: out.TxID, Message: out.Message, Result: out.Result}
	if err != nil {
		rc = client.Receipt{Status: StatusError, Message: err.Error()}
	}
	if rc.Status == "" {
		rc.Status = StatusDone
	}
	res, ackErr := r.api.Ack(ctx, cmd.ID, rc.Status, rc)
	if ackErr != nil {
		r.log.Error("ack failed", "id", cmd.ID, "status", rc.Status, "error", ackErr)
		return
	}
	telemetry.AgentOutcomes.WithLabelValues(rc.Status).Inc()
	r.log.Info("command acked",
		"id", cmd.ID,
		"type", cmd.Type,
		"status", res.Status,
		"transitioned", res.Transitioned,
		"lease_lost", lost,
	)
}

func (r *Runner) run(ctx context.Context, cmd client.Command) (Outcome, error) {
	handler, ok := r.handlers[cmd.Type]
	if !ok {
		if r.defaultHandler == nil {
			return Outcome{}, fmt.Errorf("no handler registered for type %q", cmd.Type)
		}
		handler = r.defaultHandler
	}
	return handler(ctx, cmd)
}

// keepAlive renews the lease at half its length until ctx ends. A refused
// renewal cancels the handler with ErrLeaseLost.
func (r *Runner) keepAlive(ctx context.Context, cancel context.CancelCauseFunc, id string) {
	ticker := time.NewTicker(r.lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := r.api.Renew(ctx, id, r.lease)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Warn("lease renew failed", "id", id, "error", err)
			}
			continue
		}
		if !ok {
			telemetry.AgentLostLeases.Inc()
			r.log.Warn("lease lost", "id", id)
			cancel(ErrLeaseLost)
			return
		}
	}
}
