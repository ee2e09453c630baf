// Package outbox implements the command lifecycle: enqueue, lease, renew, ack,
// reap and the operator corrections layered over a store.Store.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"command-outbox/internal/models"
	"command-outbox/internal/notify"
	"command-outbox/internal/store"
	"command-outbox/internal/telemetry"
)

// ErrAgentRequired is returned when a lease-holder operation has no agent identity.
var ErrAgentRequired = errors.New("agent id is required")

// Options tunes lease and batch bounds.
type Options struct {
	DefaultLease time.Duration
	MaxLease     time.Duration
	DefaultLimit int
	MaxLimit     int
	// StaleAfter is how long an agent may go without a heartbeat before
	// Inspect flags it. Defaults to one hour.
	StaleAfter time.Duration
	Notifier   notify.Notifier
	Logger     *slog.Logger
	Now        func() time.Time
}

// Service owns every write to command status and receipts.
type Service struct {
	store  store.Store
	opts   Options
	notify notify.Notifier
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New wires a service over st, filling unset options with defaults.
func New(st store.Store, opts Options) *Service {
	if opts.DefaultLease <= 0 {
		opts.DefaultLease = 45 * time.Second
	}
	if opts.MaxLease < opts.DefaultLease {
		opts.MaxLease = 10 * time.Minute
		if opts.MaxLease < opts.DefaultLease {
			opts.MaxLease = opts.DefaultLease
		}
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 10
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 50
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = time.Hour
	}
	s := &Service{
		store:  st,
		opts:   opts,
		notify: opts.Notifier,
		logger: opts.Logger,
		tracer: telemetry.Tracer(),
		now:    opts.Now,
	}
	if s.notify == nil {
		s.notify = notify.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Store exposes the underlying store for read-only tooling.
func (s *Service) Store() store.Store { return s.store }

// Enqueue persists a pending command. A duplicate of an active command returns
// the existing id with Created=false.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (store.EnqueueResult, error) {
	ctx, span := s.tracer.Start(ctx, "outbox.Enqueue", trace.WithAttributes(
		attribute.String("outbox.agent", req.Agent),
		attribute.String("outbox.type", req.Type),
	))
	defer span.End()

	now := s.now().UTC()
	notBefore := req.Meta.NotBefore.Time
	if req.Meta.DelayS > 0 {
		delayed := now.Add(time.Duration(req.Meta.DelayS * float64(time.Second)))
		if delayed.After(notBefore) {
			notBefore = delayed
		}
	}
	typ := req.Type
	if typ == "" {
		typ = DefaultCommandType
	}

	res, err := s.store.Enqueue(ctx, store.EnqueueParams{
		Type:        typ,
		Payload:     req.Payload,
		DedupeKey:   req.DedupeKey,
		TargetAgent: req.Agent,
		Source:      req.Meta.Source,
		NotBefore:   notBefore,
		Deadline:    req.Meta.Deadline.Time,
		Now:         now,
	})
	if err != nil {
		return store.EnqueueResult{}, s.fail(span, "enqueue", err)
	}
	span.SetAttributes(attribute.String("outbox.id", res.ID), attribute.Bool("outbox.created", res.Created))
	if res.Created {
		telemetry.EnqueueCounter.WithLabelValues("created").Inc()
		s.logger.Info("command enqueued", "cmd_id", res.ID, "type", typ, "agent", req.Agent, "source", req.Meta.Source)
	} else {
		telemetry.EnqueueCounter.WithLabelValues("deduped").Inc()
		s.logger.Debug("duplicate enqueue", "cmd_id", res.ID, "dedupe_key", req.DedupeKey)
	}
	return res, nil
}

// Pull leases up to limit due commands to agentID. Out-of-range limits and
// leases are clamped to the configured bounds.
func (s *Service) Pull(ctx context.Context, agentID string, limit int, lease time.Duration) ([]models.Command, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, ErrAgentRequired
	}
	limit = s.clampLimit(limit)
	lease = s.clampLease(lease)

	ctx, span := s.tracer.Start(ctx, "outbox.Pull", trace.WithAttributes(
		attribute.String("outbox.agent", agentID),
		attribute.Int("outbox.limit", limit),
	))
	defer span.End()

	cmds, err := s.store.LeaseBatch(ctx, store.LeaseParams{
		AgentID:  agentID,
		MaxItems: limit,
		Lease:    lease,
		Now:      s.now().UTC(),
	})
	if err != nil {
		return nil, s.fail(span, "lease", err)
	}
	span.SetAttributes(attribute.Int("outbox.leased", len(cmds)))
	if len(cmds) > 0 {
		telemetry.LeasedCounter.Add(float64(len(cmds)))
		s.logger.Info("commands leased", "agent", agentID, "count", len(cmds), "lease", lease.String())
	}
	return cmds, nil
}

// Renew extends a lease the agent still holds. False means the lease was lost.
func (s *Service) Renew(ctx context.Context, id, agentID string, lease time.Duration) (bool, error) {
	if strings.TrimSpace(agentID) == "" {
		return false, ErrAgentRequired
	}
	if strings.TrimSpace(id) == "" {
		return false, invalid("id is required")
	}
	ctx, span := s.tracer.Start(ctx, "outbox.Renew", trace.WithAttributes(
		attribute.String("outbox.id", id),
		attribute.String("outbox.agent", agentID),
	))
	defer span.End()

	ok, err := s.store.RenewLease(ctx, store.RenewParams{
		ID:      id,
		AgentID: agentID,
		Lease:   s.clampLease(lease),
		Now:     s.now().UTC(),
	})
	if err != nil {
		return false, s.fail(span, "renew", err)
	}
	if !ok {
		s.logger.Warn("renew on lost lease", "cmd_id", id, "agent", agentID)
	}
	return ok, nil
}

// Ack records a receipt and, when the caller holds the lease, moves the command
// to done or error. Acks on terminal or reassigned commands only append the receipt.
func (s *Service) Ack(ctx context.Context, req AckRequest) (store.AckResult, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return store.AckResult{}, ErrAgentRequired
	}
	cmdStatus, ok, tag, err := ackOutcome(req.Status, req.Receipt)
	if err != nil {
		return store.AckResult{}, err
	}

	ctx, span := s.tracer.Start(ctx, "outbox.Ack", trace.WithAttributes(
		attribute.String("outbox.id", req.ID),
		attribute.String("outbox.agent", req.AgentID),
		attribute.String("outbox.status", tag),
	))
	defer span.End()

	now := s.now().UTC()
	res, err := s.store.Ack(ctx, store.AckParams{
		ID:      req.ID,
		AgentID: req.AgentID,
		Status:  cmdStatus,
		Receipt: models.Receipt{
			CommandID: req.ID,
			AgentID:   req.AgentID,
			OK:        ok,
			Status:    tag,
			TxID:      req.Receipt.TxID,
			Message:   req.Receipt.Message,
			Result:    req.Receipt.Result,
		},
		Now: now,
	})
	if err != nil {
		return store.AckResult{}, s.fail(span, "ack", err)
	}
	span.SetAttributes(attribute.Bool("outbox.transitioned", res.Transitioned))
	telemetry.AckCounter.WithLabelValues(tag, strconv.FormatBool(res.Transitioned)).Inc()
	if res.Transitioned {
		s.logger.Info("command acked", "cmd_id", req.ID, "agent", req.AgentID, "status", res.Status, "receipt", tag)
	} else {
		s.logger.Warn("ack recorded without transition", "cmd_id", req.ID, "agent", req.AgentID, "current_status", res.Status)
	}

	if err := s.notify.CommandAcked(ctx, notify.AckEvent{
		CommandID:    req.ID,
		AgentID:      req.AgentID,
		Status:       tag,
		OK:           ok,
		TxID:         req.Receipt.TxID,
		Message:      req.Receipt.Message,
		Transitioned: res.Transitioned,
		At:           now,
	}); err != nil {
		s.logger.Warn("ack notification failed", "cmd_id", req.ID, "error", err)
	}
	return res, nil
}

// Reap returns expired leases to pending, optionally for one agent only.
func (s *Service) Reap(ctx context.Context, agentID string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "outbox.Reap", trace.WithAttributes(attribute.String("outbox.agent", agentID)))
	defer span.End()

	now := s.now().UTC()
	n, err := s.store.ReapExpired(ctx, agentID, now)
	if err != nil {
		return 0, s.fail(span, "reap", err)
	}
	if n > 0 {
		telemetry.ReapedCounter.Add(float64(n))
		s.logger.Info("expired leases reaped", "count", n, "agent", agentID)
		if err := s.notify.LeasesReaped(ctx, notify.ReapEvent{AgentID: agentID, Count: n, At: now}); err != nil {
			s.logger.Warn("reap notification failed", "agent", agentID, "error", err)
		}
	}
	return n, nil
}

// SweepResult reports one reaper pass.
type SweepResult struct {
	Reaped  int64
	Expired int64
}

// Sweep reaps expired leases and expires pending commands past their deadline.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := s.tracer.Start(ctx, "outbox.Sweep")
	defer span.End()

	now := s.now().UTC()
	var res SweepResult
	var err error
	if res.Reaped, err = s.store.ReapExpired(ctx, "", now); err != nil {
		return res, s.fail(span, "reap", err)
	}
	if res.Expired, err = s.store.ExpireOverdue(ctx, now); err != nil {
		return res, s.fail(span, "expire", err)
	}
	telemetry.ReapedCounter.Add(float64(res.Reaped))
	telemetry.ExpiredCounter.Add(float64(res.Expired))
	if res.Reaped > 0 || res.Expired > 0 {
		s.logger.Info("sweep", "reaped", res.Reaped, "expired", res.Expired)
		if err := s.notify.LeasesReaped(ctx, notify.ReapEvent{Count: res.Reaped, Expired: res.Expired, At: now}); err != nil {
			s.logger.Warn("sweep notification failed", "error", err)
		}
	}
	return res, nil
}

// ExpireOverdue marks pending commands past their deadline as expired.
func (s *Service) ExpireOverdue(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireOverdue(ctx, s.now().UTC())
	if err != nil {
		return 0, s.countErr("expire", err)
	}
	telemetry.ExpiredCounter.Add(float64(n))
	return n, nil
}

// ForcePending is the operator override that returns a command to pending.
func (s *Service) ForcePending(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.ForcePending(ctx, id, s.now().UTC())
	if err != nil {
		return false, s.countErr("force_pending", err)
	}
	if ok {
		s.logger.Warn("command forced to pending", "cmd_id", id)
	}
	return ok, nil
}

// QueueDepth counts commands by status and publishes the gauge.
func (s *Service) QueueDepth(ctx context.Context) (models.QueueDepth, error) {
	depth, err := s.store.QueueDepth(ctx)
	if err != nil {
		return nil, s.countErr("queue_depth", err)
	}
	for _, st := range models.Statuses {
		if _, ok := depth[st]; !ok {
			depth[st] = 0
		}
	}
	telemetry.ObserveDepth(depth)
	return depth, nil
}

// Heartbeat records that agentID is alive along with its reported round-trip
// latency to the bus.
func (s *Service) Heartbeat(ctx context.Context, agentID string, latencyMS float64) error {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return ErrAgentRequired
	}
	if latencyMS < 0 {
		return invalid("latency_ms must not be negative")
	}
	now := s.now().UTC()
	if err := s.store.RecordHeartbeat(ctx, store.HeartbeatParams{AgentID: agentID, LatencyMS: latencyMS, Now: now}); err != nil {
		return s.countErr("heartbeat", err)
	}
	telemetry.AgentLastSeen.WithLabelValues(agentID).Set(float64(now.Unix()))
	s.logger.Debug("heartbeat", "agent", agentID, "latency_ms", latencyMS)
	return nil
}

// AgentStatus is an agent's latest heartbeat as seen at snapshot time.
type AgentStatus struct {
	models.Heartbeat
	Stale bool `json:"stale"`
}

// Agents lists every agent that has sent a heartbeat, flagging silent ones.
func (s *Service) Agents(ctx context.Context) ([]AgentStatus, error) {
	beats, err := s.store.ListHeartbeats(ctx)
	if err != nil {
		return nil, s.countErr("list_heartbeats", err)
	}
	now := s.now().UTC()
	out := make([]AgentStatus, 0, len(beats))
	for _, h := range beats {
		out = append(out, AgentStatus{Heartbeat: h, Stale: h.Stale(now, s.opts.StaleAfter)})
	}
	return out, nil
}

// Snapshot is an operator view of the outbox.
type Snapshot struct {
	Depth    models.QueueDepth      `json:"depth"`
	Pending  store.PendingCounts    `json:"pending"`
	Receipts int64                  `json:"receipts"`
	Recent   []models.Receipt       `json:"recent_receipts"`
	Daily    []models.DailyReceipts `json:"daily"`
	Agents   []AgentStatus          `json:"agents,omitempty"`
	At       time.Time              `json:"ts"`
}

// Inspect gathers depth, due/not-due split, receipt count and the latest receipts.
func (s *Service) Inspect(ctx context.Context, recent int) (Snapshot, error) {
	now := s.now().UTC()
	depth, err := s.QueueDepth(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	pending, err := s.store.PendingDue(ctx, now)
	if err != nil {
		return Snapshot{}, s.countErr("pending_due", err)
	}
	count, err := s.store.CountReceipts(ctx)
	if err != nil {
		return Snapshot{}, s.countErr("count_receipts", err)
	}
	snap := Snapshot{Depth: depth, Pending: pending, Receipts: count, At: now}
	if snap.Agents, err = s.Agents(ctx); err != nil {
		return Snapshot{}, err
	}
	if recent > 0 {
		if snap.Recent, err = s.store.ListReceipts(ctx, store.ReceiptFilter{Limit: recent}); err != nil {
			return Snapshot{}, s.countErr("list_receipts", err)
		}
		if snap.Daily, err = s.store.DailyReceipts(ctx, 7); err != nil {
			return Snapshot{}, s.countErr("daily_receipts", err)
		}
	}
	return snap, nil
}

// Detail is one command with its most recent receipt.
type Detail struct {
	Command       models.Command  `json:"command"`
	LatestReceipt *models.Receipt `json:"latest_receipt"`
}

// Show loads a command and its latest receipt.
func (s *Service) Show(ctx context.Context, id string) (Detail, error) {
	cmd, err := s.store.GetCommand(ctx, id)
	if err != nil {
		return Detail{}, s.countErr("get_command", err)
	}
	d := Detail{Command: cmd}
	rc, ok, err := s.store.LatestReceipt(ctx, id)
	if err != nil {
		return Detail{}, s.countErr("latest_receipt", err)
	}
	if ok {
		d.LatestReceipt = &rc
	}
	return d, nil
}

// List returns commands matching f, oldest first.
func (s *Service) List(ctx context.Context, f store.ListFilter) ([]models.Command, error) {
	if f.Now.IsZero() {
		f.Now = s.now().UTC()
	}
	cmds, err := s.store.ListCommands(ctx, f)
	if err != nil {
		return nil, s.countErr("list_commands", err)
	}
	return cmds, nil
}

func (s *Service) clampLimit(n int) int {
	if n <= 0 {
		return s.opts.DefaultLimit
	}
	if n > s.opts.MaxLimit {
		return s.opts.MaxLimit
	}
	return n
}

func (s *Service) clampLease(d time.Duration) time.Duration {
	if d <= 0 {
		return s.opts.DefaultLease
	}
	if d > s.opts.MaxLease {
		return s.opts.MaxLease
	}
	return d
}

func (s *Service) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return s.countErr(op, err)
}

func (s *Service) countErr(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		return err
	}
	telemetry.StoreErrors.WithLabelValues(op).Inc()
	s.logger.Error("store operation failed", "op", op, "error", err)
	return fmt.Errorf("%s: %w", op, err)
}
