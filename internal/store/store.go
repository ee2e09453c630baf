package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"command-outbox/internal/models"
)

var (
	// ErrNotFound is returned when a command id does not exist.
	ErrNotFound = errors.New("command not found")
	// ErrConflict is returned when a write would leave two active commands with one dedupe key.
	ErrConflict = errors.New("dedupe key already active")
)

// Error wraps a backend failure that survived the retry budget.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// Store is the persistence port for commands and receipts. Every mutation is a
// single guarded statement (or one transaction) so concurrent callers never
// claim or transition the same row twice.
type Store interface {
	Migrate(ctx context.Context) error
	Enqueue(ctx context.Context, p EnqueueParams) (EnqueueResult, error)
	LeaseBatch(ctx context.Context, p LeaseParams) ([]models.Command, error)
	RenewLease(ctx context.Context, p RenewParams) (bool, error)
	Ack(ctx context.Context, p AckParams) (AckResult, error)
	ReapExpired(ctx context.Context, agentID string, now time.Time) (int64, error)
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
	ForcePending(ctx context.Context, id string, now time.Time) (bool, error)
	QueueDepth(ctx context.Context) (models.QueueDepth, error)
	PendingDue(ctx context.Context, now time.Time) (PendingCounts, error)
	GetCommand(ctx context.Context, id string) (models.Command, error)
	ListCommands(ctx context.Context, f ListFilter) ([]models.Command, error)
	LatestReceipt(ctx context.Context, cmdID string) (models.Receipt, bool, error)
	ListReceipts(ctx context.Context, f ReceiptFilter) ([]models.Receipt, error)
	CountReceipts(ctx context.Context) (int64, error)
	CompactReceipts(ctx context.Context, p CompactParams) (CompactResult, error)
	DailyReceipts(ctx context.Context, limit int) ([]models.DailyReceipts, error)
	RecordHeartbeat(ctx context.Context, p HeartbeatParams) error
	ListHeartbeats(ctx context.Context) ([]models.Heartbeat, error)
	Close() error
}

// EnqueueParams collects inputs required to insert a command.
type EnqueueParams struct {
	Type        string
	Payload     json.RawMessage
	DedupeKey   string
	TargetAgent string
	Source      string
	NotBefore   time.Time
	Deadline    time.Time
	Now         time.Time
}

// EnqueueResult reports the command id and whether a new row was created.
type EnqueueResult struct {
	ID      string
	Created bool
}

// LeaseParams describes a claim of up to MaxItems eligible commands.
type LeaseParams struct {
	AgentID  string
	MaxItems int
	Lease    time.Duration
	Now      time.Time
}

// RenewParams extends the lease on a command still held by AgentID.
type RenewParams struct {
	ID      string
	AgentID string
	Lease   time.Duration
	Now     time.Time
}

// AckParams carries one receipt. Status must be done or error.
type AckParams struct {
	ID      string
	AgentID string
	Status  string
	Receipt models.Receipt
	Now     time.Time
}

// AckResult reports the command status after the ack and whether this ack moved it.
type AckResult struct {
	ReceiptID    int64
	Status       string
	Transitioned bool
}

// PendingCounts splits pending commands by eligibility.
type PendingCounts struct {
	Due    int64 `json:"due"`
	NotDue int64 `json:"not_due"`
}

// ListFilter narrows ListCommands. Zero fields match everything.
type ListFilter struct {
	Status  string
	AgentID string
	DueOnly bool
	Now     time.Time
	Limit   int
}

// ReceiptFilter narrows ListReceipts.
type ReceiptFilter struct {
	CommandID string
	Limit     int
}

// HeartbeatParams is one liveness report. The row per agent keeps only the latest.
type HeartbeatParams struct {
	AgentID   string
	LatencyMS float64
	Now       time.Time
}

// ArchiveFunc receives raw receipts before they are deleted. An error aborts the pass.
type ArchiveFunc func(ctx context.Context, day time.Time, receipts []models.Receipt) error

// CompactParams configures one compaction pass.
type CompactParams struct {
	Cutoff    time.Time
	MaxDelete int
	Archive   ArchiveFunc
}

// CompactResult summarizes one compaction pass.
type CompactResult struct {
	Deleted int64
	Days    []models.DailyReceipts
}

func validateEnqueue(p *EnqueueParams) error {
	if strings.TrimSpace(p.DedupeKey) == "" {
		return errors.New("dedupe key is required")
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}
	if p.Now.IsZero() {
		p.Now = time.Now()
	}
	return nil
}

func validateAck(p *AckParams) error {
	if p.Status != models.StatusDone && p.Status != models.StatusError {
		return fmt.Errorf("invalid ack status %q", p.Status)
	}
	if p.Now.IsZero() {
		p.Now = time.Now()
	}
	if len(p.Receipt.Result) == 0 {
		p.Receipt.Result = json.RawMessage(`{}`)
	}
	return nil
}

func defaultNow(now time.Time) time.Time {
	if now.IsZero() {
		return time.Now()
	}
	return now
}

// sortFIFO orders commands oldest first; RETURNING clauses do not preserve order.
func sortFIFO(cmds []models.Command) {
	sort.SliceStable(cmds, func(i, j int) bool {
		if !cmds[i].CreatedAt.Equal(cmds[j].CreatedAt) {
			return cmds[i].CreatedAt.Before(cmds[j].CreatedAt)
		}
		return cmds[i].Seq < cmds[j].Seq
	})
}

// aggregateDaily rolls receipts up by UTC day.
func aggregateDaily(receipts []models.Receipt) []models.DailyReceipts {
	byDay := make(map[string]*models.DailyReceipts)
	for _, r := range receipts {
		ts := r.ReceivedAt.UTC()
		day := ts.Format("2006-01-02")
		agg, ok := byDay[day]
		if !ok {
			agg = &models.DailyReceipts{Day: day}
			byDay[day] = agg
		}
		agg.CountTotal++
		if r.OK {
			agg.CountOK++
		} else {
			agg.CountError++
		}
		if ts.After(agg.LastTS) {
			agg.LastTS = ts
		}
	}
	out := make([]models.DailyReceipts, 0, len(byDay))
	for _, agg := range byDay {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out
}

// groupByDay splits receipts per UTC day for archiving.
func groupByDay(receipts []models.Receipt) ([]time.Time, map[time.Time][]models.Receipt) {
	groups := make(map[time.Time][]models.Receipt)
	var days []time.Time
	for _, r := range receipts {
		ts := r.ReceivedAt.UTC()
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		if _, ok := groups[day]; !ok {
			days = append(days, day)
		}
		groups[day] = append(groups[day], r)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, groups
}

func archiveReceipts(ctx context.Context, fn ArchiveFunc, receipts []models.Receipt) error {
	if fn == nil || len(receipts) == 0 {
		return nil
	}
	days, groups := groupByDay(receipts)
	for _, day := range days {
		if err := fn(ctx, day, groups[day]); err != nil {
			return fmt.Errorf("archive %s: %w", day.Format("2006-01-02"), err)
		}
	}
	return nil
}

func chunkIDs(ids []int64, size int) [][]int64 {
	var out [][]int64
	for len(ids) > 0 {
		n := size
		if len(ids) < n {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Options selects and tunes a backend.
type Options struct {
	Driver      string // sqlite | postgres
	DSN         string
	BusyTimeout time.Duration
	Retry       RetryPolicy
}

// Open connects to the configured backend and applies migrations.
func Open(ctx context.Context, opts Options) (Store, error) {
	var (
		st  Store
		err error
	)
	switch strings.ToLower(opts.Driver) {
	case "", "sqlite", "sqlite3":
		st, err = OpenSQLite(ctx, opts.DSN, opts.BusyTimeout, opts.Retry)
	case "postgres", "pg":
		st, err = OpenPostgres(ctx, opts.DSN, opts.Retry)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return st, nil
}
