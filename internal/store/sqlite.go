package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"command-outbox/internal/models"
)

const sqliteCommandCols = `seq, id, type, payload, status, target_agent, agent_id, source, dedupe_key,
	not_before, deadline, leased_at, lease_expires_at, attempts, created_at, updated_at`

const sqliteReceiptCols = `id, cmd_id, agent_id, ok, status, txid, message, result, received_at`

// DefaultCompactBatch caps how many raw receipts one compaction pass deletes.
const DefaultCompactBatch = 5000

// SQLiteStore persists commands and receipts in a single SQLite database.
// Times are stored as unix milliseconds with 0 meaning unset.
type SQLiteStore struct {
	db    *sql.DB
	retry retrier
}

// OpenSQLite opens (creating if needed) the database file at path in WAL mode.
func OpenSQLite(ctx context.Context, path string, busyTimeout time.Duration, policy RetryPolicy) (*SQLiteStore, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer connection per process; cross-process contention is bounded by the busy timeout.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return NewSQLiteStore(db, policy), nil
}

// NewSQLiteStore wraps an already opened database handle.
func NewSQLiteStore(db *sql.DB, policy RetryPolicy) *SQLiteStore {
	return &SQLiteStore{db: db, retry: newRetrier(policy, isSQLiteTransient)}
}

func isSQLiteTransient(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isSQLiteUnique(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, "sqlite", func(ctx context.Context, stmt string) error {
		_, err := s.db.ExecContext(ctx, stmt)
		return err
	})
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Enqueue inserts a pending command unless one with the same dedupe key is still active,
// in which case the active command's id is returned.
func (s *SQLiteStore) Enqueue(ctx context.Context, p EnqueueParams) (EnqueueResult, error) {
	if err := validateEnqueue(&p); err != nil {
		return EnqueueResult{}, err
	}
	var res EnqueueResult
	err := s.retry.do(ctx, "enqueue", func() error {
		for i := 0; i < 3; i++ {
			id := uuid.New().String()
			now := toMillis(p.Now)
			r, err := s.db.ExecContext(ctx, `
				INSERT INTO commands (id, type, payload, status, target_agent, source, dedupe_key, not_before, deadline, created_at, updated_at)
				VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (dedupe_key) WHERE status IN ('pending', 'in_flight') DO NOTHING
			`, id, p.Type, string(p.Payload), p.TargetAgent, p.Source, p.DedupeKey, toMillis(p.NotBefore), toMillis(p.Deadline), now, now)
			if err != nil {
				return fmt.Errorf("insert command: %w", err)
			}
			if n, _ := r.RowsAffected(); n == 1 {
				res = EnqueueResult{ID: id, Created: true}
				return nil
			}
			var existing string
			err = s.db.QueryRowContext(ctx, `
				SELECT id FROM commands WHERE dedupe_key = ? AND status IN ('pending', 'in_flight') LIMIT 1
			`, p.DedupeKey).Scan(&existing)
			if errors.Is(err, sql.ErrNoRows) {
				// The active holder finished between insert and lookup; try again.
				continue
			}
			if err != nil {
				return fmt.Errorf("query active dedupe key: %w", err)
			}
			res = EnqueueResult{ID: existing}
			return nil
		}
		return errors.New("dedupe key changed state during enqueue")
	})
	return res, err
}

// LeaseBatch claims up to MaxItems eligible commands for AgentID in one statement.
func (s *SQLiteStore) LeaseBatch(ctx context.Context, p LeaseParams) ([]models.Command, error) {
	if p.MaxItems <= 0 {
		return nil, nil
	}
	now := defaultNow(p.Now)
	nowMs := toMillis(now)
	expires := toMillis(now.Add(p.Lease))
	var out []models.Command
	err := s.retry.do(ctx, "lease", func() error {
		rows, err := s.db.QueryContext(ctx, `
			UPDATE commands
			SET status = 'in_flight', agent_id = ?, leased_at = ?, lease_expires_at = ?, attempts = attempts + 1, updated_at = ?
			WHERE seq IN (
				SELECT seq FROM commands
				WHERE ((status = 'pending' AND not_before <= ? AND (deadline = 0 OR deadline > ?))
				    OR (status = 'in_flight' AND lease_expires_at > 0 AND lease_expires_at <= ?))
				  AND (target_agent = '' OR target_agent = ?)
				ORDER BY created_at, seq
				LIMIT ?
			)
			RETURNING `+sqliteCommandCols,
			p.AgentID, nowMs, expires, nowMs, nowMs, nowMs, nowMs, p.AgentID, p.MaxItems)
		if err != nil {
			return fmt.Errorf("claim commands: %w", err)
		}
		out, err = scanSQLiteCommands(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	sortFIFO(out)
	return out, nil
}

// RenewLease extends a lease the caller still holds. It reports false when the
// command was reaped, acked or leased by someone else.
func (s *SQLiteStore) RenewLease(ctx context.Context, p RenewParams) (bool, error) {
	now := defaultNow(p.Now)
	var renewed bool
	err := s.retry.do(ctx, "renew", func() error {
		r, err := s.db.ExecContext(ctx, `
			UPDATE commands SET lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND status = 'in_flight' AND agent_id = ? AND lease_expires_at > ?
		`, toMillis(now.Add(p.Lease)), toMillis(now), p.ID, p.AgentID, toMillis(now))
		if err != nil {
			return err
		}
		n, _ := r.RowsAffected()
		renewed = n == 1
		return nil
	})
	return renewed, err
}

// Ack appends a receipt and moves the command out of in_flight when AgentID holds it.
func (s *SQLiteStore) Ack(ctx context.Context, p AckParams) (AckResult, error) {
	if err := validateAck(&p); err != nil {
		return AckResult{}, err
	}
	rc := p.Receipt
	if rc.AgentID == "" {
		rc.AgentID = p.AgentID
	}
	var res AckResult
	err := s.retry.do(ctx, "ack", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		var status, holder string
		err = tx.QueryRowContext(ctx, `SELECT status, agent_id FROM commands WHERE id = ?`, p.ID).Scan(&status, &holder)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load command: %w", err)
		}

		r, err := tx.ExecContext(ctx, `
			INSERT INTO receipts (cmd_id, agent_id, ok, status, txid, message, result, received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, p.ID, rc.AgentID, boolToInt(rc.OK), rc.Status, rc.TxID, rc.Message, string(rc.Result), toMillis(p.Now))
		if err != nil {
			return fmt.Errorf("insert receipt: %w", err)
		}
		receiptID, _ := r.LastInsertId()

		up, err := tx.ExecContext(ctx, `
			UPDATE commands SET status = ?, lease_expires_at = 0, updated_at = ?
			WHERE id = ? AND status = 'in_flight' AND agent_id = ?
		`, p.Status, toMillis(p.Now), p.ID, p.AgentID)
		if err != nil {
			return fmt.Errorf("transition command: %w", err)
		}
		n, _ := up.RowsAffected()
		res = AckResult{ReceiptID: receiptID, Status: status, Transitioned: n == 1}
		if res.Transitioned {
			res.Status = p.Status
		}
		return tx.Commit()
	})
	return res, err
}

// ReapExpired returns abandoned in_flight commands to pending. An empty agentID reaps all agents.
func (s *SQLiteStore) ReapExpired(ctx context.Context, agentID string, now time.Time) (int64, error) {
	now = defaultNow(now)
	query := `UPDATE commands SET status = 'pending', lease_expires_at = 0, updated_at = ?
		WHERE status = 'in_flight' AND lease_expires_at > 0 AND lease_expires_at <= ?`
	args := []any{toMillis(now), toMillis(now)}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	return s.execCount(ctx, "reap", query, args...)
}

// ExpireOverdue marks pending commands whose deadline passed as expired.
func (s *SQLiteStore) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	now = defaultNow(now)
	return s.execCount(ctx, "expire", `
		UPDATE commands SET status = 'expired', updated_at = ?
		WHERE status = 'pending' AND deadline > 0 AND deadline <= ?
	`, toMillis(now), toMillis(now))
}

// ForcePending resets one command to pending regardless of its lease.
func (s *SQLiteStore) ForcePending(ctx context.Context, id string, now time.Time) (bool, error) {
	now = defaultNow(now)
	n, err := s.execCount(ctx, "force_pending", `
		UPDATE commands SET status = 'pending', lease_expires_at = 0, updated_at = ? WHERE id = ?
	`, toMillis(now), id)
	return n == 1, err
}

func (s *SQLiteStore) execCount(ctx context.Context, op, query string, args ...any) (int64, error) {
	var n int64
	err := s.retry.do(ctx, op, func() error {
		r, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			if isSQLiteUnique(err) {
				return ErrConflict
			}
			return err
		}
		n, _ = r.RowsAffected()
		return nil
	})
	return n, err
}

func (s *SQLiteStore) QueueDepth(ctx context.Context) (models.QueueDepth, error) {
	depth := make(models.QueueDepth, len(models.Statuses))
	for _, st := range models.Statuses {
		depth[st] = 0
	}
	err := s.retry.do(ctx, "queue_depth", func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM commands GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var n int64
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			depth[status] = n
		}
		return rows.Err()
	})
	return depth, err
}

func (s *SQLiteStore) PendingDue(ctx context.Context, now time.Time) (PendingCounts, error) {
	nowMs := toMillis(defaultNow(now))
	var pc PendingCounts
	err := s.retry.do(ctx, "pending_due", func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(CASE WHEN not_before <= ? THEN 1 ELSE 0 END), 0),
			       COALESCE(SUM(CASE WHEN not_before > ? THEN 1 ELSE 0 END), 0)
			FROM commands WHERE status = 'pending'
		`, nowMs, nowMs).Scan(&pc.Due, &pc.NotDue)
	})
	return pc, err
}

func (s *SQLiteStore) GetCommand(ctx context.Context, id string) (models.Command, error) {
	var cmd models.Command
	err := s.retry.do(ctx, "get_command", func() error {
		var err error
		cmd, err = scanSQLiteCommand(s.db.QueryRowContext(ctx, `SELECT `+sqliteCommandCols+` FROM commands WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return cmd, err
}

func (s *SQLiteStore) ListCommands(ctx context.Context, f ListFilter) ([]models.Command, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.DueOnly {
		where = append(where, "status = 'pending' AND not_before <= ?")
		args = append(args, toMillis(defaultNow(f.Now)))
	}
	query := `SELECT ` + sqliteCommandCols + ` FROM commands`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, seq LIMIT ?`
	args = append(args, listLimit(f.Limit))

	var out []models.Command
	err := s.retry.do(ctx, "list_commands", func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		out, err = scanSQLiteCommands(rows)
		return err
	})
	return out, err
}

func (s *SQLiteStore) LatestReceipt(ctx context.Context, cmdID string) (models.Receipt, bool, error) {
	var rc models.Receipt
	var found bool
	err := s.retry.do(ctx, "latest_receipt", func() error {
		var err error
		rc, err = scanSQLiteReceipt(s.db.QueryRowContext(ctx, `
			SELECT `+sqliteReceiptCols+` FROM receipts WHERE cmd_id = ? ORDER BY id DESC LIMIT 1
		`, cmdID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		found = err == nil
		return err
	})
	return rc, found, err
}

func (s *SQLiteStore) ListReceipts(ctx context.Context, f ReceiptFilter) ([]models.Receipt, error) {
	query := `SELECT ` + sqliteReceiptCols + ` FROM receipts`
	var args []any
	if f.CommandID != "" {
		query += ` WHERE cmd_id = ?`
		args = append(args, f.CommandID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, listLimit(f.Limit))

	var out []models.Receipt
	err := s.retry.do(ctx, "list_receipts", func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			rc, err := scanSQLiteReceipt(rows)
			if err != nil {
				return err
			}
			out = append(out, rc)
		}
		return rows.Err()
	})
	return out, err
}

func (s *SQLiteStore) CountReceipts(ctx context.Context) (int64, error) {
	var n int64
	err := s.retry.do(ctx, "count_receipts", func() error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM receipts`).Scan(&n)
	})
	return n, err
}

// CompactReceipts aggregates and deletes, in one transaction, the oldest raw
// receipts received before the cutoff. Only rows deleted in this pass are counted.
func (s *SQLiteStore) CompactReceipts(ctx context.Context, p CompactParams) (CompactResult, error) {
	if p.MaxDelete <= 0 {
		p.MaxDelete = DefaultCompactBatch
	}
	var res CompactResult
	err := s.retry.do(ctx, "compact", func() error {
		res = CompactResult{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		rows, err := tx.QueryContext(ctx, `
			SELECT `+sqliteReceiptCols+` FROM receipts
			WHERE received_at < ? ORDER BY received_at, id LIMIT ?
		`, toMillis(p.Cutoff), p.MaxDelete)
		if err != nil {
			return fmt.Errorf("select old receipts: %w", err)
		}
		var batch []models.Receipt
		for rows.Next() {
			rc, err := scanSQLiteReceipt(rows)
			if err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, rc)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		days := aggregateDaily(batch)
		for _, d := range days {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO receipts_daily (day_utc, count_total, count_ok, count_error, last_ts)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (day_utc) DO UPDATE SET
					count_total = count_total + excluded.count_total,
					count_ok = count_ok + excluded.count_ok,
					count_error = count_error + excluded.count_error,
					last_ts = MAX(last_ts, excluded.last_ts)
			`, d.Day, d.CountTotal, d.CountOK, d.CountError, toMillis(d.LastTS)); err != nil {
				return fmt.Errorf("upsert daily %s: %w", d.Day, err)
			}
		}

		if err := archiveReceipts(ctx, p.Archive, batch); err != nil {
			return err
		}

		ids := make([]int64, len(batch))
		for i, rc := range batch {
			ids[i] = rc.ID
		}
		var deleted int64
		for _, chunk := range chunkIDs(ids, 500) {
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
			args := make([]any, len(chunk))
			for i, id := range chunk {
				args[i] = id
			}
			r, err := tx.ExecContext(ctx, `DELETE FROM receipts WHERE id IN (`+placeholders+`)`, args...)
			if err != nil {
				return fmt.Errorf("delete receipts: %w", err)
			}
			n, _ := r.RowsAffected()
			deleted += n
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		res = CompactResult{Deleted: deleted, Days: days}
		return nil
	})
	return res, err
}

func (s *SQLiteStore) DailyReceipts(ctx context.Context, limit int) ([]models.DailyReceipts, error) {
	var out []models.DailyReceipts
	err := s.retry.do(ctx, "daily_receipts", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT day_utc, count_total, count_ok, count_error, last_ts
			FROM receipts_daily ORDER BY day_utc DESC LIMIT ?
		`, listLimit(limit))
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var d models.DailyReceipts
			var last int64
			if err := rows.Scan(&d.Day, &d.CountTotal, &d.CountOK, &d.CountError, &last); err != nil {
				return err
			}
			d.LastTS = fromMillis(last)
			out = append(out, d)
		}
		return rows.Err()
	})
	return out, err
}

func (s *SQLiteStore) RecordHeartbeat(ctx context.Context, p HeartbeatParams) error {
	if p.AgentID == "" {
		return errors.New("heartbeat agent id is required")
	}
	now := defaultNow(p.Now)
	return s.retry.do(ctx, "heartbeat", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_heartbeats (agent_id, last_seen, latency_ms, beats) VALUES (?, ?, ?, 1)
			ON CONFLICT (agent_id) DO UPDATE SET
				last_seen = excluded.last_seen, latency_ms = excluded.latency_ms, beats = beats + 1
		`, p.AgentID, toMillis(now), p.LatencyMS)
		return err
	})
}

func (s *SQLiteStore) ListHeartbeats(ctx context.Context) ([]models.Heartbeat, error) {
	var out []models.Heartbeat
	err := s.retry.do(ctx, "list_heartbeats", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT agent_id, last_seen, latency_ms, beats FROM agent_heartbeats ORDER BY agent_id
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var h models.Heartbeat
			var seen int64
			if err := rows.Scan(&h.AgentID, &seen, &h.LatencyMS, &h.Beats); err != nil {
				return err
			}
			h.LastSeen = fromMillis(seen)
			out = append(out, h)
		}
		return rows.Err()
	})
	return out, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteCommand(row rowScanner) (models.Command, error) {
	var c models.Command
	var payload string
	var notBefore, deadline, leasedAt, leaseExp, created, updated int64
	if err := row.Scan(&c.Seq, &c.ID, &c.Type, &payload, &c.Status, &c.TargetAgent, &c.AgentID, &c.Source, &c.DedupeKey,
		&notBefore, &deadline, &leasedAt, &leaseExp, &c.Attempts, &created, &updated); err != nil {
		return models.Command{}, err
	}
	c.Payload = json.RawMessage(payload)
	c.NotBefore = fromMillis(notBefore)
	c.Deadline = fromMillis(deadline)
	c.LeasedAt = fromMillis(leasedAt)
	c.LeaseExpiresAt = fromMillis(leaseExp)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return c, nil
}

func scanSQLiteCommands(rows *sql.Rows) ([]models.Command, error) {
	defer rows.Close()
	var out []models.Command
	for rows.Next() {
		c, err := scanSQLiteCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanSQLiteReceipt(row rowScanner) (models.Receipt, error) {
	var rc models.Receipt
	var ok, received int64
	var result string
	if err := row.Scan(&rc.ID, &rc.CommandID, &rc.AgentID, &ok, &rc.Status, &rc.TxID, &rc.Message, &result, &received); err != nil {
		return models.Receipt{}, err
	}
	rc.OK = ok != 0
	rc.Result = json.RawMessage(result)
	rc.ReceivedAt = fromMillis(received)
	return rc, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
