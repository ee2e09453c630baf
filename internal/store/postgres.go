package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"command-outbox/internal/models"
)

const pgCommandCols = `seq, id, type, payload, status, target_agent, agent_id, source, dedupe_key,
	not_before, deadline, leased_at, lease_expires_at, attempts, created_at, updated_at`

const pgReceiptCols = `id, cmd_id, agent_id, ok, status, txid, message, result, received_at`

// PostgresStore wraps pgxpool for Postgres persistence.
type PostgresStore struct {
	pool  *pgxpool.Pool
	retry retrier
}

// OpenPostgres creates a pooled connection to Postgres.
func OpenPostgres(ctx context.Context, dsn string, policy RetryPolicy) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool, retry: newRetrier(policy, isPostgresTransient)}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// isPostgresTransient matches serialization failures, deadlocks and lock timeouts.
func isPostgresTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}

func isPostgresUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, "postgres", func(ctx context.Context, stmt string) error {
		_, err := s.pool.Exec(ctx, stmt)
		return err
	})
}

// Enqueue inserts a pending command, honoring the active dedupe key.
func (s *PostgresStore) Enqueue(ctx context.Context, p EnqueueParams) (EnqueueResult, error) {
	if err := validateEnqueue(&p); err != nil {
		return EnqueueResult{}, err
	}
	var res EnqueueResult
	err := s.retry.do(ctx, "enqueue", func() error {
		for i := 0; i < 3; i++ {
			id := uuid.New().String()
			tag, err := s.pool.Exec(ctx, `
				INSERT INTO commands (id, type, payload, status, target_agent, source, dedupe_key, not_before, deadline, created_at, updated_at)
				VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8, $9, $9)
				ON CONFLICT (dedupe_key) WHERE status IN ('pending', 'in_flight') DO NOTHING
			`, id, p.Type, []byte(p.Payload), p.TargetAgent, p.Source, p.DedupeKey, nullTime(p.NotBefore), nullTime(p.Deadline), p.Now.UTC())
			if err != nil {
				return fmt.Errorf("insert command: %w", err)
			}
			if tag.RowsAffected() == 1 {
				res = EnqueueResult{ID: id, Created: true}
				return nil
			}
			var existing string
			err = s.pool.QueryRow(ctx, `
				SELECT id FROM commands WHERE dedupe_key = $1 AND status IN ('pending', 'in_flight') LIMIT 1
			`, p.DedupeKey).Scan(&existing)
			if errors.Is(err, pgx.ErrNoRows) {
				// Someone else finished the active command after our insert; try again.
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

// LeaseBatch claims eligible rows with SKIP LOCKED so concurrent callers never overlap.
func (s *PostgresStore) LeaseBatch(ctx context.Context, p LeaseParams) ([]models.Command, error) {
	if p.MaxItems <= 0 {
		return nil, nil
	}
	now := defaultNow(p.Now).UTC()
	var out []models.Command
	err := s.retry.do(ctx, "lease", func() error {
		rows, err := s.pool.Query(ctx, `
			WITH picked AS (
				SELECT seq FROM commands
				WHERE ((status = 'pending' AND (not_before IS NULL OR not_before <= $1) AND (deadline IS NULL OR deadline > $1))
				    OR (status = 'in_flight' AND lease_expires_at IS NOT NULL AND lease_expires_at <= $1))
				  AND (target_agent = '' OR target_agent = $2)
				ORDER BY created_at, seq
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			UPDATE commands c
			SET status = 'in_flight', agent_id = $2, leased_at = $1, lease_expires_at = $4, attempts = c.attempts + 1, updated_at = $1
			FROM picked
			WHERE c.seq = picked.seq
			RETURNING `+prefixCols("c.", pgCommandCols),
			now, p.AgentID, p.MaxItems, now.Add(p.Lease))
		if err != nil {
			return fmt.Errorf("claim commands: %w", err)
		}
		out, err = scanPostgresCommands(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	sortFIFO(out)
	return out, nil
}

func (s *PostgresStore) RenewLease(ctx context.Context, p RenewParams) (bool, error) {
	now := defaultNow(p.Now).UTC()
	var renewed bool
	err := s.retry.do(ctx, "renew", func() error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE commands SET lease_expires_at = $1, updated_at = $2
			WHERE id = $3 AND status = 'in_flight' AND agent_id = $4 AND lease_expires_at > $2
		`, now.Add(p.Lease), now, p.ID, p.AgentID)
		if err != nil {
			return err
		}
		renewed = tag.RowsAffected() == 1
		return nil
	})
	return renewed, err
}

// Ack appends the receipt and transitions the command in one transaction.
func (s *PostgresStore) Ack(ctx context.Context, p AckParams) (AckResult, error) {
	if err := validateAck(&p); err != nil {
		return AckResult{}, err
	}
	rc := p.Receipt
	if rc.AgentID == "" {
		rc.AgentID = p.AgentID
	}
	now := p.Now.UTC()
	var res AckResult
	err := s.retry.do(ctx, "ack", func() error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx) // safe no-op on commit

		var status string
		err = tx.QueryRow(ctx, `SELECT status FROM commands WHERE id = $1`, p.ID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load command: %w", err)
		}

		var receiptID int64
		if err := tx.QueryRow(ctx, `
			INSERT INTO receipts (cmd_id, agent_id, ok, status, txid, message, result, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`, p.ID, rc.AgentID, rc.OK, rc.Status, rc.TxID, rc.Message, []byte(rc.Result), now).Scan(&receiptID); err != nil {
			return fmt.Errorf("insert receipt: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE commands SET status = $1, lease_expires_at = NULL, updated_at = $2
			WHERE id = $3 AND status = 'in_flight' AND agent_id = $4
		`, p.Status, now, p.ID, p.AgentID)
		if err != nil {
			return fmt.Errorf("transition command: %w", err)
		}
		res = AckResult{ReceiptID: receiptID, Status: status, Transitioned: tag.RowsAffected() == 1}
		if res.Transitioned {
			res.Status = p.Status
		}
		return tx.Commit(ctx)
	})
	return res, err
}

func (s *PostgresStore) ReapExpired(ctx context.Context, agentID string, now time.Time) (int64, error) {
	now = defaultNow(now).UTC()
	query := `UPDATE commands SET status = 'pending', lease_expires_at = NULL, updated_at = $1
		WHERE status = 'in_flight' AND lease_expires_at IS NOT NULL AND lease_expires_at <= $1`
	args := []any{now}
	if agentID != "" {
		query += ` AND agent_id = $2`
		args = append(args, agentID)
	}
	return s.execCount(ctx, "reap", query, args...)
}

func (s *PostgresStore) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	now = defaultNow(now).UTC()
	return s.execCount(ctx, "expire", `
		UPDATE commands SET status = 'expired', updated_at = $1
		WHERE status = 'pending' AND deadline IS NOT NULL AND deadline <= $1
	`, now)
}

func (s *PostgresStore) ForcePending(ctx context.Context, id string, now time.Time) (bool, error) {
	now = defaultNow(now).UTC()
	n, err := s.execCount(ctx, "force_pending", `
		UPDATE commands SET status = 'pending', lease_expires_at = NULL, updated_at = $1 WHERE id = $2
	`, now, id)
	return n == 1, err
}

func (s *PostgresStore) execCount(ctx context.Context, op, query string, args ...any) (int64, error) {
	var n int64
	err := s.retry.do(ctx, op, func() error {
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			if isPostgresUnique(err) {
				return ErrConflict
			}
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

func (s *PostgresStore) QueueDepth(ctx context.Context) (models.QueueDepth, error) {
	depth := make(models.QueueDepth, len(models.Statuses))
	for _, st := range models.Statuses {
		depth[st] = 0
	}
	err := s.retry.do(ctx, "queue_depth", func() error {
		rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM commands GROUP BY status`)
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

func (s *PostgresStore) PendingDue(ctx context.Context, now time.Time) (PendingCounts, error) {
	now = defaultNow(now).UTC()
	var pc PendingCounts
	err := s.retry.do(ctx, "pending_due", func() error {
		return s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FILTER (WHERE not_before IS NULL OR not_before <= $1),
			       COUNT(*) FILTER (WHERE not_before > $1)
			FROM commands WHERE status = 'pending'
		`, now).Scan(&pc.Due, &pc.NotDue)
	})
	return pc, err
}

func (s *PostgresStore) GetCommand(ctx context.Context, id string) (models.Command, error) {
	var cmd models.Command
	err := s.retry.do(ctx, "get_command", func() error {
		var err error
		cmd, err = scanPostgresCommand(s.pool.QueryRow(ctx, `SELECT `+pgCommandCols+` FROM commands WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return cmd, err
}

func (s *PostgresStore) ListCommands(ctx context.Context, f ListFilter) ([]models.Command, error) {
	var where []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		where = append(where, "status = "+next(f.Status))
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = "+next(f.AgentID))
	}
	if f.DueOnly {
		now := next(defaultNow(f.Now).UTC())
		where = append(where, "status = 'pending' AND (not_before IS NULL OR not_before <= "+now+")")
	}
	query := `SELECT ` + pgCommandCols + ` FROM commands`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, seq LIMIT ` + next(listLimit(f.Limit))

	var out []models.Command
	err := s.retry.do(ctx, "list_commands", func() error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		out, err = scanPostgresCommands(rows)
		return err
	})
	return out, err
}

func (s *PostgresStore) LatestReceipt(ctx context.Context, cmdID string) (models.Receipt, bool, error) {
	var rc models.Receipt
	var found bool
	err := s.retry.do(ctx, "latest_receipt", func() error {
		var err error
		rc, err = scanPostgresReceipt(s.pool.QueryRow(ctx, `
			SELECT `+pgReceiptCols+` FROM receipts WHERE cmd_id = $1 ORDER BY id DESC LIMIT 1
		`, cmdID))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		found = err == nil
		return err
	})
	return rc, found, err
}

func (s *PostgresStore) ListReceipts(ctx context.Context, f ReceiptFilter) ([]models.Receipt, error) {
	query := `SELECT ` + pgReceiptCols + ` FROM receipts`
	args := []any{listLimit(f.Limit)}
	if f.CommandID != "" {
		query += ` WHERE cmd_id = $2`
		args = append(args, f.CommandID)
	}
	query += ` ORDER BY id DESC LIMIT $1`

	var out []models.Receipt
	err := s.retry.do(ctx, "list_receipts", func() error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			rc, err := scanPostgresReceipt(rows)
			if err != nil {
				return err
			}
			out = append(out, rc)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) CountReceipts(ctx context.Context) (int64, error) {
	var n int64
	err := s.retry.do(ctx, "count_receipts", func() error {
		return s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM receipts`).Scan(&n)
	})
	return n, err
}

func (s *PostgresStore) CompactReceipts(ctx context.Context, p CompactParams) (CompactResult, error) {
	if p.MaxDelete <= 0 {
		p.MaxDelete = DefaultCompactBatch
	}
	var res CompactResult
	err := s.retry.do(ctx, "compact", func() error {
		res = CompactResult{}
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		rows, err := tx.Query(ctx, `
			SELECT `+pgReceiptCols+` FROM receipts
			WHERE received_at < $1 ORDER BY received_at, id LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, p.Cutoff.UTC(), p.MaxDelete)
		if err != nil {
			return fmt.Errorf("select old receipts: %w", err)
		}
		var batch []models.Receipt
		for rows.Next() {
			rc, err := scanPostgresReceipt(rows)
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
			if _, err := tx.Exec(ctx, `
				INSERT INTO receipts_daily (day_utc, count_total, count_ok, count_error, last_ts)
				VALUES ($1::date, $2, $3, $4, $5)
				ON CONFLICT (day_utc) DO UPDATE SET
					count_total = receipts_daily.count_total + EXCLUDED.count_total,
					count_ok = receipts_daily.count_ok + EXCLUDED.count_ok,
					count_error = receipts_daily.count_error + EXCLUDED.count_error,
					last_ts = GREATEST(receipts_daily.last_ts, EXCLUDED.last_ts)
			`, d.Day, d.CountTotal, d.CountOK, d.CountError, d.LastTS); err != nil {
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
			tag, err := tx.Exec(ctx, `DELETE FROM receipts WHERE id = ANY($1)`, chunk)
			if err != nil {
				return fmt.Errorf("delete receipts: %w", err)
			}
			deleted += tag.RowsAffected()
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		res = CompactResult{Deleted: deleted, Days: days}
		return nil
	})
	return res, err
}

func (s *PostgresStore) DailyReceipts(ctx context.Context, limit int) ([]models.DailyReceipts, error) {
	var out []models.DailyReceipts
	err := s.retry.do(ctx, "daily_receipts", func() error {
		rows, err := s.pool.Query(ctx, `
			SELECT to_char(day_utc, 'YYYY-MM-DD'), count_total, count_ok, count_error, last_ts
			FROM receipts_daily ORDER BY day_utc DESC LIMIT $1
		`, listLimit(limit))
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var d models.DailyReceipts
			var last pgtype.Timestamptz
			if err := rows.Scan(&d.Day, &d.CountTotal, &d.CountOK, &d.CountError, &last); err != nil {
				return err
			}
			d.LastTS = tsTime(last)
			out = append(out, d)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) RecordHeartbeat(ctx context.Context, p HeartbeatParams) error {
	if p.AgentID == "" {
		return errors.New("heartbeat agent id is required")
	}
	now := defaultNow(p.Now).UTC()
	return s.retry.do(ctx, "heartbeat", func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO agent_heartbeats (agent_id, last_seen, latency_ms, beats) VALUES ($1, $2, $3, 1)
			ON CONFLICT (agent_id) DO UPDATE SET
				last_seen = EXCLUDED.last_seen, latency_ms = EXCLUDED.latency_ms,
				beats = agent_heartbeats.beats + 1
		`, p.AgentID, now, p.LatencyMS)
		return err
	})
}

func (s *PostgresStore) ListHeartbeats(ctx context.Context) ([]models.Heartbeat, error) {
	var out []models.Heartbeat
	err := s.retry.do(ctx, "list_heartbeats", func() error {
		rows, err := s.pool.Query(ctx, `
			SELECT agent_id, last_seen, latency_ms, beats FROM agent_heartbeats ORDER BY agent_id
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var h models.Heartbeat
			var seen pgtype.Timestamptz
			if err := rows.Scan(&h.AgentID, &seen, &h.LatencyMS, &h.Beats); err != nil {
				return err
			}
			h.LastSeen = tsTime(seen)
			out = append(out, h)
		}
		return rows.Err()
	})
	return out, err
}

func scanPostgresCommand(row pgx.Row) (models.Command, error) {
	var c models.Command
	var payload []byte
	var notBefore, deadline, leasedAt, leaseExp pgtype.Timestamptz
	if err := row.Scan(&c.Seq, &c.ID, &c.Type, &payload, &c.Status, &c.TargetAgent, &c.AgentID, &c.Source, &c.DedupeKey,
		&notBefore, &deadline, &leasedAt, &leaseExp, &c.Attempts, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return models.Command{}, err
	}
	c.Payload = json.RawMessage(payload)
	c.NotBefore = tsTime(notBefore)
	c.Deadline = tsTime(deadline)
	c.LeasedAt = tsTime(leasedAt)
	c.LeaseExpiresAt = tsTime(leaseExp)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func scanPostgresCommands(rows pgx.Rows) ([]models.Command, error) {
	defer rows.Close()
	var out []models.Command
	for rows.Next() {
		c, err := scanPostgresCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanPostgresReceipt(row pgx.Row) (models.Receipt, error) {
	var rc models.Receipt
	var result []byte
	if err := row.Scan(&rc.ID, &rc.CommandID, &rc.AgentID, &rc.OK, &rc.Status, &rc.TxID, &rc.Message, &result, &rc.ReceivedAt); err != nil {
		return models.Receipt{}, err
	}
	rc.Result = json.RawMessage(result)
	rc.ReceivedAt = rc.ReceivedAt.UTC()
	return rc, nil
}

func tsTime(t pgtype.Timestamptz) time.Time {
	if t.Valid {
		return t.Time.UTC()
	}
	return time.Time{}
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func prefixCols(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
