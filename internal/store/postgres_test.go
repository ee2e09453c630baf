package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"command-outbox/internal/models"
)

func TestPostgresErrorClassification(t *testing.T) {
	for code, transient := range map[string]bool{
		"40001": true,
		"40P01": true,
		"55P03": true,
		"23505": false,
		"42P01": false,
	} {
		err := fmt.Errorf("exec: %w", &pgconn.PgError{Code: code})
		assert.Equal(t, transient, isPostgresTransient(err), code)
		assert.Equal(t, code == "23505", isPostgresUnique(err), code)
	}
	assert.False(t, isPostgresTransient(context.DeadlineExceeded))
}

// newPostgresStore connects to OUTBOX_TEST_POSTGRES_DSN and empties the outbox
// tables. Tests are skipped when the variable is unset.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("OUTBOX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("OUTBOX_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := OpenPostgres(ctx, dsn, RetryPolicy{Attempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))
	_, err = st.pool.Exec(ctx, `TRUNCATE commands, receipts, receipts_daily, agent_heartbeats RESTART IDENTITY`)
	require.NoError(t, err)
	return st
}

func TestPostgresEnqueueDedupe(t *testing.T) {
	ctx := context.Background()
	st := newPostgresStore(t)

	first, err := st.Enqueue(ctx, EnqueueParams{DedupeKey: "abc", Payload: json.RawMessage(`{"a":1}`), Now: t0})
	require.NoError(t, err)
	assert.True(t, first.Created)

	again, err := st.Enqueue(ctx, EnqueueParams{DedupeKey: "abc", Payload: json.RawMessage(`{"a":2}`), Now: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, first.ID, again.ID)

	cmd, err := st.GetCommand(ctx, first.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(cmd.Payload))
	assert.Equal(t, models.StatusPending, cmd.Status)
}

func TestPostgresLeaseFIFOAndNoOverlap(t *testing.T) {
	ctx := context.Background()
	st := newPostgresStore(t)
	const total = 12
	var order []string
	for i := 0; i < total; i++ {
		order = append(order, enqueue(t, st, fmt.Sprintf("cmd-%d", i), t0.Add(time.Duration(i)*time.Millisecond)))
	}

	first, err := st.LeaseBatch(ctx, LeaseParams{AgentID: "edge-0", MaxItems: 3, Lease: time.Minute, Now: t0.Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, first, 3)
	for i, cmd := range first {
		assert.Equal(t, order[i], cmd.ID)
		assert.Equal(t, models.StatusInFlight, cmd.Status)
		assert.Equal(t, "edge-0", cmd.AgentID)
	}

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		dup  []string
		wg   sync.WaitGroup
	)
	for w := 1; w <= 4; w++ {
		agent := fmt.Sprintf("edge-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := st.LeaseBatch(ctx, LeaseParams{AgentID: agent, MaxItems: 3, Lease: time.Minute, Now: t0.Add(2 * time.Second)})
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, cmd := range got {
				if seen[cmd.ID] {
					dup = append(dup, cmd.ID)
				}
				seen[cmd.ID] = true
			}
		}()
	}
	wg.Wait()
	assert.Empty(t, dup)
	assert.Len(t, seen, total-3)
}

func TestPostgresAckAndReap(t *testing.T) {
	ctx := context.Background()
	st := newPostgresStore(t)
	acked := enqueue(t, st, "acked", t0)
	reaped := enqueue(t, st, "reaped", t0.Add(time.Millisecond))

	leased, err := st.LeaseBatch(ctx, LeaseParams{AgentID: "edge-1", MaxItems: 2, Lease: 30 * time.Second, Now: t0})
	require.NoError(t, err)
	require.Len(t, leased, 2)

	res, err := st.Ack(ctx, AckParams{ID: acked, AgentID: "edge-2", Status: models.StatusDone, Now: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.False(t, res.Transitioned, "only the lease holder transitions")

	res, err = st.Ack(ctx, AckParams{ID: acked, AgentID: "edge-1", Status: models.StatusDone, Receipt: models.Receipt{OK: true, TxID: "T1"}, Now: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.True(t, res.Transitioned)
	assert.Equal(t, models.StatusDone, res.Status)

	receipts, err := st.ListReceipts(ctx, ReceiptFilter{CommandID: acked})
	require.NoError(t, err)
	assert.Len(t, receipts, 2)

	n, err := st.ReapExpired(ctx, "", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = st.ReapExpired(ctx, "", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	cmd, err := st.GetCommand(ctx, reaped)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, cmd.Status)
	assert.True(t, cmd.LeaseExpiresAt.IsZero())

	_, err = st.Ack(ctx, AckParams{ID: "missing", AgentID: "edge-1", Status: models.StatusDone, Now: t0})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresCompactReceipts(t *testing.T) {
	ctx := context.Background()
	st := newPostgresStore(t)
	old := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	for i, ok := range []bool{true, false, true} {
		at := old.Add(time.Duration(i) * time.Hour)
		id := enqueue(t, st, fmt.Sprintf("r%d", i), at)
		status := models.StatusDone
		if !ok {
			status = models.StatusError
		}
		_, err := st.Ack(ctx, AckParams{ID: id, AgentID: "edge-1", Status: status, Receipt: models.Receipt{OK: ok}, Now: at})
		require.NoError(t, err)
	}

	cutoff := t0.Add(-14 * 24 * time.Hour)
	res, err := st.CompactReceipts(ctx, CompactParams{Cutoff: cutoff, MaxDelete: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Deleted)
	res, err = st.CompactReceipts(ctx, CompactParams{Cutoff: cutoff, MaxDelete: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Deleted)

	days, err := st.DailyReceipts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, "2026-02-01", days[0].Day)
	assert.Equal(t, int64(3), days[0].CountTotal)
	assert.Equal(t, int64(2), days[0].CountOK)
	assert.Equal(t, int64(1), days[0].CountError)

	count, err := st.CountReceipts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestPostgresRecordHeartbeat(t *testing.T) {
	ctx := context.Background()
	st := newPostgresStore(t)

	require.NoError(t, st.RecordHeartbeat(ctx, HeartbeatParams{AgentID: "edge-1", LatencyMS: 90.5, Now: t0}))
	require.NoError(t, st.RecordHeartbeat(ctx, HeartbeatParams{AgentID: "edge-1", LatencyMS: 30.25, Now: t0.Add(time.Minute)}))

	beats, err := st.ListHeartbeats(ctx)
	require.NoError(t, err)
	require.Len(t, beats, 1)
	assert.Equal(t, 30.25, beats[0].LatencyMS)
	assert.Equal(t, int64(2), beats[0].Beats)
	assert.True(t, beats[0].LastSeen.Equal(t0.Add(time.Minute)))
}
