package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"command-outbox/internal/client"
)

type ack struct {
	id     string
	status string
	rc     client.Receipt
}

type fakeAPI struct {
	mu       sync.Mutex
	batches  [][]client.Command
	pullErr  error
	pulls    int
	renewOK  bool
	renewals int
	acks     []ack
	beats    []time.Duration
	beatErr  error
}

func (f *fakeAPI) Pull(_ context.Context, limit int, _ time.Duration) ([]client.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	if len(b) > limit {
		b = b[:limit]
	}
	return b, nil
}

func (f *fakeAPI) Renew(_ context.Context, _ string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewals++
	return f.renewOK, nil
}

func (f *fakeAPI) Ack(_ context.Context, id, status string, rc client.Receipt) (client.AckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, ack{id: id, status: status, rc: rc})
	return client.AckResult{Status: status, Transitioned: true}, nil
}

func (f *fakeAPI) Heartbeat(_ context.Context, latency time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats = append(f.beats, latency)
	return f.beatErr
}

func (f *fakeAPI) snapshot() ([]ack, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ack(nil), f.acks...), f.renewals, f.pulls
}

func cmd(id, typ, payload string) client.Command {
	return client.Command{ID: id, Type: typ, Payload: json.RawMessage(payload)}
}

func TestPollOnceDispatchesByType(t *testing.T) {
	api := &fakeAPI{renewOK: true, batches: [][]client.Command{{
		cmd("a", "order.place", `{"symbol":"BTC/USD"}`),
		cmd("b", "order.cancel", `{}`),
	}}}
	r := New(Config{API: api, Lease: time.Minute})
	var cancelled []string
	r.RegisterHandler("order.cancel", func(_ context.Context, c client.Command) (Outcome, error) {
		cancelled = append(cancelled, c.ID)
		return Outcome{TxID: "cx-1"}, nil
	})

	n, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"b"}, cancelled)

	acks, _, _ := api.snapshot()
	require.Len(t, acks, 2)
	assert.Equal(t, "a", acks[0].id)
	assert.Equal(t, StatusDone, acks[0].status)
	assert.Equal(t, "dry-a", acks[0].rc.TxID)
	assert.JSONEq(t, `{"dry_run":true,"type":"order.place","symbol":"BTC/USD"}`, string(acks[0].rc.Result))
	assert.Equal(t, StatusDone, acks[1].status, "empty outcome status defaults to DONE")
	assert.Equal(t, "cx-1", acks[1].rc.TxID)
}

func TestHandlerErrorAcksError(t *testing.T) {
	api := &fakeAPI{renewOK: true, batches: [][]client.Command{{
		cmd("f", "order.place", `{"should_fail":true}`),
		cmd("h", "order.place", `{"hold":true}`),
	}}}
	r := New(Config{API: api, Lease: time.Minute})

	_, err := r.PollOnce(context.Background())
	require.NoError(t, err)

	acks, _, _ := api.snapshot()
	require.Len(t, acks, 2)
	assert.Equal(t, StatusError, acks[0].status)
	assert.Contains(t, acks[0].rc.Message, "should_fail")
	assert.Equal(t, StatusHeld, acks[1].status)
}

func TestUnknownTypeWithoutDefaultFails(t *testing.T) {
	api := &fakeAPI{renewOK: true, batches: [][]client.Command{{cmd("x", "wire.transfer", `{}`)}}}
	r := New(Config{API: api, Lease: time.Minute})
	r.SetDefaultHandler(nil)

	_, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	acks, _, _ := api.snapshot()
	require.Len(t, acks, 1)
	assert.Equal(t, StatusError, acks[0].status)
	assert.Contains(t, acks[0].rc.Message, "no handler registered")
}

func TestLongHandlerRenewsLease(t *testing.T) {
	api := &fakeAPI{renewOK: true, batches: [][]client.Command{{cmd("slow", "order.place", `{"duration_ms":150}`)}}}
	r := New(Config{API: api, Lease: 40 * time.Millisecond})

	_, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	acks, renewals, _ := api.snapshot()
	assert.GreaterOrEqual(t, renewals, 2)
	require.Len(t, acks, 1)
	assert.Equal(t, StatusDone, acks[0].status)
}

func TestLostLeaseCancelsHandler(t *testing.T) {
	api := &fakeAPI{renewOK: false, batches: [][]client.Command{{cmd("gone", "order.place", `{"duration_ms":5000}`)}}}
	r := New(Config{API: api, Lease: 40 * time.Millisecond})

	start := time.Now()
	_, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	acks, renewals, _ := api.snapshot()
	assert.Equal(t, 1, renewals)
	require.Len(t, acks, 1)
	assert.Equal(t, StatusError, acks[0].status)
	assert.Equal(t, ErrLeaseLost.Error(), acks[0].rc.Message)
}

func TestRunStopsOnCancelAndBacksOff(t *testing.T) {
	api := &fakeAPI{pullErr: errors.New("connection refused")}
	r := New(Config{API: api, Poll: 20 * time.Millisecond, BackoffMax: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := r.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, _, pulls := api.snapshot()
	assert.GreaterOrEqual(t, pulls, 2)
	assert.Less(t, pulls, 8, "failed pulls must back off rather than spin")
}

func TestShutdownSkipsAck(t *testing.T) {
	api := &fakeAPI{renewOK: true, batches: [][]client.Command{{cmd("s", "order.place", `{"duration_ms":5000}`)}}}
	r := New(Config{API: api, Lease: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _ = r.PollOnce(ctx)
	acks, _, _ := api.snapshot()
	assert.Empty(t, acks)
}

func TestPollOnceSendsHeartbeat(t *testing.T) {
	api := &fakeAPI{renewOK: true, beatErr: errors.New("bus unavailable")}
	r := New(Config{API: api})

	n, err := r.PollOnce(context.Background())
	require.NoError(t, err, "heartbeat failure must not fail the poll")
	assert.Equal(t, 0, n)
	n, err = r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	api.mu.Lock()
	assert.Len(t, api.beats, 2)
	api.mu.Unlock()

	failing := &fakeAPI{pullErr: errors.New("connection refused")}
	_, err = New(Config{API: failing}).PollOnce(context.Background())
	require.Error(t, err)
	assert.Empty(t, failing.beats)
}
