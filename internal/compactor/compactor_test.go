package compactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"command-outbox/internal/models"
	"command-outbox/internal/store"
)

var now = time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "outbox.db"),
		Retry:  store.RetryPolicy{Attempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// seedReceipts records one acked command per timestamp.
func seedReceipts(t *testing.T, st store.Store, at ...time.Time) {
	t.Helper()
	ctx := context.Background()
	for i, ts := range at {
		res, err := st.Enqueue(ctx, store.EnqueueParams{DedupeKey: fmt.Sprintf("k%d", i), Now: ts.Add(-time.Minute)})
		require.NoError(t, err)
		_, err = st.LeaseBatch(ctx, store.LeaseParams{AgentID: "edge-1", MaxItems: 1, Lease: time.Hour, Now: ts.Add(-time.Second)})
		require.NoError(t, err)
		_, err = st.Ack(ctx, store.AckParams{
			ID:      res.ID,
			AgentID: "edge-1",
			Status:  models.StatusDone,
			Receipt: models.Receipt{OK: i%2 == 0, Status: "done"},
			Now:     ts,
		})
		require.NoError(t, err)
	}
}

func TestRunOnceCompactsOnlyOldReceipts(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	old := now.Add(-20 * 24 * time.Hour)
	seedReceipts(t, st, old, old.Add(time.Hour), old.Add(24*time.Hour), now.Add(-time.Hour))

	c, err := New(Config{Store: st, Now: func() time.Time { return now }})
	require.NoError(t, err)

	res, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Deleted)

	count, err := st.CountReceipts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	daily, err := st.DailyReceipts(ctx, 10)
	require.NoError(t, err)
	var total int64
	for _, d := range daily {
		total += d.CountTotal
	}
	assert.Equal(t, int64(3), total)

	again, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Deleted)
}

func TestDrainRespectsBatchSize(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	old := now.Add(-30 * 24 * time.Hour)
	seedReceipts(t, st, old, old.Add(time.Minute), old.Add(2*time.Minute), old.Add(3*time.Minute), old.Add(4*time.Minute))

	c, err := New(Config{Store: st, MaxDelete: 2, Now: func() time.Time { return now }})
	require.NoError(t, err)

	first, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Deleted)

	n, err := c.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	daily, err := st.DailyReceipts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, int64(5), daily[0].CountTotal)
	assert.Equal(t, int64(3), daily[0].CountOK)
	assert.Equal(t, int64(2), daily[0].CountError)
}

func TestLocalArchiverWritesJSONLines(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	old := now.Add(-15 * 24 * time.Hour)
	seedReceipts(t, st, old, old.Add(time.Minute))

	dir := t.TempDir()
	c, err := New(Config{Store: st, Archiver: &LocalArchiver{BaseDir: dir}, Now: func() time.Time { return now }})
	require.NoError(t, err)
	_, err = c.RunOnce(ctx)
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(dir, "day="+old.Format("2006-01-02"), "receipts-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	raw, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	var rc models.Receipt
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rc))
	assert.Equal(t, "edge-1", rc.AgentID)
}

type mockS3 struct {
	mock.Mock
}

func (m *mockS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, in)
	if out, ok := args.Get(0).(*s3.PutObjectOutput); ok {
		return out, args.Error(1)
	}
	return nil, args.Error(1)
}

func TestS3ArchiverFailureKeepsReceipts(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	old := now.Add(-15 * 24 * time.Hour)
	seedReceipts(t, st, old)

	client := new(mockS3)
	client.On("PutObject", mock.Anything, mock.Anything).Return(nil, errors.New("access denied")).Once()
	c, err := New(Config{Store: st, Archiver: NewS3ArchiverWithClient(client, "archive", "outbox"), Now: func() time.Time { return now }})
	require.NoError(t, err)

	_, err = c.RunOnce(ctx)
	require.Error(t, err)
	count, err := st.CountReceipts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		if *in.Bucket != "archive" || !strings.HasPrefix(*in.Key, "outbox/day="+old.Format("2006-01-02")+"/receipts-") {
			return false
		}
		body, _ := io.ReadAll(in.Body)
		return strings.Count(string(body), "\n") == 1
	})).Return(&s3.PutObjectOutput{}, nil).Once()

	res, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Deleted)
	client.AssertExpectations(t)
}

func TestS3OptionsEndpoint(t *testing.T) {
	var so s3.Options
	S3Options{Endpoint: "http://minio:9000", PathStyle: true}.apply(&so)
	require.NotNil(t, so.BaseEndpoint)
	assert.Equal(t, "http://minio:9000", *so.BaseEndpoint)
	assert.True(t, so.UsePathStyle)

	var plain s3.Options
	S3Options{Region: "eu-west-1"}.apply(&plain)
	assert.Nil(t, plain.BaseEndpoint)
	assert.False(t, plain.UsePathStyle)

	_, err := NewS3Archiver(context.Background(), S3Options{Region: "eu-west-1"})
	require.ErrorContains(t, err, "bucket is required")
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(Config{Schedule: "every now and then"})
	require.Error(t, err)

	c, err := New(Config{Schedule: "*/5 * * * *"})
	require.NoError(t, err)
	next := c.schedule.Next(now)
	assert.Equal(t, now.Add(5*time.Minute), next)
}
