package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T, attempts int) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := NewSQLiteStore(db, RetryPolicy{Attempts: attempts, Base: time.Millisecond, Max: time.Millisecond})
	return st, mock
}

var reapQuery = regexp.QuoteMeta(`UPDATE commands SET status = 'pending', lease_expires_at = 0`)

func TestReapRetriesBusyDatabase(t *testing.T) {
	st, mock := newMockStore(t, 3)
	mock.ExpectExec(reapQuery).WillReturnError(sqlite3.Error{Code: sqlite3.ErrBusy})
	mock.ExpectExec(reapQuery).WillReturnError(sqlite3.Error{Code: sqlite3.ErrLocked})
	mock.ExpectExec(reapQuery).WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := st.ReapExpired(context.Background(), "", t0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReapSurfacesErrorAfterRetryBudget(t *testing.T) {
	st, mock := newMockStore(t, 2)
	mock.ExpectExec(reapQuery).WillReturnError(sqlite3.Error{Code: sqlite3.ErrBusy})
	mock.ExpectExec(reapQuery).WillReturnError(sqlite3.Error{Code: sqlite3.ErrBusy})

	_, err := st.ReapExpired(context.Background(), "", t0)
	require.Error(t, err)
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "reap", se.Op)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	st, mock := newMockStore(t, 5)
	mock.ExpectExec(reapQuery).WillReturnError(errors.New("disk I/O error"))

	_, err := st.ReapExpired(context.Background(), "", t0)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueReturnsExistingIDOnConflict(t *testing.T) {
	st, mock := newMockStore(t, 1)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO commands`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM commands WHERE dedupe_key = ?`)).
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-id"))

	res, err := st.Enqueue(context.Background(), EnqueueParams{DedupeKey: "abc", Now: t0})
	require.NoError(t, err)
	assert.Equal(t, EnqueueResult{ID: "existing-id"}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := newRetrier(RetryPolicy{Attempts: 5, Base: time.Hour, Max: time.Hour}, func(error) bool { return true })
	calls := 0
	cancel()
	err := r.do(ctx, "op", func() error {
		calls++
		return errors.New("busy")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
