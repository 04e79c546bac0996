package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/storage"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, "crawl")
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "crawl")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "crawl; DROP TABLE users")
	require.ErrorContains(t, err, "invalid table prefix")

	store, err := NewWithPool(mock, "")
	require.NoError(t, err)
	require.Equal(t, "crawl_kv", store.kv)
	require.Equal(t, "crawl_queue", store.queue)
}

func TestInitCreatesSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_kv").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_queue").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS crawl_queue_order_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Init(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInitFailureIsStorageError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_kv").WillReturnError(errors.New("connection refused"))

	err := store.Init(context.Background())
	require.Error(t, err)
	require.True(t, storage.IsStorageError(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAndSet(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO crawl_kv").
		WithArgs("fingerprint", "1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT value FROM crawl_kv").
		WithArgs("fingerprint").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("1"))
	mock.ExpectQuery("SELECT value FROM crawl_kv").
		WithArgs("absent").
		WillReturnError(pgx.ErrNoRows)

	require.NoError(t, store.Set(ctx, "fingerprint", "1"))
	value, ok, err := store.Get(ctx, "fingerprint")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", value)

	_, ok, err = store.Get(ctx, "absent")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueDequeue(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO crawl_queue").
		WithArgs("queue", 7, `{"depth":1}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("DELETE FROM crawl_queue").
		WithArgs("queue").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow(`{"depth":1}`))
	mock.ExpectQuery("DELETE FROM crawl_queue").
		WithArgs("queue").
		WillReturnError(pgx.ErrNoRows)

	require.NoError(t, store.Enqueue(ctx, "queue", `{"depth":1}`, 7))
	value, ok, err := store.Dequeue(ctx, "queue")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"depth":1}`, value)

	_, ok, err = store.Dequeue(ctx, "queue")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeueErrorIsStorageError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("DELETE FROM crawl_queue").
		WithArgs("queue").
		WillReturnError(errors.New("deadlock detected"))

	_, _, err := store.Dequeue(context.Background(), "queue")
	require.True(t, storage.IsStorageError(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSizeRemoveClear(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT count").
		WithArgs("queue").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(3)))
	mock.ExpectExec("DELETE FROM crawl_kv").
		WithArgs("queue").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("DELETE FROM crawl_queue").
		WithArgs("queue").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("TRUNCATE crawl_kv, crawl_queue").
		WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))

	size, err := store.Size(ctx, "queue")
	require.NoError(t, err)
	require.Equal(t, 3, size)
	require.NoError(t, store.Remove(ctx, "queue"))
	require.NoError(t, store.Clear(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}
