package checkpointstore

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	rawDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { rawDB.Close() })

	return NewWithDB(rawDB, "postgres", zap.NewNop()), mock
}

func TestCreateCheckpointInsertsRow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO checkpoints`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), []byte(`{"a":1}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := store.CreateCheckpoint(context.Background(), []byte(`{"a":1}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadCheckpointReturnsRecord(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "created_at", "state"}).
		AddRow("cp-1", int64(1000), []byte(`{"a":1}`))
	mock.ExpectQuery(`SELECT id, created_at, state FROM checkpoints WHERE id = `).
		WithArgs("cp-1").
		WillReturnRows(rows)

	rec, err := store.LoadCheckpoint(context.Background(), "cp-1")
	require.NoError(t, err)
	require.Equal(t, "cp-1", rec.ID)
	require.Equal(t, int64(1000), rec.CreatedAt)
	require.Equal(t, []byte(`{"a":1}`), rec.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListCheckpointsReturnsAllRows(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "created_at", "state"}).
		AddRow("cp-2", int64(2000), []byte(`{"b":2}`)).
		AddRow("cp-1", int64(1000), []byte(`{"a":1}`))
	mock.ExpectQuery(`SELECT id, created_at, state FROM checkpoints ORDER BY created_at DESC`).
		WillReturnRows(rows)

	recs, err := store.ListCheckpoints(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "cp-2", recs[0].ID)
	require.Equal(t, "cp-1", recs[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadCheckpointMissingReturnsError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id, created_at, state FROM checkpoints WHERE id = `).
		WithArgs("missing").
		WillReturnError(sqlmock.ErrCancelled)

	_, err := store.LoadCheckpoint(context.Background(), "missing")
	require.Error(t, err)
}
