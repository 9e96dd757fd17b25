package tasks

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newSQLiteTasks(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	s := NewSQLStore(db)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestSQLStore_AtomicTransition(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTasks(t)
	require.NoError(t, s.Put(ctx, "t1", StatusRouted))
	require.NoError(t, s.Put(ctx, "t2", StatusNullified))

	active, err := s.GetActiveTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Task{{ID: "t1", Status: StatusRouted}}, active)

	require.NoError(t, s.AtomicTransition(ctx, "t1", StatusRouted, StatusNullified))

	err = s.AtomicTransition(ctx, "t1", StatusRouted, StatusNullified)
	var conflict *ConcurrencyError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, StatusRouted, conflict.Expected)
	assert.Equal(t, StatusNullified, conflict.Actual)

	assert.ErrorIs(t, s.AtomicTransition(ctx, "missing", StatusRouted, StatusNullified), ErrTaskNotFound)
	assert.ErrorIs(t, s.AtomicTransition(ctx, "t1", StatusInProgress, StatusNullified), ErrInvalidTransition)
}

func TestSQLStore_CompareAndSwapMiss(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db)
	mock.ExpectExec("UPDATE tasks SET status").
		WithArgs("QUARANTINED", sqlmock.AnyArg(), "t9", "IN_PROGRESS").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM tasks").
		WithArgs("t9").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("REPORTED"))

	err = s.AtomicTransition(context.Background(), "t9", StatusInProgress, StatusQuarantined)
	assert.ErrorIs(t, err, ErrConcurrency)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_WithSQLStore(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTasks(t)
	require.NoError(t, s.Put(ctx, "pre", StatusActivated))
	require.NoError(t, s.Put(ctx, "post", StatusAggregated))
	app, _ := newTestAppender(t)

	result, err := NewEngine(s, app).Sweep(ctx, "halt-sql")
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalProcessed)

	st, err := s.Get(ctx, "post")
	require.NoError(t, err)
	assert.Equal(t, StatusQuarantined, st)
}
