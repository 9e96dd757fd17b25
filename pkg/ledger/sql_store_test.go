package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLStore_InsertFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db)
	s := newTestSigners(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sequence, content_hash FROM ledger_events").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "content_hash"}))
	mock.ExpectExec("INSERT INTO ledger_events").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err = store.Append(context.Background(), s.signedDraft(t, 1, GenesisHash, "policy.adopted", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UniqueViolationIsSequenceConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db)
	s := newTestSigners(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sequence, content_hash FROM ledger_events").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "content_hash"}))
	mock.ExpectExec("INSERT INTO ledger_events").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	_, err = store.Append(context.Background(), s.signedDraft(t, 1, GenesisHash, "policy.adopted", nil))
	assert.ErrorIs(t, err, ErrSequenceConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_OrphanFailureLeavesNoEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db)
	s := newTestSigners(t)
	headHash := strings.Repeat("1f", 32)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sequence, content_hash FROM ledger_events").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "content_hash"}).AddRow(5, headHash))
	mock.ExpectExec("INSERT INTO ledger_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_orphans").
		WithArgs(int64(6), int64(3), int64(6)).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	d := s.signedDraft(t, 6, headHash, EventTypeRollbackCompleted, OrphanRange{Start: 3, End: 6})
	_, err = store.Append(context.Background(), d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark orphans")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ValidationFailureWritesNothing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db)
	s := newTestSigners(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sequence, content_hash FROM ledger_events").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "content_hash"}))
	mock.ExpectRollback()

	d := s.signedDraft(t, 1, GenesisHash, "policy.adopted", nil)
	d.WitnessID = "no-prefix"
	_, err = store.Append(context.Background(), d)
	assert.ErrorIs(t, err, ErrWitnessFormat)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_InitIsIdempotent(t *testing.T) {
	store := newSQLiteStore(t)
	require.NoError(t, store.Init(context.Background()))
}
