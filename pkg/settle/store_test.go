package settle

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimProofsLeasesRows(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	queue := NewPostgresQueue(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM work_proofs\s+WHERE anchor_status = (.+) FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "attendance_id", "worker_id", "event_id", "content_hash", "worker_ref_hash", "submission_handle", "attempt_count",
		}).AddRow("p1", "att-1", "wkr-1", "evt-1", "sha256:abc", "wrk:def", nil, 2))
	mock.ExpectExec(`UPDATE work_proofs SET last_attempt_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := queue.ClaimProofs(context.Background(), "UNANCHORED", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "p1", claimed[0].ID)
	assert.Equal(t, 2, claimed[0].AttemptCount)
	assert.Empty(t, claimed[0].Handle)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimProofsOmitsLockClauseOnSQLite(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	queue := NewSQLiteQueue(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`LIMIT \$3$`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "attendance_id", "worker_id", "event_id", "content_hash", "worker_ref_hash", "submission_handle", "attempt_count",
		}))
	mock.ExpectCommit()

	_, err = queue.ClaimProofs(context.Background(), "UNANCHORED", 10, time.Minute)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDivergenceSkipsOpenReport(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	queue := NewPostgresQueue(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM ledger_divergences`).
		WithArgs("wkr-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	require.NoError(t, queue.RecordDivergence(context.Background(), "wkr-1", 100, 80))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDivergenceInsertsWhenNoneOpen(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	queue := NewPostgresQueue(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM ledger_divergences`).
		WithArgs("wkr-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO ledger_divergences`).
		WithArgs(sqlmock.AnyArg(), "wkr-1", int64(100), int64(80), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, queue.RecordDivergence(context.Background(), "wkr-1", 100, 80))
	assert.NoError(t, mock.ExpectationsWereMet())
}
