package attendance

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var attendanceCols = []string{
	"id", "application_id", "worker_id", "event_id", "scheduled_start", "scheduled_end",
	"check_in_at", "check_out_at", "late_minutes", "worked_minutes", "compliance_ratio",
	"status", "cancel_class", "created_at", "updated_at",
}

func TestStoreCheckInLocksRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 5, 0, 0, time.UTC)
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 10, 17, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM shift_attendance WHERE id = \\$1 FOR UPDATE").
		WithArgs("att-1").
		WillReturnRows(sqlmock.NewRows(attendanceCols).
			AddRow("att-1", "app-1", "wkr-1", "evt-1", start, end,
				nil, nil, 0, nil, nil, "SCHEDULED", nil, start, start))
	mock.ExpectExec("UPDATE shift_attendance").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a, err := store.CheckIn(ctx, "att-1", now)
	require.NoError(t, err)
	assert.Equal(t, StatusCheckedIn, a.Status)
	assert.Equal(t, 5, a.LateMinutes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreCheckInRejectsNonScheduled(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	end := start.Add(8 * time.Hour)
	in := start.Add(5 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM shift_attendance WHERE id = \\$1 FOR UPDATE").
		WithArgs("att-1").
		WillReturnRows(sqlmock.NewRows(attendanceCols).
			AddRow("att-1", "app-1", "wkr-1", "evt-1", start, end,
				in, nil, 5, nil, nil, "CHECKED_IN", nil, start, start))
	mock.ExpectRollback()

	_, err = store.CheckIn(context.Background(), "att-1", in)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)
	mock.ExpectQuery("SELECT (.+) FROM shift_attendance WHERE id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(attendanceCols))

	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreCreateProofIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)
	p := WorkProof{
		ID:            "wp-1",
		AttendanceID:  "att-1",
		WorkerID:      "wkr-1",
		EventID:       "evt-1",
		ContentHash:   "sha256:abc",
		WorkerRefHash: "wrk:def",
	}

	mock.ExpectExec("INSERT INTO work_proofs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	created, err := store.CreateProof(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, created)

	// Second insert conflicts on attendance_id and affects zero rows.
	mock.ExpectExec("INSERT INTO work_proofs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	created, err = store.CreateProof(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, created)
}
