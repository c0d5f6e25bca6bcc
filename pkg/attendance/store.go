package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shiftproof/engine/pkg/storage"
)

// Store persists attendances and work proofs in SQL. All transitions run
// inside a transaction that locks the attendance row, so mutations for one
// attendance serialize while different attendances proceed in parallel.
type Store struct {
	db      *sql.DB
	dialect storage.Dialect
}

// NewPostgresStore creates a store backed by Postgres.
func NewPostgresStore(db *sql.DB) *Store {
	return &Store{db: db, dialect: storage.Postgres}
}

// NewSQLiteStore creates a store backed by SQLite (lite mode).
func NewSQLiteStore(db *sql.DB) *Store {
	return &Store{db: db, dialect: storage.SQLite}
}

const schema = `
CREATE TABLE IF NOT EXISTS shift_attendance (
	id TEXT PRIMARY KEY,
	application_id TEXT NOT NULL UNIQUE,
	worker_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	scheduled_start TIMESTAMP NOT NULL,
	scheduled_end TIMESTAMP NOT NULL,
	check_in_at TIMESTAMP,
	check_out_at TIMESTAMP,
	late_minutes INTEGER NOT NULL DEFAULT 0,
	worked_minutes INTEGER,
	compliance_ratio DOUBLE PRECISION,
	status TEXT NOT NULL,
	cancel_class TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attendance_worker ON shift_attendance(worker_id, scheduled_start);

CREATE TABLE IF NOT EXISTS work_proofs (
	id TEXT PRIMARY KEY,
	attendance_id TEXT NOT NULL UNIQUE,
	worker_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	worker_ref_hash TEXT NOT NULL,
	anchor_status TEXT NOT NULL,
	submission_handle TEXT,
	external_tx_ref TEXT,
	external_block_ref TEXT,
	failure_reason TEXT,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMP NOT NULL,
	last_attempt_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_work_proofs_anchor ON work_proofs(anchor_status, next_attempt_at);
`

// Init creates the attendance tables.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const attendanceColumns = `id, application_id, worker_id, event_id, scheduled_start, scheduled_end,
	check_in_at, check_out_at, late_minutes, worked_minutes, compliance_ratio,
	status, cancel_class, created_at, updated_at`

// Create inserts the initial SCHEDULED attendance for a confirmed
// application. A repeated confirmation for the same application returns
// the existing row instead of creating a second one.
func (s *Store) Create(ctx context.Context, applicationID, workerID, eventID string, start, end time.Time) (Attendance, error) {
	now := time.Now().UTC()
	a := Attendance{
		ID:             uuid.NewString(),
		ApplicationID:  applicationID,
		WorkerID:       workerID,
		EventID:        eventID,
		ScheduledStart: start.UTC(),
		ScheduledEnd:   end.UTC(),
		Status:         StatusScheduled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO shift_attendance (id, application_id, worker_id, event_id, scheduled_start, scheduled_end, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (application_id) DO NOTHING
	`, a.ID, a.ApplicationID, a.WorkerID, a.EventID, a.ScheduledStart, a.ScheduledEnd, a.Status, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return Attendance{}, fmt.Errorf("attendance: create: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Attendance{}, fmt.Errorf("attendance: create: %w", err)
	}
	if rows == 0 {
		return s.GetByApplication(ctx, applicationID)
	}
	return a, nil
}

// Get retrieves an attendance by id.
func (s *Store) Get(ctx context.Context, id string) (Attendance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attendanceColumns+` FROM shift_attendance WHERE id = $1`, id)
	return scanAttendance(row)
}

// GetByApplication retrieves the attendance created for an application.
func (s *Store) GetByApplication(ctx context.Context, applicationID string) (Attendance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attendanceColumns+` FROM shift_attendance WHERE application_id = $1`, applicationID)
	return scanAttendance(row)
}

// CheckIn transitions SCHEDULED -> CHECKED_IN and records lateness.
func (s *Store) CheckIn(ctx context.Context, id string, at time.Time) (Attendance, error) {
	return s.transition(ctx, id, func(a *Attendance) error {
		return applyCheckIn(a, at)
	})
}

// CheckOut transitions CHECKED_IN -> COMPLETED or EARLY_LEAVE, recording
// worked minutes and the time compliance ratio.
func (s *Store) CheckOut(ctx context.Context, id string, at time.Time, minCompliance float64) (Attendance, error) {
	return s.transition(ctx, id, func(a *Attendance) error {
		return applyCheckOut(a, at, minCompliance)
	})
}

// Cancel transitions SCHEDULED -> CANCELLED and classifies the notice.
func (s *Store) Cancel(ctx context.Context, id string, at time.Time) (Attendance, error) {
	return s.transition(ctx, id, func(a *Attendance) error {
		return applyCancel(a, at)
	})
}

// MarkNoShow transitions SCHEDULED/CHECKED_IN -> NO_SHOW.
func (s *Store) MarkNoShow(ctx context.Context, id string, at time.Time) (Attendance, error) {
	return s.transition(ctx, id, func(a *Attendance) error {
		return applyNoShow(a, at)
	})
}

// transition runs fn against the row-locked attendance and writes the
// result back. The state check and the update commit atomically, so of two
// racing transitions exactly one observes the legal pre-state.
func (s *Store) transition(ctx context.Context, id string, fn func(*Attendance) error) (Attendance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Attendance{}, fmt.Errorf("attendance: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+attendanceColumns+` FROM shift_attendance WHERE id = $1`+s.dialect.ForUpdate(), id)
	a, err := scanAttendance(row)
	if err != nil {
		return Attendance{}, err
	}

	if err := fn(&a); err != nil {
		return Attendance{}, err
	}
	a.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE shift_attendance
		SET check_in_at = $1, check_out_at = $2, late_minutes = $3, worked_minutes = $4,
			compliance_ratio = $5, status = $6, cancel_class = $7, updated_at = $8
		WHERE id = $9
	`, a.CheckInAt, a.CheckOutAt, a.LateMinutes, a.WorkedMinutes,
		a.ComplianceRatio, a.Status, nullString(string(a.CancelClass)), a.UpdatedAt, a.ID)
	if err != nil {
		return Attendance{}, fmt.Errorf("attendance: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Attendance{}, fmt.Errorf("attendance: commit: %w", err)
	}
	return a, nil
}

// CreateProof inserts a work proof for a completed shift. The uniqueness
// constraint on attendance_id makes repeated completion processing a
// no-op; created reports whether this call inserted the row.
func (s *Store) CreateProof(ctx context.Context, p WorkProof) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO work_proofs (id, attendance_id, worker_id, event_id, content_hash, worker_ref_hash, anchor_status, attempt_count, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)
		ON CONFLICT (attendance_id) DO NOTHING
	`, p.ID, p.AttendanceID, p.WorkerID, p.EventID, p.ContentHash, p.WorkerRefHash, AnchorUnanchored, now, now, now)
	if err != nil {
		return false, fmt.Errorf("attendance: create proof: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("attendance: create proof: %w", err)
	}
	return rows > 0, nil
}

// GetProof retrieves the work proof for an attendance.
func (s *Store) GetProof(ctx context.Context, attendanceID string) (WorkProof, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, attendance_id, worker_id, event_id, content_hash, worker_ref_hash,
			anchor_status, submission_handle, external_tx_ref, external_block_ref,
			failure_reason, attempt_count, created_at
		FROM work_proofs WHERE attendance_id = $1
	`, attendanceID)

	var p WorkProof
	var handle, txRef, blockRef, reason sql.NullString
	err := row.Scan(&p.ID, &p.AttendanceID, &p.WorkerID, &p.EventID, &p.ContentHash, &p.WorkerRefHash,
		&p.AnchorStatus, &handle, &txRef, &blockRef, &reason, &p.AttemptCount, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WorkProof{}, ErrNotFound
		}
		return WorkProof{}, fmt.Errorf("attendance: get proof: %w", err)
	}
	p.SubmissionHandle = handle.String
	p.ExternalTxRef = txRef.String
	p.ExternalBlockRef = blockRef.String
	p.FailureReason = reason.String
	return p, nil
}

// WorkerMonthStats counts a worker's attendance outcomes for shifts
// scheduled within the given calendar month (UTC).
func (s *Store) WorkerMonthStats(ctx context.Context, workerID string, year int, month time.Month) (MonthStats, error) {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM shift_attendance
		WHERE worker_id = $1 AND scheduled_start >= $2 AND scheduled_start < $3
		GROUP BY status
	`, workerID, from, to)
	if err != nil {
		return MonthStats{}, fmt.Errorf("attendance: month stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats MonthStats
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return MonthStats{}, fmt.Errorf("attendance: month stats: %w", err)
		}
		switch status {
		case StatusCompleted:
			stats.Completed = count
		case StatusEarlyLeave:
			stats.EarlyLeave = count
		case StatusNoShow:
			stats.NoShow = count
		case StatusCancelled:
			stats.Cancelled = count
		}
	}
	return stats, rows.Err()
}

func scanAttendance(row *sql.Row) (Attendance, error) {
	var a Attendance
	var checkIn, checkOut sql.NullTime
	var worked sql.NullInt64
	var ratio sql.NullFloat64
	var cancelClass sql.NullString

	err := row.Scan(&a.ID, &a.ApplicationID, &a.WorkerID, &a.EventID, &a.ScheduledStart, &a.ScheduledEnd,
		&checkIn, &checkOut, &a.LateMinutes, &worked, &ratio,
		&a.Status, &cancelClass, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attendance{}, ErrNotFound
		}
		return Attendance{}, fmt.Errorf("attendance: scan: %w", err)
	}
	if checkIn.Valid {
		t := checkIn.Time.UTC()
		a.CheckInAt = &t
	}
	if checkOut.Valid {
		t := checkOut.Time.UTC()
		a.CheckOutAt = &t
	}
	if worked.Valid {
		w := int(worked.Int64)
		a.WorkedMinutes = &w
	}
	if ratio.Valid {
		r := ratio.Float64
		a.ComplianceRatio = &r
	}
	if cancelClass.Valid {
		a.CancelClass = CancelClass(cancelClass.String)
	}
	return a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
