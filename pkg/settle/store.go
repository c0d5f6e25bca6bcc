// Package settle anchors pending work proofs and credit mutations to the
// external ledger and reconciles shadow balances against it. The
// reconciler holds no state of its own: everything it needs to resume
// after a crash (statuses, attempt counts, schedules) lives in the
// attendance and ledger tables it sweeps.
package settle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shiftproof/engine/pkg/storage"
)

// PendingProof is a work proof claimed for anchoring work.
type PendingProof struct {
	ID            string
	AttendanceID  string
	WorkerID      string
	EventID       string
	ContentHash   string
	WorkerRefHash string
	Handle        string
	AttemptCount  int
}

// PendingCredit is a credit entry claimed for settlement work.
type PendingCredit struct {
	ID           string
	WorkerID     string
	Amount       int64
	Reason       string
	Handle       string
	AttemptCount int
}

// Divergence is a detected, unresolved mismatch between the shadow and
// external balances for one worker. Never auto-corrected.
type Divergence struct {
	ID              string    `json:"id"`
	WorkerID        string    `json:"worker_id"`
	ShadowBalance   int64     `json:"shadow_balance"`
	ExternalBalance int64     `json:"external_balance"`
	DetectedAt      time.Time `json:"detected_at"`
	Resolved        bool      `json:"resolved"`
}

// SQLQueue implements the reconciler's queue operations over the
// work_proofs and credit_entries tables plus the divergence report table.
type SQLQueue struct {
	db      *sql.DB
	dialect storage.Dialect
}

// NewPostgresQueue creates a queue over Postgres.
func NewPostgresQueue(db *sql.DB) *SQLQueue {
	return &SQLQueue{db: db, dialect: storage.Postgres}
}

// NewSQLiteQueue creates a queue over SQLite (lite mode).
func NewSQLiteQueue(db *sql.DB) *SQLQueue {
	return &SQLQueue{db: db, dialect: storage.SQLite}
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_divergences (
	id TEXT PRIMARY KEY,
	worker_id TEXT NOT NULL,
	shadow_balance BIGINT NOT NULL,
	external_balance BIGINT NOT NULL,
	detected_at TIMESTAMP NOT NULL,
	resolved BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_divergences_open ON ledger_divergences(worker_id, resolved);
`

// Init creates the divergence report table.
func (q *SQLQueue) Init(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, schema)
	return err
}

// ClaimProofs claims up to limit work proofs in the given anchor status
// that are due for work. Claimed rows get their schedule pushed out by
// lease, so a crashed sweeper's claims become due again on their own.
func (q *SQLQueue) ClaimProofs(ctx context.Context, status string, limit int, lease time.Duration) ([]PendingProof, error) {
	now := time.Now().UTC()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("settle: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, attendance_id, worker_id, event_id, content_hash, worker_ref_hash, submission_handle, attempt_count
		FROM work_proofs
		WHERE anchor_status = $1 AND next_attempt_at <= $2
		ORDER BY next_attempt_at ASC
		LIMIT $3`+q.dialect.SkipLocked(),
		status, now, limit)
	if err != nil {
		return nil, fmt.Errorf("settle: claim proofs: %w", err)
	}

	claimed := make([]PendingProof, 0, limit)
	for rows.Next() {
		var p PendingProof
		var handle sql.NullString
		if err := rows.Scan(&p.ID, &p.AttendanceID, &p.WorkerID, &p.EventID,
			&p.ContentHash, &p.WorkerRefHash, &handle, &p.AttemptCount); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("settle: claim proofs: %w", err)
		}
		p.Handle = handle.String
		claimed = append(claimed, p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("settle: claim proofs: %w", err)
	}
	_ = rows.Close()

	for _, p := range claimed {
		_, err := tx.ExecContext(ctx,
			`UPDATE work_proofs SET last_attempt_at = $1, next_attempt_at = $2, updated_at = $1 WHERE id = $3`,
			now, now.Add(lease), p.ID)
		if err != nil {
			return nil, fmt.Errorf("settle: lease proof: %w", err)
		}
	}
	return claimed, tx.Commit()
}

// MarkProofSubmitted stores the submission handle.
func (q *SQLQueue) MarkProofSubmitted(ctx context.Context, id, handle string, nextPoll time.Time) error {
	return q.execProof(ctx, `
		UPDATE work_proofs
		SET anchor_status = 'SUBMITTED', submission_handle = $1, next_attempt_at = $2, updated_at = $3
		WHERE id = $4
	`, handle, nextPoll, time.Now().UTC(), id)
}

// MarkProofConfirmed stores the external references.
func (q *SQLQueue) MarkProofConfirmed(ctx context.Context, id, txRef, blockRef string) error {
	return q.execProof(ctx, `
		UPDATE work_proofs
		SET anchor_status = 'CONFIRMED', external_tx_ref = $1, external_block_ref = $2, updated_at = $3
		WHERE id = $4
	`, txRef, blockRef, time.Now().UTC(), id)
}

// MarkProofFailed marks a proof permanently unanchorable.
func (q *SQLQueue) MarkProofFailed(ctx context.Context, id, reason string) error {
	return q.execProof(ctx, `
		UPDATE work_proofs
		SET anchor_status = 'FAILED', failure_reason = $1, updated_at = $2
		WHERE id = $3
	`, reason, time.Now().UTC(), id)
}

// RescheduleProof pushes a proof's next attempt out, keeping its status.
func (q *SQLQueue) RescheduleProof(ctx context.Context, id string, attempt int, next time.Time) error {
	return q.execProof(ctx, `
		UPDATE work_proofs SET attempt_count = $1, next_attempt_at = $2, updated_at = $3 WHERE id = $4
	`, attempt, next, time.Now().UTC(), id)
}

// RevertProofToUnanchored sends a failed submission back for re-anchoring.
func (q *SQLQueue) RevertProofToUnanchored(ctx context.Context, id string, attempt int, next time.Time) error {
	return q.execProof(ctx, `
		UPDATE work_proofs
		SET anchor_status = 'UNANCHORED', submission_handle = NULL, attempt_count = $1, next_attempt_at = $2, updated_at = $3
		WHERE id = $4
	`, attempt, next, time.Now().UTC(), id)
}

func (q *SQLQueue) execProof(ctx context.Context, query string, args ...any) error {
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("settle: update proof: %w", err)
	}
	return nil
}

// ClaimCredits claims up to limit credit entries with the given
// settlement status and submission presence that are due for work.
func (q *SQLQueue) ClaimCredits(ctx context.Context, submitted bool, limit int, lease time.Duration) ([]PendingCredit, error) {
	now := time.Now().UTC()
	handleClause := "submission_handle IS NULL"
	if submitted {
		handleClause = "submission_handle IS NOT NULL"
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("settle: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, worker_id, amount, reason_code, submission_handle, attempt_count
		FROM credit_entries
		WHERE settlement_status = 'PENDING' AND `+handleClause+` AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		LIMIT $2`+q.dialect.SkipLocked(),
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("settle: claim credits: %w", err)
	}

	claimed := make([]PendingCredit, 0, limit)
	for rows.Next() {
		var c PendingCredit
		var handle sql.NullString
		if err := rows.Scan(&c.ID, &c.WorkerID, &c.Amount, &c.Reason, &handle, &c.AttemptCount); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("settle: claim credits: %w", err)
		}
		c.Handle = handle.String
		claimed = append(claimed, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("settle: claim credits: %w", err)
	}
	_ = rows.Close()

	for _, c := range claimed {
		_, err := tx.ExecContext(ctx,
			`UPDATE credit_entries SET last_attempt_at = $1, next_attempt_at = $2, updated_at = $1 WHERE id = $3`,
			now, now.Add(lease), c.ID)
		if err != nil {
			return nil, fmt.Errorf("settle: lease credit: %w", err)
		}
	}
	return claimed, tx.Commit()
}

// MarkCreditSubmitted stores the submission handle for a credit entry.
func (q *SQLQueue) MarkCreditSubmitted(ctx context.Context, id, handle string, nextPoll time.Time) error {
	return q.execCredit(ctx, `
		UPDATE credit_entries SET submission_handle = $1, next_attempt_at = $2, updated_at = $3 WHERE id = $4
	`, handle, nextPoll, time.Now().UTC(), id)
}

// RescheduleCredit pushes a credit entry's next attempt out.
func (q *SQLQueue) RescheduleCredit(ctx context.Context, id string, attempt int, next time.Time) error {
	return q.execCredit(ctx, `
		UPDATE credit_entries SET attempt_count = $1, next_attempt_at = $2, updated_at = $3 WHERE id = $4
	`, attempt, next, time.Now().UTC(), id)
}

// RevertCreditToPending clears the handle so the entry is resubmitted.
func (q *SQLQueue) RevertCreditToPending(ctx context.Context, id string, attempt int, next time.Time) error {
	return q.execCredit(ctx, `
		UPDATE credit_entries SET submission_handle = NULL, attempt_count = $1, next_attempt_at = $2, updated_at = $3 WHERE id = $4
	`, attempt, next, time.Now().UTC(), id)
}

func (q *SQLQueue) execCredit(ctx context.Context, query string, args ...any) error {
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("settle: update credit: %w", err)
	}
	return nil
}

// RecordDivergence files a divergence report unless one is already open
// for the worker.
func (q *SQLQueue) RecordDivergence(ctx context.Context, workerID string, shadow, external int64) error {
	var open int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_divergences WHERE worker_id = $1 AND resolved = FALSE`,
		workerID).Scan(&open)
	if err != nil {
		return fmt.Errorf("settle: record divergence: %w", err)
	}
	if open > 0 {
		return nil
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO ledger_divergences (id, worker_id, shadow_balance, external_balance, detected_at, resolved)
		VALUES ($1, $2, $3, $4, $5, FALSE)
	`, uuid.NewString(), workerID, shadow, external, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("settle: record divergence: %w", err)
	}
	return nil
}

// OpenDivergences lists unresolved divergence reports for operators.
func (q *SQLQueue) OpenDivergences(ctx context.Context) ([]Divergence, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, worker_id, shadow_balance, external_balance, detected_at, resolved
		FROM ledger_divergences
		WHERE resolved = FALSE
		ORDER BY detected_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("settle: list divergences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Divergence, 0)
	for rows.Next() {
		var d Divergence
		if err := rows.Scan(&d.ID, &d.WorkerID, &d.ShadowBalance, &d.ExternalBalance, &d.DetectedAt, &d.Resolved); err != nil {
			return nil, fmt.Errorf("settle: list divergences: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
