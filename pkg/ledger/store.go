package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shiftproof/engine/pkg/storage"
)

// Store persists credit entries and the per-worker account row. Appends
// for one worker serialize on the account row lock; appends for different
// workers proceed in parallel.
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
CREATE TABLE IF NOT EXISTS worker_accounts (
	worker_id TEXT PRIMARY KEY,
	balance BIGINT NOT NULL DEFAULT 0,
	last_seq BIGINT NOT NULL DEFAULT 0,
	external_balance BIGINT,
	external_checked_at TIMESTAMP,
	divergence_streak INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_entries (
	id TEXT PRIMARY KEY,
	worker_id TEXT NOT NULL,
	entry_seq BIGINT NOT NULL,
	amount BIGINT NOT NULL,
	balance_after BIGINT NOT NULL,
	reason_code TEXT NOT NULL,
	external_tx_ref TEXT,
	settlement_status TEXT NOT NULL,
	failure_reason TEXT,
	submission_handle TEXT,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMP NOT NULL,
	last_attempt_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_entries_worker ON credit_entries(worker_id, entry_seq);
CREATE INDEX IF NOT EXISTS idx_credit_entries_settlement ON credit_entries(settlement_status, next_attempt_at);
`

// Init creates the ledger tables.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Append atomically applies one credit mutation: it locks the worker's
// account row, validates the resulting balance, inserts the entry and
// updates the cached balance. Returns ErrInsufficientBalance when a
// negative amount would drive the balance below zero.
func (s *Store) Append(ctx context.Context, workerID string, amount int64, reason ReasonCode) (Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	entry, err := s.AppendTx(ctx, tx, workerID, amount, reason)
	if err != nil {
		return Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("ledger: commit: %w", err)
	}
	return entry, nil
}

// AppendTx is Append inside a caller-owned transaction. The reward policy
// engine uses it so the grant insert and the credit entry commit together.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, workerID string, amount int64, reason ReasonCode) (Entry, error) {
	now := time.Now().UTC()

	// Make sure the account row exists, then lock it for the balance math.
	_, err := tx.ExecContext(ctx, `
		INSERT INTO worker_accounts (worker_id, balance, updated_at)
		VALUES ($1, 0, $2)
		ON CONFLICT (worker_id) DO NOTHING
	`, workerID, now)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: ensure account: %w", err)
	}

	var balance, lastSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance, last_seq FROM worker_accounts WHERE worker_id = $1`+s.dialect.ForUpdate(),
		workerID).Scan(&balance, &lastSeq)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: lock account: %w", err)
	}

	after := balance + amount
	if after < 0 {
		return Entry{}, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, balance, amount)
	}

	// The sequence is assigned under the account lock, so append order is
	// total per worker even when entries share a timestamp.
	entry := Entry{
		ID:               uuid.NewString(),
		WorkerID:         workerID,
		Seq:              lastSeq + 1,
		Amount:           amount,
		BalanceAfter:     after,
		ReasonCode:       reason,
		SettlementStatus: SettlementPending,
		CreatedAt:        now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_entries (id, worker_id, entry_seq, amount, balance_after, reason_code, settlement_status, attempt_count, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)
	`, entry.ID, entry.WorkerID, entry.Seq, entry.Amount, entry.BalanceAfter, entry.ReasonCode, entry.SettlementStatus, now, now, now)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: insert entry: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE worker_accounts SET balance = $1, last_seq = $2, updated_at = $3 WHERE worker_id = $4`,
		after, entry.Seq, now, workerID)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: update balance: %w", err)
	}
	return entry, nil
}

// CurrentBalance returns the worker's shadow balance. Unknown workers
// have a zero balance; they simply have no account row yet.
func (s *Store) CurrentBalance(ctx context.Context, workerID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM worker_accounts WHERE worker_id = $1`, workerID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: balance: %w", err)
	}
	return balance, nil
}

// Summary returns the worker-facing balance view: shadow balance, whether
// every entry has settled, and the last external balance the reconciler
// observed.
func (s *Store) Summary(ctx context.Context, workerID string) (BalanceSummary, error) {
	summary := BalanceSummary{WorkerID: workerID, FullySettled: true}

	var external sql.NullInt64
	var checkedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT balance, external_balance, external_checked_at
		FROM worker_accounts WHERE worker_id = $1
	`, workerID).Scan(&summary.ShadowBalance, &external, &checkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return summary, nil
	}
	if err != nil {
		return BalanceSummary{}, fmt.Errorf("ledger: summary: %w", err)
	}
	if external.Valid {
		summary.LastSettledExternalBalance = &external.Int64
	}
	if checkedAt.Valid {
		t := checkedAt.Time.UTC()
		summary.ExternalBalanceCheckedAt = &t
	}

	var pending int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credit_entries WHERE worker_id = $1 AND settlement_status = $2`,
		workerID, SettlementPending).Scan(&pending)
	if err != nil {
		return BalanceSummary{}, fmt.Errorf("ledger: summary: %w", err)
	}
	summary.FullySettled = pending == 0
	return summary, nil
}

// History returns the worker's entries in append order, keyed by the
// per-account sequence rather than the timestamp: two appends within one
// clock tick must still replay in the order they committed.
func (s *Store) History(ctx context.Context, workerID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, worker_id, entry_seq, amount, balance_after, reason_code, external_tx_ref, settlement_status, failure_reason, created_at
		FROM credit_entries
		WHERE worker_id = $1
		ORDER BY entry_seq ASC
	`, workerID)
	if err != nil {
		return nil, fmt.Errorf("ledger: history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var txRef, reason sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkerID, &e.Seq, &e.Amount, &e.BalanceAfter, &e.ReasonCode,
			&txRef, &e.SettlementStatus, &reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: history scan: %w", err)
		}
		e.ExternalTxRef = txRef.String
		e.FailureReason = reason.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkSettled records the external transaction reference for an entry.
func (s *Store) MarkSettled(ctx context.Context, entryID, externalTxRef string) error {
	return s.setSettlement(ctx, entryID, SettlementSettled, externalTxRef, "")
}

// MarkSettlementFailed marks an entry as permanently unsettleable. The
// entry remains in history; the failure is an operator concern, never a
// rollback of the worker-visible balance.
func (s *Store) MarkSettlementFailed(ctx context.Context, entryID, reason string) error {
	return s.setSettlement(ctx, entryID, SettlementFailed, "", reason)
}

func (s *Store) setSettlement(ctx context.Context, entryID string, status SettlementStatus, txRef, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_entries
		SET settlement_status = $1,
			external_tx_ref = CASE WHEN $2 = '' THEN external_tx_ref ELSE $2 END,
			failure_reason = CASE WHEN $3 = '' THEN failure_reason ELSE $3 END,
			updated_at = $4
		WHERE id = $5
	`, status, txRef, reason, time.Now().UTC(), entryID)
	if err != nil {
		return fmt.Errorf("ledger: set settlement: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: set settlement: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordExternalBalance stores the balance the reconciler observed on the
// external ledger, along with the running mismatch streak used for
// divergence detection.
func (s *Store) RecordExternalBalance(ctx context.Context, workerID string, external int64, diverged bool) (streak int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx,
		`SELECT divergence_streak FROM worker_accounts WHERE worker_id = $1`+s.dialect.ForUpdate(),
		workerID).Scan(&streak)
	if err != nil {
		return 0, fmt.Errorf("ledger: record external balance: %w", err)
	}

	if diverged {
		streak++
	} else {
		streak = 0
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE worker_accounts
		SET external_balance = $1, external_checked_at = $2, divergence_streak = $3, updated_at = $2
		WHERE worker_id = $4
	`, external, time.Now().UTC(), streak, workerID)
	if err != nil {
		return 0, fmt.Errorf("ledger: record external balance: %w", err)
	}
	return streak, tx.Commit()
}

// WorkerIDs lists all workers with an account row, for reconciliation.
func (s *Store) WorkerIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT worker_id FROM worker_accounts ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("ledger: worker ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledger: worker ids: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
