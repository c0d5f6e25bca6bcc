package reward

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/shiftproof/engine/pkg/attendance"
	"github.com/shiftproof/engine/pkg/ledger"
	"github.com/shiftproof/engine/pkg/notify"
)

// AttendanceReader supplies the month aggregates the perfect-attendance
// rule needs.
type AttendanceReader interface {
	WorkerMonthStats(ctx context.Context, workerID string, year int, month time.Month) (attendance.MonthStats, error)
}

// Engine evaluates reward rules and writes pending credit mutations to
// the shadow ledger. The grant insert and the ledger append commit in one
// transaction, so a crash cannot leave a grant without its entry.
type Engine struct {
	db         *sql.DB
	ledger     *ledger.Store
	attendance AttendanceReader
	policy     Policy
	dispatcher *notify.Dispatcher
	logger     *slog.Logger
}

// NewEngine wires the reward policy engine.
func NewEngine(db *sql.DB, ledgerStore *ledger.Store, attendanceReader AttendanceReader, policy Policy, dispatcher *notify.Dispatcher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:         db,
		ledger:     ledgerStore,
		attendance: attendanceReader,
		policy:     policy,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS reward_grants (
	worker_id TEXT NOT NULL,
	grant_key TEXT NOT NULL,
	credit_entry_id TEXT,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (worker_id, grant_key)
);
`

// Init creates the grant table.
func (e *Engine) Init(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, schema)
	return err
}

// OnShiftCompleted awards the work-completion credit for this shift and,
// on the first completion of a new month, evaluates the previous month's
// perfect-attendance bonus.
func (e *Engine) OnShiftCompleted(ctx context.Context, ev attendance.ShiftCompleted) error {
	if e.policy.WorkCompletion > 0 {
		_, err := e.grant(ctx, ev.WorkerID, workCompletionKey(ev.AttendanceID),
			e.policy.WorkCompletion, ledger.ReasonWorkCompletion)
		if err != nil {
			return err
		}
	}

	// The elapsed period for this checkout is the month before it. Step
	// back from the first of the checkout month: AddDate on the checkout
	// date itself would normalize month-length overflow (Mar 31 minus one
	// month is "Feb 31", which Go turns into Mar 3) and evaluate the
	// still-running month.
	y, m, _ := ev.CheckOutAt.UTC().Date()
	prev := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	if err := e.OnPeriodElapsed(ctx, ev.WorkerID, prev.Year(), prev.Month()); err != nil {
		// The completion award already landed; the monthly evaluation
		// will run again on the worker's next checkout.
		e.logger.Warn("monthly attendance evaluation failed",
			"worker_id", ev.WorkerID, "error", err)
	}
	return nil
}

// OnSignup awards the one-time signup bonus.
func (e *Engine) OnSignup(ctx context.Context, workerID string) error {
	if e.policy.SignupBonus <= 0 {
		return nil
	}
	_, err := e.grant(ctx, workerID, signupKey(), e.policy.SignupBonus, ledger.ReasonSignupBonus)
	return err
}

// OnProfileCompleted awards the one-time profile-completion bonus.
func (e *Engine) OnProfileCompleted(ctx context.Context, workerID string) error {
	if e.policy.ProfileBonus <= 0 {
		return nil
	}
	_, err := e.grant(ctx, workerID, profileKey(), e.policy.ProfileBonus, ledger.ReasonProfileBonus)
	return err
}

// OnPeriodElapsed evaluates the perfect-attendance bonus for one worker
// and calendar month: at least one completed shift and no no-shows or
// early leaves in that month.
func (e *Engine) OnPeriodElapsed(ctx context.Context, workerID string, year int, month time.Month) error {
	if e.policy.MonthlyPerfectAttendance <= 0 || e.attendance == nil {
		return nil
	}

	stats, err := e.attendance.WorkerMonthStats(ctx, workerID, year, month)
	if err != nil {
		return fmt.Errorf("reward: month stats: %w", err)
	}
	if stats.Completed == 0 || stats.NoShow > 0 || stats.EarlyLeave > 0 {
		return nil
	}

	_, err = e.grant(ctx, workerID, monthlyPerfectKey(year, month),
		e.policy.MonthlyPerfectAttendance, ledger.ReasonMonthlyPerfectAttendance)
	return err
}

// grant inserts the idempotency row and, if this call won the insert,
// appends the credit entry in the same transaction. A lost insert means
// the award was already granted and the evaluation is a no-op.
func (e *Engine) grant(ctx context.Context, workerID, grantKey string, amount int64, reason ledger.ReasonCode) (bool, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("reward: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO reward_grants (worker_id, grant_key, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (worker_id, grant_key) DO NOTHING
	`, workerID, grantKey, now)
	if err != nil {
		return false, fmt.Errorf("reward: insert grant: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reward: insert grant: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	entry, err := e.ledger.AppendTx(ctx, tx, workerID, amount, reason)
	if err != nil {
		return false, fmt.Errorf("reward: append credit: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE reward_grants SET credit_entry_id = $1 WHERE worker_id = $2 AND grant_key = $3`,
		entry.ID, workerID, grantKey)
	if err != nil {
		return false, fmt.Errorf("reward: link grant: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("reward: commit: %w", err)
	}

	e.logger.Info("reward granted",
		"worker_id", workerID, "grant_key", grantKey, "amount", amount)
	if e.dispatcher != nil {
		e.dispatcher.Publish(notify.Event{
			Kind:     notify.KindRewardCredited,
			WorkerID: workerID,
			Payload:  map[string]any{"reason": string(reason), "amount": amount},
		})
	}
	return true, nil
}
