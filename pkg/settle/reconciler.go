package settle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shiftproof/engine/pkg/anchor"
	"github.com/shiftproof/engine/pkg/ledger"
	"github.com/shiftproof/engine/pkg/metering"
	"github.com/shiftproof/engine/pkg/notify"
)

// Queue is the durable work queue the reconciler drains. Claiming leases
// the rows, so a second reconciler instance (or a restarted one) never
// double-works an in-flight item within the lease window.
type Queue interface {
	ClaimProofs(ctx context.Context, status string, limit int, lease time.Duration) ([]PendingProof, error)
	MarkProofSubmitted(ctx context.Context, id, handle string, nextPoll time.Time) error
	MarkProofConfirmed(ctx context.Context, id, txRef, blockRef string) error
	MarkProofFailed(ctx context.Context, id, reason string) error
	RescheduleProof(ctx context.Context, id string, attempt int, next time.Time) error
	RevertProofToUnanchored(ctx context.Context, id string, attempt int, next time.Time) error

	ClaimCredits(ctx context.Context, submitted bool, limit int, lease time.Duration) ([]PendingCredit, error)
	MarkCreditSubmitted(ctx context.Context, id, handle string, nextPoll time.Time) error
	RescheduleCredit(ctx context.Context, id string, attempt int, next time.Time) error
	RevertCreditToPending(ctx context.Context, id string, attempt int, next time.Time) error

	RecordDivergence(ctx context.Context, workerID string, shadow, external int64) error
}

// Accounts is the slice of the ledger store the balance reconciliation
// pass needs.
type Accounts interface {
	WorkerIDs(ctx context.Context) ([]string, error)
	CurrentBalance(ctx context.Context, workerID string) (int64, error)
	Summary(ctx context.Context, workerID string) (ledger.BalanceSummary, error)
	RecordExternalBalance(ctx context.Context, workerID string, external int64, diverged bool) (int, error)
	MarkSettled(ctx context.Context, entryID, externalTxRef string) error
	MarkSettlementFailed(ctx context.Context, entryID, reason string) error
}

// Options tune the sweep cadence and retry behavior.
type Options struct {
	Interval    time.Duration // time between sweeps
	BatchSize   int           // max items claimed per queue per sweep
	Lease       time.Duration // claim lease; crashed claims become due again after this
	BackoffBase time.Duration // first retry delay after a transient failure
	BackoffCap  time.Duration // retry delay ceiling
	PollDelay   time.Duration // delay before the first confirmation poll
	MaxReverts  int           // failed-confirmation resubmissions before permanent failure
}

// DefaultOptions returns the production sweep settings.
func DefaultOptions() Options {
	return Options{
		Interval:    30 * time.Second,
		BatchSize:   100,
		Lease:       2 * time.Minute,
		BackoffBase: 30 * time.Second,
		BackoffCap:  time.Hour,
		PollDelay:   10 * time.Second,
		MaxReverts:  5,
	}
}

// Reconciler drives pending work proofs and credit entries to their
// terminal anchor state and compares shadow balances against the external
// ledger. It keeps no state between sweeps: a restart resumes exactly
// where the tables say it left off.
type Reconciler struct {
	queue      Queue
	accounts   Accounts
	client     anchor.Client
	accountRef func(workerID string) string
	dispatcher *notify.Dispatcher
	meter      metering.Meter
	opts       Options
	logger     *slog.Logger
}

// NewReconciler wires the settlement reconciler. accountRef maps a worker
// id to its pseudonymous external account reference.
func NewReconciler(queue Queue, accounts Accounts, client anchor.Client, accountRef func(string) string, dispatcher *notify.Dispatcher, meter metering.Meter, opts Options, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = metering.Noop{}
	}
	return &Reconciler{
		queue:      queue,
		accounts:   accounts,
		client:     client,
		accountRef: accountRef,
		dispatcher: dispatcher,
		meter:      meter,
		opts:       opts,
		logger:     logger,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one full reconciliation pass. Each phase logs and continues
// on error; a broken external ledger must not stop the other phases.
func (r *Reconciler) Sweep(ctx context.Context) {
	r.submitProofs(ctx)
	r.pollProofs(ctx)
	r.submitCredits(ctx)
	r.pollCredits(ctx)
	r.reconcileBalances(ctx)
	r.record(ctx, "reconciler", metering.EventSweep)
}

func (r *Reconciler) record(ctx context.Context, subjectID string, et metering.EventType) {
	err := r.meter.Record(ctx, metering.Event{SubjectID: subjectID, EventType: et, Quantity: 1})
	if err != nil {
		r.logger.Warn("metering record failed", "event_type", et, "error", err)
	}
}

// backoff returns the delay before attempt n (1-based), doubling from the
// base up to the cap.
func (r *Reconciler) backoff(attempt int) time.Duration {
	d := r.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.opts.BackoffCap {
			return r.opts.BackoffCap
		}
	}
	if d > r.opts.BackoffCap {
		return r.opts.BackoffCap
	}
	return d
}

// submitProofs pushes unanchored proofs to the external ledger. The
// content hash doubles as the idempotency key, so a crash between the
// network call and the status write resubmits harmlessly.
func (r *Reconciler) submitProofs(ctx context.Context) {
	claimed, err := r.queue.ClaimProofs(ctx, "UNANCHORED", r.opts.BatchSize, r.opts.Lease)
	if err != nil {
		r.logger.Error("claim unanchored proofs failed", "error", err)
		return
	}

	for _, p := range claimed {
		handle, err := r.client.SubmitProof(ctx, p.ContentHash, p.EventID, p.WorkerRefHash)
		switch {
		case err == nil:
			if err := r.queue.MarkProofSubmitted(ctx, p.ID, string(handle), time.Now().UTC().Add(r.opts.PollDelay)); err != nil {
				r.logger.Error("mark proof submitted failed", "proof_id", p.ID, "error", err)
				continue
			}
			r.record(ctx, p.WorkerID, metering.EventProofSubmitted)
			r.logger.Info("proof submitted", "proof_id", p.ID, "handle", handle)

		case errors.Is(err, anchor.ErrLedgerRejected):
			if err := r.queue.MarkProofFailed(ctx, p.ID, err.Error()); err != nil {
				r.logger.Error("mark proof failed failed", "proof_id", p.ID, "error", err)
				continue
			}
			r.logger.Error("proof rejected by external ledger", "proof_id", p.ID, "error", err)

		default:
			attempt := p.AttemptCount + 1
			next := time.Now().UTC().Add(r.backoff(attempt))
			if err := r.queue.RescheduleProof(ctx, p.ID, attempt, next); err != nil {
				r.logger.Error("reschedule proof failed", "proof_id", p.ID, "error", err)
				continue
			}
			r.logger.Warn("proof submission deferred",
				"proof_id", p.ID, "attempt", attempt, "next_attempt_at", next, "error", err)
		}
	}
}

// pollProofs checks submitted proofs for confirmation. A failed
// confirmation reverts the proof for resubmission a bounded number of
// times before it fails permanently.
func (r *Reconciler) pollProofs(ctx context.Context) {
	claimed, err := r.queue.ClaimProofs(ctx, "SUBMITTED", r.opts.BatchSize, r.opts.Lease)
	if err != nil {
		r.logger.Error("claim submitted proofs failed", "error", err)
		return
	}

	for _, p := range claimed {
		conf, err := r.client.PollConfirmation(ctx, anchor.SubmissionHandle(p.Handle))
		if err != nil {
			attempt := p.AttemptCount + 1
			next := time.Now().UTC().Add(r.backoff(attempt))
			if err := r.queue.RescheduleProof(ctx, p.ID, attempt, next); err != nil {
				r.logger.Error("reschedule proof poll failed", "proof_id", p.ID, "error", err)
			}
			continue
		}

		switch conf.State {
		case anchor.ConfirmationConfirmed:
			if err := r.queue.MarkProofConfirmed(ctx, p.ID, conf.TxRef, conf.BlockRef); err != nil {
				r.logger.Error("mark proof confirmed failed", "proof_id", p.ID, "error", err)
				continue
			}
			r.record(ctx, p.WorkerID, metering.EventProofConfirmed)
			r.logger.Info("proof confirmed",
				"proof_id", p.ID, "tx_ref", conf.TxRef, "block_ref", conf.BlockRef)

		case anchor.ConfirmationFailed:
			attempt := p.AttemptCount + 1
			if attempt > r.opts.MaxReverts {
				if err := r.queue.MarkProofFailed(ctx, p.ID, conf.Reason); err != nil {
					r.logger.Error("mark proof failed failed", "proof_id", p.ID, "error", err)
					continue
				}
				r.logger.Error("proof failed permanently", "proof_id", p.ID, "reason", conf.Reason)
				continue
			}
			next := time.Now().UTC().Add(r.backoff(attempt))
			if err := r.queue.RevertProofToUnanchored(ctx, p.ID, attempt, next); err != nil {
				r.logger.Error("revert proof failed", "proof_id", p.ID, "error", err)
				continue
			}
			r.logger.Warn("proof confirmation failed, will resubmit",
				"proof_id", p.ID, "attempt", attempt, "reason", conf.Reason)

		default: // still pending
			next := time.Now().UTC().Add(r.opts.PollDelay)
			if err := r.queue.RescheduleProof(ctx, p.ID, p.AttemptCount, next); err != nil {
				r.logger.Error("reschedule proof poll failed", "proof_id", p.ID, "error", err)
			}
		}
	}
}

// submitCredits pushes unsubmitted pending credit entries to the external
// ledger. The entry id is the idempotency key; positive amounts issue,
// negative amounts redeem.
func (r *Reconciler) submitCredits(ctx context.Context) {
	claimed, err := r.queue.ClaimCredits(ctx, false, r.opts.BatchSize, r.opts.Lease)
	if err != nil {
		r.logger.Error("claim pending credits failed", "error", err)
		return
	}

	for _, c := range claimed {
		ref := r.accountRef(c.WorkerID)
		var handle anchor.SubmissionHandle
		var err error
		if c.Amount >= 0 {
			handle, err = r.client.IssueCredits(ctx, ref, c.Amount, c.Reason, c.ID)
		} else {
			handle, err = r.client.RedeemCredits(ctx, ref, -c.Amount, c.Reason, c.ID)
		}

		switch {
		case err == nil:
			if err := r.queue.MarkCreditSubmitted(ctx, c.ID, string(handle), time.Now().UTC().Add(r.opts.PollDelay)); err != nil {
				r.logger.Error("mark credit submitted failed", "entry_id", c.ID, "error", err)
			}

		case errors.Is(err, anchor.ErrLedgerRejected):
			if err := r.accounts.MarkSettlementFailed(ctx, c.ID, err.Error()); err != nil {
				r.logger.Error("mark settlement failed failed", "entry_id", c.ID, "error", err)
				continue
			}
			r.logger.Error("credit entry rejected by external ledger", "entry_id", c.ID, "error", err)

		default:
			attempt := c.AttemptCount + 1
			next := time.Now().UTC().Add(r.backoff(attempt))
			if err := r.queue.RescheduleCredit(ctx, c.ID, attempt, next); err != nil {
				r.logger.Error("reschedule credit failed", "entry_id", c.ID, "error", err)
				continue
			}
			r.logger.Warn("credit submission deferred",
				"entry_id", c.ID, "attempt", attempt, "next_attempt_at", next, "error", err)
		}
	}
}

// pollCredits checks submitted credit entries for settlement.
func (r *Reconciler) pollCredits(ctx context.Context) {
	claimed, err := r.queue.ClaimCredits(ctx, true, r.opts.BatchSize, r.opts.Lease)
	if err != nil {
		r.logger.Error("claim submitted credits failed", "error", err)
		return
	}

	for _, c := range claimed {
		conf, err := r.client.PollConfirmation(ctx, anchor.SubmissionHandle(c.Handle))
		if err != nil {
			attempt := c.AttemptCount + 1
			next := time.Now().UTC().Add(r.backoff(attempt))
			if err := r.queue.RescheduleCredit(ctx, c.ID, attempt, next); err != nil {
				r.logger.Error("reschedule credit poll failed", "entry_id", c.ID, "error", err)
			}
			continue
		}

		switch conf.State {
		case anchor.ConfirmationConfirmed:
			if err := r.accounts.MarkSettled(ctx, c.ID, conf.TxRef); err != nil {
				r.logger.Error("mark settled failed", "entry_id", c.ID, "error", err)
				continue
			}
			r.record(ctx, c.WorkerID, creditMeterEvent(c.Amount))
			r.logger.Info("credit entry settled", "entry_id", c.ID, "tx_ref", conf.TxRef)

		case anchor.ConfirmationFailed:
			attempt := c.AttemptCount + 1
			if attempt > r.opts.MaxReverts {
				if err := r.accounts.MarkSettlementFailed(ctx, c.ID, conf.Reason); err != nil {
					r.logger.Error("mark settlement failed failed", "entry_id", c.ID, "error", err)
					continue
				}
				r.logger.Error("credit settlement failed permanently", "entry_id", c.ID, "reason", conf.Reason)
				continue
			}
			next := time.Now().UTC().Add(r.backoff(attempt))
			if err := r.queue.RevertCreditToPending(ctx, c.ID, attempt, next); err != nil {
				r.logger.Error("revert credit failed", "entry_id", c.ID, "error", err)
			}

		default:
			next := time.Now().UTC().Add(r.opts.PollDelay)
			if err := r.queue.RescheduleCredit(ctx, c.ID, c.AttemptCount, next); err != nil {
				r.logger.Error("reschedule credit poll failed", "entry_id", c.ID, "error", err)
			}
		}
	}
}

func creditMeterEvent(amount int64) metering.EventType {
	if amount >= 0 {
		return metering.EventCreditsIssued
	}
	return metering.EventCreditsRedeemed
}

// reconcileBalances compares each fully-settled worker's shadow balance
// against the external ledger. Workers with unsettled entries are skipped;
// their balances legitimately disagree until settlement catches up. A
// mismatch persisting across two consecutive checks files a divergence
// report for operators. Balances are never auto-corrected.
func (r *Reconciler) reconcileBalances(ctx context.Context) {
	workers, err := r.accounts.WorkerIDs(ctx)
	if err != nil {
		r.logger.Error("list workers failed", "error", err)
		return
	}

	for _, workerID := range workers {
		summary, err := r.accounts.Summary(ctx, workerID)
		if err != nil {
			r.logger.Error("balance summary failed", "worker_id", workerID, "error", err)
			continue
		}
		if !summary.FullySettled {
			continue
		}

		external, err := r.client.GetConfirmedBalance(ctx, r.accountRef(workerID))
		if err != nil {
			r.logger.Warn("external balance unavailable", "worker_id", workerID, "error", err)
			continue
		}

		diverged := external != summary.ShadowBalance
		streak, err := r.accounts.RecordExternalBalance(ctx, workerID, external, diverged)
		if err != nil {
			r.logger.Error("record external balance failed", "worker_id", workerID, "error", err)
			continue
		}
		if streak < 2 {
			continue
		}

		if err := r.queue.RecordDivergence(ctx, workerID, summary.ShadowBalance, external); err != nil {
			r.logger.Error("record divergence failed", "worker_id", workerID, "error", err)
			continue
		}
		r.logger.Error("ledger divergence detected",
			"worker_id", workerID, "shadow_balance", summary.ShadowBalance,
			"external_balance", external, "streak", streak)
		if r.dispatcher != nil {
			r.dispatcher.Publish(notify.Event{
				Kind:     notify.KindLedgerDivergence,
				WorkerID: workerID,
				Payload: map[string]any{
					"shadow_balance":   summary.ShadowBalance,
					"external_balance": external,
				},
			})
		}
	}
}
