// Package ledger is the shadow credit ledger: the service's own fast,
// transactional record of worker credit balances. It is append-only; every
// balance change is an immutable entry carrying the balance after it, and
// corrections are compensating entries, never edits.
package ledger

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a ledger entry is not found.
var ErrNotFound = errors.New("ledger entry not found")

// ErrInsufficientBalance is returned when a redemption would drive a
// worker's balance below zero. The check and the append are atomic.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ReasonCode is the business reason for a credit mutation.
type ReasonCode string

const (
	ReasonSignupBonus              ReasonCode = "SIGNUP_BONUS"
	ReasonProfileBonus             ReasonCode = "PROFILE_BONUS"
	ReasonWorkCompletion           ReasonCode = "WORK_COMPLETION"
	ReasonMonthlyPerfectAttendance ReasonCode = "MONTHLY_PERFECT_ATTENDANCE"
	ReasonCertificateRedemption    ReasonCode = "CERTIFICATE_REDEMPTION"
	ReasonAdminMint                ReasonCode = "ADMIN_MINT"
	ReasonAdminBurn                ReasonCode = "ADMIN_BURN"
)

// SettlementStatus tracks an entry's journey to the external ledger.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "PENDING"
	SettlementSettled SettlementStatus = "SETTLED"
	SettlementFailed  SettlementStatus = "FAILED"
)

// Entry is one atomic mutation of a worker's credit balance. Positive
// amounts issue credits, negative amounts redeem them.
type Entry struct {
	ID               string           `json:"id"`
	WorkerID         string           `json:"worker_id"`
	Seq              int64            `json:"seq"`
	Amount           int64            `json:"amount"`
	BalanceAfter     int64            `json:"balance_after"`
	ReasonCode       ReasonCode       `json:"reason_code"`
	ExternalTxRef    string           `json:"external_tx_ref,omitempty"`
	SettlementStatus SettlementStatus `json:"settlement_status"`
	FailureReason    string           `json:"failure_reason,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// BalanceSummary is the worker-facing view of a balance: the shadow value
// plus how it relates to the external ledger.
type BalanceSummary struct {
	WorkerID                   string     `json:"worker_id"`
	ShadowBalance              int64      `json:"shadow_balance"`
	FullySettled               bool       `json:"fully_settled"`
	LastSettledExternalBalance *int64     `json:"last_settled_external_balance,omitempty"`
	ExternalBalanceCheckedAt   *time.Time `json:"external_balance_checked_at,omitempty"`
}
