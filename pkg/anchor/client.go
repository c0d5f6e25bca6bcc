// Package anchor is the adapter to the external append-only ledger
// service. It is deliberately dumb: bounded timeouts, typed errors, no
// internal retries. Retry and backoff policy belong to the settlement
// reconciler above it.
package anchor

import (
	"context"
	"errors"
)

// ErrLedgerUnavailable marks a transient failure (network error, timeout,
// 5xx). The caller may retry later.
var ErrLedgerUnavailable = errors.New("external ledger unavailable")

// ErrLedgerRejected marks a permanent failure (malformed input, 4xx).
// Retrying the same request will never succeed.
var ErrLedgerRejected = errors.New("external ledger rejected request")

// SubmissionHandle identifies an in-flight submission on the external
// ledger, used to poll for confirmation.
type SubmissionHandle string

// ConfirmationState is the external ledger's view of a submission.
type ConfirmationState string

const (
	ConfirmationPending   ConfirmationState = "PENDING"
	ConfirmationConfirmed ConfirmationState = "CONFIRMED"
	ConfirmationFailed    ConfirmationState = "FAILED"
)

// Confirmation is the result of polling a submission.
type Confirmation struct {
	State    ConfirmationState `json:"state"`
	TxRef    string            `json:"tx_ref,omitempty"`
	BlockRef string            `json:"block_ref,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

// Client is the external ledger adapter. Every call is timeout-bounded.
// Submissions carry an idempotency key so a crash between submit and
// status-update cannot double-anchor.
type Client interface {
	// SubmitProof anchors a work proof's content hash. The content hash
	// doubles as the idempotency key.
	SubmitProof(ctx context.Context, contentHash, eventID, workerRefHash string) (SubmissionHandle, error)

	// PollConfirmation reports the state of a prior submission.
	PollConfirmation(ctx context.Context, handle SubmissionHandle) (Confirmation, error)

	// IssueCredits records a credit issuance for an account.
	IssueCredits(ctx context.Context, accountRef string, amount int64, reason, idempotencyKey string) (SubmissionHandle, error)

	// RedeemCredits records a credit redemption for an account.
	RedeemCredits(ctx context.Context, accountRef string, amount int64, reason, idempotencyKey string) (SubmissionHandle, error)

	// GetConfirmedBalance returns the authoritative balance per the
	// external ledger. It may transiently disagree with the shadow ledger.
	GetConfirmedBalance(ctx context.Context, accountRef string) (int64, error)
}
