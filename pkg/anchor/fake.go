package anchor

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory external ledger for tests and lite mode. It is
// idempotent on submission keys, confirms after a configurable number of
// polls, and can be programmed to fail transiently or permanently.
type Fake struct {
	mu sync.Mutex

	// UnavailableFor makes the next N submissions fail transiently.
	UnavailableFor int
	// RejectNext makes the next submission fail permanently.
	RejectNext bool
	// ConfirmAfterPolls is how many polls a submission stays pending.
	ConfirmAfterPolls int

	submissions map[string]*fakeSubmission // by idempotency key
	handles     map[SubmissionHandle]*fakeSubmission
	balances    map[string]int64
	seq         int
}

type fakeSubmission struct {
	handle     SubmissionHandle
	accountRef string
	amount     int64
	polls      int
	confirmed  bool
	txRef      string
	blockRef   string
}

// NewFake creates a fake ledger that confirms on the first poll.
func NewFake() *Fake {
	return &Fake{
		submissions: make(map[string]*fakeSubmission),
		handles:     make(map[SubmissionHandle]*fakeSubmission),
		balances:    make(map[string]int64),
	}
}

func (f *Fake) SubmitProof(_ context.Context, contentHash, eventID, workerRefHash string) (SubmissionHandle, error) {
	if contentHash == "" || eventID == "" || workerRefHash == "" {
		return "", fmt.Errorf("%w: missing field", ErrLedgerRejected)
	}
	return f.submit(contentHash, "", 0)
}

func (f *Fake) IssueCredits(_ context.Context, accountRef string, amount int64, _, idempotencyKey string) (SubmissionHandle, error) {
	if amount <= 0 {
		return "", fmt.Errorf("%w: non-positive issuance", ErrLedgerRejected)
	}
	return f.submit(idempotencyKey, accountRef, amount)
}

func (f *Fake) RedeemCredits(_ context.Context, accountRef string, amount int64, _, idempotencyKey string) (SubmissionHandle, error) {
	if amount <= 0 {
		return "", fmt.Errorf("%w: non-positive redemption", ErrLedgerRejected)
	}
	return f.submit(idempotencyKey, accountRef, -amount)
}

func (f *Fake) submit(key, accountRef string, amount int64) (SubmissionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.UnavailableFor > 0 {
		f.UnavailableFor--
		return "", fmt.Errorf("%w: simulated outage", ErrLedgerUnavailable)
	}
	if f.RejectNext {
		f.RejectNext = false
		return "", fmt.Errorf("%w: simulated rejection", ErrLedgerRejected)
	}

	// Idempotent: a duplicate submission returns the original handle.
	if sub, ok := f.submissions[key]; ok {
		return sub.handle, nil
	}

	f.seq++
	sub := &fakeSubmission{
		handle:     SubmissionHandle(fmt.Sprintf("sub-%d", f.seq)),
		accountRef: accountRef,
		amount:     amount,
		txRef:      fmt.Sprintf("tx-%d", f.seq),
		blockRef:   fmt.Sprintf("blk-%d", f.seq),
	}
	f.submissions[key] = sub
	f.handles[sub.handle] = sub
	return sub.handle, nil
}

func (f *Fake) PollConfirmation(_ context.Context, handle SubmissionHandle) (Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub, ok := f.handles[handle]
	if !ok {
		return Confirmation{}, fmt.Errorf("%w: unknown handle %s", ErrLedgerRejected, handle)
	}
	if sub.confirmed {
		return Confirmation{State: ConfirmationConfirmed, TxRef: sub.txRef, BlockRef: sub.blockRef}, nil
	}

	sub.polls++
	if sub.polls <= f.ConfirmAfterPolls {
		return Confirmation{State: ConfirmationPending}, nil
	}

	sub.confirmed = true
	if sub.accountRef != "" {
		f.balances[sub.accountRef] += sub.amount
	}
	return Confirmation{State: ConfirmationConfirmed, TxRef: sub.txRef, BlockRef: sub.blockRef}, nil
}

func (f *Fake) GetConfirmedBalance(_ context.Context, accountRef string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[accountRef], nil
}

// SubmissionCount reports how many distinct submissions reached the
// ledger, for asserting no duplicates were anchored.
func (f *Fake) SubmissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

// SetBalance seeds an account balance, for divergence tests.
func (f *Fake) SetBalance(accountRef string, balance int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[accountRef] = balance
}
