package settle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftproof/engine/pkg/anchor"
	"github.com/shiftproof/engine/pkg/ledger"
)

// memQueue is an in-memory Queue so reconciler behavior can be tested
// without SQL. Due-ness and leasing follow the same rules as SQLQueue.
type memQueue struct {
	proofs  map[string]*memProof
	credits map[string]*memCredit

	divergences []Divergence
}

type memProof struct {
	PendingProof
	status   string
	txRef    string
	blockRef string
	reason   string
	next     time.Time
}

type memCredit struct {
	PendingCredit
	next time.Time
}

func newMemQueue() *memQueue {
	return &memQueue{proofs: map[string]*memProof{}, credits: map[string]*memCredit{}}
}

func (q *memQueue) addProof(p PendingProof) {
	q.proofs[p.ID] = &memProof{PendingProof: p, status: "UNANCHORED"}
}

func (q *memQueue) addCredit(c PendingCredit) {
	q.credits[c.ID] = &memCredit{PendingCredit: c}
}

func (q *memQueue) ClaimProofs(_ context.Context, status string, limit int, lease time.Duration) ([]PendingProof, error) {
	now := time.Now()
	out := make([]PendingProof, 0)
	for _, p := range q.proofs {
		if p.status != status || p.next.After(now) || len(out) >= limit {
			continue
		}
		p.next = now.Add(lease)
		out = append(out, p.PendingProof)
	}
	return out, nil
}

func (q *memQueue) MarkProofSubmitted(_ context.Context, id, handle string, nextPoll time.Time) error {
	p := q.proofs[id]
	p.status = "SUBMITTED"
	p.Handle = handle
	p.next = nextPoll
	return nil
}

func (q *memQueue) MarkProofConfirmed(_ context.Context, id, txRef, blockRef string) error {
	p := q.proofs[id]
	p.status = "CONFIRMED"
	p.txRef = txRef
	p.blockRef = blockRef
	return nil
}

func (q *memQueue) MarkProofFailed(_ context.Context, id, reason string) error {
	p := q.proofs[id]
	p.status = "FAILED"
	p.reason = reason
	return nil
}

func (q *memQueue) RescheduleProof(_ context.Context, id string, attempt int, next time.Time) error {
	p := q.proofs[id]
	p.AttemptCount = attempt
	p.next = next
	return nil
}

func (q *memQueue) RevertProofToUnanchored(_ context.Context, id string, attempt int, next time.Time) error {
	p := q.proofs[id]
	p.status = "UNANCHORED"
	p.Handle = ""
	p.AttemptCount = attempt
	p.next = next
	return nil
}

func (q *memQueue) ClaimCredits(_ context.Context, submitted bool, limit int, lease time.Duration) ([]PendingCredit, error) {
	now := time.Now()
	out := make([]PendingCredit, 0)
	for _, c := range q.credits {
		if (c.Handle != "") != submitted || c.next.After(now) || len(out) >= limit {
			continue
		}
		c.next = now.Add(lease)
		out = append(out, c.PendingCredit)
	}
	return out, nil
}

func (q *memQueue) MarkCreditSubmitted(_ context.Context, id, handle string, nextPoll time.Time) error {
	c := q.credits[id]
	c.Handle = handle
	c.next = nextPoll
	return nil
}

func (q *memQueue) RescheduleCredit(_ context.Context, id string, attempt int, next time.Time) error {
	c := q.credits[id]
	c.AttemptCount = attempt
	c.next = next
	return nil
}

func (q *memQueue) RevertCreditToPending(_ context.Context, id string, attempt int, next time.Time) error {
	c := q.credits[id]
	c.Handle = ""
	c.AttemptCount = attempt
	c.next = next
	return nil
}

func (q *memQueue) RecordDivergence(_ context.Context, workerID string, shadow, external int64) error {
	for _, d := range q.divergences {
		if d.WorkerID == workerID && !d.Resolved {
			return nil
		}
	}
	q.divergences = append(q.divergences, Divergence{
		WorkerID: workerID, ShadowBalance: shadow, ExternalBalance: external,
	})
	return nil
}

// memAccounts is an in-memory Accounts for the balance and settlement
// status paths.
type memAccounts struct {
	workers      []string
	balances     map[string]int64
	fullySettled map[string]bool
	streaks      map[string]int
	settled      map[string]string // entry id -> tx ref
	failed       map[string]string // entry id -> reason
}

func newMemAccounts() *memAccounts {
	return &memAccounts{
		balances:     map[string]int64{},
		fullySettled: map[string]bool{},
		streaks:      map[string]int{},
		settled:      map[string]string{},
		failed:       map[string]string{},
	}
}

func (a *memAccounts) WorkerIDs(context.Context) ([]string, error) { return a.workers, nil }

func (a *memAccounts) CurrentBalance(_ context.Context, workerID string) (int64, error) {
	return a.balances[workerID], nil
}

func (a *memAccounts) Summary(_ context.Context, workerID string) (ledger.BalanceSummary, error) {
	return ledger.BalanceSummary{
		WorkerID:      workerID,
		ShadowBalance: a.balances[workerID],
		FullySettled:  a.fullySettled[workerID],
	}, nil
}

func (a *memAccounts) RecordExternalBalance(_ context.Context, workerID string, _ int64, diverged bool) (int, error) {
	if diverged {
		a.streaks[workerID]++
	} else {
		a.streaks[workerID] = 0
	}
	return a.streaks[workerID], nil
}

func (a *memAccounts) MarkSettled(_ context.Context, entryID, txRef string) error {
	a.settled[entryID] = txRef
	return nil
}

func (a *memAccounts) MarkSettlementFailed(_ context.Context, entryID, reason string) error {
	a.failed[entryID] = reason
	return nil
}

func testOptions() Options {
	opts := DefaultOptions()
	// Make every deferral immediately due again so each Sweep call is one
	// full retry cycle.
	opts.BackoffBase = 0
	opts.BackoffCap = 0
	opts.PollDelay = 0
	opts.Lease = 0
	return opts
}

func newTestReconciler(queue Queue, accounts Accounts, client anchor.Client) *Reconciler {
	return NewReconciler(queue, accounts, client, func(workerID string) string {
		return "wrk:" + workerID
	}, nil, nil, testOptions(), nil)
}

func proofFixture(id string) PendingProof {
	return PendingProof{
		ID:            id,
		AttendanceID:  "att-" + id,
		WorkerID:      "wkr-1",
		EventID:       "evt-1",
		ContentHash:   "sha256:" + id,
		WorkerRefHash: "wrk:abc",
	}
}

func TestProofAnchoredAfterTransientOutage(t *testing.T) {
	queue := newMemQueue()
	queue.addProof(proofFixture("p1"))

	fake := anchor.NewFake()
	fake.UnavailableFor = 3
	rec := newTestReconciler(queue, newMemAccounts(), fake)
	ctx := context.Background()

	// Three sweeps hit the outage and defer with a growing attempt count.
	for i := 1; i <= 3; i++ {
		rec.Sweep(ctx)
		assert.Equal(t, "UNANCHORED", queue.proofs["p1"].status)
		assert.Equal(t, i, queue.proofs["p1"].AttemptCount)
	}

	// The fourth sweep submits and confirms in one pass.
	rec.Sweep(ctx)
	p := queue.proofs["p1"]
	assert.Equal(t, "CONFIRMED", p.status)
	assert.NotEmpty(t, p.txRef)
	assert.NotEmpty(t, p.blockRef)
	assert.Equal(t, 1, fake.SubmissionCount())
}

func TestRejectedProofFailsPermanently(t *testing.T) {
	queue := newMemQueue()
	queue.addProof(proofFixture("p1"))

	fake := anchor.NewFake()
	fake.RejectNext = true
	rec := newTestReconciler(queue, newMemAccounts(), fake)
	ctx := context.Background()

	rec.Sweep(ctx)
	assert.Equal(t, "FAILED", queue.proofs["p1"].status)
	assert.Contains(t, queue.proofs["p1"].reason, "rejection")

	// A failed proof is terminal: further sweeps never resubmit it.
	rec.Sweep(ctx)
	assert.Equal(t, 0, fake.SubmissionCount())
}

func TestDuplicateSubmissionIsIdempotent(t *testing.T) {
	queue := newMemQueue()
	queue.addProof(proofFixture("p1"))

	// Confirmation stays pending long enough that the lease expires and a
	// second sweep re-polls; the submission itself must not duplicate.
	fake := anchor.NewFake()
	fake.ConfirmAfterPolls = 2
	rec := newTestReconciler(queue, newMemAccounts(), fake)
	ctx := context.Background()

	rec.Sweep(ctx) // submit + first poll (pending)
	assert.Equal(t, "SUBMITTED", queue.proofs["p1"].status)
	rec.Sweep(ctx) // second poll (pending)
	rec.Sweep(ctx) // third poll (confirmed)

	assert.Equal(t, "CONFIRMED", queue.proofs["p1"].status)
	assert.Equal(t, 1, fake.SubmissionCount())
}

// failingConfirmClient confirms nothing: every poll reports FAILED.
type failingConfirmClient struct {
	*anchor.Fake
}

func (c failingConfirmClient) PollConfirmation(context.Context, anchor.SubmissionHandle) (anchor.Confirmation, error) {
	return anchor.Confirmation{State: anchor.ConfirmationFailed, Reason: "fork detected"}, nil
}

func TestFailedConfirmationRetriesAreBounded(t *testing.T) {
	queue := newMemQueue()
	queue.addProof(proofFixture("p1"))

	client := failingConfirmClient{Fake: anchor.NewFake()}
	rec := newTestReconciler(queue, newMemAccounts(), client)
	ctx := context.Background()

	// Each sweep submits, sees the confirmation fail and reverts, until
	// the revert budget runs out.
	for i := 0; i <= rec.opts.MaxReverts; i++ {
		rec.Sweep(ctx)
	}

	p := queue.proofs["p1"]
	assert.Equal(t, "FAILED", p.status)
	assert.Equal(t, "fork detected", p.reason)
}

func TestCreditIssuanceSettles(t *testing.T) {
	queue := newMemQueue()
	queue.addCredit(PendingCredit{ID: "ce-1", WorkerID: "wkr-1", Amount: 50, Reason: "WORK_COMPLETION"})

	accounts := newMemAccounts()
	fake := anchor.NewFake()
	rec := newTestReconciler(queue, accounts, fake)

	rec.Sweep(context.Background())

	require.Contains(t, accounts.settled, "ce-1")
	assert.NotEmpty(t, accounts.settled["ce-1"])

	// The issuance landed on the external account.
	balance, err := fake.GetConfirmedBalance(context.Background(), "wrk:wkr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)
}

func TestCreditRedemptionSettles(t *testing.T) {
	queue := newMemQueue()
	queue.addCredit(PendingCredit{ID: "ce-2", WorkerID: "wkr-1", Amount: -30, Reason: "CERTIFICATE_REDEMPTION"})

	accounts := newMemAccounts()
	fake := anchor.NewFake()
	fake.SetBalance("wrk:wkr-1", 100)
	rec := newTestReconciler(queue, accounts, fake)

	rec.Sweep(context.Background())

	require.Contains(t, accounts.settled, "ce-2")
	balance, err := fake.GetConfirmedBalance(context.Background(), "wrk:wkr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)
}

func TestRejectedCreditMarksEntryFailed(t *testing.T) {
	queue := newMemQueue()
	queue.addCredit(PendingCredit{ID: "ce-3", WorkerID: "wkr-1", Amount: 50, Reason: "WORK_COMPLETION"})

	accounts := newMemAccounts()
	fake := anchor.NewFake()
	fake.RejectNext = true
	rec := newTestReconciler(queue, accounts, fake)

	rec.Sweep(context.Background())

	require.Contains(t, accounts.failed, "ce-3")
	assert.NotContains(t, accounts.settled, "ce-3")
}

func TestDivergenceReportedAfterTwoChecks(t *testing.T) {
	queue := newMemQueue()
	accounts := newMemAccounts()
	accounts.workers = []string{"wkr-1"}
	accounts.balances["wkr-1"] = 100
	accounts.fullySettled["wkr-1"] = true

	fake := anchor.NewFake()
	fake.SetBalance("wrk:wkr-1", 80)
	rec := newTestReconciler(queue, accounts, fake)
	ctx := context.Background()

	// First mismatch observes but does not report.
	rec.Sweep(ctx)
	assert.Empty(t, queue.divergences)

	// Second consecutive mismatch files the report.
	rec.Sweep(ctx)
	require.Len(t, queue.divergences, 1)
	d := queue.divergences[0]
	assert.Equal(t, "wkr-1", d.WorkerID)
	assert.Equal(t, int64(100), d.ShadowBalance)
	assert.Equal(t, int64(80), d.ExternalBalance)

	// The report is never duplicated while it remains open, and the
	// shadow balance is never touched.
	rec.Sweep(ctx)
	assert.Len(t, queue.divergences, 1)
	assert.Equal(t, int64(100), accounts.balances["wkr-1"])
}

func TestUnsettledWorkerSkipsBalanceCheck(t *testing.T) {
	queue := newMemQueue()
	accounts := newMemAccounts()
	accounts.workers = []string{"wkr-1"}
	accounts.balances["wkr-1"] = 100
	accounts.fullySettled["wkr-1"] = false

	fake := anchor.NewFake()
	fake.SetBalance("wrk:wkr-1", 0)
	rec := newTestReconciler(queue, accounts, fake)
	ctx := context.Background()

	// Pending entries make a mismatch expected, not a divergence.
	rec.Sweep(ctx)
	rec.Sweep(ctx)
	assert.Empty(t, queue.divergences)
	assert.Zero(t, accounts.streaks["wkr-1"])
}

func TestMatchingBalanceResetsStreak(t *testing.T) {
	queue := newMemQueue()
	accounts := newMemAccounts()
	accounts.workers = []string{"wkr-1"}
	accounts.balances["wkr-1"] = 100
	accounts.fullySettled["wkr-1"] = true
	accounts.streaks["wkr-1"] = 1

	fake := anchor.NewFake()
	fake.SetBalance("wrk:wkr-1", 100)
	rec := newTestReconciler(queue, accounts, fake)

	rec.Sweep(context.Background())
	assert.Zero(t, accounts.streaks["wkr-1"])
	assert.Empty(t, queue.divergences)
}

func TestBackoffDoublesToCap(t *testing.T) {
	rec := NewReconciler(newMemQueue(), newMemAccounts(), anchor.NewFake(), func(s string) string { return s },
		nil, nil, Options{BackoffBase: 30 * time.Second, BackoffCap: 4 * time.Minute}, nil)

	for attempt, want := range map[int]time.Duration{
		1: 30 * time.Second,
		2: time.Minute,
		3: 2 * time.Minute,
		4: 4 * time.Minute,
		9: 4 * time.Minute,
	} {
		assert.Equal(t, want, rec.backoff(attempt), fmt.Sprintf("attempt %d", attempt))
	}
}
