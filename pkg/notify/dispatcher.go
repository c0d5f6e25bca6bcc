// Package notify delivers fire-and-forget event payloads to the
// notification collaborator. The engine never blocks on delivery: events
// are queued on a bounded buffer and dropped (with a log line) when the
// buffer is full.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Event is a notification payload.
type Event struct {
	Kind       string         `json:"kind"`
	WorkerID   string         `json:"worker_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

const (
	KindShiftConfirmed   = "shift_confirmed"
	KindShiftCompleted   = "shift_completed"
	KindRewardCredited   = "reward_credited"
	KindLedgerDivergence = "ledger_divergence"
)

// Sink receives events. Implementations must tolerate being called from a
// single background goroutine.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// Dispatcher fans events out to a sink from a background goroutine.
type Dispatcher struct {
	ch     chan Event
	sink   Sink
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher with the given buffer size.
func NewDispatcher(sink Sink, buffer int, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{ch: make(chan Event, buffer), sink: sink, logger: logger}
}

// Publish queues an event without blocking. Events are dropped when the
// buffer is full; notifications are best-effort by contract.
func (d *Dispatcher) Publish(ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	select {
	case d.ch <- ev:
	default:
		d.logger.Warn("notify: buffer full, dropping event", "kind", ev.Kind, "worker_id", ev.WorkerID)
	}
}

// Run drains the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.ch:
			if err := d.sink.Deliver(ctx, ev); err != nil {
				d.logger.Warn("notify: delivery failed", "kind", ev.Kind, "error", err)
			}
		}
	}
}
