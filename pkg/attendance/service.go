package attendance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shiftproof/engine/pkg/metering"
	"github.com/shiftproof/engine/pkg/notify"
	"github.com/shiftproof/engine/pkg/proof"
)

// RewardEvaluator consumes completion events. Implemented by the reward
// policy engine; declared here so this package does not depend on it.
type RewardEvaluator interface {
	OnShiftCompleted(ctx context.Context, ev ShiftCompleted) error
}

// DefaultMinCompliance is the worked/scheduled ratio below which an early
// departure is classified EARLY_LEAVE instead of COMPLETED.
const DefaultMinCompliance = 0.9

// Service drives the attendance state machine and the side effects of
// completion: proof derivation, reward evaluation and notifications. The
// request path only ever writes durable local records; nothing here talks
// to the external ledger.
type Service struct {
	store         *Store
	rewards       RewardEvaluator
	dispatcher    *notify.Dispatcher
	meter         metering.Meter
	salt          []byte
	minCompliance float64
	logger        *slog.Logger
}

// NewService wires the attendance service.
func NewService(store *Store, rewards RewardEvaluator, dispatcher *notify.Dispatcher, meter metering.Meter, salt []byte, logger *slog.Logger) *Service {
	if meter == nil {
		meter = metering.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         store,
		rewards:       rewards,
		dispatcher:    dispatcher,
		meter:         meter,
		salt:          salt,
		minCompliance: DefaultMinCompliance,
		logger:        logger,
	}
}

// ConfirmApplication creates the initial SCHEDULED attendance for a
// confirmed application. Safe to repeat; the same attendance is returned.
func (s *Service) ConfirmApplication(ctx context.Context, applicationID, workerID, eventID string, start, end time.Time) (Attendance, error) {
	a, err := s.store.Create(ctx, applicationID, workerID, eventID, start, end)
	if err != nil {
		return Attendance{}, err
	}
	s.publish(notify.Event{
		Kind:     notify.KindShiftConfirmed,
		WorkerID: a.WorkerID,
		Payload:  map[string]any{"attendance_id": a.ID, "event_id": a.EventID},
	})
	return a, nil
}

// Get returns an attendance by id.
func (s *Service) Get(ctx context.Context, id string) (Attendance, error) {
	return s.store.Get(ctx, id)
}

// CheckIn records a worker's arrival.
func (s *Service) CheckIn(ctx context.Context, id string, at time.Time) (Attendance, error) {
	a, err := s.store.CheckIn(ctx, id, at)
	if err != nil {
		return Attendance{}, err
	}
	s.record(ctx, a.WorkerID, metering.EventCheckIn)
	return a, nil
}

// CheckOut closes the shift. On completion it derives the work proof
// (at most once per attendance), evaluates reward rules and emits a
// ShiftCompleted notification. Side-effect failures are logged, never
// propagated: a completed shift stays completed.
func (s *Service) CheckOut(ctx context.Context, id string, at time.Time) (Attendance, error) {
	a, err := s.store.CheckOut(ctx, id, at, s.minCompliance)
	if err != nil {
		return Attendance{}, err
	}
	s.record(ctx, a.WorkerID, metering.EventCheckOut)

	if a.Status != StatusCompleted {
		return a, nil
	}

	ev := ShiftCompleted{
		AttendanceID:    a.ID,
		WorkerID:        a.WorkerID,
		EventID:         a.EventID,
		CheckInAt:       *a.CheckInAt,
		CheckOutAt:      *a.CheckOutAt,
		WorkedMinutes:   *a.WorkedMinutes,
		ComplianceRatio: *a.ComplianceRatio,
	}

	if err := s.createProof(ctx, ev); err != nil {
		s.logger.Error("work proof creation failed", "attendance_id", a.ID, "error", err)
	}
	if s.rewards != nil {
		if err := s.rewards.OnShiftCompleted(ctx, ev); err != nil {
			s.logger.Error("reward evaluation failed", "attendance_id", a.ID, "error", err)
		}
	}
	s.publish(notify.Event{
		Kind:     notify.KindShiftCompleted,
		WorkerID: a.WorkerID,
		Payload: map[string]any{
			"attendance_id":  a.ID,
			"event_id":       a.EventID,
			"worked_minutes": *a.WorkedMinutes,
		},
	})
	return a, nil
}

// Cancel performs an admin/system cancellation.
func (s *Service) Cancel(ctx context.Context, id string, at time.Time) (Attendance, error) {
	return s.store.Cancel(ctx, id, at)
}

// MarkNoShow marks a worker who never showed up.
func (s *Service) MarkNoShow(ctx context.Context, id string, at time.Time) (Attendance, error) {
	return s.store.MarkNoShow(ctx, id, at)
}

// Proof returns the work proof for an attendance, including its anchor
// status and external references once confirmed.
func (s *Service) Proof(ctx context.Context, attendanceID string) (WorkProof, error) {
	return s.store.GetProof(ctx, attendanceID)
}

// createProof derives the content hash and inserts the proof row. The
// uniqueness constraint on attendance_id guarantees at-most-once creation
// even if the completion event is processed twice.
func (s *Service) createProof(ctx context.Context, ev ShiftCompleted) error {
	hash := proof.ContentHash(proof.ShiftFacts{
		EventID:       ev.EventID,
		WorkerID:      ev.WorkerID,
		CheckInAt:     ev.CheckInAt,
		CheckOutAt:    ev.CheckOutAt,
		WorkedMinutes: ev.WorkedMinutes,
	})

	created, err := s.store.CreateProof(ctx, WorkProof{
		ID:            uuid.NewString(),
		AttendanceID:  ev.AttendanceID,
		WorkerID:      ev.WorkerID,
		EventID:       ev.EventID,
		ContentHash:   hash,
		WorkerRefHash: proof.Pseudonymize(ev.WorkerID, s.salt),
	})
	if err != nil {
		return err
	}
	if !created {
		s.logger.Debug("work proof already exists", "attendance_id", ev.AttendanceID)
	}
	return nil
}

func (s *Service) publish(ev notify.Event) {
	if s.dispatcher != nil {
		s.dispatcher.Publish(ev)
	}
}

func (s *Service) record(ctx context.Context, workerID string, et metering.EventType) {
	err := s.meter.Record(ctx, metering.Event{SubjectID: workerID, EventType: et, Quantity: 1})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("metering record failed", "event", et, "error", err)
	}
}
