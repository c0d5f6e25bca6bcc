// Package metering records operational usage events: attendance
// transitions, anchor submissions and credit movements. It feeds admin
// dashboards and capacity planning, not billing.
package metering

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmptySubject is returned when a metering event has no subject.
	ErrEmptySubject = errors.New("metering: subject_id must not be empty")
	// ErrNegativeQuantity is returned when a metering event has a negative quantity.
	ErrNegativeQuantity = errors.New("metering: quantity must not be negative")
	// ErrInvalidEventType is returned when the event type is empty.
	ErrInvalidEventType = errors.New("metering: event_type must not be empty")
)

// EventType defines the type of metered event.
type EventType string

const (
	EventCheckIn         EventType = "check_in"
	EventCheckOut        EventType = "check_out"
	EventProofSubmitted  EventType = "proof_submitted"
	EventProofConfirmed  EventType = "proof_confirmed"
	EventCreditsIssued   EventType = "credits_issued"
	EventCreditsRedeemed EventType = "credits_redeemed"
	EventSweep           EventType = "sweep"
)

// Event represents a single metered usage event.
type Event struct {
	SubjectID string         `json:"subject_id"`
	EventType EventType      `json:"event_type"`
	Quantity  int64          `json:"quantity"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Validate checks that the event has valid fields.
func (e Event) Validate() error {
	if e.SubjectID == "" {
		return ErrEmptySubject
	}
	if e.Quantity < 0 {
		return ErrNegativeQuantity
	}
	if e.EventType == "" {
		return ErrInvalidEventType
	}
	return nil
}

// Period defines a time range for usage aggregation.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// MonthlyPeriod returns a Period for the current month.
func MonthlyPeriod() Period {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// Usage contains aggregated usage for a subject.
type Usage struct {
	SubjectID  string              `json:"subject_id"`
	Period     Period              `json:"period"`
	Totals     map[EventType]int64 `json:"totals"`
	LastUpdate time.Time           `json:"last_update"`
}

// Meter is the interface for recording and querying usage.
type Meter interface {
	Record(ctx context.Context, event Event) error
	GetUsage(ctx context.Context, subjectID string, period Period) (*Usage, error)
	GetUsageByType(ctx context.Context, subjectID string, eventType EventType, period Period) (int64, error)
}
