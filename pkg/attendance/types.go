// Package attendance owns the shift attendance state machine and the work
// proofs derived from completed shifts.
package attendance

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an attendance or proof id is unknown.
var ErrNotFound = errors.New("attendance not found")

// ErrInvalidTransition is returned when an operation is not legal from the
// attendance's current status. The row is left unchanged.
var ErrInvalidTransition = errors.New("invalid attendance transition")

// Status is the lifecycle state of a shift attendance.
type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusCheckedIn  Status = "CHECKED_IN"
	StatusCompleted  Status = "COMPLETED"
	StatusEarlyLeave Status = "EARLY_LEAVE"
	StatusNoShow     Status = "NO_SHOW"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transitions are legal.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusEarlyLeave, StatusNoShow, StatusCancelled:
		return true
	}
	return false
}

// CancelClass classifies a cancellation relative to the scheduled start.
// It is a side datum for downstream reliability scoring, not a state.
type CancelClass string

const (
	CancelAdvance CancelClass = "ADVANCE"
	CancelSameDay CancelClass = "SAME_DAY"
	CancelNoShow  CancelClass = "NO_SHOW"
)

// Attendance is one worker's participation in one event position.
// Exactly one row exists per confirmed application; terminal rows are
// retained forever for audit.
type Attendance struct {
	ID              string     `json:"id"`
	ApplicationID   string     `json:"application_id"`
	WorkerID        string     `json:"worker_id"`
	EventID         string     `json:"event_id"`
	ScheduledStart  time.Time  `json:"scheduled_start"`
	ScheduledEnd    time.Time  `json:"scheduled_end"`
	CheckInAt       *time.Time `json:"check_in_at,omitempty"`
	CheckOutAt      *time.Time `json:"check_out_at,omitempty"`
	LateMinutes     int        `json:"late_minutes"`
	WorkedMinutes   *int       `json:"worked_minutes,omitempty"`
	ComplianceRatio *float64   `json:"time_compliance_ratio,omitempty"`
	Status          Status     `json:"status"`
	CancelClass     CancelClass `json:"cancel_class,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ScheduledMinutes returns the planned shift length in whole minutes.
func (a Attendance) ScheduledMinutes() int {
	return int(a.ScheduledEnd.Sub(a.ScheduledStart) / time.Minute)
}

// AnchorStatus is the external-ledger lifecycle of a work proof.
type AnchorStatus string

const (
	AnchorUnanchored AnchorStatus = "UNANCHORED"
	AnchorSubmitted  AnchorStatus = "SUBMITTED"
	AnchorConfirmed  AnchorStatus = "CONFIRMED"
	AnchorFailed     AnchorStatus = "FAILED"
)

// WorkProof is the immutable fact that a worker completed a shift with
// these exact minutes. Only the anchor fields ever change after creation.
type WorkProof struct {
	ID               string       `json:"id"`
	AttendanceID     string       `json:"attendance_id"`
	WorkerID         string       `json:"worker_id"`
	EventID          string       `json:"event_id"`
	ContentHash      string       `json:"content_hash"`
	WorkerRefHash    string       `json:"worker_ref_hash"`
	AnchorStatus     AnchorStatus `json:"anchor_status"`
	SubmissionHandle string       `json:"submission_handle,omitempty"`
	ExternalTxRef    string       `json:"external_tx_ref,omitempty"`
	ExternalBlockRef string       `json:"external_block_ref,omitempty"`
	FailureReason    string       `json:"failure_reason,omitempty"`
	AttemptCount     int          `json:"attempt_count"`
	CreatedAt        time.Time    `json:"created_at"`
}

// ShiftCompleted is emitted on every transition into a terminal checked-out
// state and consumed by the reward policy engine and notification dispatch.
type ShiftCompleted struct {
	AttendanceID    string
	WorkerID        string
	EventID         string
	CheckInAt       time.Time
	CheckOutAt      time.Time
	WorkedMinutes   int
	ComplianceRatio float64
}

// MonthStats aggregates a worker's attendance outcomes within one calendar
// month, used by the monthly perfect-attendance rule.
type MonthStats struct {
	Completed  int
	EarlyLeave int
	NoShow     int
	Cancelled  int
}
