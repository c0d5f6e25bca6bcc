package attendance

import (
	"fmt"
	"time"
)

// The transition functions below are pure: they validate the current
// status, mutate the record in place and never touch storage. The store
// calls them inside a row-locked transaction so concurrent calls for the
// same attendance serialize and exactly one of two racing transitions wins.

// sameDayWindow is how close to the scheduled start a cancellation counts
// as short-notice rather than advance.
const sameDayWindow = 24 * time.Hour

func applyCheckIn(a *Attendance, at time.Time) error {
	if a.Status != StatusScheduled {
		return fmt.Errorf("%w: check-in from %s", ErrInvalidTransition, a.Status)
	}
	at = at.UTC()
	late := 0
	if at.After(a.ScheduledStart) {
		late = int(at.Sub(a.ScheduledStart) / time.Minute)
	}
	a.CheckInAt = &at
	a.LateMinutes = late
	a.Status = StatusCheckedIn
	return nil
}

// applyCheckOut closes the shift. A checkout that worked less than
// minCompliance of the scheduled minutes and left before the scheduled end
// is classified EARLY_LEAVE; everything else is COMPLETED.
func applyCheckOut(a *Attendance, at time.Time, minCompliance float64) error {
	if a.Status != StatusCheckedIn {
		return fmt.Errorf("%w: check-out from %s", ErrInvalidTransition, a.Status)
	}
	at = at.UTC()
	if at.Before(*a.CheckInAt) {
		return fmt.Errorf("%w: check-out before check-in", ErrInvalidTransition)
	}

	worked := int(at.Sub(*a.CheckInAt) / time.Minute)
	ratio := 1.0
	if scheduled := a.ScheduledMinutes(); scheduled > 0 {
		ratio = float64(worked) / float64(scheduled)
		if ratio > 1.0 {
			ratio = 1.0
		}
	}

	a.CheckOutAt = &at
	a.WorkedMinutes = &worked
	a.ComplianceRatio = &ratio
	if at.Before(a.ScheduledEnd) && ratio < minCompliance {
		a.Status = StatusEarlyLeave
	} else {
		a.Status = StatusCompleted
	}
	return nil
}

func applyCancel(a *Attendance, at time.Time) error {
	if a.Status != StatusScheduled {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, a.Status)
	}
	a.Status = StatusCancelled
	a.CancelClass = classifyCancel(a.ScheduledStart, at.UTC())
	return nil
}

func applyNoShow(a *Attendance, at time.Time) error {
	if a.Status != StatusScheduled && a.Status != StatusCheckedIn {
		return fmt.Errorf("%w: no-show from %s", ErrInvalidTransition, a.Status)
	}
	a.Status = StatusNoShow
	a.CancelClass = CancelNoShow
	return nil
}

func classifyCancel(scheduledStart, at time.Time) CancelClass {
	switch {
	case !at.Before(scheduledStart):
		return CancelNoShow
	case scheduledStart.Sub(at) <= sameDayWindow:
		return CancelSameDay
	default:
		return CancelAdvance
	}
}
