// Package reward decides when a shift or milestone earns credits and
// guarantees each award fires at most once. Idempotency is enforced by a
// storage-level uniqueness constraint on (worker_id, grant_key), never by
// in-process locks: multiple service instances may evaluate concurrently.
package reward

import (
	"fmt"
	"time"

	"github.com/shiftproof/engine/pkg/ledger"
)

// Policy holds the credit amounts per reward rule. Zero disables a rule.
type Policy struct {
	WorkCompletion           int64 `yaml:"work_completion"`
	SignupBonus              int64 `yaml:"signup_bonus"`
	ProfileBonus             int64 `yaml:"profile_bonus"`
	MonthlyPerfectAttendance int64 `yaml:"monthly_perfect_attendance"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() Policy {
	return Policy{
		WorkCompletion:           50,
		SignupBonus:              100,
		ProfileBonus:             30,
		MonthlyPerfectAttendance: 200,
	}
}

// Grant keys. One-time bonuses use the bare reason code; recurring awards
// append a scope so each qualifying period grants at most once.

func signupKey() string {
	return string(ledger.ReasonSignupBonus)
}

func profileKey() string {
	return string(ledger.ReasonProfileBonus)
}

func workCompletionKey(attendanceID string) string {
	return fmt.Sprintf("%s:%s", ledger.ReasonWorkCompletion, attendanceID)
}

func monthlyPerfectKey(year int, month time.Month) string {
	return fmt.Sprintf("%s:%04d-%02d", ledger.ReasonMonthlyPerfectAttendance, year, month)
}
