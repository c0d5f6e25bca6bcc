//go:build property
// +build property

package ledger

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// The append discipline (reject mutations that would go negative, record
// balance_after) always yields a history that replays cleanly.
func TestAppendHistoryAlwaysReplays(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("accepted appends produce a verifiable history", prop.ForAll(
		func(amounts []int64) bool {
			var balance int64
			var entries []Entry
			for i, amt := range amounts {
				if balance+amt < 0 {
					continue // rejected with ErrInsufficientBalance
				}
				balance += amt
				entries = append(entries, Entry{
					ID:           fmt.Sprintf("e-%d", i),
					Amount:       amt,
					BalanceAfter: balance,
				})
			}
			return VerifyHistory(entries) == nil && ReplayBalance(entries) == balance
		},
		gen.SliceOf(gen.Int64Range(-500, 500)),
	))

	properties.TestingRun(t)
}
