package ledger

import "fmt"

// VerifyHistory checks the append-only reconstruction law over a worker's
// entries in append order: every balance_after equals the previous
// balance_after plus the amount, and the balance never dips below zero.
func VerifyHistory(entries []Entry) error {
	var balance int64
	for i, e := range entries {
		expected := balance + e.Amount
		if e.BalanceAfter != expected {
			return fmt.Errorf("ledger: entry %d (%s): balance_after %d, expected %d",
				i, e.ID, e.BalanceAfter, expected)
		}
		if e.BalanceAfter < 0 {
			return fmt.Errorf("ledger: entry %d (%s): negative balance %d", i, e.ID, e.BalanceAfter)
		}
		balance = e.BalanceAfter
	}
	return nil
}

// ReplayBalance recomputes the final balance from history.
func ReplayBalance(entries []Entry) int64 {
	var balance int64
	for _, e := range entries {
		balance += e.Amount
	}
	return balance
}
