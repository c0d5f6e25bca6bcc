// Package storage holds the small amount of SQL-dialect plumbing shared by
// the engine's stores. The service runs against Postgres in production and
// SQLite in lite mode; both accept $n placeholders, so the only differences
// are row-locking clauses (SQLite serializes writers at the connection
// level and has no FOR UPDATE).
package storage

// Dialect selects backend-specific SQL fragments.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

// ForUpdate returns the row-locking suffix for a single-row
// read-modify-write transaction.
func (d Dialect) ForUpdate() string {
	if d == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// SkipLocked returns the locking suffix for work-queue claims, letting
// concurrent sweepers drain a queue without blocking each other.
func (d Dialect) SkipLocked() string {
	if d == Postgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}
