package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shiftproof/engine/pkg/api"
	"github.com/shiftproof/engine/pkg/attendance"
	"github.com/shiftproof/engine/pkg/audit"
	"github.com/shiftproof/engine/pkg/ledger"
	"github.com/shiftproof/engine/pkg/metering"
	"github.com/shiftproof/engine/pkg/settle"
)

// setupLiteMode opens an embedded SQLite database for single-node runs
// and development. The schema matches Postgres; only row-locking clauses
// differ, which the stores handle per dialect.
func setupLiteMode(ctx context.Context, dbPath string) (*sql.DB, storeSet, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, storeSet{}, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, storeSet{}, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, storeSet{}, fmt.Errorf("sqlite ping: %w", err)
	}

	attendanceStore := attendance.NewSQLiteStore(db)
	ledgerStore := ledger.NewSQLiteStore(db)
	queue := settle.NewSQLiteQueue(db)
	meter := metering.NewSQLMeter(db)
	auditLogger := audit.NewSQLLogger(db)

	return db, storeSet{
		attendance:  attendanceStore,
		ledger:      ledgerStore,
		queue:       queue,
		meter:       meter,
		audit:       auditLogger,
		trail:       auditLogger,
		idempotency: api.NewMemoryIdempotencyStore(24 * time.Hour),
		inits: []interface {
			Init(ctx context.Context) error
		}{attendanceStore, ledgerStore, queue, meter, auditLogger},
	}, nil
}
