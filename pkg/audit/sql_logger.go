package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shiftproof/engine/pkg/auth"
)

// SQLLogger persists audit events so admin actions survive restarts and
// can be queried after the fact.
type SQLLogger struct {
	db *sql.DB
}

// NewSQLLogger creates a durable audit logger.
func NewSQLLogger(db *sql.DB) *SQLLogger {
	return &SQLLogger{db: db}
}

// Init creates the audit table.
func (l *SQLLogger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			actor_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL
		)
	`)
	return err
}

// Record implements Logger. Fail-closed: an unconfigured logger errors
// rather than silently dropping the record.
func (l *SQLLogger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("audit: store not configured")
	}

	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, actor_id, event_type, action, resource, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), auth.ActorID(ctx), string(eventType), action, resource, string(meta), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("audit: record: %w", err)
	}
	return nil
}

// Recent returns the latest events, newest first, for operator review.
func (l *SQLLogger) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, actor_id, event_type, action, resource, metadata, created_at
		FROM audit_events
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Event, 0, limit)
	for rows.Next() {
		var e Event
		var eventType, meta string
		if err := rows.Scan(&e.ID, &e.ActorID, &eventType, &e.Action, &e.Resource, &meta, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("audit: recent: %w", err)
		}
		e.Type = EventType(eventType)
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
