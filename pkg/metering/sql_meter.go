package metering

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLMeter implements Meter with SQL storage (Postgres or SQLite).
type SQLMeter struct {
	db *sql.DB
}

// NewSQLMeter creates a SQL-backed meter.
func NewSQLMeter(db *sql.DB) *SQLMeter {
	return &SQLMeter{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS usage_events (
	id TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	quantity BIGINT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_usage_events_subject_time ON usage_events(subject_id, timestamp);
`

// Init creates the necessary database tables.
func (m *SQLMeter) Init(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, schema)
	return err
}

// Record stores a single usage event.
func (m *SQLMeter) Record(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var metadataJSON []byte
	if event.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("metering: failed to marshal metadata: %w", err)
		}
	}

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO usage_events (id, subject_id, event_type, quantity, timestamp, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), event.SubjectID, event.EventType, event.Quantity, event.Timestamp, metadataJSON)

	if err != nil {
		return fmt.Errorf("metering: failed to record event: %w", err)
	}
	return nil
}

// GetUsage retrieves aggregated usage for all event types.
func (m *SQLMeter) GetUsage(ctx context.Context, subjectID string, period Period) (*Usage, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT event_type, SUM(quantity) as total
		FROM usage_events
		WHERE subject_id = $1 AND timestamp >= $2 AND timestamp < $3
		GROUP BY event_type
	`, subjectID, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("metering: failed to query usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	usage := &Usage{
		SubjectID:  subjectID,
		Period:     period,
		Totals:     make(map[EventType]int64),
		LastUpdate: time.Now().UTC(),
	}

	for rows.Next() {
		var eventType EventType
		var total int64
		if err := rows.Scan(&eventType, &total); err != nil {
			return nil, fmt.Errorf("metering: failed to scan row: %w", err)
		}
		usage.Totals[eventType] = total
	}

	return usage, rows.Err()
}

// GetUsageByType retrieves usage for a specific event type.
func (m *SQLMeter) GetUsageByType(ctx context.Context, subjectID string, eventType EventType, period Period) (int64, error) {
	var total sql.NullInt64
	err := m.db.QueryRowContext(ctx, `
		SELECT SUM(quantity)
		FROM usage_events
		WHERE subject_id = $1 AND event_type = $2 AND timestamp >= $3 AND timestamp < $4
	`, subjectID, eventType, period.Start, period.End).Scan(&total)

	if err != nil {
		return 0, fmt.Errorf("metering: failed to query usage by type: %w", err)
	}

	return total.Int64, nil
}
