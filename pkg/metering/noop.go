package metering

import "context"

// Noop discards all events. Used in tests and wherever metering is not
// configured.
type Noop struct{}

func (Noop) Record(ctx context.Context, event Event) error { return nil }

func (Noop) GetUsage(ctx context.Context, subjectID string, period Period) (*Usage, error) {
	return &Usage{SubjectID: subjectID, Period: period, Totals: map[EventType]int64{}}, nil
}

func (Noop) GetUsageByType(ctx context.Context, subjectID string, eventType EventType, period Period) (int64, error) {
	return 0, nil
}
