package postgres

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// AnalyticsRepo persists analytics events. Rows are partitioned by date
// (YYYY-MM-DD) and keyed by a ULID event id, so same-day events sort by
// arrival order.
type AnalyticsRepo struct{ Pool PgxPool }

// NewAnalyticsRepo constructs an AnalyticsRepo with the given pool.
func NewAnalyticsRepo(p PgxPool) *AnalyticsRepo { return &AnalyticsRepo{Pool: p} }

// Insert writes one analytics event. Duplicate event ids are ignored so the
// worker can replay a partition safely.
func (r *AnalyticsRepo) Insert(ctx domain.Context, ev domain.AnalyticsEvent) error {
	tracer := otel.Tracer("repo.analytics")
	ctx, span := tracer.Start(ctx, "analytics.Insert")
	defer span.End()

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("op=analytics.insert: %w", err)
	}
	q := `INSERT INTO analytics_events (date, event_id, event_type, session_id, ts, payload)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (date, event_id) DO NOTHING`
	_, err = r.Pool.Exec(ctx, q,
		ev.Date, ev.EventID, ev.EventType, ev.SessionID, ev.Timestamp.UTC(), payload)
	if err != nil {
		return fmt.Errorf("op=analytics.insert: %w", err)
	}
	return nil
}
