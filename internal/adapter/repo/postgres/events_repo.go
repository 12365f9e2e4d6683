package postgres

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// WorkflowEventRepo appends the workflow audit trail.
type WorkflowEventRepo struct{ Pool PgxPool }

// NewWorkflowEventRepo constructs a WorkflowEventRepo with the given pool.
func NewWorkflowEventRepo(p PgxPool) *WorkflowEventRepo { return &WorkflowEventRepo{Pool: p} }

// Append writes one workflow event row.
func (r *WorkflowEventRepo) Append(ctx domain.Context, ev domain.WorkflowEvent) error {
	tracer := otel.Tracer("repo.workflow_events")
	ctx, span := tracer.Start(ctx, "workflow_events.Append")
	defer span.End()

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("op=workflow_event.append: %w", err)
	}
	q := `INSERT INTO workflow_events (event_id, ticket_number, event_type, ts, payload)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (event_id) DO NOTHING`
	_, err = r.Pool.Exec(ctx, q, ev.EventID, ev.TicketNumber, ev.EventType, ev.Timestamp.UTC(), payload)
	if err != nil {
		return fmt.Errorf("op=workflow_event.append: %w", err)
	}
	return nil
}
