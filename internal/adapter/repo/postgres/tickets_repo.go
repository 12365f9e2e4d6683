package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// TicketRepo persists committed incident tickets.
type TicketRepo struct{ Pool PgxPool }

// NewTicketRepo constructs a TicketRepo with the given pool.
func NewTicketRepo(p PgxPool) *TicketRepo { return &TicketRepo{Pool: p} }

// Insert writes a ticket iff its ticket number is unused. A collision
// returns domain.ErrConflict so the caller can regenerate and retry.
func (r *TicketRepo) Insert(ctx domain.Context, t domain.Ticket) error {
	tracer := otel.Tracer("repo.tickets")
	ctx, span := tracer.Start(ctx, "tickets.Insert")
	defer span.End()

	q := `INSERT INTO tickets
		(ticket_number, subject, details, location, feedback, category, sub_category, created_at, status, blob_key, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (ticket_number) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q,
		t.TicketNumber, t.Subject, t.Details, t.Location, t.Feedback,
		t.Category, t.SubCategory, t.CreatedAt.UTC(), t.Status, t.BlobKey, t.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("op=ticket.insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=ticket.insert number=%s: %w", t.TicketNumber, domain.ErrConflict)
	}
	return nil
}

// Get loads a ticket by number.
func (r *TicketRepo) Get(ctx domain.Context, number string) (*domain.Ticket, error) {
	tracer := otel.Tracer("repo.tickets")
	ctx, span := tracer.Start(ctx, "tickets.Get")
	defer span.End()

	q := `SELECT ticket_number, subject, details, location, feedback, category, sub_category,
		created_at, status, COALESCE(blob_key,''), expires_at
		FROM tickets WHERE ticket_number=$1`
	var t domain.Ticket
	err := r.Pool.QueryRow(ctx, q, number).Scan(
		&t.TicketNumber, &t.Subject, &t.Details, &t.Location, &t.Feedback,
		&t.Category, &t.SubCategory, &t.CreatedAt, &t.Status, &t.BlobKey, &t.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("op=ticket.get number=%s: %w", number, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=ticket.get: %w", err)
	}
	return &t, nil
}
