package postgres

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// ConversationRepo persists conversation records. Rows are partitioned by
// session id and sorted by message id; message ids are ULIDs so
// lexicographic order is arrival order.
type ConversationRepo struct{ Pool PgxPool }

// NewConversationRepo constructs a ConversationRepo with the given pool.
func NewConversationRepo(p PgxPool) *ConversationRepo { return &ConversationRepo{Pool: p} }

// Insert writes one conversation row.
func (r *ConversationRepo) Insert(ctx domain.Context, rec domain.ConversationRecord) error {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.Insert")
	defer span.End()

	sources, err := json.Marshal(rec.Sources)
	if err != nil {
		return fmt.Errorf("op=conversation.insert: %w", err)
	}
	tools, err := json.Marshal(rec.ToolsUsed)
	if err != nil {
		return fmt.Errorf("op=conversation.insert: %w", err)
	}
	q := `INSERT INTO conversations
		(session_id, message_id, ts, role, content, classification, sources, tools_used, response_ms, sentiment, sentiment_conf)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (session_id, message_id) DO NOTHING`
	_, err = r.Pool.Exec(ctx, q,
		rec.SessionID, rec.MessageID, rec.Timestamp.UTC(), string(rec.Role), rec.Content,
		rec.Classification, sources, tools, rec.ResponseMs, rec.Sentiment, rec.SentimentConf)
	if err != nil {
		return fmt.Errorf("op=conversation.insert: %w", err)
	}
	return nil
}

// ListRecent returns up to limit most recent records for a session in
// chronological order.
func (r *ConversationRepo) ListRecent(ctx domain.Context, sessionID string, limit int) ([]domain.ConversationRecord, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.ListRecent")
	defer span.End()

	if limit <= 0 {
		limit = 20
	}
	q := `SELECT session_id, message_id, ts, role, content, COALESCE(classification,''),
		COALESCE(sources,'[]'), COALESCE(tools_used,'[]'), response_ms, COALESCE(sentiment,''), sentiment_conf
		FROM conversations WHERE session_id=$1
		ORDER BY message_id DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=conversation.list_recent: %w", err)
	}
	defer rows.Close()

	var out []domain.ConversationRecord
	for rows.Next() {
		var rec domain.ConversationRecord
		var role string
		var sources, tools []byte
		if err := rows.Scan(&rec.SessionID, &rec.MessageID, &rec.Timestamp, &role, &rec.Content,
			&rec.Classification, &sources, &tools, &rec.ResponseMs, &rec.Sentiment, &rec.SentimentConf); err != nil {
			return nil, fmt.Errorf("op=conversation.list_recent: %w", err)
		}
		rec.Role = domain.Role(role)
		_ = json.Unmarshal(sources, &rec.Sources)
		_ = json.Unmarshal(tools, &rec.ToolsUsed)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=conversation.list_recent: %w", err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
