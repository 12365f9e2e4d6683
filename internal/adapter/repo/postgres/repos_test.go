package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citypulse-my/citypulse/internal/adapter/repo/postgres"
	"github.com/citypulse-my/citypulse/internal/domain"
)

// The repos must keep satisfying their domain ports.
var (
	_ domain.ConversationRepository  = (*postgres.ConversationRepo)(nil)
	_ domain.AnalyticsRepository     = (*postgres.AnalyticsRepo)(nil)
	_ domain.TicketRepository        = (*postgres.TicketRepo)(nil)
	_ domain.WorkflowEventRepository = (*postgres.WorkflowEventRepo)(nil)
)

func TestConversationRepo_Insert(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewConversationRepo(pool)

	rec := domain.ConversationRecord{
		SessionID: "sess-1",
		MessageID: "01J0000000000000000000000A",
		Timestamp: time.Now().UTC(),
		Role:      domain.RoleUser,
		Content:   "bila kutipan sampah?",
	}
	require.NoError(t, repo.Insert(context.Background(), rec))
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "INSERT INTO conversations")
	assert.Contains(t, pool.execSQL[0], "ON CONFLICT (session_id, message_id) DO NOTHING")

	pool.execFn = func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, assert.AnError
	}
	err := repo.Insert(context.Background(), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=conversation.insert")
}

func TestConversationRepo_ListRecent_ChronologicalOrder(t *testing.T) {
	now := time.Now().UTC()
	// Query returns newest-first; ListRecent must flip to chronological.
	pool := &fakePool{
		queryFn: func(context.Context, string, ...any) (pgx.Rows, error) {
			return &fakeRows{rows: [][]any{
				{"sess-1", "01B", now, "assistant", "second", "", []byte(`[]`), []byte(`[]`), int64(120), "NEUTRAL", 0.5},
				{"sess-1", "01A", now.Add(-time.Minute), "user", "first", "", []byte(`[]`), []byte(`[]`), int64(0), "", 0.0},
			}}, nil
		},
	}
	repo := postgres.NewConversationRepo(pool)

	got, err := repo.ListRecent(context.Background(), "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Content)
	assert.Equal(t, domain.RoleUser, got[0].Role)
	assert.Equal(t, "second", got[1].Content)
	assert.Equal(t, domain.RoleAssistant, got[1].Role)
}

func TestAnalyticsRepo_Insert(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewAnalyticsRepo(pool)

	ev := domain.AnalyticsEvent{
		Date:      "2026-08-24",
		EventID:   "01J0000000000000000000000B",
		EventType: domain.EventQuery,
		SessionID: "sess-1",
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"intent": "rag"},
	}
	require.NoError(t, repo.Insert(context.Background(), ev))
	assert.Contains(t, pool.execSQL[0], "ON CONFLICT (date, event_id) DO NOTHING")
}

func TestTicketRepo_Insert_Conflict(t *testing.T) {
	pool := &fakePool{
		execFn: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		},
	}
	repo := postgres.NewTicketRepo(pool)

	err := repo.Insert(context.Background(), domain.Ticket{TicketNumber: "23456/2026/08/24"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestTicketRepo_Get_NotFound(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewTicketRepo(pool)

	_, err := repo.Get(context.Background(), "99999/2026/01/01")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTicketRepo_Get_Found(t *testing.T) {
	now := time.Now().UTC()
	pool := &fakePool{
		queryRowFn: func(context.Context, string, ...any) pgx.Row {
			return &fakeRow{vals: []any{
				"23456/2026/08/24", "Pothole on Jalan Ampang", "large pothole", "Jalan Ampang",
				"complaint", "JALAN", "LUBANG", now, "OPEN", "", now.Add(90 * 24 * time.Hour),
			}}
		},
	}
	repo := postgres.NewTicketRepo(pool)

	got, err := repo.Get(context.Background(), "23456/2026/08/24")
	require.NoError(t, err)
	assert.Equal(t, "JALAN", got.Category)
	assert.Equal(t, "OPEN", got.Status)
}

func TestWorkflowEventRepo_Append(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewWorkflowEventRepo(pool)

	ev := domain.WorkflowEvent{
		EventID:      "01J0000000000000000000000C",
		TicketNumber: "23456/2026/08/24",
		EventType:    "workflow_committed",
		Timestamp:    time.Now().UTC(),
		Payload:      map[string]any{"kind": "complaint"},
	}
	require.NoError(t, repo.Append(context.Background(), ev))
	assert.Contains(t, pool.execSQL[0], "INSERT INTO workflow_events")
}

func TestCleanupService_CleanupExpired(t *testing.T) {
	pool := &fakePool{
		execFn: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("DELETE 3"), nil
		},
	}
	svc := postgres.NewCleanupService(pool, 90)

	removed, err := svc.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9), removed) // three tables, three rows each
	require.Len(t, pool.execSQL, 3)
	assert.Contains(t, pool.execSQL[0], "DELETE FROM tickets")
	assert.Contains(t, pool.execSQL[1], "DELETE FROM conversations")
	assert.Contains(t, pool.execSQL[2], "DELETE FROM analytics_events")
}
