package usecase

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citypulse-my/citypulse/internal/domain"
)

type memSessions struct {
	rows    map[string]*domain.Session
	created int
	touched []string
	closed  []string
}

func newMemSessions() *memSessions { return &memSessions{rows: map[string]*domain.Session{}} }

func (m *memSessions) Create(_ domain.Context, client domain.ClientInfo) (string, error) {
	m.created++
	id := fmt.Sprintf("sess-%d", m.created)
	m.rows[id] = &domain.Session{ID: id, Status: domain.SessionActive, Client: client}
	return id, nil
}
func (m *memSessions) Get(_ domain.Context, id string) (*domain.Session, error) {
	s, ok := m.rows[id]
	if !ok || s.Status != domain.SessionActive {
		return nil, nil
	}
	return s, nil
}
func (m *memSessions) Touch(_ domain.Context, id string) error {
	m.touched = append(m.touched, id)
	return nil
}
func (m *memSessions) Close(_ domain.Context, id string) error {
	m.closed = append(m.closed, id)
	if s := m.rows[id]; s != nil {
		s.Status = domain.SessionClosed
	}
	return nil
}
func (m *memSessions) Sweep(domain.Context) (int, error) { return 0, nil }

type memConversations struct {
	rows               []domain.ConversationRecord
	failUserWrite      bool
	failAssistantWrite bool
}

func (m *memConversations) Insert(_ domain.Context, rec domain.ConversationRecord) error {
	if m.failUserWrite && rec.Role == domain.RoleUser {
		return domain.ErrUnavailable
	}
	if m.failAssistantWrite && rec.Role == domain.RoleAssistant {
		return domain.ErrUnavailable
	}
	m.rows = append(m.rows, rec)
	return nil
}
func (m *memConversations) ListRecent(domain.Context, string, int) ([]domain.ConversationRecord, error) {
	return nil, nil
}

type memAnalytics struct {
	queries  []domain.Intent
	sessions []string // event kinds
}

func (m *memAnalytics) RecordQuery(_ domain.Context, _ string, intent domain.Intent, _ int64, _ bool, _ map[string]any) {
	m.queries = append(m.queries, intent)
}
func (m *memAnalytics) RecordTool(domain.Context, string, string, int64, bool, map[string]any) {}
func (m *memAnalytics) RecordSession(_ domain.Context, _ string, kind string, _ map[string]any) {
	m.sessions = append(m.sessions, kind)
}

type stubWorkflow struct {
	owned bool
	env   domain.Envelope
}

func (s *stubWorkflow) Handle(_ domain.Context, _ string, _, _ string) (domain.Envelope, bool, error) {
	if !s.owned {
		return domain.Envelope{}, false, nil
	}
	return s.env, true, nil
}

func newTestDispatcher(t *testing.T, sessions *memSessions, conv *memConversations, analytics *memAnalytics, model *stubModel, wf WorkflowRunner) *Dispatcher {
	t.Helper()
	general := NewGeneralPipeline(model, 10, 1024)
	rag := NewRAGPipeline(model, &stubRetriever{}, general, 5, 0.7, 8000, 1024)
	tool := NewToolPipeline(model, &stubTools{}, general, analytics, 1024)
	set := NewPipelineSet(NewRouter(model), general, rag, tool)
	history := NewHistoryCache(conv, 20)
	return NewDispatcher(sessions, conv, analytics, set, history, wf, 30*time.Second)
}

func TestHandleUserMessage_HappyPath(t *testing.T) {
	sessions := newMemSessions()
	conv := &memConversations{}
	analytics := &memAnalytics{}
	model := &stubModel{text: jsonEnvelope("Hello! How can I help?"), classifyText: "GENERAL"}
	d := newTestDispatcher(t, sessions, conv, analytics, model, nil)

	reply, err := d.HandleUserMessage(context.Background(), IncomingMessage{Content: "hello"})
	require.NoError(t, err)
	assert.True(t, reply.NewSession)
	assert.NotEmpty(t, reply.SessionID)
	assert.NotEmpty(t, reply.MessageID)
	assert.Equal(t, "Hello! How can I help?", reply.Envelope.Text)
	assert.Equal(t, domain.IntentGeneral, reply.Envelope.Classification)

	// Touch happens before the pipeline; dual write lands user then assistant.
	assert.Equal(t, []string{reply.SessionID}, sessions.touched)
	require.Len(t, conv.rows, 2)
	assert.Equal(t, domain.RoleUser, conv.rows[0].Role)
	assert.Equal(t, domain.RoleAssistant, conv.rows[1].Role)
	assert.Equal(t, string(domain.IntentGeneral), conv.rows[1].Classification)
	assert.Equal(t, []domain.Intent{domain.IntentGeneral}, analytics.queries)
}

func TestHandleUserMessage_FrameSuppliedSessionWins(t *testing.T) {
	sessions := newMemSessions()
	conv := &memConversations{}
	model := &stubModel{text: jsonEnvelope("ok"), classifyText: "GENERAL"}
	d := newTestDispatcher(t, sessions, conv, &memAnalytics{}, model, nil)

	frameID, err := sessions.Create(context.Background(), domain.ClientInfo{})
	require.NoError(t, err)
	boundID, err := sessions.Create(context.Background(), domain.ClientInfo{})
	require.NoError(t, err)

	reply, err := d.HandleUserMessage(context.Background(), IncomingMessage{
		Content:        "hi",
		SessionID:      frameID,
		BoundSessionID: boundID,
	})
	require.NoError(t, err)
	assert.Equal(t, frameID, reply.SessionID)
	assert.False(t, reply.NewSession)
}

func TestHandleUserMessage_ExpiredSessionGetsNewOne(t *testing.T) {
	sessions := newMemSessions()
	conv := &memConversations{}
	analytics := &memAnalytics{}
	model := &stubModel{text: jsonEnvelope("ok"), classifyText: "GENERAL"}
	d := newTestDispatcher(t, sessions, conv, analytics, model, nil)

	reply, err := d.HandleUserMessage(context.Background(), IncomingMessage{
		Content:   "hi again",
		SessionID: "expired-session",
	})
	require.NoError(t, err)
	assert.True(t, reply.NewSession)
	assert.NotEqual(t, "expired-session", reply.SessionID)
	assert.Contains(t, analytics.sessions, domain.EventSessionCreated)
}

func TestHandleUserMessage_PipelineErrorYieldsFallback(t *testing.T) {
	sessions := newMemSessions()
	conv := &memConversations{}
	analytics := &memAnalytics{}
	model := &stubModel{err: context.DeadlineExceeded}
	d := newTestDispatcher(t, sessions, conv, analytics, model, nil)

	reply, err := d.HandleUserMessage(context.Background(), IncomingMessage{Content: "hello"})
	require.NoError(t, err, "transport must see success")
	assert.True(t, reply.Envelope.IsFallback)
	assert.Equal(t, domain.IntentFallback, reply.Envelope.Classification)
	assert.Equal(t, FallbackText, reply.Envelope.Text)
	assert.Contains(t, analytics.sessions, domain.EventErrorOccurred)
}

func TestHandleUserMessage_UserWriteFailureDegrades(t *testing.T) {
	sessions := newMemSessions()
	conv := &memConversations{failUserWrite: true}
	analytics := &memAnalytics{}
	model := &stubModel{text: jsonEnvelope("fine"), classifyText: "GENERAL"}
	d := newTestDispatcher(t, sessions, conv, analytics, model, nil)

	reply, err := d.HandleUserMessage(context.Background(), IncomingMessage{Content: "hello"})
	require.NoError(t, err)
	assert.True(t, reply.Envelope.IsFallback)
	assert.Contains(t, analytics.sessions, domain.EventErrorOccurred)
	assert.Empty(t, analytics.queries, "aborted exchange records no query event")
}

func TestHandleUserMessage_AssistantWriteFailureDegrades(t *testing.T) {
	sessions := newMemSessions()
	conv := &memConversations{failAssistantWrite: true}
	analytics := &memAnalytics{}
	model := &stubModel{text: jsonEnvelope("fine"), classifyText: "GENERAL"}
	d := newTestDispatcher(t, sessions, conv, analytics, model, nil)

	reply, err := d.HandleUserMessage(context.Background(), IncomingMessage{Content: "hello"})
	require.NoError(t, err, "transport must see success")
	assert.True(t, reply.Envelope.IsFallback, "half-written exchange degrades to the error frame")
	assert.Contains(t, analytics.sessions, domain.EventErrorOccurred)
	assert.Empty(t, analytics.queries, "aborted exchange records no query event")
	// Only the user row landed before the failure surfaced.
	require.Len(t, conv.rows, 1)
	assert.Equal(t, domain.RoleUser, conv.rows[0].Role)
}

func TestHandleUserMessage_WorkflowOwnsSession(t *testing.T) {
	sessions := newMemSessions()
	conv := &memConversations{}
	model := &stubModel{text: jsonEnvelope("unused")}
	wf := &stubWorkflow{owned: true, env: domain.Envelope{Text: "Where is the issue?", Classification: domain.IntentWorkflow}}
	d := newTestDispatcher(t, sessions, conv, &memAnalytics{}, model, wf)

	reply, err := d.HandleUserMessage(context.Background(), IncomingMessage{Content: "report a pothole"})
	require.NoError(t, err)
	assert.Equal(t, domain.IntentWorkflow, reply.Envelope.Classification)
	assert.Equal(t, "Where is the issue?", reply.Envelope.Text)
	assert.Empty(t, model.requests, "pipelines are bypassed when the workflow claims the message")
}

type stubLimiter struct {
	allowed    bool
	retryAfter time.Duration
	err        error
	calls      int
}

func (s *stubLimiter) Allow(domain.Context, string) (bool, time.Duration, error) {
	s.calls++
	return s.allowed, s.retryAfter, s.err
}

func TestHandleUserMessage_RateLimited(t *testing.T) {
	sessions := newMemSessions()
	conv := &memConversations{}
	analytics := &memAnalytics{}
	model := &stubModel{text: jsonEnvelope("unused"), classifyText: "GENERAL"}
	d := newTestDispatcher(t, sessions, conv, analytics, model, nil)
	limiter := &stubLimiter{allowed: false, retryAfter: 2 * time.Second}
	d.SetRateLimiter(limiter)

	reply, err := d.HandleUserMessage(context.Background(), IncomingMessage{Content: "hello"})
	require.NoError(t, err, "throttling is not a transport error")
	assert.Equal(t, 1, limiter.calls)
	assert.Equal(t, RateLimitText, reply.Envelope.Text)
	assert.False(t, reply.Envelope.IsFallback)
	assert.Empty(t, conv.rows, "throttled exchanges are not persisted")
	assert.Empty(t, analytics.queries)
	assert.Empty(t, model.requests, "no pipeline runs for a throttled message")
}

func TestHandleUserMessage_LimiterErrorFailsOpen(t *testing.T) {
	sessions := newMemSessions()
	conv := &memConversations{}
	model := &stubModel{text: jsonEnvelope("answered"), classifyText: "GENERAL"}
	d := newTestDispatcher(t, sessions, conv, &memAnalytics{}, model, nil)
	d.SetRateLimiter(&stubLimiter{allowed: false, err: domain.ErrUnavailable})

	reply, err := d.HandleUserMessage(context.Background(), IncomingMessage{Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "answered", reply.Envelope.Text)
}

func TestConnectAndDisconnect(t *testing.T) {
	sessions := newMemSessions()
	analytics := &memAnalytics{}
	d := newTestDispatcher(t, sessions, &memConversations{}, analytics, &stubModel{}, nil)

	id, err := d.Connect(context.Background(), domain.ClientInfo{UserAgent: "test"})
	require.NoError(t, err)
	assert.Contains(t, analytics.sessions, domain.EventSessionCreated)

	d.Disconnect(context.Background(), id)
	assert.Equal(t, []string{id}, sessions.closed)
	assert.Contains(t, analytics.sessions, domain.EventSessionClosed)
}
