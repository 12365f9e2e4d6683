package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/citypulse-my/citypulse/internal/adapter/observability"
	"github.com/citypulse-my/citypulse/internal/domain"
)

type ctxKey int

const sessionIDKey ctxKey = iota

// WithSessionID tags ctx with the active session for downstream recording.
func WithSessionID(ctx domain.Context, id string) domain.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

func sessionIDFrom(ctx domain.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// RateLimiter bounds per-session message throughput.
type RateLimiter interface {
	Allow(ctx domain.Context, sessionID string) (bool, time.Duration, error)
}

// WorkflowRunner is the incident workflow engine as the dispatcher sees it.
// Handle returns (envelope, true) when the engine owns or claims the
// session's conversation; (zero, false) hands the message to the pipelines.
type WorkflowRunner interface {
	Handle(ctx domain.Context, sessionID, userText, imageB64 string) (domain.Envelope, bool, error)
}

// IncomingMessage is a normalised user_message frame.
type IncomingMessage struct {
	MessageID      string
	SessionID      string // frame-supplied, optional
	BoundSessionID string // connection-bound, optional
	Content        string
	ImageB64       string
	Client         domain.ClientInfo
}

// Reply is the dispatcher's answer to one user_message.
type Reply struct {
	SessionID string
	MessageID string
	Timestamp time.Time
	Envelope  domain.Envelope
	// NewSession is set when the message could not be bound to an existing
	// session and a fresh one was allocated.
	NewSession bool
}

// FallbackText is the user-visible apology when every recovery path fails.
const FallbackText = "I'm sorry, I'm having trouble responding right now. Please try again shortly. / Maaf, saya menghadapi masalah untuk menjawab sekarang. Sila cuba sebentar lagi."

// RateLimitText asks the user to slow down when the session budget is spent.
const RateLimitText = "You're sending messages a little too quickly. Please wait a moment and try again. / Anda menghantar mesej terlalu pantas. Sila tunggu sebentar dan cuba lagi."

// Dispatcher binds sessions, routes messages through the workflow engine or
// an intent pipeline, persists the exchange and shapes the reply. Any
// internal failure degrades to a fallback reply; the transport always sees
// success.
type Dispatcher struct {
	sessions      domain.SessionStore
	conversations domain.ConversationRepository
	analytics     domain.AnalyticsWriter
	pipelines     *PipelineSet
	history       *HistoryCache
	workflow      WorkflowRunner
	limiter       RateLimiter
	deadline      time.Duration
	now           func() time.Time
}

// NewDispatcher wires the dispatcher. deadline bounds each pipeline run.
func NewDispatcher(
	sessions domain.SessionStore,
	conversations domain.ConversationRepository,
	analytics domain.AnalyticsWriter,
	pipelines *PipelineSet,
	history *HistoryCache,
	workflow WorkflowRunner,
	deadline time.Duration,
) *Dispatcher {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	return &Dispatcher{
		sessions:      sessions,
		conversations: conversations,
		analytics:     analytics,
		pipelines:     pipelines,
		history:       history,
		workflow:      workflow,
		deadline:      deadline,
		now:           time.Now,
	}
}

// SetRateLimiter installs an optional per-session message limiter. A nil
// limiter means unlimited.
func (d *Dispatcher) SetRateLimiter(l RateLimiter) { d.limiter = l }

// Connect allocates a session for a new connection.
func (d *Dispatcher) Connect(ctx domain.Context, client domain.ClientInfo) (string, error) {
	id, err := d.sessions.Create(ctx, client)
	if err != nil {
		return "", fmt.Errorf("op=dispatcher.connect: %w", err)
	}
	d.analytics.RecordSession(ctx, id, domain.EventSessionCreated, map[string]any{
		"user_agent": client.UserAgent,
	})
	return id, nil
}

// Disconnect closes the connection's session, best-effort.
func (d *Dispatcher) Disconnect(ctx domain.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	_ = d.sessions.Close(ctx, sessionID)
	d.history.Forget(sessionID)
	if ab, ok := d.workflow.(interface{ Abandon(string) }); ok {
		ab.Abandon(sessionID)
	}
	d.analytics.RecordSession(ctx, sessionID, domain.EventSessionClosed, nil)
}

// HandleUserMessage processes one user_message end to end. It never returns
// an error for pipeline failures; those degrade to a fallback reply.
func (d *Dispatcher) HandleUserMessage(ctx domain.Context, msg IncomingMessage) (Reply, error) {
	tracer := otel.Tracer("usecase.dispatcher")
	ctx, span := tracer.Start(ctx, "dispatcher.HandleUserMessage")
	defer span.End()

	start := d.now()
	reply := Reply{
		MessageID: msg.MessageID,
		Timestamp: start.UTC(),
	}
	if reply.MessageID == "" {
		reply.MessageID = ulid.Make().String()
	}

	sessionID, isNew, err := d.resolveSession(ctx, msg)
	if err != nil {
		return Reply{}, err
	}
	reply.SessionID = sessionID
	reply.NewSession = isNew
	ctx = WithSessionID(ctx, sessionID)

	// Touch before the pipeline so the sweeper cannot expire an in-flight
	// session.
	if err := d.sessions.Touch(ctx, sessionID); err != nil {
		slog.Warn("session touch failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}

	if d.limiter != nil {
		// Redis errors fail open inside the limiter; only a clean denial
		// short-circuits the exchange.
		if allowed, retryAfter, lerr := d.limiter.Allow(ctx, sessionID); lerr == nil && !allowed {
			slog.Info("session rate limited",
				slog.String("session_id", sessionID),
				slog.Duration("retry_after", retryAfter))
			observability.SessionRateLimitedTotal.Inc()
			reply.Envelope = d.rateLimitEnvelope(time.Since(start).Milliseconds())
			return reply, nil
		}
	}

	env := d.produceEnvelope(ctx, sessionID, msg)
	env.ResponseMs = time.Since(start).Milliseconds()
	reply.Envelope = env

	if err := d.persistExchange(ctx, sessionID, reply.MessageID, msg.Content, env); err != nil {
		// The exchange is not durable. Degrade to a fallback reply so the
		// transport still completes with a user-visible error.
		slog.Error("conversation write failed", slog.String("session_id", sessionID), slog.Any("error", err))
		d.analytics.RecordSession(ctx, sessionID, domain.EventErrorOccurred, map[string]any{
			"stage": "conversation_write", "error": err.Error(),
		})
		reply.Envelope = d.fallbackEnvelope(time.Since(start).Milliseconds())
		return reply, nil
	}

	d.history.Append(sessionID,
		domain.Message{Role: domain.RoleUser, Content: msg.Content},
		domain.Message{Role: domain.RoleAssistant, Content: env.Text},
	)
	d.analytics.RecordQuery(ctx, sessionID, env.Classification, env.ResponseMs, !env.IsFallback, map[string]any{
		"language":             env.DetectedLanguage,
		"sentiment":            env.Sentiment,
		"sentiment_confidence": env.SentimentConf,
	})
	observability.PipelineDuration.WithLabelValues(string(env.Classification)).Observe(time.Since(start).Seconds())
	if env.IsFallback {
		observability.PipelineFallbacksTotal.WithLabelValues(string(env.Classification)).Inc()
	}
	return reply, nil
}

// resolveSession prefers a valid frame-supplied id, then the connection's
// bound id, then allocates a new session.
func (d *Dispatcher) resolveSession(ctx domain.Context, msg IncomingMessage) (string, bool, error) {
	for _, candidate := range []string{msg.SessionID, msg.BoundSessionID} {
		if candidate == "" {
			continue
		}
		sess, err := d.sessions.Get(ctx, candidate)
		if err != nil {
			slog.Warn("session lookup failed", slog.String("session_id", candidate), slog.Any("error", err))
			continue
		}
		if sess != nil {
			return candidate, false, nil
		}
	}
	id, err := d.sessions.Create(ctx, msg.Client)
	if err != nil {
		return "", false, fmt.Errorf("op=dispatcher.resolve_session: %w", err)
	}
	d.analytics.RecordSession(ctx, id, domain.EventSessionCreated, map[string]any{"reason": "message_rebind"})
	return id, true, nil
}

// produceEnvelope runs the workflow engine or the routed pipeline under the
// soft deadline. Panics and errors collapse into the fallback envelope.
func (d *Dispatcher) produceEnvelope(ctx domain.Context, sessionID string, msg IncomingMessage) (env domain.Envelope) {
	start := d.now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pipeline panic", slog.String("session_id", sessionID), slog.Any("panic", r))
			d.analytics.RecordSession(ctx, sessionID, domain.EventErrorOccurred, map[string]any{
				"stage": "pipeline", "panic": fmt.Sprintf("%v", r),
			})
			env = d.fallbackEnvelope(time.Since(start).Milliseconds())
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()

	if d.workflow != nil {
		wfEnv, handled, err := d.workflow.Handle(runCtx, sessionID, msg.Content, msg.ImageB64)
		if err != nil {
			slog.Error("workflow step failed", slog.String("session_id", sessionID), slog.Any("error", err))
			d.analytics.RecordSession(ctx, sessionID, domain.EventErrorOccurred, map[string]any{
				"stage": "workflow", "error": err.Error(),
			})
			return d.fallbackEnvelope(time.Since(start).Milliseconds())
		}
		if handled {
			wfEnv.Classification = domain.IntentWorkflow
			return wfEnv
		}
	}

	pipeline, intent := d.pipelines.Select(runCtx, msg.Content)
	history := d.history.Recent(runCtx, sessionID, 0)
	env, err := pipeline.Run(runCtx, msg.Content, history)
	if err != nil {
		slog.Error("pipeline failed",
			slog.String("session_id", sessionID),
			slog.String("intent", string(intent)),
			slog.Any("error", err))
		d.analytics.RecordSession(ctx, sessionID, domain.EventErrorOccurred, map[string]any{
			"stage": "pipeline", "intent": string(intent), "error": err.Error(),
		})
		return d.fallbackEnvelope(time.Since(start).Milliseconds())
	}
	return env
}

// persistExchange writes the user and assistant rows sequentially. Either
// insert failing means the exchange is not durably recorded; the error is
// surfaced so the caller degrades to a user-visible fallback.
func (d *Dispatcher) persistExchange(ctx domain.Context, sessionID, messageID, userText string, env domain.Envelope) error {
	now := d.now().UTC()
	userRec := domain.ConversationRecord{
		SessionID: sessionID,
		MessageID: messageID,
		Timestamp: now,
		Role:      domain.RoleUser,
		Content:   userText,
	}
	if err := d.conversations.Insert(ctx, userRec); err != nil {
		return fmt.Errorf("op=dispatcher.persist_user: %w", err)
	}

	assistantRec := domain.ConversationRecord{
		SessionID:      sessionID,
		MessageID:      ulid.Make().String(),
		Timestamp:      d.now().UTC(),
		Role:           domain.RoleAssistant,
		Content:        env.Text,
		Classification: string(env.Classification),
		Sources:        env.Sources,
		ToolsUsed:      env.ToolsUsed,
		ResponseMs:     env.ResponseMs,
		Sentiment:      env.Sentiment,
		SentimentConf:  env.SentimentConf,
	}
	if err := d.conversations.Insert(ctx, assistantRec); err != nil {
		return fmt.Errorf("op=dispatcher.persist_assistant: %w", err)
	}
	return nil
}

// rateLimitEnvelope is the throttle reply. The exchange is neither persisted
// nor counted as a query; the user is simply asked to slow down.
func (d *Dispatcher) rateLimitEnvelope(responseMs int64) domain.Envelope {
	return domain.Envelope{
		Text:             RateLimitText,
		Classification:   domain.IntentGeneral,
		ResponseMs:       responseMs,
		DetectedLanguage: "en",
		Sentiment:        "NEUTRAL",
		SentimentConf:    0.5,
		ResponseTone:     "professional",
	}
}

func (d *Dispatcher) fallbackEnvelope(responseMs int64) domain.Envelope {
	return domain.Envelope{
		Text:             FallbackText,
		Classification:   domain.IntentFallback,
		ResponseMs:       responseMs,
		DetectedLanguage: "en",
		Sentiment:        "NEUTRAL",
		SentimentConf:    0.5,
		ResponseTone:     "professional",
		IsFallback:       true,
	}
}
