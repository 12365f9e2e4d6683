package usecase

import (
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/citypulse-my/citypulse/internal/domain"
	"github.com/citypulse-my/citypulse/pkg/numx"
)

// EventPublisher is the outbound analytics stream; the Redpanda producer
// satisfies it.
type EventPublisher interface {
	Publish(ctx domain.Context, ev domain.AnalyticsEvent)
}

// AnalyticsService implements domain.AnalyticsWriter over the event stream.
// Every operation is best-effort: panics are recovered, errors are logged,
// and nothing reaches the caller. Fractional numbers in payloads are
// converted to fixed-precision decimals before publishing.
type AnalyticsService struct {
	publisher EventPublisher
	now       func() time.Time
}

// NewAnalyticsService constructs an AnalyticsService.
func NewAnalyticsService(publisher EventPublisher) *AnalyticsService {
	return &AnalyticsService{publisher: publisher, now: time.Now}
}

// RecordQuery records one routed user query.
func (a *AnalyticsService) RecordQuery(ctx domain.Context, sessionID string, intent domain.Intent, latencyMs int64, success bool, details map[string]any) {
	payload := map[string]any{
		"intent":     string(intent),
		"latency_ms": latencyMs,
		"success":    success,
	}
	for k, v := range details {
		payload[k] = v
	}
	a.emit(ctx, domain.EventQuery, sessionID, payload)
}

// RecordTool records one tool invocation.
func (a *AnalyticsService) RecordTool(ctx domain.Context, sessionID, toolName string, latencyMs int64, success bool, details map[string]any) {
	payload := map[string]any{
		"tool":       toolName,
		"latency_ms": latencyMs,
		"success":    success,
	}
	for k, v := range details {
		payload[k] = v
	}
	a.emit(ctx, domain.EventToolUsage, sessionID, payload)
}

// RecordSession records a session lifecycle event; eventKind is one of the
// domain event kinds.
func (a *AnalyticsService) RecordSession(ctx domain.Context, sessionID, eventKind string, details map[string]any) {
	a.emit(ctx, eventKind, sessionID, details)
}

func (a *AnalyticsService) emit(ctx domain.Context, eventType, sessionID string, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("analytics emit panicked", slog.String("event_type", eventType), slog.Any("panic", r))
		}
	}()
	now := a.now().UTC()
	ev := domain.AnalyticsEvent{
		Date:      now.Format("2006-01-02"),
		EventID:   ulid.Make().String(),
		EventType: eventType,
		SessionID: sessionID,
		Timestamp: now,
		Payload:   numx.DecimalizeMap(payload),
	}
	a.publisher.Publish(ctx, ev)
}
