// Package redpanda moves analytics events off the request path. The server
// publishes events here best-effort; the worker consumes them and persists
// to Postgres. A broker outage must never degrade the conversational path.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/citypulse-my/citypulse/internal/adapter/observability"
	"github.com/citypulse-my/citypulse/internal/domain"
)

// DefaultAnalyticsTopic is the analytics event stream.
const DefaultAnalyticsTopic = "analytics-events"

// Producer publishes analytics events keyed by session id so per-session
// ordering is preserved. Delivery is at-most-once from the caller's point of
// view: failures are logged and counted, never returned to the request path.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer constructs a Producer against the given brokers. The topic is
// created when missing.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=producer.new: no seed brokers provided")
	}
	if topic == "" {
		topic = DefaultAnalyticsTopic
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=producer.new: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), client, topic, 3, 1); err != nil {
		slog.Warn("analytics topic creation failed", slog.String("topic", topic), slog.Any("error", err))
	}
	return &Producer{client: client, topic: topic}, nil
}

// Publish sends one event. Errors are swallowed after logging; the analytics
// stream is advisory and must not fail the caller.
func (p *Producer) Publish(ctx domain.Context, ev domain.AnalyticsEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("analytics event marshal failed", slog.String("event_type", ev.EventType), slog.Any("error", err))
		observability.AnalyticsEventsTotal.WithLabelValues(ev.EventType, "error").Inc()
		return
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.SessionID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(ev.EventType)},
			{Key: "event_id", Value: []byte(ev.EventID)},
		},
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Warn("analytics event publish failed",
				slog.String("event_type", ev.EventType),
				slog.String("session_id", ev.SessionID),
				slog.Any("error", err))
			observability.AnalyticsEventsTotal.WithLabelValues(ev.EventType, "error").Inc()
			return
		}
		observability.AnalyticsEventsTotal.WithLabelValues(ev.EventType, "published").Inc()
	})
}

// Flush drains pending records, bounded by ctx.
func (p *Producer) Flush(ctx domain.Context) error {
	return p.client.Flush(ctx)
}

// Close flushes and closes the underlying client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		slog.Warn("producer flush on close failed", slog.Any("error", err))
	}
	p.client.Close()
	return nil
}
