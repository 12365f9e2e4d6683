package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/citypulse-my/citypulse/internal/adapter/observability"
	"github.com/citypulse-my/citypulse/internal/domain"
)

const flushTimeout = 10 * time.Second

// Consumer reads the analytics stream and persists each event. Offsets are
// committed after the batch is stored; the Postgres insert is idempotent on
// (date, event_id), so redelivery after a crash is harmless.
type Consumer struct {
	client *kgo.Client
	repo   domain.AnalyticsRepository
	topic  string
}

// NewConsumer constructs a group Consumer for the analytics topic.
func NewConsumer(brokers []string, groupID, topic string, repo domain.AnalyticsRepository) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=consumer.new: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=consumer.new: missing group ID")
	}
	if topic == "" {
		topic = DefaultAnalyticsTopic
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("op=consumer.new: %w", err)
	}
	return &Consumer{client: client, repo: repo, topic: topic}, nil
}

// Run polls until ctx is done. Malformed records are logged and skipped; a
// storage error leaves the batch uncommitted for redelivery.
func (c *Consumer) Run(ctx domain.Context) error {
	slog.Info("analytics consumer started", slog.String("topic", c.topic))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if fe.Err == context.Canceled || fe.Err == context.DeadlineExceeded {
					return fe.Err
				}
				slog.Error("fetch error", slog.String("topic", fe.Topic), slog.Any("error", fe.Err))
			}
			continue
		}

		var storeErr error
		fetches.EachRecord(func(rec *kgo.Record) {
			if storeErr != nil {
				return
			}
			if err := c.processRecord(ctx, rec); err != nil {
				storeErr = err
			}
		})
		if storeErr != nil {
			slog.Error("analytics batch persist failed, leaving offsets uncommitted", slog.Any("error", storeErr))
			continue
		}
		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			slog.Error("offset commit failed", slog.Any("error", err))
		}
	}
}

func (c *Consumer) processRecord(ctx context.Context, rec *kgo.Record) error {
	var ev domain.AnalyticsEvent
	if err := json.Unmarshal(rec.Value, &ev); err != nil {
		slog.Warn("skipping malformed analytics record",
			slog.Int64("offset", rec.Offset),
			slog.Any("error", err))
		return nil
	}
	if ev.EventID == "" || ev.Date == "" {
		slog.Warn("skipping analytics record without identity", slog.Int64("offset", rec.Offset))
		return nil
	}
	if err := c.repo.Insert(ctx, ev); err != nil {
		observability.AnalyticsEventsTotal.WithLabelValues(ev.EventType, "error").Inc()
		return fmt.Errorf("op=consumer.persist event_id=%s: %w", ev.EventID, err)
	}
	observability.AnalyticsEventsTotal.WithLabelValues(ev.EventType, "stored").Inc()
	return nil
}

// Close closes the underlying client.
func (c *Consumer) Close() error {
	c.client.Close()
	return nil
}
