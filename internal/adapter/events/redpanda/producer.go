// Package redpanda publishes usage events to Redpanda/Kafka.
//
// Settlement and refund events feed external billing and analytics. They are
// advisory: publishing is fire-and-forget and a broker outage must never
// block or fail settlement, so no transactional semantics are used here.
package redpanda

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/zakuro-ai/mesh/internal/domain"
)

// TopicUsage is the Kafka topic usage events are produced to.
const TopicUsage = "zakuro-usage"

// Publisher wraps a Kafka producer and implements domain.EventPublisher.
type Publisher struct {
	client *kgo.Client
}

// NewPublisher constructs a Publisher against the given seed brokers.
func NewPublisher(brokers []string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.NewPublisher: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(5),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.NewPublisher: %w", err)
	}
	slog.Info("usage event publisher created", slog.Any("brokers", brokers))
	return &Publisher{client: client}, nil
}

// PublishUsage produces one usage record keyed by user id. Errors are logged
// and dropped.
func (p *Publisher) PublishUsage(ctx domain.Context, ev domain.UsageEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("usage event marshal failed", slog.Any("error", err))
		return
	}
	record := &kgo.Record{
		Topic: TopicUsage,
		Key:   []byte(ev.UserID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "correlation_id", Value: []byte(ev.CorrelationID)},
		},
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Warn("usage event publish failed",
				slog.String("correlation_id", ev.CorrelationID),
				slog.Any("error", err))
		}
	})
}

// Close flushes and closes the underlying client.
func (p *Publisher) Close() {
	if p.client != nil {
		p.client.Close()
	}
}

// Noop is an EventPublisher that drops everything; used when no brokers are
// configured.
type Noop struct{}

// PublishUsage discards the event.
func (Noop) PublishUsage(domain.Context, domain.UsageEvent) {}
