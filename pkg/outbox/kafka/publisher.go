// Package kafka provides an outbox publisher backed by a Kafka (or
// Kafka-compatible, e.g. Redpanda) topic.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"go-tidal/pkg/dcb"
	"go-tidal/pkg/outbox"
)

// Config holds the connection settings for one Kafka publisher.
type Config struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Publisher writes events to a Kafka topic. Messages are keyed by the
// event's tag set so all events of one entity land on one partition,
// preserving their relative order. The event position travels in a
// header for consumer-side deduplication.
type Publisher struct {
	name   string
	writer *kafkago.Writer
}

var _ outbox.Publisher = (*Publisher)(nil)

// NewPublisher builds a publisher named name over the given brokers.
func NewPublisher(name string, cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher %q: no brokers configured", name)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka publisher %q: no topic configured", name)
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return &Publisher{name: name, writer: writer}, nil
}

func (p *Publisher) Name() string { return p.name }

func (p *Publisher) PreferredMode() outbox.PublishMode { return outbox.PublishModeBatch }

// IsHealthy always reports true; broker failures surface from
// PublishBatch and are retried by the processor runtime.
func (p *Publisher) IsHealthy(context.Context) bool { return true }

func (p *Publisher) PublishBatch(ctx context.Context, events []dcb.Event) error {
	messages := make([]kafkago.Message, len(events))
	for i, event := range events {
		messages[i] = kafkago.Message{
			Key:   []byte(messageKey(event)),
			Value: event.Data,
			Headers: []kafkago.Header{
				{Key: "event-type", Value: []byte(event.Type)},
				{Key: "position", Value: []byte(strconv.FormatInt(event.Position, 10))},
				{Key: "transaction-id", Value: []byte(strconv.FormatUint(event.TransactionID, 10))},
				{Key: "occurred-at", Value: []byte(event.OccurredAt.UTC().Format(time.RFC3339Nano))},
			},
		}
	}
	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("write to kafka topic %q: %w", p.writer.Topic, err)
	}
	return nil
}

// Close flushes and releases the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// messageKey derives a stable partition key from the event's tags,
// falling back to the type for untagged events.
func messageKey(event dcb.Event) string {
	if len(event.Tags) == 0 {
		return event.Type
	}
	return strings.Join(dcb.TagsToArray(event.Tags), ",")
}
