package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/config"
	"github.com/segmentio/kafka-go"
)

// HeaderEventType carries Event.Type so consumers can route without decoding
// the payload.
const HeaderEventType = "event-type"

// DefaultPublishTimeout bounds one Publish when the config sets none.
const DefaultPublishTimeout = 5 * time.Second

// Event is one pipeline event. Key picks the partition, Type is copied into
// the event-type header and Value is sent as JSON.
type Event struct {
	Key   string
	Type  string
	Value any
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes pipeline events to one topic. Every write is
// synchronous and bounded by the publish timeout, so a stalled broker delays
// a tenant by at most that long.
type Producer struct {
	writer  messageWriter
	brokers []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewProducer creates a Producer for the given topic. Events for one tenant
// share a key and therefore land on one partition in publish order.
func NewProducer(cfg config.KafkaConfig, topic string) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
	}
	return newProducer(w, cfg, topic)
}

func newProducer(w messageWriter, cfg config.KafkaConfig, topic string) *Producer {
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &Producer{
		writer:  w,
		brokers: cfg.Brokers,
		timeout: timeout,
		logger:  slog.Default().With("component", "kafka-producer", "topic", topic),
	}
}

// Publish writes event and waits for the brokers to acknowledge it.
func (p *Producer) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event.Value)
	if err != nil {
		return fmt.Errorf("marshaling event value: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.Key),
		Value: value,
	}
	if event.Type != "" {
		msg.Headers = []kafka.Header{{Key: HeaderEventType, Value: []byte(event.Type)}}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish event",
			"key", event.Key,
			"type", event.Type,
			"error", err,
		)
		return fmt.Errorf("publishing %s event to kafka: %w", event.Type, err)
	}
	p.logger.Debug("event published",
		"key", event.Key,
		"type", event.Type,
		"value_size", len(value),
	)
	return nil
}

// Ping succeeds when at least one broker accepts a connection.
func (p *Producer) Ping(ctx context.Context) error {
	if len(p.brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	var lastErr error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close flushes pending writes and closes the underlying Kafka writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
