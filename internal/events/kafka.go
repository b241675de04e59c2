package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Compile-time interface check.
var _ Publisher = (*KafkaPublisher)(nil)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes JSON events to Kafka, one writer per topic.
type KafkaPublisher struct {
	brokers  []string
	clientID string
	topics   Topics
	logger   *slog.Logger

	mu        sync.Mutex
	writers   map[string]messageWriter
	newWriter func(topic string) messageWriter
}

// NewKafkaPublisher creates a publisher for brokers. Writers are created
// lazily on first use of each topic.
func NewKafkaPublisher(brokers []string, clientID string, topics Topics, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher: no brokers")
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &KafkaPublisher{
		brokers:  brokers,
		clientID: clientID,
		topics:   topics.WithDefaults(),
		logger:   logger,
		writers:  make(map[string]messageWriter),
	}
	p.newWriter = p.kafkaWriter
	return p, nil
}

func (p *KafkaPublisher) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Transport: &kafka.Transport{
			ClientID: p.clientID,
		},
	}
}

func (p *KafkaPublisher) writer(topic string) messageWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := p.newWriter(topic)
	p.writers[topic] = w
	return w
}

// PublishBacktest sends ev keyed by strategy id.
func (p *KafkaPublisher) PublishBacktest(ctx context.Context, ev BacktestCompleted) error {
	return p.publish(ctx, p.topics.Backtests, ev.StrategyID, "backtest.completed", ev)
}

// PublishRiskWarning sends ev keyed by exchange and symbol.
func (p *KafkaPublisher) PublishRiskWarning(ctx context.Context, ev RiskWarningIssued) error {
	return p.publish(ctx, p.topics.RiskWarnings, ev.key(), "risk.warning", ev)
}

func (p *KafkaPublisher) publish(ctx context.Context, topic, key, eventType string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(eventType)},
		},
		Time: time.Now(),
	}
	if err := p.writer(topic).WriteMessages(ctx, msg); err != nil {
		p.logger.Error("publish event failed", "topic", topic, "key", key, "error", err)
		return fmt.Errorf("publish %s to %s: %w", eventType, topic, err)
	}
	p.logger.Debug("event published", "topic", topic, "key", key, "type", eventType)
	return nil
}

// Close closes all writers and returns the first error.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			p.logger.Error("close kafka writer", "topic", topic, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	p.writers = make(map[string]messageWriter)
	return first
}
