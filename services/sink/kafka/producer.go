package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/upb/audit-relay/services"
	"github.com/upb/audit-relay/services/sink"
	"go.uber.org/zap"
)

const messageIDHeader = "message-id"

// refNamespace scopes deterministic message ids
var refNamespace = uuid.MustParse("3f0b9d52-7c1e-4e8a-b6d2-2a9f4c7e5b10")

// messageWriter is the subset of *kafka.Writer the producer uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds the producer settings
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// Producer publishes notifications as JSON records keyed by event
type Producer struct {
	config Config
	writer messageWriter
	logger *zap.Logger
}

var _ sink.Sink = (*Producer)(nil)

// NewProducer creates a producer backed by a kafka.Writer. The topic is
// chosen per message from the resolved destination.
func NewProducer(config Config, logger *zap.Logger) (*Producer, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: config.WriteTimeout,
	}
	return newProducer(config, writer, logger), nil
}

func newProducer(config Config, writer messageWriter, logger *zap.Logger) *Producer {
	return &Producer{config: config, writer: writer, logger: logger}
}

func (p *Producer) Name() string {
	return "kafka"
}

// ResolveDestination maps an identifier to a topic; empty selects the
// configured default topic.
func (p *Producer) ResolveDestination(ctx context.Context, id string) (*sink.Destination, error) {
	if id == "" {
		id = p.config.Topic
	}
	if id == "" {
		return nil, fmt.Errorf("%w: no topic configured", sink.ErrDestinationNotFound)
	}
	return &sink.Destination{ID: id, Name: id}, nil
}

// Send writes one record and returns its deterministic message id
func (p *Producer) Send(ctx context.Context, dest *sink.Destination, n *sink.Notification) (string, error) {
	if dest == nil || n == nil {
		return "", errors.New("destination and notification are required")
	}

	value, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("failed to marshal notification: %w", err)
	}

	ref := MessageID(dest.ID, n.Key)
	msg := kafka.Message{
		Topic: dest.ID,
		Key:   []byte(n.Key),
		Value: value,
		Headers: []kafka.Header{
			{Key: messageIDHeader, Value: []byte(ref)},
			{Key: "kind", Value: []byte(n.Kind)},
		},
		Time: n.Timestamp,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", services.WrapSinkDelivery("failed to publish notification", err)
	}

	p.logger.Debug("published notification",
		zap.String("topic", dest.ID),
		zap.String("key", n.Key),
		zap.String("relay_ref", ref))
	return ref, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// MessageID derives the reference recorded for a published event
func MessageID(topic, key string) string {
	return uuid.NewSHA1(refNamespace, []byte(topic+"/"+key)).String()
}
