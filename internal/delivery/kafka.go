package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the gateway uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the intent topic writer.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	MaxAttempts  int
}

// KafkaGateway publishes intents to a topic keyed by account, so one account's intents
// stay ordered on one partition. A successful synchronous write is the ack.
type KafkaGateway struct {
	writer MessageWriter
	logger zerolog.Logger
}

// NewKafkaGateway builds a gateway with a synchronous writer.
func NewKafkaGateway(cfg KafkaConfig, logger zerolog.Logger) (*KafkaGateway, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  cfg.MaxAttempts,
		Async:        false,
	}
	return NewKafkaGatewayWithWriter(w, logger), nil
}

// NewKafkaGatewayWithWriter wraps an existing writer.
func NewKafkaGatewayWithWriter(w MessageWriter, logger zerolog.Logger) *KafkaGateway {
	return &KafkaGateway{writer: w, logger: logger.With().Str("component", "delivery_kafka").Logger()}
}

// Deliver implements Gateway.
func (g *KafkaGateway) Deliver(ctx context.Context, intent Intent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("%w: serialize intent: %v", ErrNack, err)
	}
	msg := kafka.Message{
		Key:   []byte(intent.AccountID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "intent_id", Value: []byte(intent.ID)},
			{Key: "channel", Value: []byte(intent.Channel)},
			{Key: "template", Value: []byte(intent.Template)},
		},
		Time: intent.CreatedAt,
	}
	if err := g.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish intent: %w", err)
	}
	g.logger.Debug().Str("intent_id", intent.ID).Str("channel", string(intent.Channel)).Msg("intent published")
	return nil
}

// Close flushes and closes the writer.
func (g *KafkaGateway) Close() error {
	return g.writer.Close()
}

var _ Gateway = (*KafkaGateway)(nil)
