// Package ingest consumes metric samples and events from Kafka and submits them to the
// engine. Offsets are committed only after the engine has durably accepted a message.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"

	"signal-engine/internal/config"
	"signal-engine/internal/metrics"
	"signal-engine/internal/signal"
)

// ErrMalformed reports a message that can never be ingested.
var ErrMalformed = errors.New("ingest: malformed message")

// Message kinds.
const (
	KindSample = "sample"
	KindEvent  = "event"
)

// Sink is what the consumer feeds.
type Sink interface {
	SubmitMetricSample(ctx context.Context, sample signal.MetricSample) (bool, error)
	SubmitEvent(ctx context.Context, event signal.Event) (bool, error)
}

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message is the JSON wire format. Kind may be omitted; it is inferred from the
// presence of metric_key or event_type.
type Message struct {
	Kind      string         `json:"kind,omitempty"`
	AccountID string         `json:"account_id"`
	MetricKey string         `json:"metric_key,omitempty"`
	Value     *float64       `json:"value,omitempty"`
	EventType string         `json:"event_type,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Decoded is one parsed message; exactly one of Sample or Event is set.
type Decoded struct {
	Sample *signal.MetricSample
	Event  *signal.Event
}

// Decode parses a message body.
func Decode(data []byte) (Decoded, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	kind := strings.ToLower(strings.TrimSpace(m.Kind))
	if kind == "" {
		switch {
		case m.MetricKey != "":
			kind = KindSample
		case m.EventType != "":
			kind = KindEvent
		}
	}

	switch kind {
	case KindSample:
		if m.Value == nil {
			return Decoded{}, fmt.Errorf("%w: sample without value", ErrMalformed)
		}
		s := signal.MetricSample{AccountID: m.AccountID, MetricKey: m.MetricKey, Timestamp: m.Timestamp, Value: *m.Value}
		return Decoded{Sample: &s}, nil
	case KindEvent:
		e := signal.Event{AccountID: m.AccountID, Type: m.EventType, Timestamp: m.Timestamp, Payload: m.Payload}
		return Decoded{Event: &e}, nil
	default:
		return Decoded{}, fmt.Errorf("%w: unknown kind %q", ErrMalformed, m.Kind)
	}
}

// Consumer reads one consumer group and submits each message to a Sink.
type Consumer struct {
	reader  Reader
	sink    Sink
	logger  zerolog.Logger
	backoff time.Duration
	ceiling time.Duration
}

// NewConsumer builds a consumer-group reader over the configured topics.
func NewConsumer(cfg config.IngestConfig, sink Sink, logger zerolog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("group id is required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		MaxWait:     cfg.MaxWait,
	})
	return NewConsumerWithReader(r, sink, logger), nil
}

// NewConsumerWithReader wraps an existing reader.
func NewConsumerWithReader(r Reader, sink Sink, logger zerolog.Logger) *Consumer {
	return &Consumer{
		reader:  r,
		sink:    sink,
		logger:  logger.With().Str("component", "ingest").Logger(),
		backoff: 250 * time.Millisecond,
		ceiling: 30 * time.Second,
	}
}

// Run consumes until ctx is cancelled. A malformed or invalid message is logged and
// committed so it cannot wedge the partition; transient submit errors are retried with
// backoff and the offset is held until they succeed.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("kafka consumer started")
	defer c.logger.Info().Msg("kafka consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		status, err := c.handle(ctx, msg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		metrics.KafkaMessagesTotal.WithLabelValues(msg.Topic, status).Inc()

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset: %w", err)
		}
	}
}

// Close releases the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) (string, error) {
	decoded, err := Decode(msg.Value)
	if err != nil {
		c.logger.Warn().Err(err).Str("topic", msg.Topic).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("dropping malformed message")
		return "malformed", nil
	}

	var inserted bool
	b := retry.WithCappedDuration(c.ceiling, retry.NewExponential(c.backoff))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		var submitErr error
		if decoded.Sample != nil {
			inserted, submitErr = c.sink.SubmitMetricSample(ctx, *decoded.Sample)
		} else {
			inserted, submitErr = c.sink.SubmitEvent(ctx, *decoded.Event)
		}
		switch {
		case submitErr == nil:
			return nil
		case errors.Is(submitErr, signal.ErrInvalidSample), errors.Is(submitErr, signal.ErrInvalidEvent):
			return submitErr
		default:
			c.logger.Warn().Err(submitErr).Int64("offset", msg.Offset).Msg("submit failed, retrying")
			return retry.RetryableError(submitErr)
		}
	})
	switch {
	case errors.Is(err, signal.ErrInvalidSample), errors.Is(err, signal.ErrInvalidEvent):
		c.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("dropping invalid message")
		return "rejected", nil
	case err != nil:
		return "", fmt.Errorf("submit message: %w", err)
	case !inserted:
		return "duplicate", nil
	}
	return "accepted", nil
}
