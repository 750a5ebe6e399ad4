// Package delivery is the boundary to the external delivery gateway. The engine only
// emits intents; the gateway's return value is the ack (nil) or nack (error).
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signal-engine/internal/metrics"
)

// ErrNack is returned when the gateway received the intent and refused it.
var ErrNack = errors.New("delivery: intent rejected by gateway")

// Channel is the destination family of an intent.
type Channel string

const (
	ChannelSlack Channel = "slack"
	ChannelEmail Channel = "email"
	ChannelTask  Channel = "task"
	ChannelCRM   Channel = "crm"
)

// ParseChannel validates a channel name.
func ParseChannel(raw string) (Channel, error) {
	switch c := Channel(raw); c {
	case ChannelSlack, ChannelEmail, ChannelTask, ChannelCRM:
		return c, nil
	}
	return "", fmt.Errorf("unknown delivery channel %q", raw)
}

// Intent is one outbound request to the gateway. ID is stable across retries so the
// gateway can deduplicate.
type Intent struct {
	ID        string         `json:"id"`
	Channel   Channel        `json:"channel"`
	Template  string         `json:"template"`
	AccountID string         `json:"account_id"`
	AlertID   string         `json:"alert_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	Priority  string         `json:"priority,omitempty"`
	DueAt     *time.Time     `json:"due_at,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Gateway hands intents to the external collaborator.
type Gateway interface {
	Deliver(ctx context.Context, intent Intent) error
}

// Instrumented records delivery metrics around a gateway.
type Instrumented struct {
	name  string
	inner Gateway
}

// Instrument wraps g with metrics labelled name.
func Instrument(name string, g Gateway) *Instrumented {
	return &Instrumented{name: name, inner: g}
}

// Deliver implements Gateway.
func (i *Instrumented) Deliver(ctx context.Context, intent Intent) error {
	start := time.Now()
	err := i.inner.Deliver(ctx, intent)
	metrics.DeliveryDuration.WithLabelValues(i.name).Observe(time.Since(start).Seconds())
	status := "ack"
	switch {
	case errors.Is(err, ErrNack):
		status = "nack"
	case err != nil:
		status = "error"
	}
	metrics.DeliveryTotal.WithLabelValues(i.name, string(intent.Channel), status).Inc()
	return err
}

// LogGateway acknowledges every intent after logging it.
type LogGateway struct {
	logger zerolog.Logger
}

// NewLogGateway constructs a LogGateway.
func NewLogGateway(logger zerolog.Logger) *LogGateway {
	return &LogGateway{logger: logger.With().Str("component", "delivery_log").Logger()}
}

// Deliver implements Gateway.
func (g *LogGateway) Deliver(_ context.Context, intent Intent) error {
	g.logger.Info().
		Str("intent_id", intent.ID).
		Str("channel", string(intent.Channel)).
		Str("template", intent.Template).
		Str("account_id", intent.AccountID).
		Str("alert_id", intent.AlertID).
		Msg("delivery intent")
	return nil
}

// Recorder keeps delivered intents in memory. Fail makes the next n deliveries nack.
type Recorder struct {
	mu      sync.Mutex
	intents []Intent
	failN   int
}

// NewRecorder constructs an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Deliver implements Gateway.
func (r *Recorder) Deliver(_ context.Context, intent Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failN > 0 {
		r.failN--
		return fmt.Errorf("%w: recorder configured to fail", ErrNack)
	}
	r.intents = append(r.intents, intent)
	return nil
}

// Fail makes the next n deliveries return ErrNack.
func (r *Recorder) Fail(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failN = n
}

// Intents returns a copy of the acknowledged intents.
func (r *Recorder) Intents() []Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Intent(nil), r.intents...)
}

var (
	_ Gateway = (*Instrumented)(nil)
	_ Gateway = (*LogGateway)(nil)
	_ Gateway = (*Recorder)(nil)
)
