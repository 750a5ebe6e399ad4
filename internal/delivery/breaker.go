package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"signal-engine/internal/metrics"
)

// ErrCircuitOpen is returned without calling the gateway while the breaker is open.
var ErrCircuitOpen = errors.New("delivery: circuit open")

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// Breaker stops hammering a failing gateway. Nacks are the gateway answering, so they do
// not count as failures; only transport errors do.
type Breaker struct {
	inner Gateway
	cb    *gobreaker.CircuitBreaker
}

// NewBreaker wraps g.
func NewBreaker(name string, g Gateway, cfg BreakerConfig, logger zerolog.Logger) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	log := logger.With().Str("component", "delivery_breaker").Str("name", name).Logger()
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNack)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	}
	return &Breaker{inner: g, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Deliver implements Gateway.
func (b *Breaker) Deliver(ctx context.Context, intent Intent) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.Deliver(ctx, intent)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

var _ Gateway = (*Breaker)(nil)
