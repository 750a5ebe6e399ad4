package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"signal-engine/internal/rules"
)

// EventType names an alert lifecycle change.
type EventType string

const (
	EventFired        EventType = "alert.fired"
	EventEscalated    EventType = "alert.escalated"
	EventAcknowledged EventType = "alert.acknowledged"
	EventResolved     EventType = "alert.resolved"
	EventSuppressed   EventType = "alert.suppressed"
)

// Event is published to listeners after every successful change.
type Event struct {
	Type  EventType `json:"type"`
	Alert Alert     `json:"alert"`
	At    time.Time `json:"at"`
}

// Listener receives lifecycle events. It must not block.
type Listener func(Event)

// Registry applies lifecycle transitions on top of a Store.
type Registry struct {
	store  Store
	clock  clockwork.Clock
	logger zerolog.Logger

	mu        sync.RWMutex
	listeners []Listener
}

// NewRegistry wires a Registry.
func NewRegistry(store Store, clock clockwork.Clock, logger zerolog.Logger) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		store:  store,
		clock:  clock,
		logger: logger.With().Str("component", "alerts").Logger(),
	}
}

// Subscribe registers l for all future events.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) publish(t EventType, a Alert) {
	r.mu.RLock()
	ls := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()
	ev := Event{Type: t, Alert: a, At: r.clock.Now().UTC()}
	for _, l := range ls {
		l(ev)
	}
}

// Create records a fired decision. On a unique-violation the key is re-read: an active
// alert there is returned with ErrConflict, otherwise the insert is retried once.
func (r *Registry) Create(ctx context.Context, d rules.Decision, segment string) (Alert, error) {
	now := r.clock.Now().UTC()
	a := Alert{
		ID:             uuid.NewString(),
		AccountID:      d.AccountID,
		Segment:        segment,
		TriggerID:      d.TriggerID,
		TriggerVersion: d.TriggerVersion,
		Severity:       d.Severity,
		Status:         StatusOpen,
		Evidence:       d.Evidence,
		DedupKey:       d.DedupKey,
		SubEntity:      d.SubEntity,
		FiredAt:        now,
		UpdatedAt:      now,
	}

	err := r.store.InsertAlert(ctx, a)
	if errors.Is(err, ErrConflict) {
		latest, ok, lerr := r.store.LatestByDedupKey(ctx, d.DedupKey)
		if lerr != nil {
			return Alert{}, fmt.Errorf("reload alert after conflict: %w", lerr)
		}
		if ok && latest.Status.Active() {
			r.logger.Warn().Str("dedup_key", d.DedupKey).Str("existing_id", latest.ID).Msg("alert insert conflict; deferring")
			return latest, ErrConflict
		}
		err = r.store.InsertAlert(ctx, a)
	}
	if err != nil {
		return Alert{}, fmt.Errorf("insert alert: %w", err)
	}

	r.logger.Info().
		Str("alert_id", a.ID).
		Str("account_id", a.AccountID).
		Str("trigger_id", a.TriggerID).
		Str("severity", string(a.Severity)).
		Msg("alert created")
	r.publish(EventFired, a)
	return a, nil
}

// Get loads one alert.
func (r *Registry) Get(ctx context.Context, id string) (Alert, error) {
	return r.store.GetAlert(ctx, id)
}

// List returns alerts matching f, newest first.
func (r *Registry) List(ctx context.Context, f Filter) ([]Alert, error) {
	return r.store.ListAlerts(ctx, f)
}

// Open returns active alerts for an account or segment.
func (r *Registry) Open(ctx context.Context, accountID, segment string) ([]Alert, error) {
	return r.store.ListAlerts(ctx, Filter{AccountID: accountID, Segment: segment, Statuses: ActiveStatuses})
}

// Escalate raises the severity of an active alert. Lower or equal severities are ignored.
func (r *Registry) Escalate(ctx context.Context, id string, severity rules.Severity) (Alert, bool, error) {
	a, err := r.store.GetAlert(ctx, id)
	if err != nil {
		return Alert{}, false, err
	}
	if !a.Status.Active() || a.Status == StatusSuppressed || severity.Rank() <= a.Severity.Rank() {
		return a, false, nil
	}
	now := r.clock.Now().UTC()
	prev := a.Severity
	a.Severity = severity
	a.LastEscalatedAt = &now
	a.UpdatedAt = now
	if err := r.store.UpdateAlert(ctx, a); err != nil {
		return Alert{}, false, fmt.Errorf("update alert: %w", err)
	}
	r.logger.Info().Str("alert_id", id).Str("from", string(prev)).Str("to", string(severity)).Msg("alert escalated")
	r.publish(EventEscalated, a)
	return a, true, nil
}

// Acknowledge marks an open alert as seen by an operator.
func (r *Registry) Acknowledge(ctx context.Context, id, actor string) (Alert, error) {
	return r.transition(ctx, id, EventAcknowledged, func(a *Alert, now time.Time) error {
		if a.Status != StatusOpen {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, StatusAcknowledged)
		}
		a.Status = StatusAcknowledged
		a.AcknowledgedAt = &now
		a.AcknowledgedBy = actor
		return nil
	})
}

// Resolve closes an active alert.
func (r *Registry) Resolve(ctx context.Context, id, resolution string) (Alert, error) {
	if resolution == "" {
		resolution = ResolutionManual
	}
	return r.transition(ctx, id, EventResolved, func(a *Alert, now time.Time) error {
		if !a.Status.Active() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, StatusResolved)
		}
		a.Status = StatusResolved
		a.ResolvedAt = &now
		a.Resolution = resolution
		return nil
	})
}

// Suppress mutes an alert. It keeps its dedup key so the trigger cannot re-fire it.
func (r *Registry) Suppress(ctx context.Context, id, reason string) (Alert, error) {
	return r.transition(ctx, id, EventSuppressed, func(a *Alert, now time.Time) error {
		if a.Status != StatusOpen && a.Status != StatusAcknowledged {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, StatusSuppressed)
		}
		a.Status = StatusSuppressed
		a.Resolution = reason
		return nil
	})
}

func (r *Registry) transition(ctx context.Context, id string, ev EventType, apply func(*Alert, time.Time) error) (Alert, error) {
	a, err := r.store.GetAlert(ctx, id)
	if err != nil {
		return Alert{}, err
	}
	now := r.clock.Now().UTC()
	if err := apply(&a, now); err != nil {
		return Alert{}, err
	}
	a.UpdatedAt = now
	if err := r.store.UpdateAlert(ctx, a); err != nil {
		return Alert{}, fmt.Errorf("update alert: %w", err)
	}
	r.logger.Info().Str("alert_id", id).Str("status", string(a.Status)).Msg("alert updated")
	r.publish(ev, a)
	return a, nil
}

// LatestByDedupKey implements rules.AlertLookup.
func (r *Registry) LatestByDedupKey(ctx context.Context, dedupKey string) (rules.AlertView, bool, error) {
	a, ok, err := r.store.LatestByDedupKey(ctx, dedupKey)
	if err != nil || !ok {
		return rules.AlertView{}, ok, err
	}
	return rules.AlertView{
		ID:       a.ID,
		Severity: a.Severity,
		Active:   a.Status.Active(),
		Muted:    a.Status == StatusSuppressed,
		FiredAt:  a.FiredAt,
	}, true, nil
}

var _ rules.AlertLookup = (*Registry)(nil)
