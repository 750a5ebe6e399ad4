package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/rules"
)

func newRegistry() (*Registry, *MemoryStore, *clockwork.FakeClock) {
	store := NewMemoryStore()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	return NewRegistry(store, clock, zerolog.Nop()), store, clock
}

func decision(key string) rules.Decision {
	return rules.Decision{
		Outcome:        rules.OutcomeFired,
		TriggerID:      "usage-drop",
		TriggerVersion: 3,
		AccountID:      "acct",
		DedupKey:       key,
		Severity:       rules.SeverityHigh,
	}
}

func TestCreateEnforcesOneActivePerDedupKey(t *testing.T) {
	reg, _, _ := newRegistry()
	ctx := context.Background()

	first, err := reg.Create(ctx, decision("k1"), "enterprise")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, first.Status)
	assert.Equal(t, 3, first.TriggerVersion)

	existing, err := reg.Create(ctx, decision("k1"), "enterprise")
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, first.ID, existing.ID)

	_, err = reg.Resolve(ctx, first.ID, ResolutionSuperseded)
	require.NoError(t, err)
	second, err := reg.Create(ctx, decision("k1"), "enterprise")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	open, err := reg.Open(ctx, "", "enterprise")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.ID, open[0].ID)
}

func TestLifecycleTransitions(t *testing.T) {
	reg, _, clock := newRegistry()
	ctx := context.Background()

	var events []EventType
	reg.Subscribe(func(e Event) { events = append(events, e.Type) })

	a, err := reg.Create(ctx, decision("k2"), "")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	a, err = reg.Acknowledge(ctx, a.ID, "csm@example.com")
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, a.Status)
	require.NotNil(t, a.AcknowledgedAt)

	_, err = reg.Acknowledge(ctx, a.ID, "csm@example.com")
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	a, escalated, err := reg.Escalate(ctx, a.ID, rules.SeverityCritical)
	require.NoError(t, err)
	assert.True(t, escalated)
	assert.Equal(t, rules.SeverityCritical, a.Severity)
	require.NotNil(t, a.LastEscalatedAt)

	_, escalated, err = reg.Escalate(ctx, a.ID, rules.SeverityMedium)
	require.NoError(t, err)
	assert.False(t, escalated)

	a, err = reg.Resolve(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, ResolutionManual, a.Resolution)

	_, err = reg.Suppress(ctx, a.ID, "noise")
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = reg.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.Equal(t, []EventType{EventFired, EventAcknowledged, EventEscalated, EventResolved}, events)
}

func TestSuppressedAlertStaysActiveButMuted(t *testing.T) {
	reg, _, _ := newRegistry()
	ctx := context.Background()

	a, err := reg.Create(ctx, decision("k3"), "")
	require.NoError(t, err)
	_, err = reg.Suppress(ctx, a.ID, "known outage")
	require.NoError(t, err)

	view, ok, err := reg.LatestByDedupKey(ctx, "k3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, view.Active)
	assert.True(t, view.Muted)

	_, escalated, err := reg.Escalate(ctx, a.ID, rules.SeverityCritical)
	require.NoError(t, err)
	assert.False(t, escalated)
}
