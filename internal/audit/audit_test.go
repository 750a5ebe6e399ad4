package audit

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/baseline"
	"signal-engine/internal/rules"
)

func TestLogExpiresEntries(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	log := New(24*time.Hour, clock)

	log.RecordEvaluation(baseline.SignalEvaluation{AccountID: "acme", MetricKey: "usage", Confidence: 0.2})
	clock.Advance(time.Hour)
	log.RecordEvaluation(baseline.SignalEvaluation{AccountID: "acme", MetricKey: "usage", Confidence: 0.9})
	log.RecordDecision(rules.Decision{AccountID: "acme", TriggerID: "usage-drop", Outcome: rules.OutcomeSuppressed, Reason: "cooldown"})

	latest := log.LatestEvaluations("acme")
	require.Len(t, latest, 1)
	assert.Equal(t, 0.9, latest[0].Confidence)
	assert.Len(t, log.Recent("acme"), 3)

	clock.Advance(23*time.Hour + time.Minute)
	assert.Equal(t, 1, log.Prune())
	recent := log.Recent("acme")
	require.Len(t, recent, 2)
	assert.Equal(t, KindDecision, recent[1].Kind)
	assert.Equal(t, rules.OutcomeSuppressed, recent[1].Decision.Outcome)

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 2, log.Prune())
	assert.Empty(t, log.Recent("acme"))
}
