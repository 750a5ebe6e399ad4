package engine

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/alerts"
	"signal-engine/internal/audit"
	"signal-engine/internal/baseline"
	"signal-engine/internal/capability"
	"signal-engine/internal/definitions"
	"signal-engine/internal/delivery"
	"signal-engine/internal/rules"
	"signal-engine/internal/scoring"
	"signal-engine/internal/signal"
	"signal-engine/internal/workflow"
)

var t0 = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

type harness struct {
	engine    *Engine
	clock     *clockwork.FakeClock
	rec       *delivery.Recorder
	signals   *signal.MemoryStore
	history   *scoring.MemoryHistory
	baselines *baseline.MemoryStore
}

func newHarness(t *testing.T, doc string) *harness {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.Nop()

	h := &harness{
		clock:     clockwork.NewFakeClockAt(t0),
		rec:       delivery.NewRecorder(),
		signals:   signal.NewMemoryStore(),
		history:   scoring.NewMemoryHistory(),
		baselines: baseline.NewMemoryStore(),
	}

	catalog := definitions.NewCatalog(nil, logger)
	f, err := definitions.Decode("test.yaml", []byte(doc))
	require.NoError(t, err)
	_, err = catalog.LoadFile(ctx, f)
	require.NoError(t, err)

	registry := alerts.NewRegistry(alerts.NewMemoryStore(), h.clock, logger)
	scorer := scoring.NewScorer(h.history, catalog, h.clock, 0, logger)
	cfg := workflow.DefaultConfig()
	cfg.RetryBase = time.Millisecond
	cfg.RetryCap = 2 * time.Millisecond

	h.engine = New(Components{
		Signals:      h.signals,
		Evaluator:    baseline.NewEvaluator(h.signals, h.baselines, baseline.Config{}, logger, baseline.WithClock(h.clock)),
		Scorer:       scorer,
		Rules:        rules.NewEngine(rules.NewMemoryStateStore(), registry, logger),
		Alerts:       registry,
		Orchestrator: workflow.NewOrchestrator(workflow.NewMemoryStore(), catalog, h.rec, capability.NewRegistry(), scorer, h.clock, cfg, logger),
		Catalog:      catalog,
		Audit:        audit.New(day, h.clock),
		Clock:        h.clock,
	}, Options{Workers: 4, QueueSize: 1024}, logger)
	return h
}

// sample submits a value stamped at the current fake time.
func (h *harness) sample(t *testing.T, account, metric string, v float64) bool {
	t.Helper()
	inserted, err := h.engine.SubmitMetricSample(context.Background(), signal.MetricSample{
		AccountID: account, MetricKey: metric, Timestamp: h.clock.Now(), Value: v,
	})
	require.NoError(t, err)
	return inserted
}

func (h *harness) event(t *testing.T, account, typ string, payload map[string]any) {
	t.Helper()
	_, err := h.engine.SubmitEvent(context.Background(), signal.Event{
		AccountID: account, Type: typ, Timestamp: h.clock.Now(), Payload: payload,
	})
	require.NoError(t, err)
}

func (h *harness) alerts(t *testing.T, account string) []alerts.Alert {
	t.Helper()
	list, err := h.engine.ListAlerts(context.Background(), alerts.Filter{AccountID: account})
	require.NoError(t, err)
	return list
}

func (h *harness) templates() []string {
	var out []string
	for _, in := range h.rec.Intents() {
		out = append(out, in.Template)
	}
	return out
}

const healthScore = `
score_types:
  - id: health
    components:
      - name: input
        weight: 1
        source: value
        metric: health.input
        normalize: {kind: percent}
    zones:
      - {name: at_risk, min: 0}
      - {name: watch, min: 50}
      - {name: healthy, min: 70}
`

func TestDuplicateSampleIsNotReevaluated(t *testing.T) {
	h := newHarness(t, healthScore+`
triggers:
  - id: low-health
    cooldown: 1h
    condition: {compare: {score: health, op: "<", value: 50}}
    severity: {default: medium}
    actions:
      - {id: notify, kind: notify, channel: slack, template: low-health}
`)
	assert.True(t, h.sample(t, "acme", "health.input", 40))
	h.clock.Advance(2 * time.Hour)

	// redelivery of the first sample
	inserted, err := h.engine.SubmitMetricSample(context.Background(), signal.MetricSample{
		AccountID: "acme", MetricKey: "health.input", Timestamp: t0, Value: 40,
	})
	require.NoError(t, err)
	assert.False(t, inserted)

	require.Len(t, h.alerts(t, "acme"), 1)
	assert.Equal(t, []string{"low-health"}, h.templates())

	rows, err := h.engine.ScoreHistory(context.Background(), "acme", "health", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestZoneEntrySequence(t *testing.T) {
	h := newHarness(t, healthScore+`
triggers:
  - id: entered-watch
    cooldown: 1h
    condition: {zone_entered: {score_type: health, zone: watch}}
    severity: {default: medium}
    actions:
      - {id: notify, kind: notify, channel: slack, template: entered-watch}
`)
	ctx := context.Background()
	var fired []float64
	for _, v := range []float64{72, 65, 58, 48, 45, 50, 42} {
		before := len(h.alerts(t, "acme"))
		h.sample(t, "acme", "health.input", v)
		// a sweep between samples must not re-detect the same entry
		require.NoError(t, h.engine.Sweep(ctx, h.clock.Now()))
		if len(h.alerts(t, "acme")) > before {
			fired = append(fired, v)
		}
		h.clock.Advance(day)
	}
	assert.Equal(t, []float64{65, 50}, fired)

	list := h.alerts(t, "acme")
	require.Len(t, list, 2)
	// newest first; the first alert was superseded when the zone was re-entered
	assert.Equal(t, alerts.StatusOpen, list[0].Status)
	assert.Equal(t, alerts.StatusResolved, list[1].Status)
	assert.Equal(t, alerts.ResolutionSuperseded, list[1].Resolution)
}

func TestCooldownSuppressesUntilConditionClears(t *testing.T) {
	h := newHarness(t, healthScore+`
triggers:
  - id: low-health
    cooldown: 7d
    condition: {compare: {score: health, op: "<", value: 50}}
    severity: {default: medium}
    actions:
      - {id: notify, kind: notify, channel: slack, template: low-health}
`)
	ctx := context.Background()

	h.sample(t, "acme", "health.input", 30)
	require.Len(t, h.alerts(t, "acme"), 1)

	h.clock.Advance(3 * day)
	h.sample(t, "acme", "health.input", 28)
	require.NoError(t, h.engine.Sweep(ctx, h.clock.Now()))
	require.Len(t, h.alerts(t, "acme"), 1, "day 3 is inside the cooldown")

	h.clock.Advance(5 * day)
	h.sample(t, "acme", "health.input", 27)
	require.Len(t, h.alerts(t, "acme"), 1, "the condition has held since day 0")

	h.clock.Advance(day)
	h.sample(t, "acme", "health.input", 80)
	h.clock.Advance(day)
	h.sample(t, "acme", "health.input", 30)
	list := h.alerts(t, "acme")
	require.Len(t, list, 2, "cleared on day 9 and re-triggered on day 10")
	assert.Equal(t, t0.Add(10*day), list[0].FiredAt)
	assert.Equal(t, alerts.ResolutionSuperseded, list[1].Resolution)
	assert.Equal(t, []string{"low-health", "low-health"}, h.templates())
}

func TestSeverityUpgradeAfterCooldownEscalatesInPlace(t *testing.T) {
	h := newHarness(t, healthScore+`
triggers:
  - id: health-decline
    cooldown: 2d
    condition: {compare: {score: health, op: "<", value: 60}}
    severity:
      default: medium
      operand: {score: health}
      bands:
        - {severity: critical, op: "<", value: 45}
        - {severity: high, op: "<", value: 60}
    actions:
      - {id: notify, kind: notify, channel: slack, template: health-decline}
`)
	h.sample(t, "acme", "health.input", 58)
	require.Len(t, h.alerts(t, "acme"), 1)

	h.clock.Advance(5 * day)
	h.sample(t, "acme", "health.input", 44)
	list := h.alerts(t, "acme")
	require.Len(t, list, 1)
	assert.Equal(t, rules.SeverityCritical, list[0].Severity)
	assert.Equal(t, alerts.StatusOpen, list[0].Status)
	assert.Equal(t, []string{"health-decline", "alert-escalation"}, h.templates())
}

func TestQueuedSamplesAreEvaluatedIndividually(t *testing.T) {
	h := newHarness(t, `
triggers:
  - id: usage-drop
    cooldown: 7d
    condition: {classification: {metric: usage.active_users, is: drop}}
    severity: {default: high}
    actions:
      - {id: notify, kind: notify, channel: slack, template: usage-drop}
`)
	for i := 0; i < 21; i++ {
		v := 98.0
		if i%2 == 1 {
			v = 102
		}
		h.sample(t, "acme", "usage.active_users", v)
		h.clock.Advance(day)
	}
	require.Empty(t, h.alerts(t, "acme"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx, nil) }()
	require.Eventually(t, h.engine.running.Load, time.Second, time.Millisecond)

	// hold the account so both samples are stored before either is evaluated
	unlock := h.engine.locks.Lock("acme")
	h.sample(t, "acme", "usage.active_users", 50)
	h.clock.Advance(time.Hour)
	h.sample(t, "acme", "usage.active_users", 100)
	unlock()

	cancel()
	require.NoError(t, <-done)

	list := h.alerts(t, "acme")
	require.Len(t, list, 1, "the dip is seen even though a recovery was stored behind it")
	require.NotEmpty(t, list[0].Evidence.Evaluations)
	ev := list[0].Evidence.Evaluations[0]
	assert.Equal(t, baseline.ClassDrop, ev.Classification)
	assert.InDelta(t, 50, ev.ObservedValue, 1e-9)
}

func TestLateSampleDoesNotRegressScore(t *testing.T) {
	h := newHarness(t, healthScore)
	ctx := context.Background()

	h.clock.Advance(day)
	h.sample(t, "acme", "health.input", 80)
	_, err := h.engine.SubmitMetricSample(ctx, signal.MetricSample{
		AccountID: "acme", MetricKey: "health.input", Timestamp: t0, Value: 20,
	})
	require.NoError(t, err)

	sc, ok, err := h.history.LatestScore(ctx, "acme", "health")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "80", sc.Value.String())
}

func TestSubEntityDedup(t *testing.T) {
	h := newHarness(t, `
triggers:
  - id: p1-ticket
    cooldown: 1d
    dedup_field: ticket_id
    condition: {event: {type: support.ticket, window: 7d, where: {priority: p1}}}
    severity: {default: high}
    actions:
      - {id: notify, kind: notify, channel: slack, template: p1-ticket}
`)
	h.event(t, "acme", "support.ticket", map[string]any{"ticket_id": "T-1", "priority": "p1"})
	h.clock.Advance(time.Hour)
	h.event(t, "acme", "support.ticket", map[string]any{"ticket_id": "T-1", "priority": "p1", "note": "customer replied"})
	h.clock.Advance(time.Hour)
	h.event(t, "acme", "support.ticket", map[string]any{"ticket_id": "T-2", "priority": "p1"})
	h.event(t, "acme", "support.ticket", map[string]any{"ticket_id": "T-3", "priority": "p3"})

	list := h.alerts(t, "acme")
	require.Len(t, list, 2)
	subs := []string{list[0].SubEntity, list[1].SubEntity}
	assert.ElementsMatch(t, []string{"T-1", "T-2"}, subs)
	for _, a := range list {
		assert.Equal(t, rules.SeverityHigh, a.Severity)
		assert.Equal(t, alerts.StatusOpen, a.Status)
	}
}

func TestUsageDropFiresWithEvidence(t *testing.T) {
	h := newHarness(t, `
triggers:
  - id: usage-drop
    cooldown: 7d
    condition:
      all:
        - classification: {metric: usage.active_users, is: drop}
        - compare: {metric: usage.active_users, field: relative_change, op: "<=", value: -0.3}
    severity:
      default: medium
      operand: {metric: usage.active_users, field: relative_change}
      bands:
        - {severity: high, op: "<=", value: -0.4}
    actions:
      - {id: notify-csm, kind: notify, channel: slack, template: usage-drop}
      - id: followup
        kind: createTask
        template: usage-followup
        due_in: 24h
        when: {severity_at_least: high}
`)
	for i := 0; i < 21; i++ {
		v := 98.0
		if i%2 == 1 {
			v = 102
		}
		h.sample(t, "acme", "usage.active_users", v)
		h.clock.Advance(day)
	}
	require.Empty(t, h.alerts(t, "acme"), "steady usage must not alert")

	h.sample(t, "acme", "usage.active_users", 50)
	list := h.alerts(t, "acme")
	require.Len(t, list, 1)
	a := list[0]
	assert.Equal(t, rules.SeverityHigh, a.Severity)
	require.NotEmpty(t, a.Evidence.Evaluations)
	ev := a.Evidence.Evaluations[0]
	assert.Equal(t, baseline.ClassDrop, ev.Classification)
	assert.InDelta(t, -0.5, ev.RelativeChange, 0.02)
	assert.GreaterOrEqual(t, ev.Confidence, baseline.LowConfidence)

	assert.Equal(t, []string{"usage-drop", "usage-followup"}, h.templates())
	run, ok, err := h.engine.RunForAlert(context.Background(), a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workflow.RunCompleted, run.Status)
}

func TestSeverityUpgradeEscalates(t *testing.T) {
	h := newHarness(t, healthScore+`
triggers:
  - id: health-decline
    cooldown: 7d
    condition: {compare: {score: health, op: "<", value: 60}}
    severity:
      default: medium
      operand: {score: health}
      bands:
        - {severity: critical, op: "<", value: 45}
        - {severity: high, op: "<", value: 60}
    actions:
      - {id: notify, kind: notify, channel: slack, template: health-decline}
`)
	h.sample(t, "acme", "health.input", 72)
	require.Empty(t, h.alerts(t, "acme"))

	h.clock.Advance(day)
	h.sample(t, "acme", "health.input", 58)
	list := h.alerts(t, "acme")
	require.Len(t, list, 1)
	assert.Equal(t, rules.SeverityHigh, list[0].Severity)

	h.clock.Advance(day)
	h.sample(t, "acme", "health.input", 44)
	list = h.alerts(t, "acme")
	require.Len(t, list, 1, "an upgrade inside the cooldown escalates in place")
	assert.Equal(t, rules.SeverityCritical, list[0].Severity)
	require.NotNil(t, list[0].LastEscalatedAt)

	run, ok, err := h.engine.RunForAlert(context.Background(), list[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rules.SeverityCritical, run.Severity)
	assert.Equal(t, []string{"health-decline", "alert-escalation"}, h.templates())

	// same severity again is a plain duplicate
	h.clock.Advance(time.Hour)
	h.sample(t, "acme", "health.input", 43)
	assert.Len(t, h.rec.Intents(), 2)
}

func TestSLAEscalatesExactlyOnce(t *testing.T) {
	h := newHarness(t, `
triggers:
  - id: exec-left
    cooldown: 30d
    condition: {event: {type: stakeholder.left, window: 30d}}
    severity: {default: medium}
    actions:
      - {id: notify, kind: notify, channel: slack, template: exec-left}
      - {id: manager, kind: escalate, channel: email, template: csm-manager}
`)
	ctx := context.Background()
	h.event(t, "acme", "stakeholder.left", map[string]any{"role": "vp"})
	assert.Equal(t, []string{"exec-left"}, h.templates())

	h.clock.Advance(71 * time.Hour)
	require.NoError(t, h.engine.CheckSLAs(ctx, h.clock.Now()))
	assert.Len(t, h.rec.Intents(), 1, "medium SLA is 72h")

	h.clock.Advance(2 * time.Hour)
	require.NoError(t, h.engine.CheckSLAs(ctx, h.clock.Now()))
	require.NoError(t, h.engine.CheckSLAs(ctx, h.clock.Now()))
	h.clock.Advance(time.Hour)
	require.NoError(t, h.engine.CheckSLAs(ctx, h.clock.Now()))
	assert.Equal(t, []string{"exec-left", "csm-manager"}, h.templates())

	list := h.alerts(t, "acme")
	require.Len(t, list, 1)
	run, ok, err := h.engine.RunForAlert(ctx, list[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workflow.RunCompleted, run.Status)
	require.NotNil(t, run.SLAEscalatedAt)
}

func TestResolveCancelsWorkflow(t *testing.T) {
	h := newHarness(t, `
triggers:
  - id: exec-left
    cooldown: 30d
    condition: {event: {type: stakeholder.left, window: 30d}}
    severity: {default: medium}
    actions:
      - {id: manager, kind: escalate, channel: email, template: csm-manager}
`)
	ctx := context.Background()
	h.event(t, "acme", "stakeholder.left", nil)
	list := h.alerts(t, "acme")
	require.Len(t, list, 1)

	a, err := h.engine.Acknowledge(ctx, list[0].ID, "csm@acme")
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusAcknowledged, a.Status)

	a, err = h.engine.Resolve(ctx, a.ID, alerts.ResolutionManual)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusResolved, a.Status)

	run, ok, err := h.engine.RunForAlert(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workflow.RunCancelled, run.Status)

	h.clock.Advance(100 * time.Hour)
	require.NoError(t, h.engine.CheckSLAs(ctx, h.clock.Now()))
	assert.Empty(t, h.rec.Intents())

	_, err = h.engine.Resolve(ctx, a.ID, alerts.ResolutionManual)
	assert.ErrorIs(t, err, alerts.ErrInvalidTransition)
	_, err = h.engine.GetAlert(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

func TestStatusReportsInsufficientData(t *testing.T) {
	h := newHarness(t, healthScore)
	ctx := context.Background()

	h.sample(t, "acme", "usage.active_users", 100)
	h.clock.Advance(day)
	h.sample(t, "acme", "usage.active_users", 101)

	st, err := h.engine.Status(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, st.DataUnavailable)
	require.Len(t, st.Metrics, 1)
	assert.True(t, st.Metrics[0].LowConfidence)
	assert.Empty(t, st.Scores)
	assert.Zero(t, st.OpenAlerts)

	h.sample(t, "acme", "health.input", 80)
	h.clock.Advance(day)
	st, err = h.engine.Status(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, st.Scores, 1)
	assert.Equal(t, "healthy", st.Scores[0].Score.Zone)
	assert.False(t, st.Scores[0].Stale)

	_, err = h.engine.ScoreHistory(ctx, "acme", "nps", time.Time{}, time.Time{}, 0)
	assert.ErrorIs(t, err, scoring.ErrUnknownScoreType)
}

func TestStatusDoesNotStoreBaselines(t *testing.T) {
	h := newHarness(t, healthScore)
	for i := 0; i < 10; i++ {
		h.sample(t, "acme", "usage.active_users", 100)
		h.clock.Advance(day)
	}

	st, err := h.engine.Status(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, st.Metrics, 1)
	assert.Empty(t, h.baselines.History("acme", "usage.active_users"))
}

func TestProfileEventSetsSegment(t *testing.T) {
	h := newHarness(t, healthScore+`
triggers:
  - id: enterprise-low
    scope: segment
    scope_value: enterprise
    cooldown: 1d
    condition: {compare: {score: health, op: "<", value: 50}}
    severity: {default: high}
`)
	h.sample(t, "smb-co", "health.input", 20)
	assert.Empty(t, h.alerts(t, "smb-co"))

	h.event(t, "big-co", signal.EventAccountProfile, map[string]any{"segment": "enterprise"})
	h.sample(t, "big-co", "health.input", 20)
	list := h.alerts(t, "big-co")
	require.Len(t, list, 1)
	assert.Equal(t, "enterprise", list[0].Segment)

	open, err := h.engine.OpenAlerts(context.Background(), "", "enterprise")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestWorkerPoolDrainsOnShutdown(t *testing.T) {
	h := newHarness(t, healthScore)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx, nil) }()
	require.Eventually(t, h.engine.running.Load, time.Second, time.Millisecond)

	accounts := []string{"a", "b", "c", "d", "e", "f"}
	for i := 1; i <= 10; i++ {
		for _, acct := range accounts {
			_, err := h.engine.SubmitMetricSample(ctx, signal.MetricSample{
				AccountID: acct, MetricKey: "health.input", Timestamp: t0.Add(time.Duration(i) * time.Minute), Value: float64(i * 5),
			})
			require.NoError(t, err)
		}
	}
	cancel()
	require.NoError(t, <-done)

	for _, acct := range accounts {
		sc, ok, err := h.history.LatestScore(context.Background(), acct, "health")
		require.NoError(t, err)
		require.True(t, ok, acct)
		assert.Equal(t, "50", sc.Value.String(), acct)
	}

	_, err := h.engine.SubmitMetricSample(context.Background(), signal.MetricSample{
		AccountID: "a", MetricKey: "health.input", Timestamp: t0, Value: 1,
	})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestJobsGuardedByAdvisoryLock(t *testing.T) {
	h := newHarness(t, healthScore)
	locker := &fakeLocker{held: map[int64]bool{}}
	h.engine.locker = locker
	h.engine.opts.LockKey = 100

	jobs := h.engine.Jobs(Schedule{Sweep: time.Minute, SLA: time.Minute, Maintenance: time.Hour})
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{JobSweep, JobSLA, JobMaintenance}, names)

	locker.held[100] = true
	require.NoError(t, jobs[0].Tick(context.Background(), t0))
	require.NoError(t, jobs[1].Tick(context.Background(), t0))
	assert.Equal(t, []int64{100, 102}, locker.tried)
	assert.Equal(t, 1, locker.released)
}

type fakeLocker struct {
	held     map[int64]bool
	tried    []int64
	released int
}

func (f *fakeLocker) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	f.tried = append(f.tried, key)
	if f.held[key] {
		return nil, false, nil
	}
	return func() { f.released++ }, true, nil
}

func TestMaintainPrunesOldSignals(t *testing.T) {
	h := newHarness(t, healthScore)
	h.engine.opts.Retention = 10 * day
	for i := 0; i < 5; i++ {
		h.sample(t, "acme", "health.input", float64(60+i))
		h.clock.Advance(5 * day)
	}
	require.NoError(t, h.engine.Maintain(context.Background(), h.clock.Now()))
	rows, err := h.signals.SamplesBetween(context.Background(), "acme", "health.input", time.Time{}, h.clock.Now())
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
