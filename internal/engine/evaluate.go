package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"signal-engine/internal/alerts"
	"signal-engine/internal/baseline"
	"signal-engine/internal/definitions"
	"signal-engine/internal/metrics"
	"signal-engine/internal/rules"
	"signal-engine/internal/scoring"
	"signal-engine/internal/signal"
	"signal-engine/internal/workflow"
)

// EvaluateAccount re-evaluates every applicable trigger for one account under the
// account lock. One failing trigger never aborts the others.
func (e *Engine) EvaluateAccount(ctx context.Context, accountID string) error {
	unlock := e.locks.Lock(accountID)
	defer unlock()
	return e.evaluateLocked(ctx, accountID, nil)
}

// EvaluateSample is EvaluateAccount with sample standing in for its metric: the
// sample is classified against the baseline as of its own timestamp, even when
// newer samples have been stored since.
func (e *Engine) EvaluateSample(ctx context.Context, sample signal.MetricSample) error {
	unlock := e.locks.Lock(sample.AccountID)
	defer unlock()
	return e.evaluateLocked(ctx, sample.AccountID, &sample)
}

func (e *Engine) evaluateLocked(ctx context.Context, accountID string, pinned *signal.MetricSample) error {
	segment, err := e.signals.Segment(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load segment: %w", err)
	}

	var triggers []definitions.TriggerDef
	for _, def := range e.catalog.ActiveTriggers() {
		if def.Trigger.AppliesTo(accountID, segment) {
			triggers = append(triggers, def)
		}
	}

	snap, err := e.snapshot(ctx, accountID, segment, triggers, pinned)
	if err != nil {
		return err
	}

	var errs []error
	for _, def := range triggers {
		decisions, err := e.rules.Evaluate(ctx, def.Trigger, snap)
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger %s: %w", def.Trigger.ID, err))
			continue
		}
		for _, d := range decisions {
			if err := e.apply(ctx, d, segment); err != nil {
				errs = append(errs, fmt.Errorf("trigger %s: %w", def.Trigger.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// snapshot gathers evaluations, scores and events the triggers and score types read.
// A pinned sample replaces the latest one for its metric. When it is older than a
// sample already evaluated it is still classified, but scores keep the newer value.
func (e *Engine) snapshot(ctx context.Context, accountID, segment string, triggers []definitions.TriggerDef, pinned *signal.MetricSample) (*rules.Snapshot, error) {
	now := e.now()
	snap := &rules.Snapshot{
		AccountID:   accountID,
		Segment:     segment,
		Evaluations: make(map[string]baseline.SignalEvaluation),
		Scores:      make(map[string]scoring.Score),
		Now:         now,
		Deltas: func(scoreType string, window time.Duration) (float64, bool, error) {
			return e.scorer.DeltaOver(ctx, accountID, scoreType, window)
		},
	}

	var (
		metricKeys  []string
		eventTypes  []string
		eventWindow time.Duration
	)
	addMetric := func(k string) {
		if k != "" && !slices.Contains(metricKeys, k) {
			metricKeys = append(metricKeys, k)
		}
	}
	addEvents := func(t string, window time.Duration) {
		if t != "" && !slices.Contains(eventTypes, t) {
			eventTypes = append(eventTypes, t)
		}
		eventWindow = max(eventWindow, window)
	}
	for _, def := range triggers {
		deps := def.Trigger.Dependencies()
		for _, m := range deps.Metrics {
			addMetric(m)
		}
		for _, t := range deps.EventTypes {
			addEvents(t, deps.EventWindow)
		}
	}
	scoreTypes := e.scoreTypes()
	for _, st := range scoreTypes {
		for _, c := range st.Components {
			switch c.Source {
			case scoring.SourceEventCount:
				addEvents(c.EventType, c.Window)
			default:
				addMetric(c.Metric)
			}
		}
	}

	latest := make(map[string]signal.MetricSample, len(metricKeys))
	scored := make(map[string]baseline.SignalEvaluation, len(metricKeys))
	for _, key := range metricKeys {
		sample, ok, err := e.signals.LatestSample(ctx, accountID, key)
		if err != nil {
			return nil, fmt.Errorf("latest sample %s: %w", key, err)
		}
		if pinned != nil && pinned.MetricKey == key {
			if !e.advance(accountID, key, pinned.Timestamp) && ok {
				latest[key] = sample
				if eval, err := e.evaluator.Inspect(ctx, accountID, key, sample); err == nil {
					scored[key] = eval
				}
			} else {
				latest[key] = *pinned
			}
			if eval, ok := e.classify(ctx, *pinned); ok {
				snap.Evaluations[key] = eval
				if _, set := scored[key]; !set {
					scored[key] = eval
				}
			}
			continue
		}
		if !ok {
			continue
		}
		e.advance(accountID, key, sample.Timestamp)
		latest[key] = sample
		if eval, ok := e.classify(ctx, sample); ok {
			snap.Evaluations[key] = eval
			scored[key] = eval
		}
	}

	if len(eventTypes) > 0 && eventWindow > 0 {
		events, err := e.signals.EventsSince(ctx, accountID, "", now.Add(-eventWindow))
		if err != nil {
			return nil, fmt.Errorf("load events: %w", err)
		}
		for _, ev := range events {
			if slices.Contains(eventTypes, ev.Type) {
				snap.Events = append(snap.Events, ev)
			}
		}
	}

	for _, st := range scoreTypes {
		score, err := e.scorer.Compute(ctx, accountID, st.ID, components(st, latest, scored, snap.Events, now))
		switch {
		case errors.Is(err, scoring.ErrNoData):
			continue
		case err != nil:
			e.logger.Warn().Err(err).Str("account_id", accountID).Str("score_type", st.ID).Msg("score computation failed")
			continue
		}
		snap.Scores[st.ID] = score
		metrics.ScoresComputed.WithLabelValues(st.ID, score.Zone, fmt.Sprint(score.Stale)).Inc()
	}
	return snap, nil
}

// classify evaluates one sample and records the result.
func (e *Engine) classify(ctx context.Context, sample signal.MetricSample) (baseline.SignalEvaluation, bool) {
	eval, err := e.evaluator.Evaluate(ctx, sample.AccountID, sample.MetricKey, sample)
	if err != nil {
		e.logger.Warn().Err(err).Str("account_id", sample.AccountID).Str("metric", sample.MetricKey).Msg("evaluation failed")
		return eval, false
	}
	e.audit.RecordEvaluation(eval)
	confidence := "ok"
	if eval.LowConfidence() {
		confidence = "low"
	}
	metrics.EvaluationsTotal.WithLabelValues(string(eval.Classification), confidence).Inc()
	return eval, true
}

// advance moves the (account, metric) watermark to at. It reports false when a
// newer sample has already been evaluated.
func (e *Engine) advance(accountID, metricKey string, at time.Time) bool {
	key := accountID + "\x00" + metricKey
	e.marksMu.Lock()
	defer e.marksMu.Unlock()
	if at.Before(e.marks[key]) {
		return false
	}
	e.marks[key] = at
	return true
}

func (e *Engine) scoreTypes() []scoring.ScoreType {
	all := e.catalog.ScoreTypes()
	if len(e.opts.ScoreTypes) == 0 {
		return all
	}
	out := all[:0:0]
	for _, st := range all {
		if slices.Contains(e.opts.ScoreTypes, st.ID) {
			out = append(out, st)
		}
	}
	return out
}

// components maps a score type's inputs onto what was observed. Missing inputs are
// left out so the scorer renormalises over the rest.
func components(st scoring.ScoreType, latest map[string]signal.MetricSample, evals map[string]baseline.SignalEvaluation, events []signal.Event, now time.Time) map[string]scoring.Component {
	out := make(map[string]scoring.Component, len(st.Components))
	for _, c := range st.Components {
		switch c.Source {
		case scoring.SourceValue:
			if s, ok := latest[c.Metric]; ok {
				out[c.Name] = scoring.Component{Value: s.Value, ObservedAt: s.Timestamp}
			}
		case scoring.SourceRelativeChange, scoring.SourceDeviation:
			ev, ok := evals[c.Metric]
			if !ok || ev.SampleCount == 0 {
				continue
			}
			v := ev.RelativeChange
			if c.Source == scoring.SourceDeviation {
				v = ev.DeviationRatio
			}
			out[c.Name] = scoring.Component{Value: v, ObservedAt: ev.SampleAt}
		case scoring.SourceEventCount:
			n := 0
			for _, ev := range events {
				if ev.Type == c.EventType && !ev.Timestamp.Before(now.Add(-c.Window)) {
					n++
				}
			}
			out[c.Name] = scoring.Component{Value: float64(n), ObservedAt: now}
		}
	}
	return out
}

// apply turns one rule decision into registry and workflow side effects.
func (e *Engine) apply(ctx context.Context, d rules.Decision, segment string) error {
	e.audit.RecordDecision(d)
	metrics.TriggerOutcomes.WithLabelValues(d.TriggerID, string(d.Outcome)).Inc()

	switch d.Outcome {
	case rules.OutcomeFired:
		return e.fire(ctx, d, segment)
	case rules.OutcomeEscalated:
		return e.escalate(ctx, d)
	case rules.OutcomeSuppressed:
		metrics.DuplicatesSuppressed.WithLabelValues(d.TriggerID).Inc()
	case rules.OutcomeSkipped:
		e.logger.Warn().Str("account_id", d.AccountID).Str("trigger_id", d.TriggerID).Str("reason", d.Reason).Msg("trigger evaluation skipped")
	}
	return nil
}

func (e *Engine) fire(ctx context.Context, d rules.Decision, segment string) error {
	if d.Supersedes != "" {
		if _, err := e.resolveLocked(ctx, d.Supersedes, alerts.ResolutionSuperseded); err != nil && !errors.Is(err, alerts.ErrInvalidTransition) {
			return fmt.Errorf("supersede alert %s: %w", d.Supersedes, err)
		}
	}

	a, err := e.registry.Create(ctx, d, segment)
	if errors.Is(err, alerts.ErrConflict) {
		// Create re-read the key and found another open alert; drop this fire so the
		// next evaluation sees that alert as a duplicate.
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := e.orchestrator.Start(ctx, a); err != nil {
		return fmt.Errorf("start workflow for alert %s: %w", a.ID, err)
	}
	return nil
}

func (e *Engine) escalate(ctx context.Context, d rules.Decision) error {
	a, changed, err := e.registry.Escalate(ctx, d.AlertID, d.Severity)
	if err != nil {
		return fmt.Errorf("escalate alert %s: %w", d.AlertID, err)
	}
	if !changed {
		return nil
	}
	if _, err := e.orchestrator.Escalate(ctx, a.ID, a.Severity); err != nil &&
		!errors.Is(err, workflow.ErrRunNotFound) && !errors.Is(err, workflow.ErrRunNotActive) {
		return fmt.Errorf("escalate workflow for alert %s: %w", a.ID, err)
	}
	return nil
}
