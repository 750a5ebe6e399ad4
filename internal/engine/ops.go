package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signal-engine/internal/alerts"
	"signal-engine/internal/audit"
	"signal-engine/internal/baseline"
	"signal-engine/internal/scoring"
	"signal-engine/internal/workflow"
)

// Acknowledge marks an alert as seen. The workflow keeps running.
func (e *Engine) Acknowledge(ctx context.Context, alertID, actor string) (alerts.Alert, error) {
	a, err := e.registry.Get(ctx, alertID)
	if err != nil {
		return alerts.Alert{}, err
	}
	unlock := e.locks.Lock(a.AccountID)
	defer unlock()
	return e.registry.Acknowledge(ctx, alertID, actor)
}

// Resolve closes an alert and cancels its workflow.
func (e *Engine) Resolve(ctx context.Context, alertID, resolution string) (alerts.Alert, error) {
	a, err := e.registry.Get(ctx, alertID)
	if err != nil {
		return alerts.Alert{}, err
	}
	unlock := e.locks.Lock(a.AccountID)
	defer unlock()
	return e.resolveLocked(ctx, alertID, resolution)
}

func (e *Engine) resolveLocked(ctx context.Context, alertID, resolution string) (alerts.Alert, error) {
	a, err := e.registry.Resolve(ctx, alertID, resolution)
	if err != nil {
		return alerts.Alert{}, err
	}
	if _, _, err := e.orchestrator.Cancel(ctx, alertID, "alert "+a.Resolution); err != nil {
		return a, fmt.Errorf("cancel workflow: %w", err)
	}
	return a, nil
}

// Suppress mutes an alert and cancels its workflow. The alert keeps its dedup key.
func (e *Engine) Suppress(ctx context.Context, alertID, reason string) (alerts.Alert, error) {
	a, err := e.registry.Get(ctx, alertID)
	if err != nil {
		return alerts.Alert{}, err
	}
	unlock := e.locks.Lock(a.AccountID)
	defer unlock()
	a, err = e.registry.Suppress(ctx, alertID, reason)
	if err != nil {
		return alerts.Alert{}, err
	}
	if _, _, err := e.orchestrator.Cancel(ctx, alertID, "alert suppressed"); err != nil {
		return a, fmt.Errorf("cancel workflow: %w", err)
	}
	return a, nil
}

// ResolveApproval applies a human decision to a waiting step.
func (e *Engine) ResolveApproval(ctx context.Context, runID, stepID string, decision workflow.Decision, actor string) (workflow.Run, error) {
	run, err := e.orchestrator.Get(ctx, runID)
	if err != nil {
		return workflow.Run{}, err
	}
	unlock := e.locks.Lock(run.AccountID)
	defer unlock()
	return e.orchestrator.ResolveApproval(ctx, runID, stepID, decision, actor)
}

// GetAlert loads one alert.
func (e *Engine) GetAlert(ctx context.Context, id string) (alerts.Alert, error) {
	return e.registry.Get(ctx, id)
}

// OpenAlerts lists active alerts for an account or a segment, newest first.
func (e *Engine) OpenAlerts(ctx context.Context, accountID, segment string) ([]alerts.Alert, error) {
	return e.registry.Open(ctx, accountID, segment)
}

// ListAlerts lists alerts matching f, newest first.
func (e *Engine) ListAlerts(ctx context.Context, f alerts.Filter) ([]alerts.Alert, error) {
	return e.registry.List(ctx, f)
}

// ScoreHistory lists score rows with from <= computed_at < to.
func (e *Engine) ScoreHistory(ctx context.Context, accountID, scoreType string, from, to time.Time, limit int) ([]scoring.Score, error) {
	if _, ok := e.catalog.ScoreType(scoreType); !ok {
		return nil, fmt.Errorf("%w: %s", scoring.ErrUnknownScoreType, scoreType)
	}
	return e.scoreHistory(ctx, accountID, scoreType, from, to, limit)
}

func (e *Engine) scoreHistory(ctx context.Context, accountID, scoreType string, from, to time.Time, limit int) ([]scoring.Score, error) {
	if to.IsZero() {
		to = e.now().Add(time.Nanosecond)
	}
	return e.scorer.History(ctx, accountID, scoreType, from, to, limit)
}

// GetRun loads a workflow run.
func (e *Engine) GetRun(ctx context.Context, runID string) (workflow.Run, error) {
	return e.orchestrator.Get(ctx, runID)
}

// RunForAlert loads the workflow run started by an alert.
func (e *Engine) RunForAlert(ctx context.Context, alertID string) (workflow.Run, bool, error) {
	return e.orchestrator.ForAlert(ctx, alertID)
}

// MetricStatus is the data health of one metric.
type MetricStatus struct {
	MetricKey     string                    `json:"metric_key"`
	LastSampleAt  time.Time                 `json:"last_sample_at"`
	Evaluation    baseline.SignalEvaluation `json:"evaluation"`
	LowConfidence bool                      `json:"low_confidence"`
}

// ScoreStatus is the latest row of one score type.
type ScoreStatus struct {
	Score scoring.Score `json:"score"`
	Stale bool          `json:"stale"`
}

// AccountStatus tells "healthy" apart from "data unavailable".
type AccountStatus struct {
	AccountID string         `json:"account_id"`
	Segment   string         `json:"segment,omitempty"`
	Metrics   []MetricStatus `json:"metrics"`
	Scores    []ScoreStatus  `json:"scores"`
	// DataUnavailable is true when no metric has enough history to be trusted.
	DataUnavailable bool          `json:"data_unavailable"`
	OpenAlerts      int           `json:"open_alerts"`
	Trail           []audit.Entry `json:"trail,omitempty"`
	CheckedAt       time.Time     `json:"checked_at"`
}

// Status reports the confidence and staleness of an account's signals.
func (e *Engine) Status(ctx context.Context, accountID string) (AccountStatus, error) {
	unlock := e.locks.Lock(accountID)
	defer unlock()

	segment, err := e.signals.Segment(ctx, accountID)
	if err != nil {
		return AccountStatus{}, fmt.Errorf("load segment: %w", err)
	}
	st := AccountStatus{AccountID: accountID, Segment: segment, Metrics: []MetricStatus{}, Scores: []ScoreStatus{}, CheckedAt: e.now()}

	keys, err := e.signals.Metrics(ctx, accountID)
	if err != nil {
		return AccountStatus{}, fmt.Errorf("list metrics: %w", err)
	}
	trusted := 0
	for _, key := range keys {
		sample, ok, err := e.signals.LatestSample(ctx, accountID, key)
		if err != nil {
			return AccountStatus{}, fmt.Errorf("latest sample %s: %w", key, err)
		}
		if !ok {
			continue
		}
		eval, err := e.evaluator.Inspect(ctx, accountID, key, sample)
		if err != nil {
			return AccountStatus{}, fmt.Errorf("evaluate %s: %w", key, err)
		}
		ms := MetricStatus{MetricKey: key, LastSampleAt: sample.Timestamp, Evaluation: eval, LowConfidence: eval.LowConfidence()}
		if !ms.LowConfidence {
			trusted++
		}
		st.Metrics = append(st.Metrics, ms)
	}
	st.DataUnavailable = trusted == 0

	for _, t := range e.scoreTypes() {
		score, ok, err := e.scorer.Latest(ctx, accountID, t.ID)
		if err != nil {
			return AccountStatus{}, fmt.Errorf("latest score %s: %w", t.ID, err)
		}
		if !ok {
			continue
		}
		st.Scores = append(st.Scores, ScoreStatus{Score: score, Stale: score.Stale || e.scoreStale(t, score)})
	}

	open, err := e.registry.Open(ctx, accountID, "")
	if err != nil {
		return AccountStatus{}, fmt.Errorf("list open alerts: %w", err)
	}
	st.OpenAlerts = len(open)
	st.Trail = e.audit.Recent(accountID)
	return st, nil
}

// scoreStale treats a score older than its decay horizon as stale.
func (e *Engine) scoreStale(t scoring.ScoreType, s scoring.Score) bool {
	return t.DecayHorizon > 0 && e.now().Sub(s.ComputedAt) >= t.DecayHorizon
}

// IsNotFound reports whether err is any of the engine's not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, alerts.ErrNotFound) || errors.Is(err, workflow.ErrRunNotFound) || errors.Is(err, scoring.ErrUnknownScoreType)
}
