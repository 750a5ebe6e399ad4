package baseline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"signal-engine/internal/signal"
)

// SampleReader is the slice of the signal store the evaluator needs.
type SampleReader interface {
	SamplesBetween(ctx context.Context, accountID, metricKey string, from, to time.Time) ([]signal.MetricSample, error)
}

// AnomalyScorer classifies a numeric value against a baseline. The default is a
// z-score classifier; alternative models plug in here.
type AnomalyScorer interface {
	Score(cfg MetricConfig, b Baseline, value float64) (class Classification, ratio, relative float64)
}

// ZScore is the default AnomalyScorer.
type ZScore struct{}

// Score implements AnomalyScorer.
func (ZScore) Score(cfg MetricConfig, b Baseline, value float64) (Classification, float64, float64) {
	diff := value - b.Mean
	ratio := diff / math.Max(b.StdDev(), cfg.Epsilon)

	var relative float64
	switch {
	case math.Abs(b.Mean) >= cfg.Epsilon:
		relative = diff / math.Abs(b.Mean)
	case math.Abs(diff) >= cfg.Epsilon:
		relative = math.Copysign(1, diff)
	}

	switch {
	case ratio <= -cfg.Threshold && relative <= -cfg.Floor():
		return ClassDrop, ratio, relative
	case ratio >= cfg.Threshold && relative >= cfg.Floor():
		return ClassSpike, ratio, relative
	default:
		return ClassNone, ratio, relative
	}
}

// Evaluator computes baselines and evaluates samples against them.
type Evaluator struct {
	samples   SampleReader
	baselines Store
	cfg       Config
	scorer    AnomalyScorer
	clock     clockwork.Clock
	logger    zerolog.Logger

	// Baselines older than this relative to the sample are recomputed on demand.
	maxAge time.Duration
}

// Option customises an Evaluator.
type Option func(*Evaluator)

// WithScorer swaps the anomaly model.
func WithScorer(s AnomalyScorer) Option {
	return func(e *Evaluator) { e.scorer = s }
}

// WithClock sets the clock used for ComputedAt/EvaluatedAt stamps.
func WithClock(c clockwork.Clock) Option {
	return func(e *Evaluator) { e.clock = c }
}

// WithMaxAge bounds how stale a stored baseline may be before Evaluate recomputes it.
func WithMaxAge(d time.Duration) Option {
	return func(e *Evaluator) { e.maxAge = d }
}

// NewEvaluator wires an Evaluator.
func NewEvaluator(samples SampleReader, baselines Store, cfg Config, logger zerolog.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{
		samples:   samples,
		baselines: baselines,
		cfg:       cfg,
		scorer:    ZScore{},
		clock:     clockwork.NewRealClock(),
		logger:    logger.With().Str("component", "baseline").Logger(),
		maxAge:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the resolved config for a metric.
func (e *Evaluator) Config(metricKey string) MetricConfig {
	return e.cfg.Resolve(metricKey)
}

// Recompute builds a baseline from history strictly before asOf and appends it.
func (e *Evaluator) Recompute(ctx context.Context, accountID, metricKey string, asOf time.Time) (Baseline, error) {
	b, err := e.compute(ctx, accountID, metricKey, asOf)
	if err != nil {
		return Baseline{}, err
	}
	if err := e.baselines.AppendBaseline(ctx, b); err != nil {
		return Baseline{}, fmt.Errorf("append baseline: %w", err)
	}
	return b, nil
}

func (e *Evaluator) compute(ctx context.Context, accountID, metricKey string, asOf time.Time) (Baseline, error) {
	cfg := e.cfg.Resolve(metricKey)

	end := asOf
	if cfg.Kind == KindCategorical {
		end = asOf.Add(-cfg.RecentWindow)
	}
	start := end.Add(-cfg.Window)

	history, err := e.samples.SamplesBetween(ctx, accountID, metricKey, start, end)
	if err != nil {
		return Baseline{}, fmt.Errorf("load history: %w", err)
	}

	b := Baseline{
		AccountID:   accountID,
		MetricKey:   metricKey,
		Kind:        cfg.Kind,
		WindowStart: start,
		WindowEnd:   asOf,
		SampleCount: len(history),
		ComputedAt:  e.clock.Now().UTC(),
	}

	if cfg.Kind == KindCategorical {
		b.CategoricalFrequency = make(map[string]int)
		for _, s := range history {
			b.CategoricalFrequency[cfg.Category(s.Value)]++
		}
		return b, nil
	}

	// Welford keeps the variance stable for long windows.
	var mean, m2 float64
	for i, s := range history {
		delta := s.Value - mean
		mean += delta / float64(i+1)
		m2 += delta * (s.Value - mean)
	}
	b.Mean = mean
	if len(history) > 0 {
		b.Variance = m2 / float64(len(history))
	}
	return b, nil
}

// Evaluate classifies sample against the current baseline for (accountID, metricKey).
// Missing or insufficient history yields ClassNone with zero confidence.
func (e *Evaluator) Evaluate(ctx context.Context, accountID, metricKey string, sample signal.MetricSample) (SignalEvaluation, error) {
	return e.evaluate(ctx, accountID, metricKey, sample, true)
}

// Inspect is Evaluate without side effects: a baseline it has to compute is not stored.
func (e *Evaluator) Inspect(ctx context.Context, accountID, metricKey string, sample signal.MetricSample) (SignalEvaluation, error) {
	return e.evaluate(ctx, accountID, metricKey, sample, false)
}

func (e *Evaluator) evaluate(ctx context.Context, accountID, metricKey string, sample signal.MetricSample, persist bool) (SignalEvaluation, error) {
	cfg := e.cfg.Resolve(metricKey)
	eval := SignalEvaluation{
		AccountID:      accountID,
		MetricKey:      metricKey,
		ObservedValue:  sample.Value,
		Classification: ClassNone,
		SampleAt:       sample.Timestamp,
		EvaluatedAt:    e.clock.Now().UTC(),
	}

	b, err := e.baselineFor(ctx, accountID, metricKey, sample.Timestamp, persist)
	if err != nil {
		return eval, err
	}

	if cfg.Kind == KindCategorical {
		return e.evaluateCategorical(ctx, cfg, b, sample, eval)
	}

	eval.SampleCount = b.SampleCount
	if b.SampleCount < cfg.MinSamples {
		e.logger.Debug().Str("account_id", accountID).Str("metric", metricKey).
			Int("samples", b.SampleCount).Err(ErrDataGap).Msg("baseline not ready")
		return eval, nil
	}

	class, ratio, relative := e.scorer.Score(cfg, b, sample.Value)
	eval.BaselineValue = b.Mean
	eval.DeviationRatio = ratio
	eval.RelativeChange = relative
	eval.Classification = class
	eval.Confidence = numericConfidence(cfg, b)
	return eval, nil
}

func (e *Evaluator) evaluateCategorical(ctx context.Context, cfg MetricConfig, b Baseline, sample signal.MetricSample, eval SignalEvaluation) (SignalEvaluation, error) {
	recent, err := e.samples.SamplesBetween(ctx, sample.AccountID, sample.MetricKey, sample.Timestamp.Add(-cfg.RecentWindow), sample.Timestamp)
	if err != nil {
		return eval, fmt.Errorf("load recent samples: %w", err)
	}
	recent = append(recent, sample)

	recentFreq := make(map[string]int)
	for _, s := range recent {
		recentFreq[cfg.Category(s.Value)]++
	}

	eval.SampleCount = b.SampleCount
	priorDominant, priorShare := b.Dominant()
	recentDominant, recentShare := dominant(recentFreq, priorDominant)
	eval.FromCategory = priorDominant
	eval.ToCategory = recentDominant
	eval.BaselineValue = priorShare

	if b.SampleCount < cfg.MinSamples || len(recent) < cfg.MinSamples {
		return eval, nil
	}

	n := min(b.SampleCount, len(recent))
	eval.Confidence = clamp01(sampleFactor(cfg, n) * recentShare)
	if recentDominant != priorDominant {
		eval.Classification = ClassCategoryShift
		eval.RelativeChange = float64(recentFreq[priorDominant])/float64(len(recent)) - priorShare
	}
	return eval, nil
}

// baselineFor returns a baseline built from samples strictly before at. A stored
// baseline is reused when it ends at or before at and is fresh enough; otherwise one
// is computed, and persisted only when it would become the newest baseline and
// persist is set.
func (e *Evaluator) baselineFor(ctx context.Context, accountID, metricKey string, at time.Time, persist bool) (Baseline, error) {
	stored, ok, err := e.baselines.LatestBaseline(ctx, accountID, metricKey)
	if err != nil {
		return Baseline{}, fmt.Errorf("load baseline: %w", err)
	}
	if ok && !stored.WindowEnd.After(at) && at.Sub(stored.WindowEnd) <= e.maxAge {
		return stored, nil
	}
	if !persist || (ok && stored.WindowEnd.After(at)) {
		return e.compute(ctx, accountID, metricKey, at)
	}
	return e.Recompute(ctx, accountID, metricKey, at)
}

func numericConfidence(cfg MetricConfig, b Baseline) float64 {
	stability := 1.0
	sd := b.StdDev()
	switch {
	case math.Abs(b.Mean) >= cfg.Epsilon:
		stability = 1 / (1 + sd/math.Abs(b.Mean))
	case sd >= cfg.Epsilon:
		stability = 0
	}
	return clamp01(sampleFactor(cfg, b.SampleCount) * stability)
}

func sampleFactor(cfg MetricConfig, n int) float64 {
	return math.Min(1, float64(n)/float64(cfg.FullConfidenceSamples))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
