// Package baseline maintains rolling per-(account, metric) baselines and classifies
// new samples against them as drops, spikes or categorical shifts.
package baseline

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"
)

// LowConfidence is the confidence below which an evaluation can never satisfy a rule on its own.
const LowConfidence = 0.4

// ErrDataGap marks insufficient history. Evaluate never returns it; callers see a
// neutral evaluation instead.
var ErrDataGap = errors.New("baseline: insufficient history")

// Kind distinguishes continuous metrics from discrete ones.
type Kind string

const (
	KindNumeric     Kind = "numeric"
	KindCategorical Kind = "categorical"
)

// Classification is the outcome of evaluating a sample.
type Classification string

const (
	ClassNone          Classification = "none"
	ClassDrop          Classification = "drop"
	ClassSpike         Classification = "spike"
	ClassCategoryShift Classification = "categoryShift"
)

// Band maps numeric values to a category: a value belongs to the band with the
// highest Min not greater than it.
type Band struct {
	Name string  `mapstructure:"name" yaml:"name" json:"name"`
	Min  float64 `mapstructure:"min" yaml:"min" json:"min"`
}

// MetricConfig tunes evaluation of one metric.
type MetricConfig struct {
	Kind                  Kind          `mapstructure:"kind" yaml:"kind"`
	Window                time.Duration `mapstructure:"window" yaml:"window"`
	RecentWindow          time.Duration `mapstructure:"recent_window" yaml:"recent_window"`
	Threshold             float64       `mapstructure:"threshold" yaml:"threshold"`
	RelativeFloor         *float64      `mapstructure:"relative_floor" yaml:"relative_floor"`
	MinSamples            int           `mapstructure:"min_samples" yaml:"min_samples"`
	FullConfidenceSamples int           `mapstructure:"full_confidence_samples" yaml:"full_confidence_samples"`
	Epsilon               float64       `mapstructure:"epsilon" yaml:"epsilon"`
	Categories            []Band        `mapstructure:"categories" yaml:"categories"`
}

// DefaultRelativeFloor is the minimum relative change for a drop or spike.
const DefaultRelativeFloor = 0.30

// DefaultMetricConfig returns the engine defaults for continuous metrics.
func DefaultMetricConfig() MetricConfig {
	return MetricConfig{
		Kind:                  KindNumeric,
		Window:                30 * 24 * time.Hour,
		RecentWindow:          7 * 24 * time.Hour,
		Threshold:             2.5,
		RelativeFloor:         Float(DefaultRelativeFloor),
		MinSamples:            5,
		FullConfidenceSamples: 20,
		Epsilon:               1e-6,
	}
}

// Float returns a pointer to v, for setting RelativeFloor explicitly.
func Float(v float64) *float64 { return &v }

// Floor is the relative-change floor; an unset floor is DefaultRelativeFloor.
func (c MetricConfig) Floor() float64 {
	if c.RelativeFloor == nil {
		return DefaultRelativeFloor
	}
	return *c.RelativeFloor
}

// over fills the zero fields of c from base. An explicitly set floor of 0 is kept.
func (c MetricConfig) over(base MetricConfig) MetricConfig {
	if c.Kind == "" {
		c.Kind = base.Kind
	}
	if c.Window <= 0 {
		c.Window = base.Window
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = base.RecentWindow
	}
	if c.Threshold <= 0 {
		c.Threshold = base.Threshold
	}
	if c.RelativeFloor == nil {
		c.RelativeFloor = base.RelativeFloor
	}
	if c.MinSamples <= 0 {
		c.MinSamples = base.MinSamples
	}
	if c.FullConfidenceSamples <= 0 {
		c.FullConfidenceSamples = base.FullConfidenceSamples
	}
	if c.Epsilon <= 0 {
		c.Epsilon = base.Epsilon
	}
	if len(c.Categories) == 0 {
		c.Categories = base.Categories
	}
	return c
}

// withDefaults fills zero fields from DefaultMetricConfig.
func (c MetricConfig) withDefaults() MetricConfig {
	d := DefaultMetricConfig()
	if c.Kind == "" {
		c.Kind = d.Kind
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = d.RecentWindow
	}
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.RelativeFloor == nil || *c.RelativeFloor < 0 {
		c.RelativeFloor = d.RelativeFloor
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.FullConfidenceSamples < c.MinSamples {
		c.FullConfidenceSamples = max(d.FullConfidenceSamples, c.MinSamples)
	}
	if c.Epsilon <= 0 {
		c.Epsilon = d.Epsilon
	}
	return c
}

// Category maps a value onto the configured bands.
func (c MetricConfig) Category(v float64) string {
	if len(c.Categories) == 0 {
		return ""
	}
	bands := append([]Band(nil), c.Categories...)
	sort.Slice(bands, func(i, j int) bool { return bands[i].Min < bands[j].Min })
	name := bands[0].Name
	for _, b := range bands {
		if v >= b.Min {
			name = b.Name
		}
	}
	return name
}

// Config holds per-metric overrides on top of a default.
type Config struct {
	Default MetricConfig            `mapstructure:"default" yaml:"default"`
	Metrics map[string]MetricConfig `mapstructure:"metrics" yaml:"metrics"`
}

// Resolve returns the effective config for a metric: its override layered over
// Default, then engine defaults for whatever is still unset.
func (c Config) Resolve(metricKey string) MetricConfig {
	if mc, ok := c.Metrics[metricKey]; ok {
		return mc.over(c.Default).withDefaults()
	}
	return c.Default.withDefaults()
}

// Baseline is one immutable computation of the expected behaviour of a metric.
type Baseline struct {
	AccountID            string         `json:"account_id"`
	MetricKey            string         `json:"metric_key"`
	Kind                 Kind           `json:"kind"`
	WindowStart          time.Time      `json:"window_start"`
	WindowEnd            time.Time      `json:"window_end"`
	Mean                 float64        `json:"mean"`
	Variance             float64        `json:"variance"`
	SampleCount          int            `json:"sample_count"`
	CategoricalFrequency map[string]int `json:"categorical_frequency,omitempty"`
	ComputedAt           time.Time      `json:"computed_at"`
}

// StdDev is the population standard deviation.
func (b Baseline) StdDev() float64 {
	return math.Sqrt(b.Variance)
}

// Dominant returns the most frequent category, breaking ties lexically.
func (b Baseline) Dominant() (string, float64) {
	return dominant(b.CategoricalFrequency, "")
}

// SignalEvaluation is the transient result of classifying one sample.
type SignalEvaluation struct {
	AccountID      string         `json:"account_id"`
	MetricKey      string         `json:"metric_key"`
	ObservedValue  float64        `json:"observed_value"`
	BaselineValue  float64        `json:"baseline_value"`
	DeviationRatio float64        `json:"deviation_ratio"`
	RelativeChange float64        `json:"relative_change"`
	Classification Classification `json:"classification"`
	FromCategory   string         `json:"from_category,omitempty"`
	ToCategory     string         `json:"to_category,omitempty"`
	Confidence     float64        `json:"confidence"`
	SampleCount    int            `json:"sample_count"`
	SampleAt       time.Time      `json:"sample_at"`
	EvaluatedAt    time.Time      `json:"evaluated_at"`
}

// LowConfidence reports whether the evaluation is too weak to satisfy a rule alone.
func (e SignalEvaluation) LowConfidence() bool {
	return e.Confidence < LowConfidence
}

// Anomalous reports whether the evaluation classified anything.
func (e SignalEvaluation) Anomalous() bool {
	return e.Classification != "" && e.Classification != ClassNone
}

// Store persists baselines append-only.
type Store interface {
	AppendBaseline(ctx context.Context, b Baseline) error
	LatestBaseline(ctx context.Context, accountID, metricKey string) (Baseline, bool, error)
}

// MemoryStore keeps every baseline ever computed, newest last.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string][]Baseline
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string][]Baseline)}
}

func (m *MemoryStore) AppendBaseline(_ context.Context, b Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := b.AccountID + "|" + b.MetricKey
	m.rows[key] = append(m.rows[key], b)
	return nil
}

func (m *MemoryStore) LatestBaseline(_ context.Context, accountID, metricKey string) (Baseline, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.rows[accountID+"|"+metricKey]
	if len(rows) == 0 {
		return Baseline{}, false, nil
	}
	return rows[len(rows)-1], true, nil
}

// History returns all baselines for a key, oldest first.
func (m *MemoryStore) History(accountID, metricKey string) []Baseline {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Baseline(nil), m.rows[accountID+"|"+metricKey]...)
}

func dominant(freq map[string]int, prefer string) (string, float64) {
	total := 0
	best, bestCount := "", -1
	names := make([]string, 0, len(freq))
	for name, n := range freq {
		total += n
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if freq[name] > bestCount {
			best, bestCount = name, freq[name]
		}
	}
	if prefer != "" && freq[prefer] == bestCount {
		best = prefer
	}
	if total == 0 {
		return "", 0
	}
	return best, float64(bestCount) / float64(total)
}
