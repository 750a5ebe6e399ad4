// Package scoring combines weighted signal components into bounded 0–100 scores
// (health, risk, adoption) with recency decay and table-driven zones.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownScoreType is returned for score types missing from configuration.
	ErrUnknownScoreType = errors.New("scoring: unknown score type")
	// ErrNoData means no component was usable and there is no previous score to fall back to.
	ErrNoData = errors.New("scoring: no usable components")
)

// Source names where a component value comes from.
type Source string

const (
	SourceValue          Source = "value"
	SourceRelativeChange Source = "relative_change"
	SourceDeviation      Source = "deviation"
	SourceEventCount     Source = "event_count"
)

// NormalizeKind selects the monotonic mapping of a raw value onto 0–100.
type NormalizeKind string

const (
	NormalizeLinear  NormalizeKind = "linear"
	NormalizeInverse NormalizeKind = "inverse"
	NormalizePercent NormalizeKind = "percent"
)

// Normalizer maps a raw component value onto 0–100.
//
// linear maps Min→0 and Max→100 (Min may exceed Max for decreasing mappings);
// inverse maps 0→100 and Ceiling or more→0; percent clamps to 0–100.
type Normalizer struct {
	Kind    NormalizeKind `yaml:"kind" json:"kind"`
	Min     float64       `yaml:"min" json:"min"`
	Max     float64       `yaml:"max" json:"max"`
	Ceiling float64       `yaml:"ceiling" json:"ceiling"`
}

// Apply normalises v.
func (n Normalizer) Apply(v float64) float64 {
	switch n.Kind {
	case NormalizeLinear:
		if n.Max == n.Min {
			return 0
		}
		return clamp((v-n.Min)/(n.Max-n.Min)*100, 0, 100)
	case NormalizeInverse:
		if n.Ceiling <= 0 {
			return 0
		}
		return 100 * (1 - clamp(v, 0, n.Ceiling)/n.Ceiling)
	default:
		return clamp(v, 0, 100)
	}
}

func (n Normalizer) validate() error {
	switch n.Kind {
	case NormalizeLinear:
		if n.Max == n.Min {
			return fmt.Errorf("linear normalizer needs min != max")
		}
	case NormalizeInverse:
		if n.Ceiling <= 0 {
			return fmt.Errorf("inverse normalizer needs a positive ceiling")
		}
	case NormalizePercent, "":
	default:
		return fmt.Errorf("unknown normalizer kind %q", n.Kind)
	}
	return nil
}

// ComponentSpec configures one weighted input of a score type.
type ComponentSpec struct {
	Name      string        `json:"name"`
	Weight    float64       `json:"weight"`
	Source    Source        `json:"source"`
	Metric    string        `json:"metric,omitempty"`
	EventType string        `json:"event_type,omitempty"`
	Window    time.Duration `json:"window,omitempty"`
	Normalize Normalizer    `json:"normalize"`
}

// Zone is a named band; a value belongs to the zone with the highest Min not above it.
type Zone struct {
	Name string  `json:"name"`
	Min  float64 `json:"min"`
}

// ScoreType is a versioned weight table with its zone cut points.
type ScoreType struct {
	ID           string          `json:"id"`
	Version      int             `json:"version"`
	Name         string          `json:"name"`
	Components   []ComponentSpec `json:"components"`
	DecayHorizon time.Duration   `json:"decay_horizon"`
	DeltaWindow  time.Duration   `json:"delta_window"`
	Zones        []Zone          `json:"zones"`
}

// DefinitionID implements definitions.Versioned.
func (st ScoreType) DefinitionID() string { return st.ID }

// DefinitionVersion implements definitions.Versioned.
func (st ScoreType) DefinitionVersion() int { return st.Version }

// WithVersion implements definitions.Versioned.
func (st ScoreType) WithVersion(v int) ScoreType {
	st.Version = v
	return st
}

// Validate checks weights, normalizers and zone monotonicity.
func (st ScoreType) Validate() error {
	if st.ID == "" {
		return fmt.Errorf("score type: id is required")
	}
	if len(st.Components) == 0 {
		return fmt.Errorf("score type %s: at least one component is required", st.ID)
	}
	seen := make(map[string]struct{}, len(st.Components))
	total := 0.0
	for _, c := range st.Components {
		if c.Name == "" {
			return fmt.Errorf("score type %s: component name is required", st.ID)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("score type %s: duplicate component %q", st.ID, c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.Weight < 0 {
			return fmt.Errorf("score type %s: component %s has negative weight", st.ID, c.Name)
		}
		switch c.Source {
		case SourceValue, SourceRelativeChange, SourceDeviation:
			if c.Metric == "" {
				return fmt.Errorf("score type %s: component %s needs a metric", st.ID, c.Name)
			}
		case SourceEventCount:
			if c.EventType == "" || c.Window <= 0 {
				return fmt.Errorf("score type %s: component %s needs event_type and window", st.ID, c.Name)
			}
		default:
			return fmt.Errorf("score type %s: component %s has unknown source %q", st.ID, c.Name, c.Source)
		}
		if err := c.Normalize.validate(); err != nil {
			return fmt.Errorf("score type %s: component %s: %w", st.ID, c.Name, err)
		}
		total += c.Weight
	}
	if total <= 0 {
		return fmt.Errorf("score type %s: weights must sum to a positive value", st.ID)
	}
	return validateZones(st.ID, st.Zones)
}

func validateZones(id string, zones []Zone) error {
	if len(zones) == 0 {
		return fmt.Errorf("score type %s: zones are required", id)
	}
	sorted := append([]Zone(nil), zones...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min < sorted[j].Min })
	if sorted[0].Min != 0 {
		return fmt.Errorf("score type %s: lowest zone must start at 0", id)
	}
	names := make(map[string]struct{}, len(sorted))
	for i, z := range sorted {
		if z.Name == "" {
			return fmt.Errorf("score type %s: zone name is required", id)
		}
		if _, dup := names[z.Name]; dup {
			return fmt.Errorf("score type %s: duplicate zone %q", id, z.Name)
		}
		names[z.Name] = struct{}{}
		if z.Min < 0 || z.Min > 100 {
			return fmt.Errorf("score type %s: zone %s min out of range", id, z.Name)
		}
		if i > 0 && z.Min == sorted[i-1].Min {
			return fmt.Errorf("score type %s: zones %s and %s overlap", id, sorted[i-1].Name, z.Name)
		}
	}
	return nil
}

// Zone classifies v. It is a pure function of v and the cut points.
func (st ScoreType) Zone(v float64) string {
	name := ""
	best := math.Inf(-1)
	for _, z := range st.Zones {
		if v >= z.Min && z.Min > best {
			name, best = z.Name, z.Min
		}
	}
	return name
}

// HasZone reports whether name is one of the configured zones.
func (st ScoreType) HasZone(name string) bool {
	for _, z := range st.Zones {
		if z.Name == name {
			return true
		}
	}
	return false
}

// Component is an observed raw value and when it was observed.
type Component struct {
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

// Score is one row of append-only score history.
type Score struct {
	AccountID     string                     `json:"account_id"`
	ScoreType     string                     `json:"score_type"`
	Version       int                        `json:"score_type_version"`
	Value         decimal.Decimal            `json:"value"`
	PreviousValue decimal.Decimal            `json:"previous_value"`
	ChangeDelta   decimal.Decimal            `json:"change_delta"`
	Zone          string                     `json:"zone"`
	PreviousZone  string                     `json:"previous_zone,omitempty"`
	Components    map[string]decimal.Decimal `json:"component_breakdown"`
	Stale         bool                       `json:"stale"`
	Reason        string                     `json:"reason,omitempty"`
	ComputedAt    time.Time                  `json:"computed_at"`
}

// Float returns the value as float64 for rule evaluation.
func (s Score) Float() float64 { return s.Value.InexactFloat64() }

// EnteredZone reports whether this row transitioned into zone.
func (s Score) EnteredZone(zone string) bool {
	return s.PreviousZone != "" && s.PreviousZone != zone && s.Zone == zone
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}
