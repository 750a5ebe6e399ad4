// Package definitions loads, validates and versions tenant configuration: trigger
// definitions with their actions, and score types.
package definitions

import (
	"signal-engine/internal/scoring"
)

// File is the layout of one definitions document.
type File struct {
	Triggers   []TriggerSpec   `yaml:"triggers" json:"triggers"`
	ScoreTypes []ScoreTypeSpec `yaml:"score_types" json:"score_types"`
}

// TriggerSpec is the serialised form of a trigger definition.
type TriggerSpec struct {
	ID         string       `yaml:"id" json:"id"`
	Version    int          `yaml:"version,omitempty" json:"version,omitempty"`
	Name       string       `yaml:"name,omitempty" json:"name,omitempty"`
	Scope      string       `yaml:"scope,omitempty" json:"scope,omitempty"`
	ScopeValue string       `yaml:"scope_value,omitempty" json:"scope_value,omitempty"`
	Condition  ExprSpec     `yaml:"condition" json:"condition"`
	Severity   SeveritySpec `yaml:"severity" json:"severity"`
	Cooldown   Duration     `yaml:"cooldown,omitempty" json:"cooldown,omitempty"`
	DedupField string       `yaml:"dedup_field,omitempty" json:"dedup_field,omitempty"`
	Actions    []StepSpec   `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// ExprSpec is one condition node. Exactly one field must be set.
type ExprSpec struct {
	All             []ExprSpec        `yaml:"all,omitempty" json:"all,omitempty"`
	Any             []ExprSpec        `yaml:"any,omitempty" json:"any,omitempty"`
	Not             *ExprSpec         `yaml:"not,omitempty" json:"not,omitempty"`
	Compare         *CompareSpec      `yaml:"compare,omitempty" json:"compare,omitempty"`
	ZoneEntered     *ZoneEnteredSpec  `yaml:"zone_entered,omitempty" json:"zone_entered,omitempty"`
	RateOfChange    *RateOfChangeSpec `yaml:"rate_of_change,omitempty" json:"rate_of_change,omitempty"`
	CategoryIn      *CategoryInSpec   `yaml:"category_in,omitempty" json:"category_in,omitempty"`
	Classification  *ClassifiedSpec   `yaml:"classification,omitempty" json:"classification,omitempty"`
	Event           *EventSpec        `yaml:"event,omitempty" json:"event,omitempty"`
	SeverityAtLeast string            `yaml:"severity_at_least,omitempty" json:"severity_at_least,omitempty"`
}

// OperandSpec addresses a number. Exactly one of Metric, Score or Events is set.
type OperandSpec struct {
	Metric string   `yaml:"metric,omitempty" json:"metric,omitempty"`
	Score  string   `yaml:"score,omitempty" json:"score,omitempty"`
	Events string   `yaml:"events,omitempty" json:"events,omitempty"`
	Field  string   `yaml:"field,omitempty" json:"field,omitempty"`
	Window Duration `yaml:"window,omitempty" json:"window,omitempty"`
}

type CompareSpec struct {
	OperandSpec `yaml:",inline"`
	Op          string  `yaml:"op" json:"op"`
	Value       float64 `yaml:"value" json:"value"`
}

type ZoneEnteredSpec struct {
	ScoreType string   `yaml:"score_type" json:"score_type"`
	Zone      string   `yaml:"zone" json:"zone"`
	From      []string `yaml:"from,omitempty" json:"from,omitempty"`
}

type RateOfChangeSpec struct {
	ScoreType string   `yaml:"score_type" json:"score_type"`
	Window    Duration `yaml:"window" json:"window"`
	Op        string   `yaml:"op" json:"op"`
	Value     float64  `yaml:"value" json:"value"`
}

type CategoryInSpec struct {
	Metric     string   `yaml:"metric" json:"metric"`
	Categories []string `yaml:"categories" json:"categories"`
}

type ClassifiedSpec struct {
	Metric string `yaml:"metric" json:"metric"`
	Is     string `yaml:"is" json:"is"`
}

type EventSpec struct {
	Type     string            `yaml:"type" json:"type"`
	Window   Duration          `yaml:"window" json:"window"`
	Where    map[string]string `yaml:"where,omitempty" json:"where,omitempty"`
	MinCount int               `yaml:"min_count,omitempty" json:"min_count,omitempty"`
}

// SeveritySpec is either a fixed default or ordered bands over an operand.
type SeveritySpec struct {
	Default string       `yaml:"default" json:"default"`
	Operand *OperandSpec `yaml:"operand,omitempty" json:"operand,omitempty"`
	Bands   []BandSpec   `yaml:"bands,omitempty" json:"bands,omitempty"`
}

type BandSpec struct {
	Severity string  `yaml:"severity" json:"severity"`
	Op       string  `yaml:"op" json:"op"`
	Value    float64 `yaml:"value" json:"value"`
}

// StepSpec is one workflow action.
type StepSpec struct {
	ID              string         `yaml:"id" json:"id"`
	Kind            string         `yaml:"kind" json:"kind"`
	When            *ExprSpec      `yaml:"when,omitempty" json:"when,omitempty"`
	Channel         string         `yaml:"channel,omitempty" json:"channel,omitempty"`
	Template        string         `yaml:"template,omitempty" json:"template,omitempty"`
	Params          map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	DueIn           Duration       `yaml:"due_in,omitempty" json:"due_in,omitempty"`
	Capability      string         `yaml:"capability,omitempty" json:"capability,omitempty"`
	External        bool           `yaml:"external,omitempty" json:"external,omitempty"`
	RequireApproval bool           `yaml:"require_approval,omitempty" json:"require_approval,omitempty"`
	ScoreType       string         `yaml:"score_type,omitempty" json:"score_type,omitempty"`
	Delta           float64        `yaml:"delta,omitempty" json:"delta,omitempty"`
	OnFailure       *FailureSpec   `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
}

type FailureSpec struct {
	Mode       string   `yaml:"mode" json:"mode"`
	Retries    int      `yaml:"retries,omitempty" json:"retries,omitempty"`
	Backoff    Duration `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	MaxBackoff Duration `yaml:"max_backoff,omitempty" json:"max_backoff,omitempty"`
	Then       string   `yaml:"then,omitempty" json:"then,omitempty"`
}

// ScoreTypeSpec is the serialised form of a score type.
type ScoreTypeSpec struct {
	ID           string          `yaml:"id" json:"id"`
	Version      int             `yaml:"version,omitempty" json:"version,omitempty"`
	Name         string          `yaml:"name,omitempty" json:"name,omitempty"`
	Components   []ComponentSpec `yaml:"components" json:"components"`
	DecayHorizon Duration        `yaml:"decay_horizon,omitempty" json:"decay_horizon,omitempty"`
	DeltaWindow  Duration        `yaml:"delta_window,omitempty" json:"delta_window,omitempty"`
	Zones        []scoring.Zone  `yaml:"zones" json:"zones"`
}

type ComponentSpec struct {
	Name      string             `yaml:"name" json:"name"`
	Weight    float64            `yaml:"weight" json:"weight"`
	Source    string             `yaml:"source" json:"source"`
	Metric    string             `yaml:"metric,omitempty" json:"metric,omitempty"`
	EventType string             `yaml:"event_type,omitempty" json:"event_type,omitempty"`
	Window    Duration           `yaml:"window,omitempty" json:"window,omitempty"`
	Normalize scoring.Normalizer `yaml:"normalize" json:"normalize"`
}
