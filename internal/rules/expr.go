package rules

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"signal-engine/internal/baseline"
	"signal-engine/internal/scoring"
	"signal-engine/internal/signal"
)

// ErrMissingSignal marks a predicate whose input does not exist for the account.
// The trigger is skipped for that evaluation.
var ErrMissingSignal = errors.New("rules: required signal missing")

// DeltaFunc returns the change of a score over window, false when there is no history.
type DeltaFunc func(scoreType string, window time.Duration) (float64, bool, error)

// Snapshot is the read-only view of one account a trigger is evaluated against.
type Snapshot struct {
	AccountID   string
	Segment     string
	Evaluations map[string]baseline.SignalEvaluation
	Scores      map[string]scoring.Score
	Events      []signal.Event
	Deltas      DeltaFunc
	Now         time.Time
}

// Env carries per-evaluation state through a condition tree.
type Env struct {
	Snapshot *Snapshot
	// Since is when this trigger last evaluated for the account; zone-entry predicates only
	// consider score rows computed after it.
	Since time.Time
	// Severity is set when evaluating workflow step conditions.
	Severity Severity

	evidence Evidence
}

// NewEnv starts an evaluation.
func NewEnv(snap *Snapshot, since time.Time) *Env {
	return &Env{Snapshot: snap, Since: since}
}

// Evidence returns what the true predicates matched so far.
func (e *Env) Evidence() Evidence {
	return e.evidence.clone()
}

// Evidence is the value copy of signals that satisfied a condition.
type Evidence struct {
	Evaluations []baseline.SignalEvaluation `json:"evaluations,omitempty"`
	Scores      []scoring.Score             `json:"scores,omitempty"`
	Events      []signal.Event              `json:"events,omitempty"`
	Deltas      map[string]float64          `json:"deltas,omitempty"`
}

func (ev *Evidence) addEvaluation(e baseline.SignalEvaluation) {
	for _, have := range ev.Evaluations {
		if have.MetricKey == e.MetricKey {
			return
		}
	}
	ev.Evaluations = append(ev.Evaluations, e)
}

func (ev *Evidence) addScore(s scoring.Score) {
	for _, have := range ev.Scores {
		if have.ScoreType == s.ScoreType {
			return
		}
	}
	ev.Scores = append(ev.Scores, s)
}

func (ev *Evidence) addEvent(e signal.Event) {
	key := e.DedupKey()
	for _, have := range ev.Events {
		if have.DedupKey() == key {
			return
		}
	}
	ev.Events = append(ev.Events, e)
}

func (ev *Evidence) addDelta(name string, v float64) {
	if ev.Deltas == nil {
		ev.Deltas = make(map[string]float64)
	}
	ev.Deltas[name] = v
}

func (ev Evidence) clone() Evidence {
	out := Evidence{
		Evaluations: slices.Clone(ev.Evaluations),
		Scores:      make([]scoring.Score, 0, len(ev.Scores)),
		Events:      make([]signal.Event, 0, len(ev.Events)),
	}
	for _, s := range ev.Scores {
		out.Scores = append(out.Scores, cloneScore(s))
	}
	for _, e := range ev.Events {
		cp := e
		cp.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			cp.Payload[k] = v
		}
		out.Events = append(out.Events, cp)
	}
	if len(ev.Deltas) > 0 {
		out.Deltas = make(map[string]float64, len(ev.Deltas))
		for k, v := range ev.Deltas {
			out.Deltas[k] = v
		}
	}
	return out
}

func cloneScore(s scoring.Score) scoring.Score {
	if s.Components != nil {
		comps := make(map[string]decimal.Decimal, len(s.Components))
		for k, v := range s.Components {
			comps[k] = v
		}
		s.Components = comps
	}
	return s
}

// Node is one element of a compiled condition tree.
type Node interface {
	Eval(env *Env) (bool, error)
	deps(d *Deps)
}

// Deps lists the signals a condition reads.
type Deps struct {
	Metrics     []string
	ScoreTypes  []string
	Zones       map[string][]string
	EventTypes  []string
	EventWindow time.Duration
}

func (d *Deps) metric(k string) {
	if !slices.Contains(d.Metrics, k) {
		d.Metrics = append(d.Metrics, k)
	}
}

func (d *Deps) score(k string) {
	if !slices.Contains(d.ScoreTypes, k) {
		d.ScoreTypes = append(d.ScoreTypes, k)
	}
}

func (d *Deps) event(k string, window time.Duration) {
	if !slices.Contains(d.EventTypes, k) {
		d.EventTypes = append(d.EventTypes, k)
	}
	d.EventWindow = max(d.EventWindow, window)
}

// DependenciesOf walks n.
func DependenciesOf(n Node) Deps {
	d := Deps{Zones: make(map[string][]string)}
	if n != nil {
		n.deps(&d)
	}
	return d
}

type allNode struct{ children []Node }

// All is true when every child is true. Children are all evaluated so evidence is complete.
func All(children ...Node) Node { return allNode{children: children} }

func (n allNode) Eval(env *Env) (bool, error) {
	result := true
	for _, c := range n.children {
		ok, err := c.Eval(env)
		if err != nil {
			return false, err
		}
		result = result && ok
	}
	return result, nil
}

func (n allNode) deps(d *Deps) {
	for _, c := range n.children {
		c.deps(d)
	}
}

type anyNode struct{ children []Node }

// Any is true when at least one child is true. A missing signal in one branch is
// tolerated when another branch matches.
func Any(children ...Node) Node { return anyNode{children: children} }

func (n anyNode) Eval(env *Env) (bool, error) {
	result := false
	var firstErr error
	for _, c := range n.children {
		ok, err := c.Eval(env)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		result = result || ok
	}
	if !result && firstErr != nil {
		return false, firstErr
	}
	return result, nil
}

func (n anyNode) deps(d *Deps) {
	for _, c := range n.children {
		c.deps(d)
	}
}

type notNode struct{ child Node }

// Not negates child. Evidence gathered under it is discarded.
func Not(child Node) Node { return notNode{child: child} }

func (n notNode) Eval(env *Env) (bool, error) {
	saved := env.evidence.clone()
	ok, err := n.child.Eval(env)
	env.evidence = saved
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (n notNode) deps(d *Deps) { n.child.deps(d) }

// CompareOp is a numeric comparison.
type CompareOp string

const (
	OpLT CompareOp = "<"
	OpLE CompareOp = "<="
	OpGT CompareOp = ">"
	OpGE CompareOp = ">="
	OpEQ CompareOp = "=="
	OpNE CompareOp = "!="
)

// ParseCompareOp validates an operator.
func ParseCompareOp(raw string) (CompareOp, error) {
	op := CompareOp(raw)
	if !op.valid() {
		return "", fmt.Errorf("unknown operator %q", raw)
	}
	return op, nil
}

func (op CompareOp) valid() bool {
	switch op {
	case OpLT, OpLE, OpGT, OpGE, OpEQ, OpNE:
		return true
	}
	return false
}

// Apply evaluates a op b.
func (op CompareOp) Apply(a, b float64) bool {
	switch op {
	case OpLT:
		return a < b
	case OpLE:
		return a <= b
	case OpGT:
		return a > b
	case OpGE:
		return a >= b
	case OpEQ:
		return a == b
	case OpNE:
		return a != b
	}
	return false
}

// OperandKind selects the signal family an operand reads.
type OperandKind string

const (
	OperandMetric OperandKind = "metric"
	OperandScore  OperandKind = "score"
	OperandEvents OperandKind = "events"
)

// Operand fields.
const (
	FieldValue          = "value"
	FieldBaseline       = "baseline"
	FieldDeviationRatio = "deviation_ratio"
	FieldRelativeChange = "relative_change"
	FieldConfidence     = "confidence"
	FieldChangeDelta    = "change_delta"
	FieldDelta          = "delta"
	FieldCount          = "count"
)

// Operand addresses one number in a Snapshot.
type Operand struct {
	Kind   OperandKind
	Key    string
	Field  string
	Window time.Duration
}

// Validate checks the kind, key, field and window combination.
func (o Operand) Validate() error { return o.validate() }

func (o *Operand) validate() error {
	if o.Key == "" {
		return fmt.Errorf("operand: key is required")
	}
	switch o.Kind {
	case OperandMetric:
		switch o.Field {
		case FieldValue, FieldBaseline, FieldDeviationRatio, FieldRelativeChange, FieldConfidence:
			return nil
		}
	case OperandScore:
		switch o.Field {
		case FieldValue, FieldChangeDelta:
			return nil
		case FieldDelta:
			if o.Window <= 0 {
				return fmt.Errorf("operand: score delta requires a window")
			}
			return nil
		}
	case OperandEvents:
		if o.Field == FieldCount || o.Field == "" {
			if o.Window <= 0 {
				return fmt.Errorf("operand: event count requires a window")
			}
			return nil
		}
	default:
		return fmt.Errorf("operand: unknown kind %q", o.Kind)
	}
	return fmt.Errorf("operand: field %q is not valid for %s", o.Field, o.Kind)
}

// Resolve reads the operand. ok is false when the value exists but must not be used,
// such as a low-confidence evaluation.
func (o *Operand) Resolve(env *Env) (float64, bool, error) {
	snap := env.Snapshot
	switch o.Kind {
	case OperandMetric:
		ev, found := snap.Evaluations[o.Key]
		if !found {
			return 0, false, fmt.Errorf("%w: metric %s", ErrMissingSignal, o.Key)
		}
		if o.Field == FieldConfidence {
			return ev.Confidence, true, nil
		}
		if ev.LowConfidence() {
			return 0, false, nil
		}
		env.evidence.addEvaluation(ev)
		switch o.Field {
		case FieldBaseline:
			return ev.BaselineValue, true, nil
		case FieldDeviationRatio:
			return ev.DeviationRatio, true, nil
		case FieldRelativeChange:
			return ev.RelativeChange, true, nil
		default:
			return ev.ObservedValue, true, nil
		}
	case OperandScore:
		sc, found := snap.Scores[o.Key]
		if !found {
			return 0, false, fmt.Errorf("%w: score %s", ErrMissingSignal, o.Key)
		}
		switch o.Field {
		case FieldChangeDelta:
			env.evidence.addScore(sc)
			return sc.ChangeDelta.InexactFloat64(), true, nil
		case FieldDelta:
			if snap.Deltas == nil {
				return 0, false, fmt.Errorf("%w: score history %s", ErrMissingSignal, o.Key)
			}
			d, ok, err := snap.Deltas(o.Key, o.Window)
			if err != nil {
				return 0, false, err
			}
			if !ok {
				return 0, false, fmt.Errorf("%w: score history %s", ErrMissingSignal, o.Key)
			}
			env.evidence.addScore(sc)
			env.evidence.addDelta(fmt.Sprintf("%s/%s", o.Key, o.Window), d)
			return d, true, nil
		default:
			env.evidence.addScore(sc)
			return sc.Float(), true, nil
		}
	case OperandEvents:
		return float64(len(matchingEvents(snap, o.Key, o.Window, nil))), true, nil
	}
	return 0, false, fmt.Errorf("operand: unknown kind %q", o.Kind)
}

type compareNode struct {
	operand Operand
	op      CompareOp
	value   float64
}

// Compare is true when operand op value holds.
func Compare(operand Operand, op CompareOp, value float64) Node {
	return compareNode{operand: operand, op: op, value: value}
}

func (n compareNode) Eval(env *Env) (bool, error) {
	saved := env.evidence.clone()
	v, ok, err := n.operand.Resolve(env)
	if err != nil || !ok {
		env.evidence = saved
		return false, err
	}
	if !n.op.Apply(v, n.value) {
		env.evidence = saved
		return false, nil
	}
	if n.operand.Kind == OperandEvents {
		for _, e := range matchingEvents(env.Snapshot, n.operand.Key, n.operand.Window, nil) {
			env.evidence.addEvent(e)
		}
	}
	return true, nil
}

func (n compareNode) deps(d *Deps) {
	switch n.operand.Kind {
	case OperandMetric:
		d.metric(n.operand.Key)
	case OperandScore:
		d.score(n.operand.Key)
	case OperandEvents:
		d.event(n.operand.Key, n.operand.Window)
	}
}

type zoneEnteredNode struct {
	scoreType string
	zone      string
	from      []string
}

// ZoneEntered is true only for a score row, computed since the last evaluation, whose
// previous zone differs from zone and whose current zone is zone. An optional from list
// restricts which previous zones count.
func ZoneEntered(scoreType, zone string, from ...string) Node {
	return zoneEnteredNode{scoreType: scoreType, zone: zone, from: from}
}

func (n zoneEnteredNode) Eval(env *Env) (bool, error) {
	sc, found := env.Snapshot.Scores[n.scoreType]
	if !found {
		return false, fmt.Errorf("%w: score %s", ErrMissingSignal, n.scoreType)
	}
	if sc.Stale || !sc.ComputedAt.After(env.Since) || !sc.EnteredZone(n.zone) {
		return false, nil
	}
	if len(n.from) > 0 && !slices.Contains(n.from, sc.PreviousZone) {
		return false, nil
	}
	env.evidence.addScore(sc)
	return true, nil
}

func (n zoneEnteredNode) deps(d *Deps) {
	d.score(n.scoreType)
	d.Zones[n.scoreType] = append(d.Zones[n.scoreType], n.zone)
	d.Zones[n.scoreType] = append(d.Zones[n.scoreType], n.from...)
}

type rateOfChangeNode struct {
	scoreType string
	window    time.Duration
	op        CompareOp
	value     float64
}

// RateOfChange compares the change of a score over window, e.g. a decline of at least
// 15 points in 7 days is RateOfChange("health", 7d, OpLE, -15).
func RateOfChange(scoreType string, window time.Duration, op CompareOp, value float64) Node {
	return rateOfChangeNode{scoreType: scoreType, window: window, op: op, value: value}
}

func (n rateOfChangeNode) Eval(env *Env) (bool, error) {
	operand := Operand{Kind: OperandScore, Key: n.scoreType, Field: FieldDelta, Window: n.window}
	return compareNode{operand: operand, op: n.op, value: n.value}.Eval(env)
}

func (n rateOfChangeNode) deps(d *Deps) { d.score(n.scoreType) }

type categoryInNode struct {
	metric     string
	categories []string
}

// CategoryIn is true when the metric's current dominant category is in the set.
func CategoryIn(metric string, categories ...string) Node {
	return categoryInNode{metric: metric, categories: categories}
}

func (n categoryInNode) Eval(env *Env) (bool, error) {
	ev, found := env.Snapshot.Evaluations[n.metric]
	if !found {
		return false, fmt.Errorf("%w: metric %s", ErrMissingSignal, n.metric)
	}
	if ev.LowConfidence() || !slices.Contains(n.categories, ev.ToCategory) {
		return false, nil
	}
	env.evidence.addEvaluation(ev)
	return true, nil
}

func (n categoryInNode) deps(d *Deps) { d.metric(n.metric) }

type classifiedNode struct {
	metric string
	class  baseline.Classification
}

// Classified is true when the metric's latest evaluation has class with usable confidence.
func Classified(metric string, class baseline.Classification) Node {
	return classifiedNode{metric: metric, class: class}
}

func (n classifiedNode) Eval(env *Env) (bool, error) {
	ev, found := env.Snapshot.Evaluations[n.metric]
	if !found {
		return false, fmt.Errorf("%w: metric %s", ErrMissingSignal, n.metric)
	}
	if ev.LowConfidence() || ev.Classification != n.class {
		return false, nil
	}
	env.evidence.addEvaluation(ev)
	return true, nil
}

func (n classifiedNode) deps(d *Deps) { d.metric(n.metric) }

type eventNode struct {
	eventType string
	window    time.Duration
	where     map[string]string
	minCount  int
}

// EventOccurred is true when at least minCount events of eventType, whose payload matches
// every where entry, happened within window before now.
func EventOccurred(eventType string, window time.Duration, where map[string]string, minCount int) Node {
	if minCount <= 0 {
		minCount = 1
	}
	return eventNode{eventType: eventType, window: window, where: where, minCount: minCount}
}

func (n eventNode) Eval(env *Env) (bool, error) {
	matched := matchingEvents(env.Snapshot, n.eventType, n.window, n.where)
	if len(matched) < n.minCount {
		return false, nil
	}
	for _, e := range matched {
		env.evidence.addEvent(e)
	}
	return true, nil
}

func (n eventNode) deps(d *Deps) { d.event(n.eventType, n.window) }

type severityAtLeastNode struct{ severity Severity }

// SeverityAtLeast is true when the alert being handled is at least severity. It is only
// meaningful in workflow step conditions.
func SeverityAtLeast(s Severity) Node { return severityAtLeastNode{severity: s} }

func (n severityAtLeastNode) Eval(env *Env) (bool, error) {
	return env.Severity.AtLeast(n.severity), nil
}

func (severityAtLeastNode) deps(*Deps) {}

func matchingEvents(snap *Snapshot, eventType string, window time.Duration, where map[string]string) []signal.Event {
	from := snap.Now.Add(-window)
	out := make([]signal.Event, 0)
	for _, e := range snap.Events {
		if e.Type != eventType || e.Timestamp.Before(from) || e.Timestamp.After(snap.Now) {
			continue
		}
		ok := true
		for k, want := range where {
			if got, _ := e.PayloadString(k); got != want {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, e)
		}
	}
	return out
}
