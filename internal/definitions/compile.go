package definitions

import (
	"errors"
	"fmt"
	"strings"

	"signal-engine/internal/baseline"
	"signal-engine/internal/delivery"
	"signal-engine/internal/rules"
	"signal-engine/internal/scoring"
	"signal-engine/internal/workflow"
)

// TriggerDef is a compiled trigger version together with its source and actions.
type TriggerDef struct {
	Spec    TriggerSpec
	Trigger rules.Trigger
	Actions workflow.Definition
}

func (d TriggerDef) DefinitionID() string   { return d.Spec.ID }
func (d TriggerDef) DefinitionVersion() int { return d.Spec.Version }

func (d TriggerDef) WithVersion(v int) TriggerDef {
	d.Spec.Version = v
	d.Trigger.Version = v
	d.Actions.Version = v
	return d
}

// Validate checks the compiled trigger and every step.
func (d TriggerDef) Validate() error {
	if err := d.Trigger.Validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(d.Actions.Steps))
	for _, s := range d.Actions.Steps {
		if _, dup := seen[s.ID]; dup {
			return &rules.ConfigError{TriggerID: d.Spec.ID, Err: fmt.Errorf("duplicate step id %q", s.ID)}
		}
		seen[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return &rules.ConfigError{TriggerID: d.Spec.ID, Err: err}
		}
	}
	return nil
}

// CompileTrigger turns a spec into an evaluable trigger. Errors are *rules.ConfigError.
func CompileTrigger(spec TriggerSpec) (TriggerDef, error) {
	wrap := func(err error) (TriggerDef, error) {
		return TriggerDef{}, &rules.ConfigError{TriggerID: spec.ID, Err: err}
	}

	cond, err := compileExpr(spec.Condition)
	if err != nil {
		return wrap(fmt.Errorf("condition: %w", err))
	}
	sev, err := compileSeverity(spec.Severity)
	if err != nil {
		return wrap(err)
	}
	scope := rules.Scope(spec.Scope)
	if scope == "" {
		scope = rules.ScopeGlobal
	}

	steps := make([]workflow.Step, 0, len(spec.Actions))
	for i, a := range spec.Actions {
		step, err := compileStep(a)
		if err != nil {
			return wrap(fmt.Errorf("action %d: %w", i, err))
		}
		steps = append(steps, step)
	}

	def := TriggerDef{
		Spec: spec,
		Trigger: rules.Trigger{
			ID:         spec.ID,
			Version:    spec.Version,
			Name:       spec.Name,
			Scope:      scope,
			ScopeValue: spec.ScopeValue,
			Condition:  cond,
			Severity:   sev,
			Cooldown:   spec.Cooldown.Std(),
			DedupField: spec.DedupField,
		},
		Actions: workflow.Definition{TriggerID: spec.ID, Version: spec.Version, Steps: steps},
	}
	if err := def.Validate(); err != nil {
		return TriggerDef{}, err
	}
	return def, nil
}

func (e ExprSpec) kinds() []string {
	var set []string
	if len(e.All) > 0 {
		set = append(set, "all")
	}
	if len(e.Any) > 0 {
		set = append(set, "any")
	}
	if e.Not != nil {
		set = append(set, "not")
	}
	if e.Compare != nil {
		set = append(set, "compare")
	}
	if e.ZoneEntered != nil {
		set = append(set, "zone_entered")
	}
	if e.RateOfChange != nil {
		set = append(set, "rate_of_change")
	}
	if e.CategoryIn != nil {
		set = append(set, "category_in")
	}
	if e.Classification != nil {
		set = append(set, "classification")
	}
	if e.Event != nil {
		set = append(set, "event")
	}
	if e.SeverityAtLeast != "" {
		set = append(set, "severity_at_least")
	}
	return set
}

func compileExpr(e ExprSpec) (rules.Node, error) {
	kinds := e.kinds()
	switch len(kinds) {
	case 0:
		return nil, errors.New("empty condition node")
	case 1:
	default:
		return nil, fmt.Errorf("condition node sets more than one kind: %s", strings.Join(kinds, ", "))
	}

	switch {
	case len(e.All) > 0 || len(e.Any) > 0:
		src := e.All
		if len(src) == 0 {
			src = e.Any
		}
		children := make([]rules.Node, 0, len(src))
		for i, c := range src {
			n, err := compileExpr(c)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", kinds[0], i, err)
			}
			children = append(children, n)
		}
		if len(e.All) > 0 {
			return rules.All(children...), nil
		}
		return rules.Any(children...), nil

	case e.Not != nil:
		n, err := compileExpr(*e.Not)
		if err != nil {
			return nil, fmt.Errorf("not: %w", err)
		}
		return rules.Not(n), nil

	case e.Compare != nil:
		operand, err := compileOperand(e.Compare.OperandSpec)
		if err != nil {
			return nil, fmt.Errorf("compare: %w", err)
		}
		op, err := rules.ParseCompareOp(e.Compare.Op)
		if err != nil {
			return nil, fmt.Errorf("compare: %w", err)
		}
		return rules.Compare(operand, op, e.Compare.Value), nil

	case e.ZoneEntered != nil:
		z := e.ZoneEntered
		if z.ScoreType == "" || z.Zone == "" {
			return nil, errors.New("zone_entered: score_type and zone are required")
		}
		return rules.ZoneEntered(z.ScoreType, z.Zone, z.From...), nil

	case e.RateOfChange != nil:
		r := e.RateOfChange
		if r.ScoreType == "" || r.Window <= 0 {
			return nil, errors.New("rate_of_change: score_type and a positive window are required")
		}
		op, err := rules.ParseCompareOp(r.Op)
		if err != nil {
			return nil, fmt.Errorf("rate_of_change: %w", err)
		}
		return rules.RateOfChange(r.ScoreType, r.Window.Std(), op, r.Value), nil

	case e.CategoryIn != nil:
		c := e.CategoryIn
		if c.Metric == "" || len(c.Categories) == 0 {
			return nil, errors.New("category_in: metric and categories are required")
		}
		return rules.CategoryIn(c.Metric, c.Categories...), nil

	case e.Classification != nil:
		c := e.Classification
		class := baseline.Classification(c.Is)
		switch class {
		case baseline.ClassDrop, baseline.ClassSpike, baseline.ClassCategoryShift, baseline.ClassNone:
		default:
			return nil, fmt.Errorf("classification: unknown class %q", c.Is)
		}
		if c.Metric == "" {
			return nil, errors.New("classification: metric is required")
		}
		return rules.Classified(c.Metric, class), nil

	case e.Event != nil:
		ev := e.Event
		if ev.Type == "" || ev.Window <= 0 {
			return nil, errors.New("event: type and a positive window are required")
		}
		return rules.EventOccurred(ev.Type, ev.Window.Std(), ev.Where, ev.MinCount), nil

	default:
		sev, err := rules.ParseSeverity(e.SeverityAtLeast)
		if err != nil {
			return nil, fmt.Errorf("severity_at_least: %w", err)
		}
		return rules.SeverityAtLeast(sev), nil
	}
}

func compileOperand(o OperandSpec) (rules.Operand, error) {
	var out rules.Operand
	n := 0
	if o.Metric != "" {
		out.Kind, out.Key, out.Field = rules.OperandMetric, o.Metric, rules.FieldValue
		n++
	}
	if o.Score != "" {
		out.Kind, out.Key, out.Field = rules.OperandScore, o.Score, rules.FieldValue
		n++
	}
	if o.Events != "" {
		out.Kind, out.Key, out.Field = rules.OperandEvents, o.Events, rules.FieldCount
		n++
	}
	if n != 1 {
		return rules.Operand{}, errors.New("operand must set exactly one of metric, score, events")
	}
	if o.Field != "" {
		out.Field = o.Field
	}
	out.Window = o.Window.Std()
	if err := out.Validate(); err != nil {
		return rules.Operand{}, err
	}
	return out, nil
}

func compileSeverity(s SeveritySpec) (rules.SeverityFunc, error) {
	def, err := rules.ParseSeverity(s.Default)
	if err != nil {
		return rules.SeverityFunc{}, fmt.Errorf("severity: %w", err)
	}
	out := rules.SeverityFunc{Default: def}
	if s.Operand != nil {
		op, err := compileOperand(*s.Operand)
		if err != nil {
			return rules.SeverityFunc{}, fmt.Errorf("severity: %w", err)
		}
		out.Operand = &op
	}
	for _, b := range s.Bands {
		sev, err := rules.ParseSeverity(b.Severity)
		if err != nil {
			return rules.SeverityFunc{}, fmt.Errorf("severity band: %w", err)
		}
		op, err := rules.ParseCompareOp(b.Op)
		if err != nil {
			return rules.SeverityFunc{}, fmt.Errorf("severity band: %w", err)
		}
		out.Bands = append(out.Bands, rules.SeverityBand{Severity: sev, Op: op, Value: b.Value})
	}
	return out, nil
}

func compileStep(a StepSpec) (workflow.Step, error) {
	kind, err := workflow.ParseStepKind(a.Kind)
	if err != nil {
		return workflow.Step{}, err
	}
	step := workflow.Step{
		ID:              a.ID,
		Kind:            kind,
		Template:        a.Template,
		Params:          a.Params,
		DueIn:           a.DueIn.Std(),
		Capability:      a.Capability,
		External:        a.External,
		RequireApproval: a.RequireApproval,
		ScoreType:       a.ScoreType,
		Delta:           a.Delta,
	}
	if a.Channel != "" {
		if step.Channel, err = delivery.ParseChannel(a.Channel); err != nil {
			return workflow.Step{}, fmt.Errorf("step %s: %w", a.ID, err)
		}
	}
	if a.When != nil {
		if step.When, err = compileExpr(*a.When); err != nil {
			return workflow.Step{}, fmt.Errorf("step %s when: %w", a.ID, err)
		}
	}
	if f := a.OnFailure; f != nil {
		step.OnFailure = workflow.FailurePolicy{
			Mode:       workflow.FailureMode(f.Mode),
			Retries:    f.Retries,
			Backoff:    f.Backoff.Std(),
			MaxBackoff: f.MaxBackoff.Std(),
			Then:       workflow.FailureMode(f.Then),
		}
	}
	return step, nil
}

// CompileScoreType turns a spec into a validated score type.
func CompileScoreType(spec ScoreTypeSpec) (scoring.ScoreType, error) {
	st := scoring.ScoreType{
		ID:           spec.ID,
		Version:      spec.Version,
		Name:         spec.Name,
		DecayHorizon: spec.DecayHorizon.Std(),
		DeltaWindow:  spec.DeltaWindow.Std(),
		Zones:        append([]scoring.Zone(nil), spec.Zones...),
	}
	for _, c := range spec.Components {
		st.Components = append(st.Components, scoring.ComponentSpec{
			Name:      c.Name,
			Weight:    c.Weight,
			Source:    scoring.Source(c.Source),
			Metric:    c.Metric,
			EventType: c.EventType,
			Window:    c.Window.Std(),
			Normalize: c.Normalize,
		})
	}
	if err := st.Validate(); err != nil {
		return scoring.ScoreType{}, fmt.Errorf("%w: %v", ErrInvalidScoreType, err)
	}
	return st, nil
}
