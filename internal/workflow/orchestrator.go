package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"signal-engine/internal/alerts"
	"signal-engine/internal/baseline"
	"signal-engine/internal/capability"
	"signal-engine/internal/delivery"
	"signal-engine/internal/metrics"
	"signal-engine/internal/rules"
	"signal-engine/internal/scoring"
)

// Decision is a human approval outcome.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// ScoreAdjuster applies bounded score adjustments.
type ScoreAdjuster interface {
	Adjust(ctx context.Context, accountID, scoreType string, delta float64, reason string) (scoring.Score, error)
}

// Config tunes the orchestrator.
type Config struct {
	SLA                     map[rules.Severity]time.Duration
	ApprovalTimeout         time.Duration
	RetryBase               time.Duration
	RetryCap                time.Duration
	EscalationChannel       delivery.Channel
	EscalationTemplate      string
	ApprovalTimeoutTemplate string
}

// DefaultConfig returns the stock SLA table and timeouts.
func DefaultConfig() Config {
	return Config{
		SLA: map[rules.Severity]time.Duration{
			rules.SeverityCritical: 4 * time.Hour,
			rules.SeverityHigh:     24 * time.Hour,
			rules.SeverityMedium:   72 * time.Hour,
			rules.SeverityLow:      168 * time.Hour,
		},
		ApprovalTimeout:         24 * time.Hour,
		RetryBase:               200 * time.Millisecond,
		RetryCap:                5 * time.Second,
		EscalationChannel:       delivery.ChannelSlack,
		EscalationTemplate:      "alert-escalation",
		ApprovalTimeoutTemplate: "approval-timeout",
	}
}

// Orchestrator drives workflow runs. Callers serialise calls per account.
type Orchestrator struct {
	store   Store
	defs    DefinitionSource
	gateway delivery.Gateway
	caps    capability.Capability
	scores  ScoreAdjuster
	clock   clockwork.Clock
	cfg     Config
	logger  zerolog.Logger
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(store Store, defs DefinitionSource, gateway delivery.Gateway, caps capability.Capability, scores ScoreAdjuster, clock clockwork.Clock, cfg Config, logger zerolog.Logger) *Orchestrator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	def := DefaultConfig()
	if cfg.SLA == nil {
		cfg.SLA = def.SLA
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = def.ApprovalTimeout
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = def.RetryCap
	}
	if cfg.EscalationChannel == "" {
		cfg.EscalationChannel = def.EscalationChannel
	}
	if cfg.EscalationTemplate == "" {
		cfg.EscalationTemplate = def.EscalationTemplate
	}
	if cfg.ApprovalTimeoutTemplate == "" {
		cfg.ApprovalTimeoutTemplate = def.ApprovalTimeoutTemplate
	}
	return &Orchestrator{
		store:   store,
		defs:    defs,
		gateway: gateway,
		caps:    caps,
		scores:  scores,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.With().Str("component", "workflow").Logger(),
	}
}

func (o *Orchestrator) now() time.Time { return o.clock.Now().UTC() }

func (o *Orchestrator) slaFor(s rules.Severity) time.Duration {
	if d, ok := o.cfg.SLA[s]; ok {
		return d
	}
	return o.cfg.SLA[rules.SeverityLow]
}

// Start creates the run for a newly fired alert and executes steps until one waits or
// the sequence ends. Starting twice for one alert returns the existing run.
func (o *Orchestrator) Start(ctx context.Context, a alerts.Alert) (Run, error) {
	if existing, ok, err := o.store.RunForAlert(ctx, a.ID); err != nil {
		return Run{}, fmt.Errorf("load run: %w", err)
	} else if ok {
		return existing, nil
	}

	def, found := o.defs.Actions(a.TriggerID, a.TriggerVersion)
	if !found {
		o.logger.Warn().Str("trigger_id", a.TriggerID).Int("version", a.TriggerVersion).Msg("no actions for trigger version")
	}

	now := o.now()
	run := Run{
		ID:                uuid.NewString(),
		AlertID:           a.ID,
		AccountID:         a.AccountID,
		TriggerID:         a.TriggerID,
		DefinitionVersion: a.TriggerVersion,
		Status:            RunActive,
		Severity:          a.Severity,
		Evidence:          a.Evidence,
		FiredAt:           a.FiredAt,
		SLADeadline:       a.FiredAt.Add(o.slaFor(a.Severity)),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for _, s := range def.Steps {
		run.Steps = append(run.Steps, StepState{StepID: s.ID, Kind: s.Kind, Status: StepPending})
	}
	if err := o.store.InsertRun(ctx, run); err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}

	o.advance(ctx, &run, def)
	return run, o.save(ctx, &run)
}

// Get loads a run.
func (o *Orchestrator) Get(ctx context.Context, id string) (Run, error) {
	return o.store.GetRun(ctx, id)
}

// ForAlert loads the run of an alert.
func (o *Orchestrator) ForAlert(ctx context.Context, alertID string) (Run, bool, error) {
	return o.store.RunForAlert(ctx, alertID)
}

// ActiveRuns lists runs the deadline tick must inspect.
func (o *Orchestrator) ActiveRuns(ctx context.Context) ([]Run, error) {
	return o.store.ActiveRuns(ctx)
}

// Escalate re-enters an alert's run after a severity upgrade: an escalation step is
// appended and executed immediately, and the SLA deadline is tightened.
func (o *Orchestrator) Escalate(ctx context.Context, alertID string, severity rules.Severity) (Run, error) {
	run, ok, err := o.store.RunForAlert(ctx, alertID)
	if err != nil {
		return Run{}, fmt.Errorf("load run: %w", err)
	}
	if !ok {
		return Run{}, ErrRunNotFound
	}
	// A completed run still belongs to an open alert and takes the escalation step.
	if run.Status == RunCancelled || run.Status == RunFailed {
		return run, ErrRunNotActive
	}

	now := o.now()
	run.Severity = severity
	if deadline := now.Add(o.slaFor(severity)); deadline.Before(run.SLADeadline) {
		run.SLADeadline = deadline
	}

	appended := 0
	for _, s := range run.Steps {
		if s.Appended {
			appended++
		}
	}
	stepID := fmt.Sprintf("escalation-%d", appended+1)
	run.Steps = append(run.Steps, StepState{StepID: stepID, Kind: KindEscalate, Status: StepPending, Appended: true})
	if run.Status != RunActive {
		run.Status = RunActive
	}

	o.runStep(ctx, &run, &run.Steps[len(run.Steps)-1], o.escalationStep(stepID))
	def, _ := o.defs.Actions(run.TriggerID, run.DefinitionVersion)
	o.advance(ctx, &run, def)

	o.logger.Info().Str("run_id", run.ID).Str("alert_id", alertID).Str("severity", string(severity)).
		Time("sla_deadline", run.SLADeadline).Msg("run escalated")
	return run, o.save(ctx, &run)
}

// ResolveApproval applies a human decision to a waiting step.
func (o *Orchestrator) ResolveApproval(ctx context.Context, runID, stepID string, decision Decision, actor string) (Run, error) {
	if decision != Approve && decision != Reject {
		return Run{}, ErrUnknownDecision
	}
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if run.Status != RunActive {
		return run, ErrRunNotActive
	}
	ss, _, ok := run.Step(stepID)
	if !ok || ss.Status != StepWaitingApproval {
		return run, ErrStepNotWaiting
	}
	ss.DecidedBy = actor

	def, _ := o.defs.Actions(run.TriggerID, run.DefinitionVersion)
	step, _ := o.stepFor(def, *ss)

	aborted := false
	if decision == Reject {
		o.finish(ss, StepSkipped, ReasonRejected)
	} else {
		err := o.attempt(ctx, step.OnFailure, ss, func(ctx context.Context) error {
			if step.Channel == "" {
				return nil
			}
			return o.gateway.Deliver(ctx, o.intent(run, ss.StepID, step, step.Channel, step.Template, ss.Output))
		})
		if err != nil {
			o.finish(ss, StepFailed, err.Error())
			aborted = step.OnFailure.terminal() == FailAbort
		} else {
			o.finish(ss, StepCompleted, "")
		}
	}

	o.logger.Info().Str("run_id", runID).Str("step_id", stepID).Str("decision", string(decision)).Str("actor", actor).Msg("approval resolved")
	if aborted {
		o.abort(&run)
	} else {
		o.advance(ctx, &run, def)
	}
	return run, o.save(ctx, &run)
}

// Cancel stops the run of an alert that left the active states. Completed steps stay
// completed; everything else is skipped.
func (o *Orchestrator) Cancel(ctx context.Context, alertID, reason string) (Run, bool, error) {
	run, ok, err := o.store.RunForAlert(ctx, alertID)
	if err != nil {
		return Run{}, false, fmt.Errorf("load run: %w", err)
	}
	if !ok || run.Status != RunActive {
		return run, false, nil
	}
	for i := range run.Steps {
		if !run.Steps[i].Status.terminal() {
			o.finish(&run.Steps[i], StepSkipped, fmt.Sprintf("%s: %s", ReasonCancelled, reason))
		}
	}
	run.Status = RunCancelled
	metrics.WorkflowRuns.WithLabelValues(string(RunCancelled)).Inc()
	o.logger.Info().Str("run_id", run.ID).Str("alert_id", alertID).Str("reason", reason).Msg("run cancelled")
	return run, true, o.save(ctx, &run)
}

// CheckDeadlines times out overdue approvals and runs the SLA escalation branch once
// per deadline.
func (o *Orchestrator) CheckDeadlines(ctx context.Context, runID string) (Run, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if run.Status != RunActive {
		return run, nil
	}
	now := o.now()
	def, _ := o.defs.Actions(run.TriggerID, run.DefinitionVersion)
	changed := false

	aborted := false
	for i := range run.Steps {
		ss := &run.Steps[i]
		if ss.Status != StepWaitingApproval || ss.ApprovalDeadline == nil || now.Before(*ss.ApprovalDeadline) {
			continue
		}
		changed = true
		o.finish(ss, StepFailed, ReasonTimeout)
		metrics.ApprovalTimeouts.Inc()
		o.logger.Warn().Str("run_id", run.ID).Str("step_id", ss.StepID).Msg("approval timed out")

		notice := Step{ID: ss.StepID, Kind: KindEscalate, Channel: o.cfg.EscalationChannel}
		intent := o.intent(run, ss.StepID+"/timeout", notice, o.cfg.EscalationChannel, o.cfg.ApprovalTimeoutTemplate,
			map[string]any{"step_id": ss.StepID, "reason": ReasonTimeout})
		if err := o.gateway.Deliver(ctx, intent); err != nil {
			o.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to deliver approval timeout notice")
		}

		if step, ok := o.stepFor(def, *ss); !ok || step.OnFailure.terminal() == FailAbort {
			aborted = true
		}
	}
	if aborted {
		o.abort(&run)
		return run, o.save(ctx, &run)
	}
	if changed {
		o.advance(ctx, &run, def)
	}

	if run.Status == RunActive && !now.Before(run.SLADeadline) && !run.SLAEscalated() {
		changed = true
		ran := 0
		for i := range run.Steps {
			ss := &run.Steps[i]
			if ss.Kind != KindEscalate || ss.Status != StepPending {
				continue
			}
			step, ok := o.stepFor(def, *ss)
			if !ok {
				step = o.escalationStep(ss.StepID)
			}
			o.runStep(ctx, &run, ss, step)
			ran++
		}
		if ran == 0 {
			stepID := fmt.Sprintf("sla-escalation-%d", len(run.Steps)+1)
			run.Steps = append(run.Steps, StepState{StepID: stepID, Kind: KindEscalate, Status: StepPending, Appended: true})
			o.runStep(ctx, &run, &run.Steps[len(run.Steps)-1], o.escalationStep(stepID))
		}
		run.SLAEscalatedAt = &now
		metrics.SLAEscalations.Inc()
		o.logger.Warn().Str("run_id", run.ID).Str("alert_id", run.AlertID).Time("deadline", run.SLADeadline).Msg("sla deadline passed; escalated")
		o.advance(ctx, &run, def)
	}

	if !changed {
		return run, nil
	}
	return run, o.save(ctx, &run)
}

func (o *Orchestrator) save(ctx context.Context, run *Run) error {
	run.UpdatedAt = o.now()
	if err := o.store.UpdateRun(ctx, *run); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// advance executes steps from CurrentStepIndex until one waits for approval or the
// sequence ends. Configured escalate steps are left pending for the deadline check.
func (o *Orchestrator) advance(ctx context.Context, run *Run, def Definition) {
	for i := run.CurrentStepIndex; i < len(run.Steps); i++ {
		ss := &run.Steps[i]
		switch {
		case ss.Status.terminal():
			run.CurrentStepIndex = i + 1
			continue
		case ss.Status == StepWaitingApproval:
			run.CurrentStepIndex = i
			return
		}

		step, ok := o.stepFor(def, *ss)
		if !ok {
			o.finish(ss, StepFailed, ReasonDefinitionLookup)
			o.abort(run)
			return
		}
		if step.Kind == KindEscalate && !ss.Appended {
			run.CurrentStepIndex = i + 1
			continue
		}

		if abort := o.runStep(ctx, run, ss, step); abort {
			o.abort(run)
			return
		}
		if ss.Status == StepWaitingApproval {
			run.CurrentStepIndex = i
			return
		}
		run.CurrentStepIndex = i + 1
	}
	o.finalize(run)
}

// runStep executes one step and reports whether the run must abort.
func (o *Orchestrator) runStep(ctx context.Context, run *Run, ss *StepState, step Step) bool {
	now := o.now()
	ss.StartedAt = &now

	if step.When != nil {
		env := o.envFor(*run)
		ok, err := step.When.Eval(env)
		if err != nil {
			o.logger.Warn().Err(err).Str("run_id", run.ID).Str("step_id", ss.StepID).Msg("step condition failed; skipping")
		}
		if err != nil || !ok {
			o.finish(ss, StepSkipped, ReasonCondition)
			return false
		}
	}

	ss.Status = StepRunning
	var output map[string]any
	var waiting bool
	err := o.attempt(ctx, step.OnFailure, ss, func(ctx context.Context) error {
		out, wait, err := o.execute(ctx, *run, ss.StepID, step)
		output, waiting = out, wait
		return err
	})
	if output != nil {
		ss.Output = output
	}
	if err != nil {
		o.logger.Error().Err(err).Str("run_id", run.ID).Str("step_id", ss.StepID).Int("attempts", ss.Attempts).Msg("step failed")
		o.finish(ss, StepFailed, err.Error())
		return step.OnFailure.terminal() == FailAbort
	}
	if waiting {
		deadline := o.now().Add(o.cfg.ApprovalTimeout)
		ss.Status = StepWaitingApproval
		ss.ApprovalDeadline = &deadline
		o.logger.Info().Str("run_id", run.ID).Str("step_id", ss.StepID).Time("deadline", deadline).Msg("waiting for approval")
		return false
	}
	o.finish(ss, StepCompleted, "")
	return false
}

// attempt runs fn once, or under capped exponential backoff for retry policies.
func (o *Orchestrator) attempt(ctx context.Context, p FailurePolicy, ss *StepState, fn func(context.Context) error) error {
	if p.Mode != FailRetry || p.Retries <= 0 {
		ss.Attempts++
		return fn(ctx)
	}
	base, ceiling := p.Backoff, p.MaxBackoff
	if base <= 0 {
		base = o.cfg.RetryBase
	}
	if ceiling <= 0 {
		ceiling = o.cfg.RetryCap
	}
	b := retry.NewExponential(base)
	b = retry.WithCappedDuration(ceiling, b)
	b = retry.WithMaxRetries(uint64(p.Retries), b)
	return retry.Do(ctx, b, func(ctx context.Context) error {
		ss.Attempts++
		if err := fn(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (o *Orchestrator) execute(ctx context.Context, run Run, stepID string, step Step) (map[string]any, bool, error) {
	switch step.Kind {
	case KindNotify:
		intent := o.intent(run, stepID, step, step.Channel, step.Template, nil)
		return map[string]any{"intent_id": intent.ID}, false, o.gateway.Deliver(ctx, intent)

	case KindCreateTask:
		ch := step.Channel
		if ch == "" {
			ch = delivery.ChannelTask
		}
		due := run.FiredAt.Add(step.DueIn)
		intent := o.intent(run, stepID, step, ch, step.Template, nil)
		intent.DueAt = &due
		return map[string]any{"intent_id": intent.ID, "due_at": due}, false, o.gateway.Deliver(ctx, intent)

	case KindDelegate:
		res, err := o.caps.Invoke(ctx, capability.Request{
			Name:      step.Capability,
			AccountID: run.AccountID,
			AlertID:   run.AlertID,
			RunID:     run.ID,
			StepID:    stepID,
			Severity:  run.Severity,
			Params:    step.Params,
			Evidence:  run.Evidence,
		})
		if err != nil {
			return nil, false, err
		}
		if step.NeedsApproval(res.RequiresApproval) {
			return res.Output, true, nil
		}
		if step.Channel != "" {
			if err := o.gateway.Deliver(ctx, o.intent(run, stepID, step, step.Channel, step.Template, res.Output)); err != nil {
				return res.Output, false, err
			}
		}
		return res.Output, false, nil

	case KindUpdateScore:
		sc, err := o.scores.Adjust(ctx, run.AccountID, step.ScoreType, step.Delta, fmt.Sprintf("workflow %s/%s", run.ID, stepID))
		if err != nil {
			return nil, false, err
		}
		return map[string]any{"score": sc.Value.String(), "zone": sc.Zone}, false, nil

	case KindEscalate:
		ch := step.Channel
		if ch == "" {
			ch = o.cfg.EscalationChannel
		}
		tpl := step.Template
		if tpl == "" {
			tpl = o.cfg.EscalationTemplate
		}
		extra := map[string]any{"sla_deadline": run.SLADeadline}
		intent := o.intent(run, stepID, step, ch, tpl, extra)
		return map[string]any{"intent_id": intent.ID}, false, o.gateway.Deliver(ctx, intent)
	}
	return nil, false, fmt.Errorf("unknown step kind %q", step.Kind)
}

// intent builds a delivery intent whose ID is stable for (run, step, template).
func (o *Orchestrator) intent(run Run, stepID string, step Step, ch delivery.Channel, template string, extra map[string]any) delivery.Intent {
	payload := map[string]any{
		"severity":   string(run.Severity),
		"trigger_id": run.TriggerID,
	}
	for k, v := range step.Params {
		payload[k] = v
	}
	for k, v := range extra {
		payload[k] = v
	}
	return delivery.Intent{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(run.ID+"/"+stepID+"/"+template)).String(),
		Channel:   ch,
		Template:  template,
		AccountID: run.AccountID,
		AlertID:   run.AlertID,
		RunID:     run.ID,
		StepID:    stepID,
		Priority:  Priority(run.Severity),
		Payload:   payload,
		CreatedAt: o.now(),
	}
}

// Priority maps severity onto task priority.
func Priority(s rules.Severity) string {
	switch s {
	case rules.SeverityCritical:
		return "p1"
	case rules.SeverityHigh:
		return "p2"
	case rules.SeverityMedium:
		return "p3"
	default:
		return "p4"
	}
}

func (o *Orchestrator) escalationStep(id string) Step {
	return Step{
		ID:        id,
		Kind:      KindEscalate,
		Channel:   o.cfg.EscalationChannel,
		Template:  o.cfg.EscalationTemplate,
		OnFailure: FailurePolicy{Mode: FailContinue},
	}
}

func (o *Orchestrator) stepFor(def Definition, ss StepState) (Step, bool) {
	if ss.Appended {
		return o.escalationStep(ss.StepID), true
	}
	for _, s := range def.Steps {
		if s.ID == ss.StepID {
			return s, true
		}
	}
	return Step{}, false
}

func (o *Orchestrator) envFor(run Run) *rules.Env {
	snap := &rules.Snapshot{
		AccountID:   run.AccountID,
		Evaluations: make(map[string]baseline.SignalEvaluation, len(run.Evidence.Evaluations)),
		Scores:      make(map[string]scoring.Score, len(run.Evidence.Scores)),
		Events:      run.Evidence.Events,
		Now:         o.now(),
	}
	for _, e := range run.Evidence.Evaluations {
		snap.Evaluations[e.MetricKey] = e
	}
	for _, s := range run.Evidence.Scores {
		snap.Scores[s.ScoreType] = s
	}
	deltas := run.Evidence.Deltas
	snap.Deltas = func(scoreType string, window time.Duration) (float64, bool, error) {
		v, ok := deltas[fmt.Sprintf("%s/%s", scoreType, window)]
		return v, ok, nil
	}
	env := rules.NewEnv(snap, time.Time{})
	env.Severity = run.Severity
	return env
}

func (o *Orchestrator) finish(ss *StepState, status StepStatus, reason string) {
	now := o.now()
	ss.Status = status
	ss.CompletedAt = &now
	ss.FailureReason = reason
	metrics.WorkflowSteps.WithLabelValues(string(ss.Kind), string(status)).Inc()
}

func (o *Orchestrator) abort(run *Run) {
	for i := range run.Steps {
		if !run.Steps[i].Status.terminal() {
			o.finish(&run.Steps[i], StepSkipped, ReasonAborted)
		}
	}
	run.CurrentStepIndex = len(run.Steps)
	run.Status = RunFailed
	metrics.WorkflowRuns.WithLabelValues(string(RunFailed)).Inc()
	o.logger.Warn().Str("run_id", run.ID).Msg("run aborted")
}

func (o *Orchestrator) finalize(run *Run) {
	for _, s := range run.Steps {
		if !s.Status.terminal() {
			return
		}
	}
	if run.Status == RunActive {
		run.Status = RunCompleted
		metrics.WorkflowRuns.WithLabelValues(string(RunCompleted)).Inc()
	}
}
