package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signal-engine/internal/signal"
)

// Phase is the lifecycle position of one (trigger, account, sub-entity) state machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseEvaluating Phase = "evaluating"
	PhaseFired      Phase = "fired"
	PhaseCooldown   Phase = "cooldown"
)

// State is the persisted state machine for one dedup key. The state with an empty
// SubEntity doubles as the evaluation cursor for the (trigger, account) pair.
type State struct {
	DedupKey        string    `json:"dedup_key"`
	TriggerID       string    `json:"trigger_id"`
	AccountID       string    `json:"account_id"`
	SubEntity       string    `json:"sub_entity,omitempty"`
	Phase           Phase     `json:"phase"`
	ConditionTrue   bool      `json:"condition_true"`
	CooldownAnchor  time.Time `json:"cooldown_anchor"`
	LastEvaluatedAt time.Time `json:"last_evaluated_at"`
}

// StateStore persists trigger states.
type StateStore interface {
	GetState(ctx context.Context, dedupKey string) (State, bool, error)
	PutState(ctx context.Context, s State) error
	StatesFor(ctx context.Context, triggerID, accountID string) ([]State, error)
}

// AlertView is what the engine needs to know about the latest alert for a dedup key.
type AlertView struct {
	ID       string
	Severity Severity
	// Active covers open, acknowledged and suppressed alerts.
	Active bool
	// Muted is true for operator-suppressed alerts; they are never escalated.
	Muted   bool
	FiredAt time.Time
}

// AlertLookup reads the alert registry.
type AlertLookup interface {
	LatestByDedupKey(ctx context.Context, dedupKey string) (AlertView, bool, error)
}

// Outcome is the result of evaluating one trigger for one dedup key.
type Outcome string

const (
	OutcomeFired      Outcome = "fired"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeEscalated  Outcome = "escalated"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeNoMatch    Outcome = "no_match"
)

// Decision tells the caller what to do with the alert registry.
type Decision struct {
	Outcome          Outcome
	TriggerID        string
	TriggerVersion   int
	AccountID        string
	DedupKey         string
	SubEntity        string
	Severity         Severity
	PreviousSeverity Severity
	Evidence         Evidence
	// AlertID is the existing alert for suppressed and escalated outcomes.
	AlertID string
	// Supersedes is an active alert whose cooldown expired before the condition cleared
	// and re-triggered; it must be resolved before the new alert is created.
	Supersedes string
	Reason     string
	Err        error
	At         time.Time
}

// Engine runs trigger state machines. Callers serialise calls per account.
type Engine struct {
	states StateStore
	alerts AlertLookup
	logger zerolog.Logger
}

// NewEngine wires an Engine.
func NewEngine(states StateStore, alerts AlertLookup, logger zerolog.Logger) *Engine {
	return &Engine{
		states: states,
		alerts: alerts,
		logger: logger.With().Str("component", "rules").Logger(),
	}
}

// Evaluate runs t against snap. Condition failures become a skipped decision; the
// returned error is reserved for store failures.
func (e *Engine) Evaluate(ctx context.Context, t Trigger, snap *Snapshot) ([]Decision, error) {
	if !t.AppliesTo(snap.AccountID, snap.Segment) {
		return nil, nil
	}
	now := snap.Now

	cursorKey := DedupKey(t.ID, snap.AccountID, "")
	cursor, ok, err := e.states.GetState(ctx, cursorKey)
	if err != nil {
		return nil, fmt.Errorf("load trigger state: %w", err)
	}
	if !ok {
		cursor = State{DedupKey: cursorKey, TriggerID: t.ID, AccountID: snap.AccountID, Phase: PhaseIdle}
	}

	env := NewEnv(snap, cursor.LastEvaluatedAt)
	matched, evalErr := t.Condition.Eval(env)

	base := Decision{
		TriggerID:      t.ID,
		TriggerVersion: t.Version,
		AccountID:      snap.AccountID,
		At:             now,
	}

	if evalErr != nil {
		cursor.LastEvaluatedAt = now
		if err := e.states.PutState(ctx, cursor); err != nil {
			return nil, fmt.Errorf("save trigger state: %w", err)
		}
		d := base
		d.Outcome = OutcomeSkipped
		d.DedupKey = cursorKey
		d.Err = evalErr
		d.Reason = skipReason(evalErr)
		e.logger.Warn().Err(evalErr).Str("trigger_id", t.ID).Str("account_id", snap.AccountID).Msg("trigger skipped")
		return []Decision{d}, nil
	}

	severity := t.Severity.Resolve(env)
	evidence := env.Evidence()

	existing, err := e.states.StatesFor(ctx, t.ID, snap.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load trigger states: %w", err)
	}
	bySub := make(map[string]State, len(existing)+1)
	for _, s := range existing {
		bySub[s.SubEntity] = s
	}
	bySub[""] = cursor

	subs := map[string]struct{}{}
	if matched {
		for _, sub := range subEntities(t.DedupField, evidence.Events) {
			subs[sub] = struct{}{}
		}
	}

	var decisions []Decision
	for _, sub := range sortedKeys(subs) {
		st, ok := bySub[sub]
		if !ok {
			st = State{DedupKey: DedupKey(t.ID, snap.AccountID, sub), TriggerID: t.ID, AccountID: snap.AccountID, SubEntity: sub, Phase: PhaseIdle}
		}
		d := base
		d.DedupKey = st.DedupKey
		d.SubEntity = sub
		d.Severity = severity
		d.Evidence = evidenceFor(evidence, t.DedupField, sub)
		st, d, err = e.match(ctx, t, st, d, now)
		if err != nil {
			return nil, err
		}
		st.LastEvaluatedAt = now
		if err := e.states.PutState(ctx, st); err != nil {
			return nil, fmt.Errorf("save trigger state: %w", err)
		}
		decisions = append(decisions, d)
		delete(bySub, sub)
	}

	for _, st := range bySub {
		st = clearState(t, st, now)
		st.LastEvaluatedAt = now
		if err := e.states.PutState(ctx, st); err != nil {
			return nil, fmt.Errorf("save trigger state: %w", err)
		}
	}

	if !matched {
		d := base
		d.Outcome = OutcomeNoMatch
		d.DedupKey = cursorKey
		decisions = append(decisions, d)
	}
	return decisions, nil
}

func (e *Engine) match(ctx context.Context, t Trigger, st State, d Decision, now time.Time) (State, Decision, error) {
	st.Phase = PhaseEvaluating
	rising := !st.ConditionTrue
	st.ConditionTrue = true

	prior, found, err := e.alerts.LatestByDedupKey(ctx, st.DedupKey)
	if err != nil {
		return st, d, fmt.Errorf("load latest alert: %w", err)
	}

	anchor := st.CooldownAnchor
	if anchor.IsZero() && found {
		anchor = prior.FiredAt
	}
	inCooldown := !anchor.IsZero() && now.Before(anchor.Add(t.Cooldown))

	log := e.logger.With().Str("trigger_id", t.ID).Str("account_id", st.AccountID).Str("dedup_key", st.DedupKey).Logger()

	escalable := found && prior.Active && !prior.Muted

	switch {
	case escalable && d.Severity.Rank() > prior.Severity.Rank():
		d.Outcome = OutcomeEscalated
		d.AlertID = prior.ID
		d.PreviousSeverity = prior.Severity
		st.CooldownAnchor = anchor
		st.Phase = PhaseFired
		if inCooldown {
			st.Phase = PhaseCooldown
		}
		log.Info().Str("from", string(prior.Severity)).Str("to", string(d.Severity)).Bool("in_cooldown", inCooldown).Msg("alert escalated")
	case found && inCooldown:
		d.Outcome = OutcomeSuppressed
		d.AlertID = prior.ID
		switch {
		case prior.Muted:
			d.Reason = "alert muted"
		case prior.Active:
			d.Reason = "active alert within cooldown"
		default:
			d.Reason = "recently resolved alert within cooldown"
		}
		if rising {
			st.CooldownAnchor = now
		} else {
			st.CooldownAnchor = anchor
		}
		st.Phase = PhaseCooldown
		log.Info().Str("reason", d.Reason).Bool("cooldown_restarted", rising).Msg("duplicate suppressed")
	case found && prior.Active && !rising:
		// Past cooldown, but the condition never cleared: the open alert still covers it.
		d.Outcome = OutcomeSuppressed
		d.AlertID = prior.ID
		d.Reason = "condition has not cleared"
		st.CooldownAnchor = anchor
		st.Phase = PhaseFired
		log.Debug().Str("reason", d.Reason).Msg("duplicate suppressed")
	default:
		d.Outcome = OutcomeFired
		if found && prior.Active {
			d.Supersedes = prior.ID
		}
		st.CooldownAnchor = now
		st.Phase = PhaseFired
		log.Info().Str("severity", string(d.Severity)).Str("supersedes", d.Supersedes).Msg("trigger fired")
	}
	return st, d, nil
}

func clearState(t Trigger, st State, now time.Time) State {
	st.ConditionTrue = false
	switch st.Phase {
	case PhaseFired, PhaseCooldown:
		if !st.CooldownAnchor.IsZero() && now.Before(st.CooldownAnchor.Add(t.Cooldown)) {
			st.Phase = PhaseCooldown
		} else {
			st.Phase = PhaseIdle
		}
	default:
		st.Phase = PhaseIdle
	}
	return st
}

func skipReason(err error) string {
	var cfgErr *ConfigError
	switch {
	case errors.Is(err, ErrMissingSignal):
		return "missing signal"
	case errors.As(err, &cfgErr):
		return "configuration error"
	default:
		return "evaluation error"
	}
}

func subEntities(field string, events []signal.Event) []string {
	if field == "" {
		return []string{""}
	}
	seen := map[string]struct{}{}
	for _, e := range events {
		if v, ok := e.PayloadString(field); ok {
			seen[v] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return []string{""}
	}
	return sortedKeys(seen)
}

func evidenceFor(ev Evidence, field, sub string) Evidence {
	if field == "" || sub == "" {
		return ev
	}
	out := ev
	out.Events = nil
	for _, e := range ev.Events {
		if v, _ := e.PayloadString(field); v == sub {
			out.Events = append(out.Events, e)
		}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MemoryStateStore is an in-process StateStore.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemoryStateStore constructs an empty MemoryStateStore.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]State)}
}

func (m *MemoryStateStore) GetState(_ context.Context, dedupKey string) (State, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[dedupKey]
	return s, ok, nil
}

func (m *MemoryStateStore) PutState(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.DedupKey] = s
	return nil
}

func (m *MemoryStateStore) StatesFor(_ context.Context, triggerID, accountID string) ([]State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []State
	for _, s := range m.states {
		if s.TriggerID == triggerID && s.AccountID == accountID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubEntity < out[j].SubEntity })
	return out, nil
}

var _ StateStore = (*MemoryStateStore)(nil)
