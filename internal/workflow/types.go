// Package workflow executes the ordered step sequence attached to each fired alert,
// including human approvals, SLA deadlines and escalation.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"signal-engine/internal/delivery"
	"signal-engine/internal/rules"
)

var (
	ErrRunNotFound     = errors.New("workflow: run not found")
	ErrStepNotWaiting  = errors.New("workflow: step is not waiting for approval")
	ErrRunNotActive    = errors.New("workflow: run is not active")
	ErrUnknownDecision = errors.New("workflow: decision must be approve or reject")
)

// Failure reasons recorded on steps.
const (
	ReasonTimeout          = "timeout"
	ReasonRejected         = "rejected"
	ReasonCondition        = "condition false"
	ReasonCancelled        = "cancelled"
	ReasonAborted          = "run aborted"
	ReasonDefinitionLookup = "definition missing"
)

// StepKind selects what a step does.
type StepKind string

const (
	KindNotify      StepKind = "notify"
	KindCreateTask  StepKind = "createTask"
	KindDelegate    StepKind = "delegate"
	KindUpdateScore StepKind = "updateScore"
	KindEscalate    StepKind = "escalate"
)

// ParseStepKind validates a step kind.
func ParseStepKind(raw string) (StepKind, error) {
	switch k := StepKind(raw); k {
	case KindNotify, KindCreateTask, KindDelegate, KindUpdateScore, KindEscalate:
		return k, nil
	}
	return "", fmt.Errorf("unknown step kind %q", raw)
}

// FailureMode is the onFailure policy of a step.
type FailureMode string

const (
	FailAbort    FailureMode = "abort"
	FailContinue FailureMode = "continue"
	FailRetry    FailureMode = "retry"
)

// FailurePolicy decides what happens when a step fails. Retry makes up to Retries extra
// attempts with capped exponential backoff, then applies Then (abort or continue).
type FailurePolicy struct {
	Mode       FailureMode
	Retries    int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Then       FailureMode
}

func (p FailurePolicy) terminal() FailureMode {
	switch p.Mode {
	case FailContinue:
		return FailContinue
	case FailRetry:
		if p.Then == FailContinue {
			return FailContinue
		}
	}
	return FailAbort
}

// Step is one configured action.
type Step struct {
	ID   string
	Kind StepKind
	// When skips the step if it evaluates false against the alert evidence.
	When rules.Node

	Channel  delivery.Channel
	Template string
	Params   map[string]any

	// createTask
	DueIn time.Duration

	// delegate
	Capability      string
	External        bool
	RequireApproval bool

	// updateScore
	ScoreType string
	Delta     float64

	OnFailure FailurePolicy
}

// Validate checks the kind-specific fields.
func (s Step) Validate() error {
	if s.ID == "" {
		return errors.New("step id is required")
	}
	switch s.Kind {
	case KindNotify, KindEscalate:
		if s.Channel == "" {
			return fmt.Errorf("step %s: channel is required", s.ID)
		}
	case KindCreateTask:
		if s.DueIn <= 0 {
			return fmt.Errorf("step %s: due_in must be positive", s.ID)
		}
	case KindDelegate:
		if s.Capability == "" {
			return fmt.Errorf("step %s: capability is required", s.ID)
		}
	case KindUpdateScore:
		if s.ScoreType == "" || s.Delta == 0 {
			return fmt.Errorf("step %s: score_type and non-zero delta are required", s.ID)
		}
	default:
		return fmt.Errorf("step %s: unknown kind %q", s.ID, s.Kind)
	}
	switch s.OnFailure.Mode {
	case "", FailAbort, FailContinue:
	case FailRetry:
		if s.OnFailure.Retries <= 0 {
			return fmt.Errorf("step %s: retry policy needs retries > 0", s.ID)
		}
	default:
		return fmt.Errorf("step %s: unknown on_failure %q", s.ID, s.OnFailure.Mode)
	}
	return nil
}

// NeedsApproval reports whether a delegate step's output must be approved by a human.
// External communications always are.
func (s Step) NeedsApproval(requested bool) bool {
	return s.External || s.RequireApproval || requested
}

// Definition is the action list of one trigger version.
type Definition struct {
	TriggerID string
	Version   int
	Steps     []Step
}

// DefinitionSource resolves the actions of the trigger version that fired an alert.
type DefinitionSource interface {
	Actions(triggerID string, version int) (Definition, bool)
}

// RunStatus is the run lifecycle.
type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// StepStatus is the step lifecycle.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepRunning         StepStatus = "running"
	StepWaitingApproval StepStatus = "waitingApproval"
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
	StepSkipped         StepStatus = "skipped"
)

func (s StepStatus) terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// StepState is the runtime record of one step.
type StepState struct {
	StepID           string         `json:"step_id"`
	Kind             StepKind       `json:"kind"`
	Status           StepStatus     `json:"status"`
	Attempts         int            `json:"attempts"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	ApprovalDeadline *time.Time     `json:"approval_deadline,omitempty"`
	Output           map[string]any `json:"output,omitempty"`
	FailureReason    string         `json:"failure_reason,omitempty"`
	DecidedBy        string         `json:"decided_by,omitempty"`
	// Appended marks escalation steps added after a severity upgrade.
	Appended bool `json:"appended,omitempty"`
}

// Run is the execution of one alert's workflow.
type Run struct {
	ID                string         `json:"id"`
	AlertID           string         `json:"alert_id"`
	AccountID         string         `json:"account_id"`
	TriggerID         string         `json:"trigger_id"`
	DefinitionVersion int            `json:"definition_version"`
	Status            RunStatus      `json:"status"`
	Severity          rules.Severity `json:"severity"`
	CurrentStepIndex  int            `json:"current_step_index"`
	Steps             []StepState    `json:"steps"`
	Evidence          rules.Evidence `json:"evidence"`
	FiredAt           time.Time      `json:"fired_at"`
	SLADeadline       time.Time      `json:"sla_deadline"`
	SLAEscalatedAt    *time.Time     `json:"sla_escalated_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// SLAEscalated reports whether the current deadline has already been escalated.
func (r Run) SLAEscalated() bool {
	return r.SLAEscalatedAt != nil && !r.SLAEscalatedAt.Before(r.SLADeadline)
}

// Step returns the state for stepID.
func (r *Run) Step(stepID string) (*StepState, int, bool) {
	for i := range r.Steps {
		if r.Steps[i].StepID == stepID {
			return &r.Steps[i], i, true
		}
	}
	return nil, -1, false
}

// Store persists runs.
type Store interface {
	InsertRun(ctx context.Context, r Run) error
	UpdateRun(ctx context.Context, r Run) error
	GetRun(ctx context.Context, id string) (Run, error)
	RunForAlert(ctx context.Context, alertID string) (Run, bool, error)
	ActiveRuns(ctx context.Context) ([]Run, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]Run
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]Run)}
}

func cloneRun(r Run) Run {
	r.Steps = append([]StepState(nil), r.Steps...)
	return r
}

func (m *MemoryStore) InsertRun(_ context.Context, r Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, have := range m.runs {
		if have.AlertID == r.AlertID {
			return fmt.Errorf("workflow: run already exists for alert %s", r.AlertID)
		}
	}
	m.runs[r.ID] = cloneRun(r)
	return nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, r Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return ErrRunNotFound
	}
	m.runs[r.ID] = cloneRun(r)
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return cloneRun(r), nil
}

func (m *MemoryStore) RunForAlert(_ context.Context, alertID string) (Run, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runs {
		if r.AlertID == alertID {
			return cloneRun(r), true, nil
		}
	}
	return Run{}, false, nil
}

func (m *MemoryStore) ActiveRuns(_ context.Context) ([]Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Run
	for _, r := range m.runs {
		if r.Status == RunActive {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
