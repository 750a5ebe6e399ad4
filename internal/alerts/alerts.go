// Package alerts is the durable registry of fired alerts and their lifecycle.
package alerts

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"signal-engine/internal/rules"
)

var (
	ErrNotFound = errors.New("alerts: not found")
	// ErrConflict is returned when an active alert already holds the dedup key.
	ErrConflict          = errors.New("alerts: active alert exists for dedup key")
	ErrInvalidTransition = errors.New("alerts: invalid status transition")
)

// Status is the alert lifecycle state.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusSuppressed   Status = "suppressed"
)

// Active reports whether the status still holds its dedup key.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusAcknowledged || s == StatusSuppressed
}

// Resolutions recorded by the engine itself.
const (
	ResolutionSuperseded = "superseded"
	ResolutionManual     = "manual"
)

// Alert is one fired alert. Evidence is a copy taken at fire time.
type Alert struct {
	ID              string         `json:"id"`
	AccountID       string         `json:"account_id"`
	Segment         string         `json:"segment,omitempty"`
	TriggerID       string         `json:"trigger_id"`
	TriggerVersion  int            `json:"trigger_version"`
	Severity        rules.Severity `json:"severity"`
	Status          Status         `json:"status"`
	Evidence        rules.Evidence `json:"evidence"`
	DedupKey        string         `json:"dedup_key"`
	SubEntity       string         `json:"sub_entity,omitempty"`
	FiredAt         time.Time      `json:"fired_at"`
	LastEscalatedAt *time.Time     `json:"last_escalated_at,omitempty"`
	AcknowledgedAt  *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string         `json:"acknowledged_by,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	Resolution      string         `json:"resolution,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Filter narrows ListAlerts. Empty fields match everything.
type Filter struct {
	AccountID string
	Segment   string
	TriggerID string
	Statuses  []Status
	Limit     int
}

// ActiveStatuses is the default filter for open-alert queries.
var ActiveStatuses = []Status{StatusOpen, StatusAcknowledged, StatusSuppressed}

func (f Filter) matches(a Alert) bool {
	if f.AccountID != "" && a.AccountID != f.AccountID {
		return false
	}
	if f.Segment != "" && a.Segment != f.Segment {
		return false
	}
	if f.TriggerID != "" && a.TriggerID != f.TriggerID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status) {
		return false
	}
	return true
}

// Store persists alerts.
type Store interface {
	// InsertAlert fails with ErrConflict when an active alert holds a.DedupKey.
	InsertAlert(ctx context.Context, a Alert) error
	UpdateAlert(ctx context.Context, a Alert) error
	GetAlert(ctx context.Context, id string) (Alert, error)
	LatestByDedupKey(ctx context.Context, dedupKey string) (Alert, bool, error)
	ListAlerts(ctx context.Context, f Filter) ([]Alert, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]Alert
	order  []string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]Alert)}
}

func (m *MemoryStore) InsertAlert(_ context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		if have := m.alerts[id]; have.DedupKey == a.DedupKey && have.Status.Active() {
			return ErrConflict
		}
	}
	m.alerts[a.ID] = a
	m.order = append(m.order, a.ID)
	return nil
}

func (m *MemoryStore) UpdateAlert(_ context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; !ok {
		return ErrNotFound
	}
	m.alerts[a.ID] = a
	return nil
}

func (m *MemoryStore) GetAlert(_ context.Context, id string) (Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) LatestByDedupKey(_ context.Context, dedupKey string) (Alert, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		if a := m.alerts[m.order[i]]; a.DedupKey == dedupKey {
			return a, true, nil
		}
	}
	return Alert{}, false, nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, f Filter) ([]Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, 0)
	for _, id := range m.order {
		if a := m.alerts[id]; f.matches(a) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
