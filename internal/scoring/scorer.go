package scoring

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// History is the append-only score history. The current score is the latest row.
type History interface {
	AppendScore(ctx context.Context, s Score) error
	LatestScore(ctx context.Context, accountID, scoreType string) (Score, bool, error)
	ScoreAtOrBefore(ctx context.Context, accountID, scoreType string, at time.Time) (Score, bool, error)
	// ScoreHistory lists rows with from <= computed_at < to, oldest first, at most limit rows (0 = all).
	ScoreHistory(ctx context.Context, accountID, scoreType string, from, to time.Time, limit int) ([]Score, error)
}

// TypeSource resolves the current version of a score type.
type TypeSource interface {
	ScoreType(id string) (ScoreType, bool)
}

// Scorer computes and records composite scores.
type Scorer struct {
	history     History
	types       TypeSource
	clock       clockwork.Clock
	minInterval time.Duration
	logger      zerolog.Logger
}

// NewScorer wires a Scorer. Unchanged scores are re-recorded at most every minInterval.
func NewScorer(history History, types TypeSource, clock clockwork.Clock, minInterval time.Duration, logger zerolog.Logger) *Scorer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scorer{
		history:     history,
		types:       types,
		clock:       clock,
		minInterval: minInterval,
		logger:      logger.With().Str("component", "scorer").Logger(),
	}
}

// Compute scores the account for scoreType from the given components.
func (s *Scorer) Compute(ctx context.Context, accountID, scoreType string, components map[string]Component) (Score, error) {
	st, ok := s.types.ScoreType(scoreType)
	if !ok {
		return Score{}, fmt.Errorf("%w: %s", ErrUnknownScoreType, scoreType)
	}

	prev, hasPrev, err := s.history.LatestScore(ctx, accountID, scoreType)
	if err != nil {
		return Score{}, fmt.Errorf("load latest score: %w", err)
	}

	now := s.clock.Now().UTC()
	weights := make(map[string]float64, len(st.Components))
	normalized := make(map[string]float64, len(st.Components))
	total := 0.0
	for _, spec := range st.Components {
		comp, ok := components[spec.Name]
		if !ok || spec.Weight == 0 {
			continue
		}
		eff := spec.Weight * decayFactor(now.Sub(comp.ObservedAt), st.DecayHorizon)
		if eff <= 0 {
			continue
		}
		weights[spec.Name] = eff
		normalized[spec.Name] = spec.Normalize.Apply(comp.Value)
		total += eff
	}

	if total == 0 {
		if !hasPrev {
			return Score{}, ErrNoData
		}
		prev.Stale = true
		s.logger.Debug().Str("account_id", accountID).Str("score_type", scoreType).Msg("all components stale; keeping last score")
		return prev, nil
	}

	value := 0.0
	breakdown := make(map[string]decimal.Decimal, len(weights))
	for name, w := range weights {
		contribution := w / total * normalized[name]
		breakdown[name] = round2(contribution)
		value += contribution
	}
	rounded := round2(clamp(value, 0, 100))

	score := Score{
		AccountID:  accountID,
		ScoreType:  scoreType,
		Version:    st.Version,
		Value:      rounded,
		Zone:       st.Zone(rounded.InexactFloat64()),
		Components: breakdown,
		ComputedAt: now,
	}
	if hasPrev {
		score.PreviousValue = prev.Value
		score.PreviousZone = prev.Zone
	} else {
		score.PreviousValue = rounded
	}
	score.ChangeDelta = score.Value.Sub(score.PreviousValue)

	if hasPrev && prev.Value.Equal(score.Value) && prev.Zone == score.Zone && now.Sub(prev.ComputedAt) < s.minInterval {
		return prev, nil
	}
	if err := s.history.AppendScore(ctx, score); err != nil {
		return Score{}, fmt.Errorf("append score: %w", err)
	}
	return score, nil
}

// Adjust applies a bounded delta to the current score and records the result.
func (s *Scorer) Adjust(ctx context.Context, accountID, scoreType string, delta float64, reason string) (Score, error) {
	st, ok := s.types.ScoreType(scoreType)
	if !ok {
		return Score{}, fmt.Errorf("%w: %s", ErrUnknownScoreType, scoreType)
	}
	prev, hasPrev, err := s.history.LatestScore(ctx, accountID, scoreType)
	if err != nil {
		return Score{}, fmt.Errorf("load latest score: %w", err)
	}
	if !hasPrev {
		return Score{}, ErrNoData
	}

	value := round2(clamp(prev.Float()+delta, 0, 100))
	breakdown := make(map[string]decimal.Decimal, len(prev.Components)+1)
	for k, v := range prev.Components {
		breakdown[k] = v
	}
	breakdown["adjustment"] = value.Sub(prev.Value).Add(breakdown["adjustment"])

	score := Score{
		AccountID:     accountID,
		ScoreType:     scoreType,
		Version:       st.Version,
		Value:         value,
		PreviousValue: prev.Value,
		ChangeDelta:   value.Sub(prev.Value),
		Zone:          st.Zone(value.InexactFloat64()),
		PreviousZone:  prev.Zone,
		Components:    breakdown,
		Reason:        reason,
		ComputedAt:    s.clock.Now().UTC(),
	}
	if err := s.history.AppendScore(ctx, score); err != nil {
		return Score{}, fmt.Errorf("append score: %w", err)
	}
	return score, nil
}

// Latest returns the current score row.
func (s *Scorer) Latest(ctx context.Context, accountID, scoreType string) (Score, bool, error) {
	return s.history.LatestScore(ctx, accountID, scoreType)
}

// History lists rows with from <= computed_at < to, oldest first.
func (s *Scorer) History(ctx context.Context, accountID, scoreType string, from, to time.Time, limit int) ([]Score, error) {
	return s.history.ScoreHistory(ctx, accountID, scoreType, from, to, limit)
}

// DeltaOver returns current − score as of (now − window). When history is shorter
// than window the oldest row inside it is the reference.
func (s *Scorer) DeltaOver(ctx context.Context, accountID, scoreType string, window time.Duration) (float64, bool, error) {
	current, ok, err := s.history.LatestScore(ctx, accountID, scoreType)
	if err != nil || !ok {
		return 0, false, err
	}
	now := s.clock.Now().UTC()
	ref, ok, err := s.history.ScoreAtOrBefore(ctx, accountID, scoreType, now.Add(-window))
	if err != nil {
		return 0, false, err
	}
	if !ok {
		rows, err := s.history.ScoreHistory(ctx, accountID, scoreType, now.Add(-window), now.Add(time.Nanosecond), 1)
		if err != nil || len(rows) == 0 {
			return 0, false, err
		}
		ref = rows[0]
	}
	return current.Value.Sub(ref.Value).InexactFloat64(), true, nil
}

// decayFactor is max(0, 1 − age/horizon); a zero horizon disables decay.
func decayFactor(age, horizon time.Duration) float64 {
	if horizon <= 0 {
		return 1
	}
	if age < 0 {
		age = 0
	}
	return math.Max(0, 1-age.Hours()/horizon.Hours())
}

// MemoryHistory is an in-process History.
type MemoryHistory struct {
	mu   sync.RWMutex
	rows map[string][]Score
}

// NewMemoryHistory constructs an empty MemoryHistory.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{rows: make(map[string][]Score)}
}

func historyKey(accountID, scoreType string) string { return accountID + "|" + scoreType }

func (m *MemoryHistory) AppendScore(_ context.Context, s Score) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := historyKey(s.AccountID, s.ScoreType)
	rows := m.rows[key]
	idx := sort.Search(len(rows), func(i int) bool { return rows[i].ComputedAt.After(s.ComputedAt) })
	rows = append(rows, Score{})
	copy(rows[idx+1:], rows[idx:])
	rows[idx] = s
	m.rows[key] = rows
	return nil
}

func (m *MemoryHistory) LatestScore(_ context.Context, accountID, scoreType string) (Score, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.rows[historyKey(accountID, scoreType)]
	if len(rows) == 0 {
		return Score{}, false, nil
	}
	return rows[len(rows)-1], true, nil
}

func (m *MemoryHistory) ScoreAtOrBefore(_ context.Context, accountID, scoreType string, at time.Time) (Score, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.rows[historyKey(accountID, scoreType)]
	idx := sort.Search(len(rows), func(i int) bool { return rows[i].ComputedAt.After(at) })
	if idx == 0 {
		return Score{}, false, nil
	}
	return rows[idx-1], true, nil
}

func (m *MemoryHistory) ScoreHistory(_ context.Context, accountID, scoreType string, from, to time.Time, limit int) ([]Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Score, 0)
	for _, row := range m.rows[historyKey(accountID, scoreType)] {
		if row.ComputedAt.Before(from) || !row.ComputedAt.Before(to) {
			continue
		}
		out = append(out, row)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

var _ History = (*MemoryHistory)(nil)
