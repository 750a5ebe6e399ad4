package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTypes map[string]ScoreType

func (s staticTypes) ScoreType(id string) (ScoreType, bool) {
	st, ok := s[id]
	return st, ok
}

var start = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func healthType() ScoreType {
	return ScoreType{
		ID:      "health",
		Version: 1,
		Components: []ComponentSpec{
			{Name: "usage", Weight: 0.6, Source: SourceValue, Metric: "usage", Normalize: Normalizer{Kind: NormalizePercent}},
			{Name: "contact", Weight: 0.4, Source: SourceValue, Metric: "days_since_contact", Normalize: Normalizer{Kind: NormalizeInverse, Ceiling: 30}},
		},
		DecayHorizon: 30 * 24 * time.Hour,
		DeltaWindow:  7 * 24 * time.Hour,
		Zones:        []Zone{{Name: "critical", Min: 0}, {Name: "at-risk", Min: 50}, {Name: "healthy", Min: 70}},
	}
}

func newScorer(clock clockwork.Clock) (*Scorer, *MemoryHistory) {
	h := NewMemoryHistory()
	return NewScorer(h, staticTypes{"health": healthType()}, clock, time.Hour, zerolog.Nop()), h
}

func TestNormalizer(t *testing.T) {
	cases := []struct {
		name string
		n    Normalizer
		in   float64
		want float64
	}{
		{"percent clamps high", Normalizer{Kind: NormalizePercent}, 140, 100},
		{"percent clamps low", Normalizer{Kind: NormalizePercent}, -3, 0},
		{"linear", Normalizer{Kind: NormalizeLinear, Min: 0, Max: 200}, 50, 25},
		{"linear decreasing", Normalizer{Kind: NormalizeLinear, Min: 10, Max: 0}, 2, 80},
		{"inverse", Normalizer{Kind: NormalizeInverse, Ceiling: 30}, 15, 50},
		{"inverse past ceiling", Normalizer{Kind: NormalizeInverse, Ceiling: 30}, 90, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, tc.n.Apply(tc.in), 1e-9)
		})
	}
}

func TestZoneIsPureFunctionOfValue(t *testing.T) {
	st := healthType()
	assert.Equal(t, "critical", st.Zone(0))
	assert.Equal(t, "critical", st.Zone(49.99))
	assert.Equal(t, "at-risk", st.Zone(50))
	assert.Equal(t, "at-risk", st.Zone(69.99))
	assert.Equal(t, "healthy", st.Zone(70))
	assert.Equal(t, "healthy", st.Zone(100))
}

func TestValidateRejectsBadZones(t *testing.T) {
	st := healthType()
	st.Zones = []Zone{{Name: "a", Min: 10}, {Name: "b", Min: 50}}
	require.Error(t, st.Validate())

	st.Zones = []Zone{{Name: "a", Min: 0}, {Name: "b", Min: 50}, {Name: "c", Min: 50}}
	require.Error(t, st.Validate())

	st.Zones = []Zone{{Name: "a", Min: 0}, {Name: "a", Min: 50}}
	require.Error(t, st.Validate())

	require.NoError(t, healthType().Validate())
}

func TestComputeWeightsAndBreakdown(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	s, _ := newScorer(clock)

	got, err := s.Compute(context.Background(), "acct", "health", map[string]Component{
		"usage":   {Value: 80, ObservedAt: start},
		"contact": {Value: 15, ObservedAt: start},
	})
	require.NoError(t, err)
	// 0.6*80 + 0.4*50
	assert.Equal(t, "68", got.Value.String())
	assert.Equal(t, "at-risk", got.Zone)
	assert.Equal(t, "48", got.Components["usage"].String())
	assert.Equal(t, "20", got.Components["contact"].String())
	assert.True(t, got.ChangeDelta.IsZero())
}

func TestComputeRenormalisesDecayedWeights(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	s, _ := newScorer(clock)

	// contact is past the horizon; usage carries all the weight.
	got, err := s.Compute(context.Background(), "acct", "health", map[string]Component{
		"usage":   {Value: 90, ObservedAt: start},
		"contact": {Value: 0, ObservedAt: start.Add(-40 * 24 * time.Hour)},
	})
	require.NoError(t, err)
	assert.Equal(t, "90", got.Value.String())
	assert.NotContains(t, got.Components, "contact")
}

func TestComputeAllStaleReturnsLastScore(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	s, h := newScorer(clock)
	ctx := context.Background()

	_, err := s.Compute(ctx, "acct", "health", map[string]Component{"usage": {Value: 55, ObservedAt: start}})
	require.NoError(t, err)

	clock.Advance(60 * 24 * time.Hour)
	got, err := s.Compute(ctx, "acct", "health", map[string]Component{"usage": {Value: 5, ObservedAt: start}})
	require.NoError(t, err)
	assert.True(t, got.Stale)
	assert.Equal(t, "55", got.Value.String())

	rows, err := h.ScoreHistory(ctx, "acct", "health", time.Time{}, clock.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestComputeNoDataWithoutHistory(t *testing.T) {
	s, _ := newScorer(clockwork.NewFakeClockAt(start))
	_, err := s.Compute(context.Background(), "acct", "health", nil)
	assert.True(t, errors.Is(err, ErrNoData))

	_, err = s.Compute(context.Background(), "acct", "nope", nil)
	assert.True(t, errors.Is(err, ErrUnknownScoreType))
}

func TestComputeBoundedAndTracksZoneTransitions(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	s, _ := newScorer(clock)
	ctx := context.Background()

	var prev Score
	for i, v := range []float64{72, 65, 58, 48, 45, 50, 42, 250, -10} {
		clock.Advance(time.Minute)
		got, err := s.Compute(ctx, "acct", "health", map[string]Component{"usage": {Value: v, ObservedAt: clock.Now()}})
		require.NoError(t, err)
		f := got.Float()
		assert.GreaterOrEqual(t, f, 0.0)
		assert.LessOrEqual(t, f, 100.0)
		assert.Equal(t, healthType().Zone(f), got.Zone)
		if i > 0 {
			assert.Equal(t, prev.Zone, got.PreviousZone)
		}
		prev = got
	}
}

func TestComputeSkipsUnchangedRowsWithinInterval(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	s, h := newScorer(clock)
	ctx := context.Background()
	comps := func() map[string]Component {
		return map[string]Component{"usage": {Value: 60, ObservedAt: clock.Now()}}
	}

	_, err := s.Compute(ctx, "acct", "health", comps())
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)
	_, err = s.Compute(ctx, "acct", "health", comps())
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = s.Compute(ctx, "acct", "health", comps())
	require.NoError(t, err)

	rows, err := h.ScoreHistory(ctx, "acct", "health", time.Time{}, clock.Now().Add(time.Second), 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestDeltaOverUsesScoreFromWindowStart(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	s, _ := newScorer(clock)
	ctx := context.Background()

	// Several computations inside the window; the reference stays the row from 7 days ago.
	for _, step := range []struct {
		advance time.Duration
		value   float64
	}{{0, 80}, {24 * time.Hour, 78}, {5 * 24 * time.Hour, 70}, {24 * time.Hour, 66}, {time.Hour, 63}} {
		clock.Advance(step.advance)
		_, err := s.Compute(ctx, "acct", "health", map[string]Component{"usage": {Value: step.value, ObservedAt: clock.Now()}})
		require.NoError(t, err)
	}

	delta, ok, err := s.DeltaOver(ctx, "acct", "health", 7*24*time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, -17, delta, 1e-9)
}

func TestAdjustIsBounded(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	s, _ := newScorer(clock)
	ctx := context.Background()

	_, err := s.Adjust(ctx, "acct", "health", -20, "manual")
	assert.True(t, errors.Is(err, ErrNoData))

	_, err = s.Compute(ctx, "acct", "health", map[string]Component{"usage": {Value: 15, ObservedAt: start}})
	require.NoError(t, err)
	clock.Advance(time.Minute)

	got, err := s.Adjust(ctx, "acct", "health", -20, "workflow step")
	require.NoError(t, err)
	assert.True(t, got.Value.IsZero())
	assert.Equal(t, "-15", got.ChangeDelta.String())
	assert.Equal(t, "workflow step", got.Reason)
	assert.Equal(t, "-15", got.Components["adjustment"].String())
}
