package definitions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/delivery"
	"signal-engine/internal/rules"
	"signal-engine/internal/workflow"
)

const sampleYAML = `
score_types:
  - id: health
    name: Account health
    decay_horizon: 14d
    delta_window: 7d
    components:
      - name: usage
        weight: 0.6
        source: value
        metric: usage.active_users
        normalize: {kind: linear, min: 0, max: 200}
      - name: tickets
        weight: 0.4
        source: event_count
        event_type: support.ticket
        window: 7d
        normalize: {kind: inverse, ceiling: 10}
    zones:
      - {name: at_risk, min: 0}
      - {name: watch, min: 50}
      - {name: healthy, min: 70}
triggers:
  - id: usage-drop
    name: Usage drop
    cooldown: 7d
    condition:
      all:
        - classification: {metric: usage.active_users, is: drop}
        - compare: {metric: usage.active_users, field: relative_change, op: "<=", value: -0.3}
    severity:
      default: medium
      operand: {metric: usage.active_users, field: relative_change}
      bands:
        - {severity: high, op: "<=", value: -0.4}
    actions:
      - id: notify-csm
        kind: notify
        channel: slack
        template: usage-drop
      - id: followup
        kind: createTask
        template: usage-followup
        due_in: 24h
        when: {severity_at_least: high}
        on_failure: {mode: retry, retries: 3, backoff: 1s, then: continue}
`

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"7d":    7 * 24 * time.Hour,
		"1d12h": 36 * time.Hour,
		"90m":   90 * time.Minute,
		"":      0,
	}
	for raw, want := range cases {
		got, err := ParseDuration(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got.Std(), raw)
	}
	_, err := ParseDuration("soon")
	assert.Error(t, err)
	assert.Equal(t, "7d", Duration(7*24*time.Hour).String())
	assert.Equal(t, "36h0m0s", Duration(36*time.Hour).String())
}

func TestDecodeAndCompile(t *testing.T) {
	f, err := Decode("sample.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, f.Triggers, 1)
	require.Len(t, f.ScoreTypes, 1)

	def, err := CompileTrigger(f.Triggers[0])
	require.NoError(t, err)
	assert.Equal(t, rules.ScopeGlobal, def.Trigger.Scope)
	assert.Equal(t, 7*24*time.Hour, def.Trigger.Cooldown)
	assert.Equal(t, []string{"usage.active_users"}, def.Trigger.Dependencies().Metrics)

	require.Len(t, def.Actions.Steps, 2)
	assert.Equal(t, delivery.ChannelSlack, def.Actions.Steps[0].Channel)
	task := def.Actions.Steps[1]
	assert.Equal(t, workflow.KindCreateTask, task.Kind)
	assert.Equal(t, 24*time.Hour, task.DueIn)
	assert.NotNil(t, task.When)
	assert.Equal(t, workflow.FailRetry, task.OnFailure.Mode)
	assert.Equal(t, time.Second, task.OnFailure.Backoff)

	st, err := CompileScoreType(f.ScoreTypes[0])
	require.NoError(t, err)
	assert.Equal(t, "watch", st.Zone(55))
	assert.Equal(t, 14*24*time.Hour, st.DecayHorizon)
}

func TestDecodeRejectsUnknownNodeKind(t *testing.T) {
	doc := `
triggers:
  - id: bad
    severity: {default: low}
    condition:
      sentiment_feels_off: {metric: nps}
`
	_, err := Decode("bad.yaml", []byte(doc))
	assert.Error(t, err)

	_, err = Decode("bad.json", []byte(`{"triggers":[{"id":"bad","condition":{"wobble":{}}}]}`))
	assert.Error(t, err)
}

func TestCompileErrors(t *testing.T) {
	base := func() TriggerSpec {
		return TriggerSpec{
			ID:        "t",
			Condition: ExprSpec{SeverityAtLeast: "high"},
			Severity:  SeveritySpec{Default: "low"},
		}
	}
	cases := map[string]func(*TriggerSpec){
		"empty node":     func(s *TriggerSpec) { s.Condition = ExprSpec{} },
		"two kinds":      func(s *TriggerSpec) { s.Condition.Event = &EventSpec{Type: "x", Window: Duration(time.Hour)} },
		"bad severity":   func(s *TriggerSpec) { s.Severity.Default = "apocalyptic" },
		"bad op":         func(s *TriggerSpec) { s.Condition = ExprSpec{Compare: &CompareSpec{OperandSpec: OperandSpec{Metric: "m"}, Op: "~"}} },
		"bad field":      func(s *TriggerSpec) { s.Condition = ExprSpec{Compare: &CompareSpec{OperandSpec: OperandSpec{Metric: "m", Field: "vibes"}, Op: ">"}} },
		"bad class":      func(s *TriggerSpec) { s.Condition = ExprSpec{Classification: &ClassifiedSpec{Metric: "m", Is: "wobble"}} },
		"segment scope":  func(s *TriggerSpec) { s.Scope = "segment" },
		"bad step kind":  func(s *TriggerSpec) { s.Actions = []StepSpec{{ID: "a", Kind: "teleport"}} },
		"bad channel":    func(s *TriggerSpec) { s.Actions = []StepSpec{{ID: "a", Kind: "notify", Channel: "pager"}} },
		"duplicate step": func(s *TriggerSpec) { s.Actions = []StepSpec{{ID: "a", Kind: "notify", Channel: "slack"}, {ID: "a", Kind: "notify", Channel: "email"}} },
	}
	for name, mutate := range cases {
		spec := base()
		mutate(&spec)
		_, err := CompileTrigger(spec)
		var cfgErr *rules.ConfigError
		assert.True(t, errors.As(err, &cfgErr), "%s: expected ConfigError, got %v", name, err)
	}
}

type fakeStore struct {
	recs []Record
}

func (f *fakeStore) SaveDefinition(_ context.Context, rec Record) error {
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeStore) SetDefinitionDisabled(_ context.Context, kind, id string, disabled bool) error {
	for i := range f.recs {
		if f.recs[i].Kind == kind && f.recs[i].ID == id {
			f.recs[i].Disabled = disabled
		}
	}
	return nil
}

func (f *fakeStore) LoadDefinitions(context.Context) ([]Record, error) {
	return append([]Record(nil), f.recs...), nil
}

func TestCatalogVersioning(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	cat := NewCatalog(store, zerolog.Nop())

	f, err := Decode("sample.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	n, err := cat.LoadFile(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = cat.LoadFile(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "identical content must not create versions")

	spec := f.Triggers[0]
	spec.Cooldown = Duration(14 * 24 * time.Hour)
	def, created, err := cat.PutTrigger(ctx, spec)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, 2, def.Trigger.Version)
	assert.Equal(t, 2, def.Actions.Version)

	_, _, err = cat.PutTrigger(ctx, TriggerSpec{ID: "usage-drop", Version: 1, Condition: ExprSpec{SeverityAtLeast: "low"}, Severity: SeveritySpec{Default: "low"}})
	assert.True(t, errors.Is(err, ErrVersionConflict))

	require.NoError(t, cat.DisableTrigger(ctx, "usage-drop"))
	assert.Empty(t, cat.ActiveTriggers())
	actions, ok := cat.Actions("usage-drop", 1)
	require.True(t, ok, "old versions stay resolvable for existing alerts")
	assert.Len(t, actions.Steps, 2)

	restored := NewCatalog(store, zerolog.Nop())
	require.NoError(t, restored.Restore(ctx))
	assert.Len(t, restored.TriggerVersions("usage-drop"), 2)
	assert.True(t, restored.TriggerDisabled("usage-drop"))
	st, ok := restored.ScoreType("health")
	require.True(t, ok)
	assert.Equal(t, 1, st.Version)

	_, created, err = restored.PutTrigger(ctx, spec)
	require.NoError(t, err)
	assert.False(t, created)
	assert.False(t, restored.TriggerDisabled("usage-drop"), "re-putting current content re-enables")
	assert.Len(t, restored.ActiveTriggers(), 1)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-health.yaml"), []byte(sampleYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	files, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Empty(t, Validate(files))

	files, err = LoadDir(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestSpecFromScoreTypeRoundTrip(t *testing.T) {
	f, err := Decode("sample.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	st, err := CompileScoreType(f.ScoreTypes[0])
	require.NoError(t, err)
	back, err := CompileScoreType(SpecFromScoreType(st))
	require.NoError(t, err)
	assert.Equal(t, st, back)
}
