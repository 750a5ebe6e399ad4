package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/alerts"
	"signal-engine/internal/config"
)

const scenarioDoc = `
start: 2026-07-01T09:00:00Z
score_types:
  - id: health
    components:
      - name: input
        weight: 1
        source: value
        metric: health.input
        normalize: {kind: percent}
    zones:
      - {name: at_risk, min: 0}
      - {name: watch, min: 50}
      - {name: healthy, min: 70}
triggers:
  - id: entered-at-risk
    condition: {zone_entered: {score_type: health, zone: at_risk}}
    severity: {default: high}
    actions:
      - {id: notify, kind: notify, channel: slack, template: at-risk}
steps:
  - samples: [{account: acme, metric: health.input, value: 80}]
  - advance: 1d
    samples: [{account: acme, metric: health.input, value: 40}]
  - advance: 1d
    samples: [{account: acme, metric: health.input, value: 35}]
  - advance: 1d
    resolve: [entered-at-risk]
`

func testApp(t *testing.T) *App {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Definitions.Dir = ""
	return NewApp(cfg, zerolog.Nop())
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestSimulateReplaysScenario(t *testing.T) {
	a := testApp(t)
	sc, err := LoadScenario(writeFile(t, t.TempDir(), "scenario.yaml", scenarioDoc))
	require.NoError(t, err)
	require.Len(t, sc.Steps, 4)

	res, err := a.Simulate(context.Background(), sc)
	require.NoError(t, err)

	require.Len(t, res.Alerts, 1, "staying in the zone does not re-fire")
	assert.Equal(t, "entered-at-risk", res.Alerts[0].TriggerID)
	assert.Equal(t, alerts.StatusResolved, res.Alerts[0].Status)

	require.Len(t, res.Intents, 1)
	assert.Equal(t, "at-risk", res.Intents[0].Template)
	assert.Equal(t, "acme", res.Intents[0].AccountID)

	var out bytes.Buffer
	require.NoError(t, WriteSimulation(&out, res))
	assert.Contains(t, out.String(), "entered-at-risk@v1")
	assert.Contains(t, out.String(), "at-risk")
}

func TestLoadScenarioRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadScenario(writeFile(t, dir, "bad.yaml", "steps: [{advance: 1h, bogus: true}]\n"))
	require.Error(t, err)

	_, err = LoadScenario(writeFile(t, dir, "empty.yaml", "start: 2026-07-01T00:00:00Z\n"))
	require.Error(t, err)
}

func TestValidateReportsEveryError(t *testing.T) {
	a := testApp(t)
	dir := t.TempDir()
	writeFile(t, dir, "ok.yaml", `
triggers:
  - id: fine
    condition: {severity_at_least: low}
    severity: {default: low}
`)
	writeFile(t, dir, "bad.yaml", `
triggers:
  - id: broken
    condition: {}
    severity: {default: low}
  - id: worse
    condition: {severity_at_least: low}
    severity: {default: urgent}
`)

	var out bytes.Buffer
	err := a.Validate(&out, dir)
	require.Error(t, err)
	assert.Contains(t, out.String(), "2 file(s), 3 trigger(s), 0 score type(s), 2 error(s)")

	out.Reset()
	require.NoError(t, os.Remove(filepath.Join(dir, "bad.yaml")))
	require.NoError(t, a.Validate(&out, dir))
}

func TestWorkflowConfigFromSettings(t *testing.T) {
	a := testApp(t)
	a.Config.Workflow.EscalationChannel = "email"
	cfg, err := a.workflowConfig()
	require.NoError(t, err)
	assert.Equal(t, "email", string(cfg.EscalationChannel))

	a.Config.Workflow.SLA["urgent"] = 1
	_, err = a.workflowConfig()
	assert.Error(t, err)
}

func TestShowNeedsDatabase(t *testing.T) {
	a := testApp(t)
	err := a.Show(context.Background(), &bytes.Buffer{}, ShowOptions{Limit: 10})
	assert.Error(t, err)
}
