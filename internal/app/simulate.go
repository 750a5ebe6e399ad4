package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"
	"gopkg.in/yaml.v3"

	"signal-engine/internal/alerts"
	"signal-engine/internal/definitions"
	"signal-engine/internal/delivery"
	sig "signal-engine/internal/signal"
)

// Scenario is a scripted timeline replayed against an in-memory engine on a fake clock.
type Scenario struct {
	Start       time.Time        `yaml:"start"`
	Definitions definitions.File `yaml:",inline"`
	Steps       []ScenarioStep   `yaml:"steps"`
}

// ScenarioStep advances the clock, then submits its inputs, then runs the requested ticks.
type ScenarioStep struct {
	Advance definitions.Duration `yaml:"advance"`
	Samples []ScenarioSample     `yaml:"samples"`
	Events  []ScenarioEvent      `yaml:"events"`
	Sweep   bool                 `yaml:"sweep"`
	SLA     bool                 `yaml:"check_sla"`
	Resolve []string             `yaml:"resolve"` // trigger ids whose open alerts get resolved
}

type ScenarioSample struct {
	Account string  `yaml:"account"`
	Metric  string  `yaml:"metric"`
	Value   float64 `yaml:"value"`
}

type ScenarioEvent struct {
	Account string         `yaml:"account"`
	Type    string         `yaml:"type"`
	Payload map[string]any `yaml:"payload"`
}

// SimulationResult is what a replay produced.
type SimulationResult struct {
	Alerts  []alerts.Alert
	Intents []delivery.Intent
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario: %w", err)
	}
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil && !errors.Is(err, io.EOF) {
		return Scenario{}, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if len(sc.Steps) == 0 {
		return Scenario{}, errors.New("scenario has no steps")
	}
	return sc, nil
}

// Simulate replays sc with the configured evaluator and workflow settings. Nothing is
// persisted and no intent leaves the process.
func (a *App) Simulate(ctx context.Context, sc Scenario) (SimulationResult, error) {
	start := sc.Start
	if start.IsZero() {
		start = time.Now().UTC().Truncate(time.Hour)
	}
	clock := clockwork.NewFakeClockAt(start)
	recorder := delivery.NewRecorder()

	var files []definitions.File
	if len(sc.Definitions.Triggers) > 0 || len(sc.Definitions.ScoreTypes) > 0 {
		files = []definitions.File{sc.Definitions}
	}
	rt, err := a.build(ctx, buildOptions{memory: true, clock: clock, gateway: recorder, files: files})
	if err != nil {
		return SimulationResult{}, err
	}
	defer rt.Close()

	for i, step := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return SimulationResult{}, err
		}
		clock.Advance(step.Advance.Std())
		now := clock.Now().UTC()

		for _, s := range step.Samples {
			if _, err := rt.Engine.SubmitMetricSample(ctx, sig.MetricSample{
				AccountID: s.Account, MetricKey: s.Metric, Timestamp: now, Value: s.Value,
			}); err != nil {
				return SimulationResult{}, fmt.Errorf("step %d: %w", i, err)
			}
		}
		for _, e := range step.Events {
			if _, err := rt.Engine.SubmitEvent(ctx, sig.Event{
				AccountID: e.Account, Type: e.Type, Timestamp: now, Payload: e.Payload,
			}); err != nil {
				return SimulationResult{}, fmt.Errorf("step %d: %w", i, err)
			}
		}
		if step.Sweep {
			if err := rt.Engine.Sweep(ctx, now); err != nil {
				return SimulationResult{}, fmt.Errorf("step %d sweep: %w", i, err)
			}
		}
		if step.SLA {
			if err := rt.Engine.CheckSLAs(ctx, now); err != nil {
				return SimulationResult{}, fmt.Errorf("step %d sla check: %w", i, err)
			}
		}
		for _, triggerID := range step.Resolve {
			open, err := rt.Engine.ListAlerts(ctx, alerts.Filter{TriggerID: triggerID, Statuses: alerts.ActiveStatuses})
			if err != nil {
				return SimulationResult{}, err
			}
			for _, al := range open {
				if _, err := rt.Engine.Resolve(ctx, al.ID, alerts.ResolutionManual); err != nil {
					return SimulationResult{}, fmt.Errorf("step %d resolve %s: %w", i, al.ID, err)
				}
			}
		}
	}

	list, err := rt.Engine.ListAlerts(ctx, alerts.Filter{})
	if err != nil {
		return SimulationResult{}, err
	}
	a.Logger.Info().Int("steps", len(sc.Steps)).Int("alerts", len(list)).Int("intents", len(recorder.Intents())).Msg("simulation finished")
	return SimulationResult{Alerts: list, Intents: recorder.Intents()}, nil
}

// WriteSimulation prints alerts then intents.
func WriteSimulation(out io.Writer, res SimulationResult) error {
	if err := writeAlertTable(out, res.Alerts); err != nil {
		return err
	}
	fmt.Fprintln(out)
	if len(res.Intents) == 0 {
		_, err := fmt.Fprintln(out, "no intents delivered")
		return err
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Account\tChannel\tTemplate\tStep\tPriority")
	for _, in := range res.Intents {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n", in.AccountID, in.Channel, in.Template, in.StepID, in.Priority)
	}
	return writer.Flush()
}
