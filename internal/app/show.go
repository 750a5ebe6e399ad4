package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"signal-engine/internal/alerts"
	"signal-engine/internal/rules"
)

// Show prints active alerts, newest first.
func (a *App) Show(ctx context.Context, out io.Writer, opts ShowOptions) error {
	rt, err := a.build(ctx, buildOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()
	if rt.Store == nil {
		return fmt.Errorf("database not configured; nothing to show")
	}

	list, err := rt.Engine.ListAlerts(ctx, alerts.Filter{
		AccountID: opts.AccountID,
		Segment:   opts.Segment,
		Statuses:  alerts.ActiveStatuses,
		Limit:     opts.Limit,
	})
	if err != nil {
		return err
	}
	return writeAlertTable(out, list)
}

func writeAlertTable(out io.Writer, list []alerts.Alert) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(out, "no active alerts")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Fired (UTC)\tAccount\tTrigger\tSeverity\tStatus\tSub-entity\tSummary")
	for _, al := range list {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			al.FiredAt.UTC().Format(time.RFC3339),
			al.AccountID,
			fmt.Sprintf("%s@v%d", al.TriggerID, al.TriggerVersion),
			al.Severity,
			al.Status,
			al.SubEntity,
			sanitizeInline(summarize(al.Evidence)),
		)
	}
	return writer.Flush()
}

// summarize renders evidence as one short line.
func summarize(ev rules.Evidence) string {
	var parts []string
	for _, sc := range ev.Scores {
		parts = append(parts, fmt.Sprintf("%s=%s(%s)", sc.ScoreType, sc.Value.StringFixed(1), sc.Zone))
	}
	for _, e := range ev.Evaluations {
		parts = append(parts, fmt.Sprintf("%s %s %+.0f%%", e.MetricKey, e.Classification, e.RelativeChange*100))
	}
	if n := len(ev.Events); n > 0 {
		parts = append(parts, fmt.Sprintf("%d event(s)", n))
	}
	return strings.Join(parts, "; ")
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
