package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"signal-engine/internal/scoring"
)

// Export renders one account's score history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.AccountID == "" || opts.ScoreType == "" {
		return errors.New("--account and --score-type are required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	rt, err := a.build(ctx, buildOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()
	if rt.Store == nil {
		return errors.New("database not configured; cannot export")
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-30 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	scores, err := rt.Engine.ScoreHistory(ctx, opts.AccountID, opts.ScoreType, from, to, 0)
	if err != nil {
		return err
	}
	if len(scores) == 0 {
		a.Logger.Info().Str("account_id", opts.AccountID).Str("score_type", opts.ScoreType).Msg("no scores found for export window")
		return nil
	}

	downsampled := downsampleScores(scores, opts.MaxPoints)
	a.Logger.Info().Int("total", len(scores)).Int("exported", len(downsampled)).Msg("exporting score history")

	if opts.CSVPath != "" {
		if err := writeScoresCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeScoresPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}
	return nil
}

func downsampleScores(scores []scoring.Score, max int) []scoring.Score {
	if max <= 0 || len(scores) <= max {
		return scores
	}
	if max == 1 {
		return scores[len(scores)-1:]
	}

	result := make([]scoring.Score, 0, max)
	step := float64(len(scores)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(scores) {
			idx = len(scores) - 1
		}
		result = append(result, scores[idx])
	}
	return result
}

// componentNames lists every component seen across scores, sorted.
func componentNames(scores []scoring.Score) []string {
	seen := make(map[string]struct{})
	for _, s := range scores {
		for name := range s.Components {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func writeScoresCSV(path string, scores []scoring.Score) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	components := componentNames(scores)
	header := []string{"computed_at", "account_id", "score_type", "version", "value", "change_delta", "zone", "stale", "reason"}
	for _, c := range components {
		header = append(header, "component_"+c)
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range scores {
		stale := "false"
		if s.Stale {
			stale = "true"
		}
		record := []string{
			s.ComputedAt.UTC().Format(time.RFC3339),
			s.AccountID,
			s.ScoreType,
			strconv.Itoa(s.Version),
			s.Value.StringFixed(2),
			s.ChangeDelta.StringFixed(2),
			s.Zone,
			stale,
			s.Reason,
		}
		for _, c := range components {
			v, ok := s.Components[c]
			if !ok {
				record = append(record, "")
				continue
			}
			record = append(record, v.StringFixed(2))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeScoresPNG(path string, scores []scoring.Score) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(scores))
	values := make([]float64, len(scores))
	components := componentNames(scores)
	byComponent := make(map[string][]float64, len(components))

	for i, s := range scores {
		x[i] = s.ComputedAt
		values[i] = s.Value.InexactFloat64()
		for _, c := range components {
			byComponent[c] = append(byComponent[c], s.Components[c].InexactFloat64())
		}
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    scores[0].ScoreType,
			XValues: x,
			YValues: values,
			Style:   chart.Style{StrokeWidth: 3},
		},
	}
	for _, c := range components {
		series = append(series, chart.TimeSeries{
			Name:    c,
			XValues: x,
			YValues: byComponent[c],
			Style:   chart.Style{StrokeWidth: 1, StrokeDashArray: []float64{4, 2}},
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Score (0-100)",
			ValueFormatter: valueFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: 100},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
