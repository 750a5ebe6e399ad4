package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"signal-engine/internal/baseline"
	"signal-engine/internal/signal"
)

const (
	touchAccountSQL = `INSERT INTO accounts (account_id) VALUES ($1) ON CONFLICT (account_id) DO NOTHING;`

	insertSampleSQL = `INSERT INTO metric_samples (
        account_id,
        metric_key,
        ts,
        value,
        dedup_key
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (dedup_key) DO NOTHING;`

	listSamplesBetweenSQL = `SELECT
        account_id,
        metric_key,
        ts,
        value
    FROM metric_samples
    WHERE account_id = $1
      AND metric_key = $2
      AND ts >= $3
      AND ts < $4
    ORDER BY ts, id;`

	latestSampleSQL = `SELECT
        account_id,
        metric_key,
        ts,
        value
    FROM metric_samples
    WHERE account_id = $1
      AND metric_key = $2
    ORDER BY ts DESC, id DESC
    LIMIT 1;`

	insertEventSQL = `INSERT INTO events (
        account_id,
        event_type,
        ts,
        payload,
        dedup_key
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (dedup_key) DO NOTHING;`

	listEventsSinceSQL = `SELECT
        account_id,
        event_type,
        ts,
        payload
    FROM events
    WHERE account_id = $1
      AND ($2 = '' OR event_type = $2)
      AND ts >= $3
    ORDER BY ts, id;`

	listAccountsSQL = `SELECT account_id FROM accounts ORDER BY account_id;`

	listMetricsSQL = `SELECT DISTINCT metric_key FROM metric_samples WHERE account_id = $1 ORDER BY metric_key;`

	setSegmentSQL = `INSERT INTO accounts (account_id, segment, updated_at)
    VALUES ($1, $2, now())
    ON CONFLICT (account_id) DO UPDATE
    SET segment = EXCLUDED.segment,
        updated_at = EXCLUDED.updated_at;`

	getSegmentSQL = `SELECT segment FROM accounts WHERE account_id = $1;`

	pruneSamplesSQL = `DELETE FROM metric_samples WHERE ts < $1;`
	pruneEventsSQL  = `DELETE FROM events WHERE ts < $1;`

	insertBaselineSQL = `INSERT INTO baselines (
        account_id,
        metric_key,
        kind,
        window_start,
        window_end,
        mean,
        variance,
        sample_count,
        categorical_frequency,
        computed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	latestBaselineSQL = `SELECT
        account_id,
        metric_key,
        kind,
        window_start,
        window_end,
        mean,
        variance,
        sample_count,
        categorical_frequency,
        computed_at
    FROM baselines
    WHERE account_id = $1
      AND metric_key = $2
    ORDER BY computed_at DESC, id DESC
    LIMIT 1;`
)

// AppendSample implements signal.Store.
func (s *Store) AppendSample(ctx context.Context, sample signal.MetricSample) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	sample = sample.Normalize()
	if err := sample.Validate(); err != nil {
		return false, err
	}

	tag, execErr := pool.Exec(ctx, insertSampleSQL,
		sample.AccountID,
		sample.MetricKey,
		sample.Timestamp,
		sample.Value,
		sample.DedupKey(),
	)
	if execErr != nil {
		return false, fmt.Errorf("insert sample: %w", execErr)
	}
	if _, err := pool.Exec(ctx, touchAccountSQL, sample.AccountID); err != nil {
		return false, fmt.Errorf("touch account: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendEvent implements signal.Store.
func (s *Store) AppendEvent(ctx context.Context, event signal.Event) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	event = event.Normalize()
	if err := event.Validate(); err != nil {
		return false, err
	}
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := marshalJSON(payload, "event payload")
	if err != nil {
		return false, err
	}

	tag, execErr := pool.Exec(ctx, insertEventSQL,
		event.AccountID,
		event.Type,
		event.Timestamp,
		body,
		event.DedupKey(),
	)
	if execErr != nil {
		return false, fmt.Errorf("insert event: %w", execErr)
	}
	if _, err := pool.Exec(ctx, touchAccountSQL, event.AccountID); err != nil {
		return false, fmt.Errorf("touch account: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SamplesBetween implements signal.Store.
func (s *Store) SamplesBetween(ctx context.Context, accountID, metricKey string, from, to time.Time) ([]signal.MetricSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, accountID, metricKey, from.UTC(), to.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]signal.MetricSample, 0)
	for rows.Next() {
		sample, scanErr := scanSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// LatestSample implements signal.Store.
func (s *Store) LatestSample(ctx context.Context, accountID, metricKey string) (signal.MetricSample, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return signal.MetricSample{}, false, err
	}
	sample, scanErr := scanSample(pool.QueryRow(ctx, latestSampleSQL, accountID, metricKey))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return signal.MetricSample{}, false, nil
	}
	if scanErr != nil {
		return signal.MetricSample{}, false, fmt.Errorf("latest sample: %w", scanErr)
	}
	return sample, true, nil
}

// EventsSince implements signal.Store.
func (s *Store) EventsSince(ctx context.Context, accountID, eventType string, since time.Time) ([]signal.Event, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEventsSinceSQL, accountID, eventType, since.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list events since: %w", queryErr)
	}
	defer rows.Close()

	events := make([]signal.Event, 0)
	for rows.Next() {
		var (
			e    signal.Event
			body []byte
		)
		if err := rows.Scan(&e.AccountID, &e.Type, &e.Timestamp, &body); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(body, &e.Payload, "event payload"); err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// Accounts implements signal.Store.
func (s *Store) Accounts(ctx context.Context) ([]string, error) {
	return s.listStrings(ctx, listAccountsSQL)
}

// Metrics implements signal.Store.
func (s *Store) Metrics(ctx context.Context, accountID string) ([]string, error) {
	return s.listStrings(ctx, listMetricsSQL, accountID)
}

func (s *Store) listStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list: %w", queryErr)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect rows: %w", err)
	}
	return out, nil
}

// SetSegment implements signal.Store.
func (s *Store) SetSegment(ctx context.Context, accountID, segment string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setSegmentSQL, accountID, segment); execErr != nil {
		return fmt.Errorf("set segment: %w", execErr)
	}
	return nil
}

// Segment implements signal.Store.
func (s *Store) Segment(ctx context.Context, accountID string) (string, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}
	var segment string
	scanErr := pool.QueryRow(ctx, getSegmentSQL, accountID).Scan(&segment)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return "", nil
	}
	if scanErr != nil {
		return "", fmt.Errorf("get segment: %w", scanErr)
	}
	return segment, nil
}

// PruneBefore implements signal.Store.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, q := range []string{pruneSamplesSQL, pruneEventsSQL} {
		tag, execErr := pool.Exec(ctx, q, cutoff.UTC())
		if execErr != nil {
			return removed, fmt.Errorf("prune: %w", execErr)
		}
		removed += tag.RowsAffected()
	}
	return removed, nil
}

// AppendBaseline implements baseline.Store.
func (s *Store) AppendBaseline(ctx context.Context, b baseline.Baseline) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var freq []byte
	if b.CategoricalFrequency != nil {
		if freq, err = marshalJSON(b.CategoricalFrequency, "categorical frequency"); err != nil {
			return err
		}
	}
	_, execErr := pool.Exec(ctx, insertBaselineSQL,
		b.AccountID,
		b.MetricKey,
		string(b.Kind),
		b.WindowStart.UTC(),
		b.WindowEnd.UTC(),
		b.Mean,
		b.Variance,
		b.SampleCount,
		freq,
		b.ComputedAt.UTC(),
	)
	if execErr != nil {
		return fmt.Errorf("insert baseline: %w", execErr)
	}
	return nil
}

// LatestBaseline implements baseline.Store.
func (s *Store) LatestBaseline(ctx context.Context, accountID, metricKey string) (baseline.Baseline, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return baseline.Baseline{}, false, err
	}
	var (
		b    baseline.Baseline
		kind string
		freq []byte
	)
	scanErr := pool.QueryRow(ctx, latestBaselineSQL, accountID, metricKey).Scan(
		&b.AccountID,
		&b.MetricKey,
		&kind,
		&b.WindowStart,
		&b.WindowEnd,
		&b.Mean,
		&b.Variance,
		&b.SampleCount,
		&freq,
		&b.ComputedAt,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return baseline.Baseline{}, false, nil
	}
	if scanErr != nil {
		return baseline.Baseline{}, false, fmt.Errorf("latest baseline: %w", scanErr)
	}
	b.Kind = baseline.Kind(kind)
	if err := unmarshalJSON(freq, &b.CategoricalFrequency, "categorical frequency"); err != nil {
		return baseline.Baseline{}, false, err
	}
	b.WindowStart, b.WindowEnd, b.ComputedAt = b.WindowStart.UTC(), b.WindowEnd.UTC(), b.ComputedAt.UTC()
	return b, true, nil
}

func scanSample(row pgx.Row) (signal.MetricSample, error) {
	var sample signal.MetricSample
	if err := row.Scan(&sample.AccountID, &sample.MetricKey, &sample.Timestamp, &sample.Value); err != nil {
		return signal.MetricSample{}, err
	}
	sample.Timestamp = sample.Timestamp.UTC()
	return sample, nil
}

var (
	_ signal.Store   = (*Store)(nil)
	_ baseline.Store = (*Store)(nil)
)
