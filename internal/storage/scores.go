package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"signal-engine/internal/rules"
	"signal-engine/internal/scoring"
)

const scoreColumns = `
        account_id,
        score_type,
        score_type_version,
        value::text,
        previous_value::text,
        change_delta::text,
        zone,
        previous_zone,
        components,
        stale,
        reason,
        computed_at`

const (
	insertScoreSQL = `INSERT INTO scores (
        account_id,
        score_type,
        score_type_version,
        value,
        previous_value,
        change_delta,
        zone,
        previous_zone,
        components,
        stale,
        reason,
        computed_at
    ) VALUES (
        $1,$2,$3,$4::numeric,$5::numeric,$6::numeric,$7,$8,$9,$10,$11,$12
    );`

	latestScoreSQL = `SELECT` + scoreColumns + `
    FROM scores
    WHERE account_id = $1
      AND score_type = $2
    ORDER BY computed_at DESC, id DESC
    LIMIT 1;`

	scoreAtOrBeforeSQL = `SELECT` + scoreColumns + `
    FROM scores
    WHERE account_id = $1
      AND score_type = $2
      AND computed_at <= $3
    ORDER BY computed_at DESC, id DESC
    LIMIT 1;`

	scoreHistorySQL = `SELECT` + scoreColumns + `
    FROM scores
    WHERE account_id = $1
      AND score_type = $2
      AND computed_at >= $3
      AND computed_at < $4
    ORDER BY computed_at, id
    LIMIT NULLIF($5, 0);`

	upsertTriggerStateSQL = `INSERT INTO trigger_states (
        dedup_key,
        trigger_id,
        account_id,
        sub_entity,
        phase,
        condition_true,
        cooldown_anchor,
        last_evaluated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (dedup_key) DO UPDATE
    SET phase = EXCLUDED.phase,
        condition_true = EXCLUDED.condition_true,
        cooldown_anchor = EXCLUDED.cooldown_anchor,
        last_evaluated_at = EXCLUDED.last_evaluated_at;`

	triggerStateColumns = `
        dedup_key,
        trigger_id,
        account_id,
        sub_entity,
        phase,
        condition_true,
        cooldown_anchor,
        last_evaluated_at`

	getTriggerStateSQL = `SELECT` + triggerStateColumns + `
    FROM trigger_states
    WHERE dedup_key = $1;`

	listTriggerStatesSQL = `SELECT` + triggerStateColumns + `
    FROM trigger_states
    WHERE trigger_id = $1
      AND account_id = $2
    ORDER BY sub_entity;`
)

// AppendScore implements scoring.History.
func (s *Store) AppendScore(ctx context.Context, sc scoring.Score) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	components := sc.Components
	if components == nil {
		components = map[string]decimal.Decimal{}
	}
	body, err := marshalJSON(components, "score components")
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertScoreSQL,
		sc.AccountID,
		sc.ScoreType,
		sc.Version,
		sc.Value.String(),
		sc.PreviousValue.String(),
		sc.ChangeDelta.String(),
		sc.Zone,
		sc.PreviousZone,
		body,
		sc.Stale,
		sc.Reason,
		sc.ComputedAt.UTC(),
	)
	if execErr != nil {
		return fmt.Errorf("insert score: %w", execErr)
	}
	return nil
}

// LatestScore implements scoring.History.
func (s *Store) LatestScore(ctx context.Context, accountID, scoreType string) (scoring.Score, bool, error) {
	return s.oneScore(ctx, latestScoreSQL, accountID, scoreType)
}

// ScoreAtOrBefore implements scoring.History.
func (s *Store) ScoreAtOrBefore(ctx context.Context, accountID, scoreType string, at time.Time) (scoring.Score, bool, error) {
	return s.oneScore(ctx, scoreAtOrBeforeSQL, accountID, scoreType, at.UTC())
}

func (s *Store) oneScore(ctx context.Context, query string, args ...any) (scoring.Score, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return scoring.Score{}, false, err
	}
	sc, scanErr := scanScore(pool.QueryRow(ctx, query, args...))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return scoring.Score{}, false, nil
	}
	if scanErr != nil {
		return scoring.Score{}, false, fmt.Errorf("query score: %w", scanErr)
	}
	return sc, true, nil
}

// ScoreHistory implements scoring.History.
func (s *Store) ScoreHistory(ctx context.Context, accountID, scoreType string, from, to time.Time, limit int) ([]scoring.Score, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, scoreHistorySQL, accountID, scoreType, from.UTC(), to.UTC(), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list score history: %w", queryErr)
	}
	defer rows.Close()

	out := make([]scoring.Score, 0)
	for rows.Next() {
		sc, scanErr := scanScore(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, sc)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanScore(row pgx.Row) (scoring.Score, error) {
	var (
		sc                      scoring.Score
		value, previous, change string
		components              []byte
	)
	if err := row.Scan(
		&sc.AccountID,
		&sc.ScoreType,
		&sc.Version,
		&value,
		&previous,
		&change,
		&sc.Zone,
		&sc.PreviousZone,
		&components,
		&sc.Stale,
		&sc.Reason,
		&sc.ComputedAt,
	); err != nil {
		return scoring.Score{}, err
	}

	var err error
	if sc.Value, err = parseDecimal(value, "score value"); err != nil {
		return scoring.Score{}, err
	}
	if sc.PreviousValue, err = parseDecimal(previous, "previous value"); err != nil {
		return scoring.Score{}, err
	}
	if sc.ChangeDelta, err = parseDecimal(change, "change delta"); err != nil {
		return scoring.Score{}, err
	}
	if err := unmarshalJSON(components, &sc.Components, "score components"); err != nil {
		return scoring.Score{}, err
	}
	sc.ComputedAt = sc.ComputedAt.UTC()
	return sc, nil
}

// GetState implements rules.StateStore.
func (s *Store) GetState(ctx context.Context, dedupKey string) (rules.State, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return rules.State{}, false, err
	}
	st, scanErr := scanState(pool.QueryRow(ctx, getTriggerStateSQL, dedupKey))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return rules.State{}, false, nil
	}
	if scanErr != nil {
		return rules.State{}, false, fmt.Errorf("get trigger state: %w", scanErr)
	}
	return st, true, nil
}

// PutState implements rules.StateStore.
func (s *Store) PutState(ctx context.Context, st rules.State) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, upsertTriggerStateSQL,
		st.DedupKey,
		st.TriggerID,
		st.AccountID,
		st.SubEntity,
		string(st.Phase),
		st.ConditionTrue,
		nullTime(st.CooldownAnchor),
		nullTime(st.LastEvaluatedAt),
	)
	if execErr != nil {
		return fmt.Errorf("upsert trigger state: %w", execErr)
	}
	return nil
}

// StatesFor implements rules.StateStore.
func (s *Store) StatesFor(ctx context.Context, triggerID, accountID string) ([]rules.State, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listTriggerStatesSQL, triggerID, accountID)
	if queryErr != nil {
		return nil, fmt.Errorf("list trigger states: %w", queryErr)
	}
	defer rows.Close()

	var out []rules.State
	for rows.Next() {
		st, scanErr := scanState(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, st)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanState(row pgx.Row) (rules.State, error) {
	var (
		st                rules.State
		phase             string
		anchor, evaluated *time.Time
	)
	if err := row.Scan(
		&st.DedupKey,
		&st.TriggerID,
		&st.AccountID,
		&st.SubEntity,
		&phase,
		&st.ConditionTrue,
		&anchor,
		&evaluated,
	); err != nil {
		return rules.State{}, err
	}
	st.Phase = rules.Phase(phase)
	st.CooldownAnchor = fromNullTime(anchor)
	st.LastEvaluatedAt = fromNullTime(evaluated)
	return st, nil
}

var (
	_ scoring.History  = (*Store)(nil)
	_ rules.StateStore = (*Store)(nil)
)
