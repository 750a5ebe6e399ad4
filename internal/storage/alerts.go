package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"signal-engine/internal/alerts"
	"signal-engine/internal/rules"
	"signal-engine/internal/workflow"
)

const alertColumns = `
        id,
        account_id,
        segment,
        trigger_id,
        trigger_version,
        severity,
        status,
        evidence,
        dedup_key,
        sub_entity,
        fired_at,
        last_escalated_at,
        acknowledged_at,
        acknowledged_by,
        resolved_at,
        resolution,
        updated_at`

const (
	insertAlertSQL = `INSERT INTO alerts (` + alertColumns + `
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
    );`

	updateAlertSQL = `UPDATE alerts
    SET severity = $2,
        status = $3,
        last_escalated_at = $4,
        acknowledged_at = $5,
        acknowledged_by = $6,
        resolved_at = $7,
        resolution = $8,
        updated_at = $9
    WHERE id = $1;`

	getAlertSQL = `SELECT` + alertColumns + `
    FROM alerts
    WHERE id = $1;`

	latestAlertByDedupSQL = `SELECT` + alertColumns + `
    FROM alerts
    WHERE dedup_key = $1
    ORDER BY fired_at DESC, updated_at DESC
    LIMIT 1;`

	runColumns = `
        id,
        alert_id,
        account_id,
        trigger_id,
        definition_version,
        status,
        severity,
        current_step_index,
        steps,
        evidence,
        fired_at,
        sla_deadline,
        sla_escalated_at,
        created_at,
        updated_at`

	insertRunSQL = `INSERT INTO workflow_runs (` + runColumns + `
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
    );`

	updateRunSQL = `UPDATE workflow_runs
    SET status = $2,
        severity = $3,
        current_step_index = $4,
        steps = $5,
        sla_deadline = $6,
        sla_escalated_at = $7,
        updated_at = $8
    WHERE id = $1;`

	getRunSQL = `SELECT` + runColumns + `
    FROM workflow_runs
    WHERE id = $1;`

	runForAlertSQL = `SELECT` + runColumns + `
    FROM workflow_runs
    WHERE alert_id = $1;`

	activeRunsSQL = `SELECT` + runColumns + `
    FROM workflow_runs
    WHERE status = 'active'
    ORDER BY created_at, id;`
)

// InsertAlert implements alerts.Store. The partial unique index on active dedup keys
// turns a concurrent double fire into alerts.ErrConflict.
func (s *Store) InsertAlert(ctx context.Context, a alerts.Alert) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	evidence, err := marshalJSON(a.Evidence, "alert evidence")
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertAlertSQL,
		a.ID,
		a.AccountID,
		a.Segment,
		a.TriggerID,
		a.TriggerVersion,
		string(a.Severity),
		string(a.Status),
		evidence,
		a.DedupKey,
		a.SubEntity,
		a.FiredAt.UTC(),
		utcPtr(a.LastEscalatedAt),
		utcPtr(a.AcknowledgedAt),
		a.AcknowledgedBy,
		utcPtr(a.ResolvedAt),
		a.Resolution,
		a.UpdatedAt.UTC(),
	)
	if isUniqueViolation(execErr) {
		return alerts.ErrConflict
	}
	if execErr != nil {
		return fmt.Errorf("insert alert: %w", execErr)
	}
	return nil
}

// UpdateAlert implements alerts.Store.
func (s *Store) UpdateAlert(ctx context.Context, a alerts.Alert) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, updateAlertSQL,
		a.ID,
		string(a.Severity),
		string(a.Status),
		utcPtr(a.LastEscalatedAt),
		utcPtr(a.AcknowledgedAt),
		a.AcknowledgedBy,
		utcPtr(a.ResolvedAt),
		a.Resolution,
		a.UpdatedAt.UTC(),
	)
	if isUniqueViolation(execErr) {
		return alerts.ErrConflict
	}
	if execErr != nil {
		return fmt.Errorf("update alert: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return alerts.ErrNotFound
	}
	return nil
}

// GetAlert implements alerts.Store.
func (s *Store) GetAlert(ctx context.Context, id string) (alerts.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return alerts.Alert{}, err
	}
	a, scanErr := scanAlert(pool.QueryRow(ctx, getAlertSQL, id))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return alerts.Alert{}, alerts.ErrNotFound
	}
	if scanErr != nil {
		return alerts.Alert{}, fmt.Errorf("get alert: %w", scanErr)
	}
	return a, nil
}

// LatestByDedupKey implements alerts.Store.
func (s *Store) LatestByDedupKey(ctx context.Context, dedupKey string) (alerts.Alert, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return alerts.Alert{}, false, err
	}
	a, scanErr := scanAlert(pool.QueryRow(ctx, latestAlertByDedupSQL, dedupKey))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return alerts.Alert{}, false, nil
	}
	if scanErr != nil {
		return alerts.Alert{}, false, fmt.Errorf("latest alert by dedup key: %w", scanErr)
	}
	return a, true, nil
}

// ListAlerts implements alerts.Store.
func (s *Store) ListAlerts(ctx context.Context, f alerts.Filter) ([]alerts.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	query, args := listAlertsQuery(f)
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", queryErr)
	}
	defer rows.Close()

	out := make([]alerts.Alert, 0)
	for rows.Next() {
		a, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func listAlertsQuery(f alerts.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if f.Segment != "" {
		add("segment = $%d", f.Segment)
	}
	if f.TriggerID != "" {
		add("trigger_id = $%d", f.TriggerID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses = append(statuses, string(st))
		}
		add("status = ANY($%d)", statuses)
	}

	var b strings.Builder
	b.WriteString("SELECT")
	b.WriteString(alertColumns)
	b.WriteString("\n    FROM alerts")
	if len(where) > 0 {
		b.WriteString("\n    WHERE ")
		b.WriteString(strings.Join(where, "\n      AND "))
	}
	b.WriteString("\n    ORDER BY fired_at DESC, id")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, "\n    LIMIT $%d", len(args))
	}
	b.WriteString(";")
	return b.String(), args
}

func scanAlert(row pgx.Row) (alerts.Alert, error) {
	var (
		a                  alerts.Alert
		severity, status   string
		evidence           []byte
		escalated, ack, rs *time.Time
	)
	if err := row.Scan(
		&a.ID,
		&a.AccountID,
		&a.Segment,
		&a.TriggerID,
		&a.TriggerVersion,
		&severity,
		&status,
		&evidence,
		&a.DedupKey,
		&a.SubEntity,
		&a.FiredAt,
		&escalated,
		&ack,
		&a.AcknowledgedBy,
		&rs,
		&a.Resolution,
		&a.UpdatedAt,
	); err != nil {
		return alerts.Alert{}, err
	}
	a.Severity = rules.Severity(severity)
	a.Status = alerts.Status(status)
	if err := unmarshalJSON(evidence, &a.Evidence, "alert evidence"); err != nil {
		return alerts.Alert{}, err
	}
	a.FiredAt = a.FiredAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	a.LastEscalatedAt = utcPtr(escalated)
	a.AcknowledgedAt = utcPtr(ack)
	a.ResolvedAt = utcPtr(rs)
	return a, nil
}

// InsertRun implements workflow.Store.
func (s *Store) InsertRun(ctx context.Context, r workflow.Run) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	steps, err := marshalJSON(r.Steps, "run steps")
	if err != nil {
		return err
	}
	evidence, err := marshalJSON(r.Evidence, "run evidence")
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertRunSQL,
		r.ID,
		r.AlertID,
		r.AccountID,
		r.TriggerID,
		r.DefinitionVersion,
		string(r.Status),
		string(r.Severity),
		r.CurrentStepIndex,
		steps,
		evidence,
		r.FiredAt.UTC(),
		r.SLADeadline.UTC(),
		utcPtr(r.SLAEscalatedAt),
		r.CreatedAt.UTC(),
		r.UpdatedAt.UTC(),
	)
	if isUniqueViolation(execErr) {
		return fmt.Errorf("workflow: run already exists for alert %s", r.AlertID)
	}
	if execErr != nil {
		return fmt.Errorf("insert workflow run: %w", execErr)
	}
	return nil
}

// UpdateRun implements workflow.Store.
func (s *Store) UpdateRun(ctx context.Context, r workflow.Run) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	steps, err := marshalJSON(r.Steps, "run steps")
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, updateRunSQL,
		r.ID,
		string(r.Status),
		string(r.Severity),
		r.CurrentStepIndex,
		steps,
		r.SLADeadline.UTC(),
		utcPtr(r.SLAEscalatedAt),
		r.UpdatedAt.UTC(),
	)
	if execErr != nil {
		return fmt.Errorf("update workflow run: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return workflow.ErrRunNotFound
	}
	return nil
}

// GetRun implements workflow.Store.
func (s *Store) GetRun(ctx context.Context, id string) (workflow.Run, error) {
	pool, err := s.getPool()
	if err != nil {
		return workflow.Run{}, err
	}
	r, scanErr := scanRun(pool.QueryRow(ctx, getRunSQL, id))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return workflow.Run{}, workflow.ErrRunNotFound
	}
	if scanErr != nil {
		return workflow.Run{}, fmt.Errorf("get workflow run: %w", scanErr)
	}
	return r, nil
}

// RunForAlert implements workflow.Store.
func (s *Store) RunForAlert(ctx context.Context, alertID string) (workflow.Run, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return workflow.Run{}, false, err
	}
	r, scanErr := scanRun(pool.QueryRow(ctx, runForAlertSQL, alertID))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return workflow.Run{}, false, nil
	}
	if scanErr != nil {
		return workflow.Run{}, false, fmt.Errorf("run for alert: %w", scanErr)
	}
	return r, true, nil
}

// ActiveRuns implements workflow.Store.
func (s *Store) ActiveRuns(ctx context.Context) ([]workflow.Run, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, activeRunsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list active runs: %w", queryErr)
	}
	defer rows.Close()

	var out []workflow.Run
	for rows.Next() {
		r, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanRun(row pgx.Row) (workflow.Run, error) {
	var (
		r                workflow.Run
		status, severity string
		steps, evidence  []byte
		escalated        *time.Time
	)
	if err := row.Scan(
		&r.ID,
		&r.AlertID,
		&r.AccountID,
		&r.TriggerID,
		&r.DefinitionVersion,
		&status,
		&severity,
		&r.CurrentStepIndex,
		&steps,
		&evidence,
		&r.FiredAt,
		&r.SLADeadline,
		&escalated,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return workflow.Run{}, err
	}
	r.Status = workflow.RunStatus(status)
	r.Severity = rules.Severity(severity)
	if err := unmarshalJSON(steps, &r.Steps, "run steps"); err != nil {
		return workflow.Run{}, err
	}
	if err := unmarshalJSON(evidence, &r.Evidence, "run evidence"); err != nil {
		return workflow.Run{}, err
	}
	r.FiredAt = r.FiredAt.UTC()
	r.SLADeadline = r.SLADeadline.UTC()
	r.SLAEscalatedAt = utcPtr(escalated)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

var (
	_ alerts.Store   = (*Store)(nil)
	_ workflow.Store = (*Store)(nil)
)
