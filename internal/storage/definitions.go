package storage

import (
	"context"
	"fmt"

	"signal-engine/internal/definitions"
)

const (
	insertDefinitionSQL = `INSERT INTO definitions (
        kind,
        id,
        version,
        body,
        disabled
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (kind, id, version) DO NOTHING;`

	setDefinitionDisabledSQL = `UPDATE definitions
    SET disabled = $3
    WHERE kind = $1
      AND id = $2;`

	loadDefinitionsSQL = `SELECT
        kind,
        id,
        version,
        body,
        disabled
    FROM definitions
    ORDER BY kind, id, version;`
)

// SaveDefinition implements definitions.Store. Versions are immutable so a replayed
// save is a no-op.
func (s *Store) SaveDefinition(ctx context.Context, rec definitions.Record) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertDefinitionSQL, rec.Kind, rec.ID, rec.Version, rec.Body, rec.Disabled); execErr != nil {
		return fmt.Errorf("insert definition %s/%s@%d: %w", rec.Kind, rec.ID, rec.Version, execErr)
	}
	return nil
}

// SetDefinitionDisabled implements definitions.Store.
func (s *Store) SetDefinitionDisabled(ctx context.Context, kind, id string, disabled bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setDefinitionDisabledSQL, kind, id, disabled); execErr != nil {
		return fmt.Errorf("set definition disabled %s/%s: %w", kind, id, execErr)
	}
	return nil
}

// LoadDefinitions implements definitions.Store. Score types sort before triggers so
// a restore can resolve the score types triggers reference.
func (s *Store) LoadDefinitions(ctx context.Context) ([]definitions.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, loadDefinitionsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("load definitions: %w", queryErr)
	}
	defer rows.Close()

	var out []definitions.Record
	for rows.Next() {
		var rec definitions.Record
		if err := rows.Scan(&rec.Kind, &rec.ID, &rec.Version, &rec.Body, &rec.Disabled); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

var _ definitions.Store = (*Store)(nil)
