package definitions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"signal-engine/internal/scoring"
	"signal-engine/internal/workflow"
)

// Record kinds.
const (
	KindTrigger   = "trigger"
	KindScoreType = "score_type"
)

// Record is one persisted definition version.
type Record struct {
	Kind     string
	ID       string
	Version  int
	Body     []byte
	Disabled bool
}

// Store persists definition versions.
type Store interface {
	SaveDefinition(ctx context.Context, rec Record) error
	SetDefinitionDisabled(ctx context.Context, kind, id string, disabled bool) error
	LoadDefinitions(ctx context.Context) ([]Record, error)
}

// Catalog is the configuration store for triggers and score types.
type Catalog struct {
	mu         sync.Mutex
	triggers   *Registry[TriggerDef]
	scoreTypes *Registry[scoring.ScoreType]
	store      Store
	logger     zerolog.Logger
}

// NewCatalog constructs a Catalog. store may be nil for in-memory use.
func NewCatalog(store Store, logger zerolog.Logger) *Catalog {
	return &Catalog{
		triggers:   NewRegistry[TriggerDef](),
		scoreTypes: NewRegistry[scoring.ScoreType](),
		store:      store,
		logger:     logger.With().Str("component", "definitions").Logger(),
	}
}

func digest(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// PutTrigger compiles and stores a trigger definition. created is false when the same
// content is already stored.
func (c *Catalog) PutTrigger(ctx context.Context, spec TriggerSpec) (TriggerDef, bool, error) {
	def, err := CompileTrigger(spec)
	if err != nil {
		return TriggerDef{}, false, err
	}
	unversioned := spec
	unversioned.Version = 0
	sum, err := digest(unversioned)
	if err != nil {
		return TriggerDef{}, false, fmt.Errorf("digest trigger %s: %w", spec.ID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	resolved, created, err := c.triggers.Resolve(def, sum)
	if err != nil || !created {
		if err == nil && c.triggers.Disabled(spec.ID) {
			return resolved, false, c.setTriggerDisabled(ctx, spec.ID, false)
		}
		return resolved, false, err
	}
	if c.store != nil {
		body, err := json.Marshal(resolved.Spec)
		if err != nil {
			return TriggerDef{}, false, fmt.Errorf("encode trigger %s: %w", spec.ID, err)
		}
		if err := c.store.SaveDefinition(ctx, Record{Kind: KindTrigger, ID: spec.ID, Version: resolved.Spec.Version, Body: body}); err != nil {
			return TriggerDef{}, false, fmt.Errorf("save trigger %s: %w", spec.ID, err)
		}
	}
	c.triggers.Commit(resolved, sum)
	c.logger.Info().Str("trigger_id", spec.ID).Int("version", resolved.Spec.Version).Msg("trigger version stored")
	return resolved, true, nil
}

// DisableTrigger stops evaluation of a trigger. Existing alerts keep their version.
func (c *Catalog) DisableTrigger(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setTriggerDisabled(ctx, id, true)
}

func (c *Catalog) setTriggerDisabled(ctx context.Context, id string, disabled bool) error {
	if _, ok := c.triggers.Latest(id); !ok {
		return fmt.Errorf("%w: trigger %s", ErrNotFound, id)
	}
	if c.store != nil {
		if err := c.store.SetDefinitionDisabled(ctx, KindTrigger, id, disabled); err != nil {
			return fmt.Errorf("disable trigger %s: %w", id, err)
		}
	}
	return c.triggers.SetDisabled(id, disabled)
}

// PutScoreType validates and stores a score type.
func (c *Catalog) PutScoreType(ctx context.Context, spec ScoreTypeSpec) (scoring.ScoreType, bool, error) {
	st, err := CompileScoreType(spec)
	if err != nil {
		return scoring.ScoreType{}, false, err
	}
	unversioned := spec
	unversioned.Version = 0
	sum, err := digest(unversioned)
	if err != nil {
		return scoring.ScoreType{}, false, fmt.Errorf("digest score type %s: %w", spec.ID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	resolved, created, err := c.scoreTypes.Resolve(st, sum)
	if err != nil || !created {
		return resolved, false, err
	}
	if c.store != nil {
		out := spec
		out.Version = resolved.Version
		body, err := json.Marshal(out)
		if err != nil {
			return scoring.ScoreType{}, false, fmt.Errorf("encode score type %s: %w", spec.ID, err)
		}
		if err := c.store.SaveDefinition(ctx, Record{Kind: KindScoreType, ID: spec.ID, Version: resolved.Version, Body: body}); err != nil {
			return scoring.ScoreType{}, false, fmt.Errorf("save score type %s: %w", spec.ID, err)
		}
	}
	c.scoreTypes.Commit(resolved, sum)
	c.logger.Info().Str("score_type", spec.ID).Int("version", resolved.Version).Msg("score type version stored")
	return resolved, true, nil
}

// Restore loads every persisted version. Call before LoadFile at startup.
func (c *Catalog) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	recs, err := c.store.LoadDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("load definitions: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	disabled := make(map[string]bool)
	for _, rec := range recs {
		switch rec.Kind {
		case KindTrigger:
			var spec TriggerSpec
			if err := json.Unmarshal(rec.Body, &spec); err != nil {
				return fmt.Errorf("decode trigger %s v%d: %w", rec.ID, rec.Version, err)
			}
			spec.Version = rec.Version
			def, err := CompileTrigger(spec)
			if err != nil {
				c.logger.Error().Err(err).Str("trigger_id", rec.ID).Int("version", rec.Version).Msg("stored trigger no longer compiles")
				continue
			}
			unversioned := spec
			unversioned.Version = 0
			sum, _ := digest(unversioned)
			c.triggers.Commit(def, sum)
			disabled[rec.ID] = rec.Disabled
		case KindScoreType:
			var spec ScoreTypeSpec
			if err := json.Unmarshal(rec.Body, &spec); err != nil {
				return fmt.Errorf("decode score type %s v%d: %w", rec.ID, rec.Version, err)
			}
			spec.Version = rec.Version
			st, err := CompileScoreType(spec)
			if err != nil {
				c.logger.Error().Err(err).Str("score_type", rec.ID).Int("version", rec.Version).Msg("stored score type no longer validates")
				continue
			}
			unversioned := spec
			unversioned.Version = 0
			sum, _ := digest(unversioned)
			c.scoreTypes.Commit(st, sum)
		}
	}
	for id, off := range disabled {
		if off {
			_ = c.triggers.SetDisabled(id, true)
		}
	}
	c.logger.Info().Int("records", len(recs)).Msg("definitions restored")
	return nil
}

// LoadFile stores every definition in f. Score types go first so triggers can
// reference them. It returns how many new versions were created.
func (c *Catalog) LoadFile(ctx context.Context, f File) (int, error) {
	created := 0
	for _, s := range f.ScoreTypes {
		_, ok, err := c.PutScoreType(ctx, s)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	for _, t := range f.Triggers {
		_, ok, err := c.PutTrigger(ctx, t)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// Trigger returns the latest version of a trigger.
func (c *Catalog) Trigger(id string) (TriggerDef, bool) {
	return c.triggers.Latest(id)
}

// TriggerVersions lists every stored version of a trigger.
func (c *Catalog) TriggerVersions(id string) []TriggerDef {
	return c.triggers.Versions(id)
}

// TriggerDisabled reports whether a trigger was disabled.
func (c *Catalog) TriggerDisabled(id string) bool {
	return c.triggers.Disabled(id)
}

// ActiveTriggers returns the latest version of every enabled trigger.
func (c *Catalog) ActiveTriggers() []TriggerDef {
	return c.triggers.Active()
}

// Actions implements workflow.DefinitionSource.
func (c *Catalog) Actions(triggerID string, version int) (workflow.Definition, bool) {
	def, ok := c.triggers.Version(triggerID, version)
	if !ok {
		return workflow.Definition{}, false
	}
	return def.Actions, true
}

// ScoreType implements scoring.TypeSource with the latest version.
func (c *Catalog) ScoreType(id string) (scoring.ScoreType, bool) {
	return c.scoreTypes.Latest(id)
}

// ScoreTypes returns the latest version of every score type.
func (c *Catalog) ScoreTypes() []scoring.ScoreType {
	return c.scoreTypes.Active()
}

// SpecFromScoreType renders a score type in its serialised form.
func SpecFromScoreType(st scoring.ScoreType) ScoreTypeSpec {
	spec := ScoreTypeSpec{
		ID:           st.ID,
		Version:      st.Version,
		Name:         st.Name,
		DecayHorizon: Duration(st.DecayHorizon),
		DeltaWindow:  Duration(st.DeltaWindow),
		Zones:        append([]scoring.Zone(nil), st.Zones...),
	}
	for _, c := range st.Components {
		spec.Components = append(spec.Components, ComponentSpec{
			Name:      c.Name,
			Weight:    c.Weight,
			Source:    string(c.Source),
			Metric:    c.Metric,
			EventType: c.EventType,
			Window:    Duration(c.Window),
			Normalize: c.Normalize,
		})
	}
	return spec
}

var (
	_ workflow.DefinitionSource = (*Catalog)(nil)
	_ scoring.TypeSource        = (*Catalog)(nil)
)
