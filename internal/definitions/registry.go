package definitions

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrNotFound        = errors.New("definitions: not found")
	ErrVersionConflict = errors.New("definitions: version already stored with different content")

	// ErrInvalidScoreType wraps score type validation failures.
	ErrInvalidScoreType = errors.New("definitions: invalid score type")
)

// Versioned is a definition kept as an immutable version history.
type Versioned[T any] interface {
	DefinitionID() string
	DefinitionVersion() int
	WithVersion(v int) T
	Validate() error
}

type entry[T any] struct {
	item   T
	digest string
}

// Registry keeps every version of every definition id. Stored versions never change;
// a changed definition becomes a new version.
type Registry[T Versioned[T]] struct {
	mu       sync.RWMutex
	versions map[string][]entry[T]
	disabled map[string]bool
}

// NewRegistry constructs an empty Registry.
func NewRegistry[T Versioned[T]]() *Registry[T] {
	return &Registry[T]{
		versions: make(map[string][]entry[T]),
		disabled: make(map[string]bool),
	}
}

// Resolve decides the version item would be stored under without storing it. An item
// with version 0 gets the next version unless its content matches the latest one.
// created is false when an identical version already exists.
func (r *Registry[T]) Resolve(item T, digest string) (T, bool, error) {
	if err := item.Validate(); err != nil {
		return item, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	id := item.DefinitionID()
	vs := r.versions[id]
	v := item.DefinitionVersion()
	if v < 0 {
		return item, false, fmt.Errorf("%s: version must not be negative", id)
	}
	if v == 0 {
		if n := len(vs); n > 0 {
			if vs[n-1].digest == digest {
				return vs[n-1].item, false, nil
			}
			return item.WithVersion(vs[n-1].item.DefinitionVersion() + 1), true, nil
		}
		return item.WithVersion(1), true, nil
	}
	for _, e := range vs {
		if e.item.DefinitionVersion() != v {
			continue
		}
		if e.digest == digest {
			return e.item, false, nil
		}
		return item, false, fmt.Errorf("%w: %s v%d", ErrVersionConflict, id, v)
	}
	return item, true, nil
}

// Commit stores a resolved item and re-enables its id.
func (r *Registry[T]) Commit(item T, digest string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := item.DefinitionID()
	vs := r.versions[id]
	for _, e := range vs {
		if e.item.DefinitionVersion() == item.DefinitionVersion() {
			return
		}
	}
	vs = append(vs, entry[T]{item: item, digest: digest})
	sort.Slice(vs, func(i, j int) bool { return vs[i].item.DefinitionVersion() < vs[j].item.DefinitionVersion() })
	r.versions[id] = vs
	delete(r.disabled, id)
}

// Put resolves and commits in one step.
func (r *Registry[T]) Put(item T, digest string) (T, bool, error) {
	resolved, created, err := r.Resolve(item, digest)
	if err != nil || !created {
		return resolved, created, err
	}
	r.Commit(resolved, digest)
	return resolved, true, nil
}

// SetDisabled hides id from Active. Stored versions stay resolvable.
func (r *Registry[T]) SetDisabled(id string, disabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.versions[id]; !ok {
		return ErrNotFound
	}
	if disabled {
		r.disabled[id] = true
	} else {
		delete(r.disabled, id)
	}
	return nil
}

// Disabled reports whether id is disabled.
func (r *Registry[T]) Disabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabled[id]
}

// Latest returns the newest version of id, disabled or not.
func (r *Registry[T]) Latest(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vs := r.versions[id]
	if len(vs) == 0 {
		var zero T
		return zero, false
	}
	return vs[len(vs)-1].item, true
}

// Version returns one stored version.
func (r *Registry[T]) Version(id string, v int) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.versions[id] {
		if e.item.DefinitionVersion() == v {
			return e.item, true
		}
	}
	var zero T
	return zero, false
}

// Versions lists every stored version of id, oldest first.
func (r *Registry[T]) Versions(id string) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.versions[id]))
	for _, e := range r.versions[id] {
		out = append(out, e.item)
	}
	return out
}

// Active returns the latest version of every enabled id, sorted by id.
func (r *Registry[T]) Active() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.versions))
	for id := range r.versions {
		if !r.disabled[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		vs := r.versions[id]
		out = append(out, vs[len(vs)-1].item)
	}
	return out
}
