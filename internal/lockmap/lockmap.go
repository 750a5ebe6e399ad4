// Package lockmap provides a logical mutex per key. Entries are dropped once nobody
// holds or waits for them.
package lockmap

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map is a set of keyed mutexes. The zero value is ready to use.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Lock blocks until key is held and returns its release func.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	if m.entries == nil {
		m.entries = make(map[string]*entry)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.entries, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len reports how many keys are held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
