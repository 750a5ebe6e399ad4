package signal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and the simulate command.
type MemoryStore struct {
	mu       sync.RWMutex
	samples  map[string]map[string][]MetricSample
	events   map[string][]Event
	seen     map[string]struct{}
	segments map[string]string
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		samples:  make(map[string]map[string][]MetricSample),
		events:   make(map[string][]Event),
		seen:     make(map[string]struct{}),
		segments: make(map[string]string),
	}
}

func (m *MemoryStore) AppendSample(_ context.Context, sample MetricSample) (bool, error) {
	sample = sample.Normalize()
	if err := sample.Validate(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := "s|" + sample.DedupKey()
	if _, dup := m.seen[key]; dup {
		return false, nil
	}
	m.seen[key] = struct{}{}

	byMetric, ok := m.samples[sample.AccountID]
	if !ok {
		byMetric = make(map[string][]MetricSample)
		m.samples[sample.AccountID] = byMetric
	}
	series := byMetric[sample.MetricKey]
	idx := sort.Search(len(series), func(i int) bool { return series[i].Timestamp.After(sample.Timestamp) })
	series = append(series, MetricSample{})
	copy(series[idx+1:], series[idx:])
	series[idx] = sample
	byMetric[sample.MetricKey] = series
	return true, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event Event) (bool, error) {
	event = event.Normalize()
	if err := event.Validate(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := "e|" + event.DedupKey()
	if _, dup := m.seen[key]; dup {
		return false, nil
	}
	m.seen[key] = struct{}{}

	list := m.events[event.AccountID]
	idx := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(event.Timestamp) })
	list = append(list, Event{})
	copy(list[idx+1:], list[idx:])
	list[idx] = event
	m.events[event.AccountID] = list
	if _, ok := m.samples[event.AccountID]; !ok {
		m.samples[event.AccountID] = make(map[string][]MetricSample)
	}
	return true, nil
}

func (m *MemoryStore) SamplesBetween(_ context.Context, accountID, metricKey string, from, to time.Time) ([]MetricSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series := m.samples[accountID][metricKey]
	out := make([]MetricSample, 0)
	for _, s := range series {
		if s.Timestamp.Before(from) {
			continue
		}
		if !s.Timestamp.Before(to) {
			break
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *MemoryStore) LatestSample(_ context.Context, accountID, metricKey string) (MetricSample, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series := m.samples[accountID][metricKey]
	if len(series) == 0 {
		return MetricSample{}, false, nil
	}
	return series[len(series)-1], true, nil
}

func (m *MemoryStore) EventsSince(_ context.Context, accountID, eventType string, since time.Time) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Event, 0)
	for _, e := range m.events[accountID] {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType != "" && e.Type != eventType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStore) Accounts(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.samples))
	for id := range m.samples {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Metrics(_ context.Context, accountID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0)
	for key := range m.samples[accountID] {
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) SetSegment(_ context.Context, accountID, segment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments[accountID] = segment
	return nil
}

func (m *MemoryStore) Segment(_ context.Context, accountID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.segments[accountID], nil
}

func (m *MemoryStore) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for _, byMetric := range m.samples {
		for key, series := range byMetric {
			idx := sort.Search(len(series), func(i int) bool { return !series[i].Timestamp.Before(cutoff) })
			removed += int64(idx)
			for _, s := range series[:idx] {
				delete(m.seen, "s|"+s.DedupKey())
			}
			byMetric[key] = append([]MetricSample(nil), series[idx:]...)
		}
	}
	for account, list := range m.events {
		idx := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(cutoff) })
		removed += int64(idx)
		for _, e := range list[:idx] {
			delete(m.seen, "e|"+e.DedupKey())
		}
		m.events[account] = append([]Event(nil), list[idx:]...)
	}
	return removed, nil
}

var _ Store = (*MemoryStore)(nil)
