package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. It backs simulations and tests.
type MemoryStore struct {
	mu        sync.Mutex
	retention int
	history   map[string][]Observation
	alerts    []AlertRecord
	counter   DailyCounter
	queue     []QueuedAlert
	nextID    int64
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore(retention int) *MemoryStore {
	return &MemoryStore{
		retention: retention,
		history:   make(map[string][]Observation),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() {}

// TryAdvisoryLock always succeeds; the store is private to one process.
func (m *MemoryStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return func() {}, true, nil
}

func (m *MemoryStore) AppendObservation(_ context.Context, obs Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	series := m.history[obs.RouteKey]
	if n := len(series); n > 0 && obs.ObservedAt.Before(series[n-1].ObservedAt) {
		return ErrStaleObservation
	}
	series = append(series, obs)
	if m.retention > 0 && len(series) > m.retention {
		series = copyObservations(series[len(series)-m.retention:])
	}
	m.history[obs.RouteKey] = series
	return nil
}

func (m *MemoryStore) Snapshot(_ context.Context, routeKey string) ([]Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyObservations(m.history[routeKey]), nil
}

func (m *MemoryStore) ListRoutes(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	routes := make([]string, 0, len(m.history))
	for key, series := range m.history {
		if len(series) > 0 {
			routes = append(routes, key)
		}
	}
	sort.Strings(routes)
	return routes, nil
}

func (m *MemoryStore) EvictObservationsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, series := range m.history {
		idx := sort.Search(len(series), func(i int) bool { return !series[i].ObservedAt.Before(cutoff) })
		if idx == 0 {
			continue
		}
		removed += int64(idx)
		if idx == len(series) {
			delete(m.history, key)
			continue
		}
		m.history[key] = copyObservations(series[idx:])
	}
	return removed, nil
}

func (m *MemoryStore) RecordAlert(_ context.Context, rec AlertRecord, day string) (DailyCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.alerts = append(m.alerts, rec)
	m.counter = m.counter.On(day)
	m.counter.Count++
	return m.counter, nil
}

func (m *MemoryStore) AlertsSince(_ context.Context, routeKey string, since time.Time) ([]AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AlertRecord, 0)
	for _, rec := range m.alerts {
		if rec.RouteKey == routeKey && !rec.SentAt.Before(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListRecentAlerts(_ context.Context, limit int) ([]AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AlertRecord, 0, len(m.alerts))
	for i := len(m.alerts) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m.alerts[i])
	}
	return out, nil
}

func (m *MemoryStore) DailyCounter(_ context.Context, day string) (DailyCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counter.On(day), nil
}

func (m *MemoryStore) DeleteAlertsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.alerts[:0]
	var removed int64
	for _, rec := range m.alerts {
		if rec.SentAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	m.alerts = kept
	return removed, nil
}

func (m *MemoryStore) EnqueueAlert(_ context.Context, routeKey string, payload []byte, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	buf := make([]byte, len(payload))
	copy(buf, payload)
	m.queue = append(m.queue, QueuedAlert{ID: m.nextID, RouteKey: routeKey, Payload: buf, EnqueuedAt: at})
	return nil
}

func (m *MemoryStore) PendingAlerts(context.Context) ([]QueuedAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]QueuedAlert, len(m.queue))
	copy(out, m.queue)
	return out, nil
}

func (m *MemoryStore) AckAlerts(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acked := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		acked[id] = struct{}{}
	}
	kept := m.queue[:0]
	for _, item := range m.queue {
		if _, ok := acked[item.ID]; ok {
			continue
		}
		kept = append(kept, item)
	}
	m.queue = kept
	return nil
}

var (
	_ Store          = (*MemoryStore)(nil)
	_ AdvisoryLocker = (*MemoryStore)(nil)
)
