package store

import (
	"context"
	"sort"
	"sync"

	"github.com/spk364/procomp/internal/matchengine"
)

// record holds one match's current aggregate plus its append-only event
// log, guarded by the owning Memory store's mutex.
type record struct {
	match  matchengine.Match
	events []matchengine.MatchEvent
}

// Memory is an in-process Store backed by a mutex-guarded map, the same
// versioned-aggregate discipline the teacher's session registry used:
// every write takes the lock, checks the expected version, and replaces
// the aggregate wholesale rather than mutating it in place.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*record
}

// NewMemory constructs an empty in-process Store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*record)}
}

func (m *Memory) CreateMatch(_ context.Context, match matchengine.Match, created matchengine.MatchEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[match.ID]; exists {
		return ErrAlreadyExists
	}
	m.records[match.ID] = &record{
		match:  match,
		events: []matchengine.MatchEvent{created},
	}
	return nil
}

func (m *Memory) LoadMatch(_ context.Context, matchID string) (matchengine.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[matchID]
	if !ok {
		return matchengine.Match{}, ErrNotFound
	}
	return rec.match, nil
}

func (m *Memory) AppendEvents(_ context.Context, matchID string, expectedVersion uint64, next matchengine.Match, events []matchengine.MatchEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[matchID]
	if !ok {
		return ErrNotFound
	}
	if rec.match.Version != expectedVersion {
		return ErrVersionConflict
	}
	rec.match = next
	rec.events = append(rec.events, events...)
	return nil
}

func (m *Memory) RecentEvents(_ context.Context, matchID string, sinceSeq uint64, limit int) ([]matchengine.MatchEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[matchID]
	if !ok {
		return nil, ErrNotFound
	}
	var out []matchengine.MatchEvent
	for _, ev := range rec.events {
		if ev.Sequence > sinceSeq {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListActiveMatches(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.records))
	for id, rec := range m.records {
		if !rec.match.State.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
