package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Appends are serialized by a mutex, so the
// sequence check-and-increment is atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []Event
	orphaned map[uint64]bool
	clock    func() time.Time
}

// NewMemoryStore creates an empty ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:   make([]Event, 0),
		orphaned: make(map[uint64]bool),
		clock:    time.Now,
	}
}

// WithClock overrides the authority clock for testing.
func (m *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	m.clock = clock
	return m
}

func (m *MemoryStore) Append(_ context.Context, d EventDraft) (*Event, error) {
	if len(d.Payload) == 0 {
		d.Payload = json.RawMessage("{}")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var head *Event
	if n := len(m.events); n > 0 {
		head = &m.events[n-1]
	}

	hash, err := validateDraft(d, head)
	if err != nil {
		return nil, err
	}
	orphans, hasOrphans, err := orphanRangeOf(d)
	if err != nil {
		return nil, err
	}

	ev := Event{
		EventID:            d.EventID,
		Sequence:           d.Sequence,
		EventType:          d.EventType,
		Payload:            append(json.RawMessage(nil), d.Payload...),
		PrevHash:           d.PrevHash,
		ContentHash:        hash,
		Signature:          d.Signature,
		AgentID:            d.AgentID,
		WitnessID:          d.WitnessID,
		WitnessSignature:   d.WitnessSignature,
		LocalTimestamp:     NormalizeTimestamp(d.LocalTimestamp),
		AuthorityTimestamp: NormalizeTimestamp(m.clock()),
	}
	m.events = append(m.events, ev)

	if hasOrphans {
		for seq := orphans.Start; seq < orphans.End; seq++ {
			m.orphaned[seq] = true
		}
	}

	out := m.view(len(m.events) - 1)
	return &out, nil
}

// view returns a copy of the event at idx with the orphan flag applied.
func (m *MemoryStore) view(idx int) Event {
	ev := m.events[idx]
	ev.Payload = append(json.RawMessage(nil), ev.Payload...)
	ev.Orphaned = m.orphaned[ev.Sequence]
	return ev
}

func (m *MemoryStore) GetLatestEvent(_ context.Context) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.events) == 0 {
		return nil, nil
	}
	ev := m.view(len(m.events) - 1)
	return &ev, nil
}

func (m *MemoryStore) GetMaxSequence(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.events)), nil
}

func (m *MemoryStore) GetEventBySequence(_ context.Context, seq uint64) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if seq == 0 || seq > uint64(len(m.events)) {
		return nil, ErrEventNotFound
	}
	ev := m.view(int(seq - 1))
	return &ev, nil
}

func (m *MemoryStore) GetEventsByType(_ context.Context, eventType string, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, 0)
	for i := range m.events {
		if m.events[i].EventType != eventType {
			continue
		}
		out = append(out, m.view(i))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) CountEventsByType(_ context.Context, eventType string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for i := range m.events {
		if m.events[i].EventType == eventType {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetEventsInRange(_ context.Context, from, to uint64) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, 0)
	if from == 0 {
		from = 1
	}
	for seq := from; seq <= to && seq <= uint64(len(m.events)); seq++ {
		out = append(out, m.view(int(seq-1)))
	}
	return out, nil
}

func (m *MemoryStore) GetOrphanedSequences(_ context.Context) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint64, 0, len(m.orphaned))
	for seq := range m.orphaned {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
