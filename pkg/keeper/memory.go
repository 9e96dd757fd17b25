package keeper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mu          sync.RWMutex
	keys        map[string]*KeeperKey // by key_id
	byKeeper    map[string][]string   // keeper_id -> key_ids in registration order
	transitions map[string]Transition // by old_key_id
	revocations []Revocation
	clock       func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		keys:        make(map[string]*KeeperKey),
		byKeeper:    make(map[string][]string),
		transitions: make(map[string]Transition),
		clock:       time.Now,
	}
}

// WithClock overrides the clock used for created_at.
func (m *MemoryRegistry) WithClock(clock func() time.Time) *MemoryRegistry {
	m.clock = clock
	return m
}

func copyKey(k *KeeperKey) KeeperKey {
	out := *k
	out.PublicKey = append([]byte(nil), k.PublicKey...)
	if k.ActiveUntil != nil {
		until := *k.ActiveUntil
		out.ActiveUntil = &until
	}
	return out
}

func (m *MemoryRegistry) RegisterKey(_ context.Context, key KeeperKey) (*KeeperKey, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.keys[key.KeyID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKeyID, key.KeyID)
	}
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	key.CreatedAt = m.clock().UTC()
	stored := copyKey(&key)
	m.keys[key.KeyID] = &stored
	m.byKeeper[key.KeeperID] = append(m.byKeeper[key.KeeperID], key.KeyID)
	out := copyKey(&stored)
	return &out, nil
}

func (m *MemoryRegistry) GetKey(_ context.Context, keyID string) (*KeeperKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	out := copyKey(k)
	return &out, nil
}

func (m *MemoryRegistry) GetActiveKeyForKeeper(ctx context.Context, keeperID string, at time.Time) (*KeeperKey, error) {
	keys, err := m.GetAllKeysForKeeper(ctx, keeperID)
	if err != nil {
		return nil, err
	}
	if k := newestActive(keys, at); k != nil {
		return k, nil
	}
	return nil, fmt.Errorf("%w: keeper %s at %s", ErrNoActiveKey, keeperID, at.UTC().Format(time.RFC3339))
}

func (m *MemoryRegistry) GetAllKeysForKeeper(_ context.Context, keeperID string) ([]KeeperKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids, ok := m.byKeeper[keeperID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeeperNotFound, keeperID)
	}
	out := make([]KeeperKey, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyKey(m.keys[id]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ActiveFrom.Before(out[j].ActiveFrom) })
	return out, nil
}

func (m *MemoryRegistry) DeactivateKey(_ context.Context, keyID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	at = at.UTC()
	if k.ActiveUntil != nil && !at.Before(*k.ActiveUntil) {
		return fmt.Errorf("%w: %s already bounded at %s", ErrWindowExtension, keyID, k.ActiveUntil.Format(time.RFC3339Nano))
	}
	k.ActiveUntil = &at
	return nil
}

func (m *MemoryRegistry) ListKeepers(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byKeeper))
	for id := range m.byKeeper {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryRegistry) SaveTransition(_ context.Context, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[t.OldKeyID] = t
	return nil
}

func (m *MemoryRegistry) GetTransition(_ context.Context, oldKeyID string) (*Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transitions[oldKeyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransitionNotFound, oldKeyID)
	}
	return &t, nil
}

func (m *MemoryRegistry) ListTransitions(_ context.Context, status TransitionStatus) ([]Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, 0)
	for _, t := range m.transitions {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryRegistry) RecordRevocation(_ context.Context, r Revocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revocations = append(m.revocations, r)
	return nil
}

func (m *MemoryRegistry) ListRevocations(_ context.Context, keeperID string) ([]Revocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Revocation, 0)
	for _, r := range m.revocations {
		if keeperID == "" || r.KeeperID == keeperID {
			out = append(out, r)
		}
	}
	return out, nil
}
