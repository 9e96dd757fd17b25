package halt

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Flag names a dual-channel flag.
type Flag string

const (
	FlagHalt  Flag = "halt"
	FlagCease Flag = "cease"
)

// FlagChannel is one storage channel for the halt/cessation flags. Values are
// opaque JSON records; an absent key means the flag is not set.
type FlagChannel interface {
	Name() string
	Get(ctx context.Context, flag Flag) (value []byte, set bool, err error)
	Set(ctx context.Context, flag Flag, value []byte) error
	Delete(ctx context.Context, flag Flag) error
}

// StagedWrite is a prepared but invisible write.
type StagedWrite interface {
	Commit() error
	Abort() error
}

// StagingChannel can prepare a write that only becomes visible on Commit.
// The durable channel must support this so a cessation is never half written.
type StagingChannel interface {
	FlagChannel
	Prepare(ctx context.Context, flag Flag, value []byte) (StagedWrite, error)
	// PrepareCreate stages a write that never replaces an existing value. It
	// fails with ErrFlagExists if the flag is already set, at prepare or at
	// commit time.
	PrepareCreate(ctx context.Context, flag Flag, value []byte) (StagedWrite, error)
}

// MemoryChannel is an in-process channel with failure injection, used for
// single-node deployments and tests.
type MemoryChannel struct {
	name string

	mu        sync.Mutex
	values    map[Flag][]byte
	getErr    error
	setErr    error
	deleteErr error
	commitErr error
}

func NewMemoryChannel(name string) *MemoryChannel {
	return &MemoryChannel{name: name, values: make(map[Flag][]byte)}
}

func (m *MemoryChannel) Name() string { return m.name }

// FailGet makes every read fail with err until reset with nil.
func (m *MemoryChannel) FailGet(err error) { m.mu.Lock(); m.getErr = err; m.mu.Unlock() }

// FailSet makes every Set and Prepare fail with err.
func (m *MemoryChannel) FailSet(err error) { m.mu.Lock(); m.setErr = err; m.mu.Unlock() }

// FailDelete makes every Delete fail with err.
func (m *MemoryChannel) FailDelete(err error) { m.mu.Lock(); m.deleteErr = err; m.mu.Unlock() }

// FailCommit makes staged writes fail at commit time.
func (m *MemoryChannel) FailCommit(err error) { m.mu.Lock(); m.commitErr = err; m.mu.Unlock() }

func (m *MemoryChannel) Get(_ context.Context, flag Flag) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.values[flag]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryChannel) Set(_ context.Context, flag Flag, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.values[flag] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryChannel) Delete(_ context.Context, flag Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.values, flag)
	return nil
}

func (m *MemoryChannel) Prepare(_ context.Context, flag Flag, value []byte) (StagedWrite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return nil, m.setErr
	}
	return &memoryStaged{ch: m, flag: flag, value: append([]byte(nil), value...)}, nil
}

func (m *MemoryChannel) PrepareCreate(_ context.Context, flag Flag, value []byte) (StagedWrite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return nil, m.setErr
	}
	if _, ok := m.values[flag]; ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrFlagExists, flag, m.name)
	}
	return &memoryStaged{ch: m, flag: flag, value: append([]byte(nil), value...), create: true}, nil
}

var errStagedDone = errors.New("halt: staged write already finished")

type memoryStaged struct {
	ch     *MemoryChannel
	flag   Flag
	value  []byte
	create bool
	done   bool
}

func (s *memoryStaged) Commit() error {
	if s.done {
		return errStagedDone
	}
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	if s.ch.commitErr != nil {
		s.done = true
		return s.ch.commitErr
	}
	if _, ok := s.ch.values[s.flag]; ok && s.create {
		s.done = true
		return fmt.Errorf("%w: %s on %s", ErrFlagExists, s.flag, s.ch.name)
	}
	s.ch.values[s.flag] = s.value
	s.done = true
	return nil
}

func (s *memoryStaged) Abort() error {
	s.done = true
	return nil
}
