package store

import (
	"context"
	"fmt"
	"sync"
)

// Memory is a volatile Medium. It is safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	hosts  map[string][]Entry
	closed bool
}

var _ Medium = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{hosts: map[string][]Entry{}}
}

func (m *Memory) EnsureSchema(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check()
}

func (m *Memory) check() error {
	if m.closed {
		return fmt.Errorf("memory medium closed")
	}
	return nil
}

func (m *Memory) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	seq := m.hosts[e.Host]
	if e.Idx != uint64(len(seq)) {
		return fmt.Errorf("append %s/%d: expected index %d", e.Host, e.Idx, len(seq))
	}
	m.hosts[e.Host] = append(seq, cloneEntry(e))
	return nil
}

func (m *Memory) Insert(ctx context.Context, e Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	seq := m.hosts[e.Host]
	switch {
	case e.Idx < uint64(len(seq)):
		return false, nil
	case e.Idx == uint64(len(seq)):
		m.hosts[e.Host] = append(seq, cloneEntry(e))
		return true, nil
	default:
		// sparse rows are not representable here; AppendLog never asks for them
		return false, fmt.Errorf("insert %s/%d: beyond head %d", e.Host, e.Idx, len(seq))
	}
}

func (m *Memory) Get(_ context.Context, host string, idx uint64) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return Entry{}, false, err
	}
	seq := m.hosts[host]
	if idx >= uint64(len(seq)) {
		return Entry{}, false, nil
	}
	return cloneEntry(seq[idx]), true, nil
}

func (m *Memory) Range(_ context.Context, host string, from, to uint64, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	seq := m.hosts[host]
	if to > uint64(len(seq)) {
		to = uint64(len(seq))
	}
	out := make([]Entry, 0)
	for i := from; i < to && len(out) < limit; i++ {
		out = append(out, cloneEntry(seq[i]))
	}
	return out, nil
}

func (m *Memory) Head(_ context.Context, host string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	return uint64(len(m.hosts[host])), nil
}

func (m *Memory) Heads(context.Context) (map[string]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(m.hosts))
	for h, seq := range m.hosts {
		out[h] = uint64(len(seq))
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneEntry(e Entry) Entry {
	e.Data = append([]byte(nil), e.Data...)
	return e
}
