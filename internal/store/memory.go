package store

import (
	"context"
	"sync"
)

// Memory keeps the snapshot in process memory.
type Memory struct {
	mu     sync.Mutex
	values map[string]string
	saves  int
}

func NewMemory() *Memory {
	return &Memory{values: map[string]string{}}
}

func (m *Memory) Load(context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.values), nil
}

func (m *Memory) Save(_ context.Context, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = clone(values)
	m.saves++
	return nil
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = map[string]string{}
	return nil
}

func (m *Memory) Close() error { return nil }

// Saves reports how many snapshots were written.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
