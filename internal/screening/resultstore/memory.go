package resultstore

import (
	"context"
	"sync"
)

// Memory keeps results in process. It enforces write-once like the real
// backends and counts every Set attempt per key.
type Memory struct {
	mu     sync.Mutex
	data   map[string][]byte
	writes map[string]int
}

var (
	_ Store  = (*Memory)(nil)
	_ Getter = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{data: map[string][]byte{}, writes: map[string]int{}}
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes[key]++
	if _, ok := m.data[key]; ok {
		return ErrAlreadyStored
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Writes reports how many times Set was called for key.
func (m *Memory) Writes(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[key]
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}
