// Package devstate holds per-device tracking contexts keyed by device id.
//
// The map itself is safe for concurrent use. A context returned by Get is
// owned by the device's pipeline worker; only that worker mutates it.
package devstate

import "sync"

type Map[T any] struct {
	mu    sync.Mutex
	items map[string]*T
	init  func() *T
}

func New[T any](init func() *T) *Map[T] {
	if init == nil {
		init = func() *T { return new(T) }
	}
	return &Map[T]{items: make(map[string]*T), init: init}
}

// Get returns the context for deviceID, creating it on first use.
func (m *Map[T]) Get(deviceID string) *T {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.items[deviceID]; ok {
		return v
	}
	v := m.init()
	m.items[deviceID] = v
	return v
}

// Reset replaces the device's context with a fresh one.
func (m *Map[T]) Reset(deviceID string) *T {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.init()
	m.items[deviceID] = v
	return v
}

func (m *Map[T]) Delete(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, deviceID)
}

func (m *Map[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
