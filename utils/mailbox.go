package utils

import (
	"sync"

	"go.uber.org/atomic"
)

// Mailbox is a single-slot handoff between a producer that must never block and a consumer that
// polls. Publishing replaces the held value and bumps the generation.
type Mailbox[T any] struct {
	mu         sync.Mutex
	value      T
	has        bool
	generation atomic.Uint64
	updated    atomic.Bool
}

// Publish stores v, replacing any value not yet taken, and returns its generation.
// If a consumer is copying out of the slot the publish is skipped and 0 is returned.
func (m *Mailbox[T]) Publish(v T) uint64 {
	if !m.mu.TryLock() {
		return 0
	}
	defer m.mu.Unlock()
	m.value = v
	m.has = true
	gen := m.generation.Inc()
	m.updated.Store(true)
	return gen
}

// Updated reports whether a value newer than the last take is waiting.
func (m *Mailbox[T]) Updated() bool {
	return m.updated.Load()
}

// Generation returns the generation of the most recently published value.
func (m *Mailbox[T]) Generation() uint64 {
	return m.generation.Load()
}

// TryTake returns the latest value if one was published after lastSeen. It never waits: if
// there is nothing new or the producer holds the slot it returns false.
func (m *Mailbox[T]) TryTake(lastSeen uint64) (T, uint64, bool) {
	var zero T
	if !m.updated.Load() || m.generation.Load() <= lastSeen {
		return zero, lastSeen, false
	}
	if !m.mu.TryLock() {
		return zero, lastSeen, false
	}
	defer m.mu.Unlock()
	if !m.has {
		return zero, lastSeen, false
	}
	m.updated.Store(false)
	return m.value, m.generation.Load(), true
}

// Reset drops any held value. The generation keeps counting.
func (m *Mailbox[T]) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	m.value = zero
	m.has = false
	m.updated.Store(false)
}
