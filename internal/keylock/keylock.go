// Package keylock provides mutexes keyed by string, used to serialize
// operations against the same user or the same property while letting
// unrelated operations run in parallel. Locks are never released from the
// map; the key space (users × properties) is small enough that this is not
// a concern.
package keylock

import "sync"

// Map hands out one mutex per key. The zero value is ready to use.
type Map struct {
	locks sync.Map // key → *sync.Mutex
}

// NewMap creates an empty lock map.
func NewMap() *Map {
	return &Map{}
}

// Get returns the mutex for key, creating it on first use.
func (m *Map) Get(key string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}
