// Package safemap provides a generic map guarded by a single mutex. The lock is
// held only for the map operation itself: Range and Drain work on a snapshot,
// so callbacks may block or call back into the map without holding the lock.
package safemap

import "sync"

// SafeMap is a concurrent map that is safe for use by multiple goroutines.
// Keys must be comparable; values may be any type. The zero value is not
// usable; create maps with NewSafeMap.
type SafeMap[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]V
}

// NewSafeMap returns a new, empty SafeMap.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{m: make(map[K]V)}
}

// Store sets the value for key k, overwriting any existing value.
//
// Parameters:
//   - k: The key to store
//   - v: The value to associate with k
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.mu.Lock()
	m.m[k] = v
	m.mu.Unlock()
}

// Load returns the value for key k.
//
// Returns:
//   - The value associated with k, or the zero value of V if not found
//   - true if the key was present, false otherwise
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.m[k]
	return v, ok
}

// Delete removes the entry for key k. Deleting a missing key is a no-op.
func (m *SafeMap[K, V]) Delete(k K) {
	m.mu.Lock()
	delete(m.m, k)
	m.mu.Unlock()
}

// LoadAndDelete removes the entry for key k and returns its value.
//
// Returns:
//   - The removed value, or the zero value of V if not found
//   - true if the key was present
func (m *SafeMap[K, V]) LoadAndDelete(k K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.m[k]
	if ok {
		delete(m.m, k)
	}

	return v, ok
}

// Has reports whether key k is present in the map.
func (m *SafeMap[K, V]) Has(k K) bool {
	_, ok := m.Load(k)
	return ok
}

// Len returns the number of entries in the map.
func (m *SafeMap[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.m)
}

// Range calls f for each entry present when Range was called, in no
// particular order, stopping early if f returns false. f runs without the lock
// held and may modify the map; such changes do not affect the current pass.
//
// Parameters:
//   - f: Function called for each entry; return false to stop iteration
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	for k, v := range m.snapshot() {
		if !f(k, v) {
			return
		}
	}
}

// Drain removes every entry and returns them.
//
// Returns:
//   - The entries that were in the map, or an empty map
func (m *SafeMap[K, V]) Drain() map[K]V {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.m
	m.m = make(map[K]V)
	return out
}

func (m *SafeMap[K, V]) snapshot() map[K]V {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[K]V, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}

	return out
}
