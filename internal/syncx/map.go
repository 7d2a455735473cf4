// Package syncx provides typed wrappers and helpers around the sync package.
package syncx

import "sync"

// Map is a typed sync.Map. The zero value is ready to use.
type Map[K comparable, V any] struct {
	m sync.Map
}

// Load returns the value stored under key.
func (sm *Map[K, V]) Load(key K) (value V, ok bool) {
	val, ok := sm.m.Load(key)
	if !ok {
		return value, false
	}
	return val.(V), true
}

// LoadOrStore returns the existing value for key if present, otherwise it stores
// and returns value. loaded reports whether the value was already present.
func (sm *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	val, loaded := sm.m.LoadOrStore(key, value)
	return val.(V), loaded
}

// CompareAndDelete deletes the entry for key if its value is old.
func (sm *Map[K, V]) CompareAndDelete(key K, old V) (deleted bool) {
	return sm.m.CompareAndDelete(key, old)
}

// Delete removes key.
func (sm *Map[K, V]) Delete(key K) {
	sm.m.Delete(key)
}

// Range calls f for each entry until f returns false.
func (sm *Map[K, V]) Range(f func(key K, value V) bool) {
	sm.m.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}
