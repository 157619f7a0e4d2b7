// Package syncmap is a small mutex-guarded generic map. It fits the
// share-one-owner maps in this codebase better than sync.Map: typed, with
// snapshot iteration for sweep loops.
package syncmap

import "sync"

type Map[K comparable, V any] struct {
	mut  sync.RWMutex
	data map[K]V
}

func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{data: make(map[K]V)}
}

func (m *Map[K, V]) Put(key K, val V) {
	m.mut.Lock()
	m.data[key] = val
	m.mut.Unlock()
}

// Swap stores val and returns the previous value, if any. Callers use it to
// release resources held by a replaced entry.
func (m *Map[K, V]) Swap(key K, val V) (V, bool) {
	m.mut.Lock()
	old, existed := m.data[key]
	m.data[key] = val
	m.mut.Unlock()

	return old, existed
}

func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mut.RLock()
	val, exists := m.data[key]
	m.mut.RUnlock()

	return val, exists
}

func (m *Map[K, V]) Delete(keys ...K) {
	m.mut.Lock()
	for _, key := range keys {
		delete(m.data, key)
	}
	m.mut.Unlock()
}

func (m *Map[K, V]) Len() int {
	m.mut.RLock()
	n := len(m.data)
	m.mut.RUnlock()

	return n
}

// Range calls f on a snapshot of the entries, so f may mutate the map.
func (m *Map[K, V]) Range(f func(key K, val V) bool) {
	m.mut.RLock()
	snapshot := make(map[K]V, len(m.data))
	for k, v := range m.data {
		snapshot[k] = v
	}
	m.mut.RUnlock()

	for k, v := range snapshot {
		if !f(k, v) {
			return
		}
	}
}

// Clear empties the map and returns the removed values.
func (m *Map[K, V]) Clear() []V {
	m.mut.Lock()
	out := make([]V, 0, len(m.data))
	for _, v := range m.data {
		out = append(out, v)
	}
	m.data = make(map[K]V)
	m.mut.Unlock()

	return out
}
