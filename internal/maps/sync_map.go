package maps

import (
	"sync"
	"sync/atomic"
)

// StdSyncMap wraps the standard library's sync.Map to implement the ConcurrentMap interface.
// Values are boxed so Update can compare-and-swap entries of any type.
type StdSyncMap[K comparable, V any] struct {
	m sync.Map
	n atomic.Int64
}

// NewStdSyncMap creates a new StdSyncMap.
func NewStdSyncMap[K comparable, V any]() ConcurrentMap[K, V] {
	return &StdSyncMap[K, V]{}
}

func (m *StdSyncMap[K, V]) Load(key K) (V, bool) {
	val, ok := m.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return *val.(*V), true
}

func (m *StdSyncMap[K, V]) Store(key K, value V) {
	if _, loaded := m.m.Swap(key, &value); !loaded {
		m.n.Add(1)
	}
}

func (m *StdSyncMap[K, V]) Delete(key K) { m.LoadAndDelete(key) }

func (m *StdSyncMap[K, V]) LoadAndDelete(key K) (V, bool) {
	val, loaded := m.m.LoadAndDelete(key)
	if !loaded {
		var zero V
		return zero, false
	}
	m.n.Add(-1)
	return *val.(*V), true
}

// LoadOrStore may call the factory even if the key already exists.
func (m *StdSyncMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool) {
	if val, ok := m.m.Load(key); ok {
		return *val.(*V), true
	}
	v := valueFactory()
	val, loaded := m.m.LoadOrStore(key, &v)
	if !loaded {
		m.n.Add(1)
	}
	return *val.(*V), loaded
}

// Update is a compare-and-swap loop. updateFunc runs again whenever another
// writer changed the entry in between, so it must not have side effects.
func (m *StdSyncMap[K, V]) Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) {
	for {
		cur, exists := m.m.Load(key)
		var old V
		if exists {
			old = *cur.(*V)
		}
		next, keep := updateFunc(old, exists)
		switch {
		case keep && exists:
			if m.m.CompareAndSwap(key, cur, &next) {
				return
			}
		case keep:
			if _, loaded := m.m.LoadOrStore(key, &next); !loaded {
				m.n.Add(1)
				return
			}
		case exists:
			if m.m.CompareAndDelete(key, cur) {
				m.n.Add(-1)
				return
			}
		default:
			return
		}
	}
}

func (m *StdSyncMap[K, V]) Range(f func(key K, value V) bool) {
	m.m.Range(func(key, value any) bool {
		return f(key.(K), *value.(*V))
	})
}

func (m *StdSyncMap[K, V]) Len() int { return int(m.n.Load()) }
