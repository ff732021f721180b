package maps

// mapImplementation controls the default concurrent map used across the agent.
// Valid options: "xsync", "sync".
const mapImplementation = "xsync"

// ConcurrentMap defines a generic, thread-safe map interface.
// The governor's shared caches (module lists, access-denied names, log
// sampling sites) are reached through it so the backing implementation can
// be swapped without touching the callers.
type ConcurrentMap[K comparable, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	LoadAndDelete(key K) (V, bool)
	// LoadOrStore returns the existing value for key, or stores and returns
	// the value built by valueFactory. loaded reports which happened.
	LoadOrStore(key K, valueFactory func() V) (actual V, loaded bool)
	// Update atomically replaces the value for key with the one returned by
	// updateFunc, or deletes the entry when keep is false.
	Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool))
	Range(f func(key K, value V) bool)
	Len() int
}

// NewConcurrentMap is a factory that returns the default concurrent map implementation.
// The implementation can be changed by modifying the mapImplementation constant.
func NewConcurrentMap[K comparable, V any]() ConcurrentMap[K, V] {
	switch mapImplementation {
	case "sync":
		return NewStdSyncMap[K, V]()
	default:
		return NewXSyncMap[K, V]()
	}
}
