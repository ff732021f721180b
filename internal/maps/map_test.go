package maps

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func implementations() []struct {
	name string
	m    ConcurrentMap[uint32, string]
} {
	return []struct {
		name string
		m    ConcurrentMap[uint32, string]
	}{
		{"XSyncMap", NewXSyncMap[uint32, string]()},
		{"StdSyncMap", NewStdSyncMap[uint32, string]()},
	}
}

func TestConcurrentMapContract(t *testing.T) {
	for _, impl := range implementations() {
		t.Run(impl.name, func(t *testing.T) {
			m := impl.m

			_, ok := m.Load(1)
			assert.False(t, ok)

			m.Store(1, "a")
			v, ok := m.Load(1)
			require.True(t, ok)
			assert.Equal(t, "a", v)

			calls := 0
			v, loaded := m.LoadOrStore(1, func() string { calls++; return "b" })
			assert.True(t, loaded)
			assert.Equal(t, "a", v)

			v, loaded = m.LoadOrStore(2, func() string { calls++; return "b" })
			assert.False(t, loaded)
			assert.Equal(t, "b", v)
			assert.Equal(t, 2, m.Len())

			v, ok = m.LoadAndDelete(1)
			assert.True(t, ok)
			assert.Equal(t, "a", v)
			assert.Equal(t, 1, m.Len())

			m.Delete(2)
			assert.Equal(t, 0, m.Len())

			m.Store(3, "c")
			m.Store(3, "d")
			seen := map[uint32]string{}
			m.Range(func(k uint32, v string) bool {
				seen[k] = v
				return true
			})
			assert.Equal(t, map[uint32]string{3: "d"}, seen)
			assert.Equal(t, 1, m.Len())
		})
	}
}

func TestConcurrentMapParallelLoadOrStore(t *testing.T) {
	for _, impl := range implementations() {
		t.Run(impl.name, func(t *testing.T) {
			var wg sync.WaitGroup
			for g := 0; g < 8; g++ {
				wg.Add(1)
				go func(seed int64) {
					defer wg.Done()
					r := rand.New(rand.NewSource(seed))
					for i := 0; i < 1000; i++ {
						key := r.Uint32() % 64
						impl.m.LoadOrStore(key, func() string { return "x" })
					}
				}(int64(g))
			}
			wg.Wait()
			assert.LessOrEqual(t, impl.m.Len(), 64)
		})
	}
}

func TestConcurrentMapUpdate(t *testing.T) {
	for _, impl := range implementations() {
		t.Run(impl.name, func(t *testing.T) {
			m := impl.m

			m.Update(1, func(v string, exists bool) (string, bool) {
				assert.False(t, exists)
				return "a", true
			})
			v, ok := m.Load(1)
			require.True(t, ok)
			assert.Equal(t, "a", v)
			assert.Equal(t, 1, m.Len())

			m.Update(1, func(v string, exists bool) (string, bool) {
				assert.True(t, exists)
				return v + "b", true
			})
			v, _ = m.Load(1)
			assert.Equal(t, "ab", v)

			m.Update(1, func(string, bool) (string, bool) { return "", false })
			_, ok = m.Load(1)
			assert.False(t, ok)
			assert.Equal(t, 0, m.Len())

			// Dropping an absent key leaves the map alone.
			m.Update(2, func(string, bool) (string, bool) { return "x", false })
			_, ok = m.Load(2)
			assert.False(t, ok)
			assert.Equal(t, 0, m.Len())
		})
	}
}

func TestConcurrentMapParallelUpdate(t *testing.T) {
	counters := []struct {
		name string
		m    ConcurrentMap[string, uint64]
	}{
		{"XSyncMap", NewXSyncMap[string, uint64]()},
		{"StdSyncMap", NewStdSyncMap[string, uint64]()},
	}
	for _, impl := range counters {
		t.Run(impl.name, func(t *testing.T) {
			var wg sync.WaitGroup
			for g := 0; g < 8; g++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < 1000; i++ {
						impl.m.Update("hits", func(n uint64, _ bool) (uint64, bool) { return n + 1, true })
					}
				}()
			}
			wg.Wait()
			n, _ := impl.m.Load("hits")
			assert.Equal(t, uint64(8000), n)
			assert.Equal(t, 1, impl.m.Len())
		})
	}
}

func TestStdSyncMapUpdateSliceValues(t *testing.T) {
	m := NewStdSyncMap[uint32, []int]()
	m.Store(1, []int{1})
	assert.NotPanics(t, func() {
		m.Update(1, func(v []int, _ bool) ([]int, bool) { return append(v, 2), true })
	})
	v, _ := m.Load(1)
	assert.Equal(t, []int{1, 2}, v)
}

func BenchmarkLoadOrStore(b *testing.B) {
	for _, impl := range implementations() {
		b.Run(impl.name, func(b *testing.B) {
			b.RunParallel(func(pb *testing.PB) {
				r := rand.New(rand.NewSource(rand.Int63()))
				for pb.Next() {
					impl.m.LoadOrStore(r.Uint32()%1024, func() string { return "x" })
				}
			})
		})
	}
}
