package modcache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"core_governor/internal/windowsapi"
)

type fakeModules struct {
	mu    sync.Mutex
	mods  map[uint32][]windowsapi.Module
	err   error
	calls map[uint32]int
}

func (f *fakeModules) ProcessModules(pid uint32) ([]windowsapi.Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[uint32]int{}
	}
	f.calls[pid]++
	if f.err != nil {
		return nil, f.err
	}
	return append([]windowsapi.Module(nil), f.mods[pid]...), nil
}

func newFake() *fakeModules {
	return &fakeModules{mods: map[uint32][]windowsapi.Module{
		100: {
			{Base: 0x7ff000000, Size: 0x1000, Name: "ntdll.dll"},
			{Base: 0x140000000, Size: 0x200000, Name: "game.exe"},
			{Base: 0x180000000, Size: 0x10000, Name: "engine.dll"},
		},
	}}
}

func TestResolve(t *testing.T) {
	c := New(newFake())

	tests := []struct {
		addr uint64
		want string
	}{
		{0, Unresolved},
		{0x140000000, "game.exe+0x0"},
		{0x1400012a0, "game.exe+0x12a0"},
		{0x180000010, "engine.dll+0x10"},
		{0x7ff000fff, "ntdll.dll+0xfff"},
		{0x7ff001000, "0x7ff001000"},
		{0x10, "0x10"},
	}
	for _, tt := range tests {
		got, err := c.Resolve(100, tt.addr)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestResolveEnumeratesOnce(t *testing.T) {
	f := newFake()
	c := New(f)

	for i := 0; i < 5; i++ {
		_, err := c.Resolve(100, 0x140000000)
		require.NoError(t, err)
	}
	// A process with no modules is cached too.
	for i := 0; i < 3; i++ {
		got, err := c.Resolve(200, 0x1234)
		require.NoError(t, err)
		assert.Equal(t, "0x1234", got)
	}
	assert.Equal(t, 1, f.calls[100])
	assert.Equal(t, 1, f.calls[200])
	assert.Equal(t, 2, c.Len())

	c.Clear(100)
	_, _ = c.Resolve(100, 0x140000000)
	assert.Equal(t, 2, f.calls[100])
}

func TestResolveFailureRetriedEachCycle(t *testing.T) {
	f := newFake()
	f.err = windowsapi.ErrorAccessDenied
	c := New(f)

	// Every thread of the process fails in the same cycle, with one OS call.
	for _, addr := range []uint64{0x140000010, 0x180000020, 0x140000030} {
		got, err := c.Resolve(100, addr)
		assert.ErrorIs(t, err, windowsapi.ErrorAccessDenied)
		assert.Equal(t, hex(addr), got)
	}
	assert.Equal(t, 1, f.calls[100])
	assert.Equal(t, 0, c.Len())

	c.BeginCycle()
	_, err := c.Resolve(100, 0x140000010)
	assert.ErrorIs(t, err, windowsapi.ErrorAccessDenied)
	assert.Equal(t, 2, f.calls[100])

	f.err = nil
	_, err = c.Resolve(100, 0x140000010)
	assert.Error(t, err, "failure is kept until the next cycle")
	assert.Equal(t, 2, f.calls[100])

	c.BeginCycle()
	got, err := c.Resolve(100, 0x140000010)
	require.NoError(t, err)
	assert.Equal(t, "game.exe+0x10", got)
	assert.Equal(t, 3, f.calls[100])

	// Cached lists survive a new cycle.
	c.BeginCycle()
	_, _ = c.Resolve(100, 0x140000010)
	assert.Equal(t, 3, f.calls[100])
}

func TestClearDropsRememberedFailure(t *testing.T) {
	f := newFake()
	f.err = windowsapi.ErrorAccessDenied
	c := New(f)

	_, err := c.Resolve(100, 0x140000010)
	require.Error(t, err)

	f.err = nil
	c.Clear(100)
	got, err := c.Resolve(100, 0x140000010)
	require.NoError(t, err)
	assert.Equal(t, "game.exe+0x10", got)
	assert.Equal(t, 2, f.calls[100])
}

func TestResolveConcurrent(t *testing.T) {
	c := New(newFake())
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Resolve(100, 0x180000001)
			assert.NoError(t, err)
			assert.Equal(t, "engine.dll+0x1", got)
		}()
	}
	wg.Wait()
}
