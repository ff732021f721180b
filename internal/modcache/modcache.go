// Package modcache resolves thread start addresses to "module+0xoffset".
//
// Module lists are enumerated once per process and kept until Clear is
// called for that PID; the scheduler clears a PID when it purges the
// process, so a reused PID never sees the previous occupant's modules.
// A failed enumeration is remembered until the next BeginCycle, so a process
// that refuses access costs one attempt per cycle rather than one per thread.
package modcache

import (
	"fmt"
	"sort"

	"core_governor/internal/maps"
	"core_governor/internal/windowsapi"
)

// Unresolved is returned for the zero address.
const Unresolved = "unknown"

// Cache is safe for concurrent use. No lock is held while enumerating.
type Cache struct {
	api     windowsapi.ModuleAPI
	modules maps.ConcurrentMap[uint32, []windowsapi.Module]
	failed  maps.ConcurrentMap[uint32, error]
}

// New returns an empty cache backed by api.
func New(api windowsapi.ModuleAPI) *Cache {
	return &Cache{
		api:     api,
		modules: maps.NewConcurrentMap[uint32, []windowsapi.Module](),
		failed:  maps.NewConcurrentMap[uint32, error](),
	}
}

// Resolve names addr inside process pid. When no module contains addr the
// bare hex address is returned. An enumeration failure is returned with the
// hex address; later calls for pid return the same error without asking the
// OS again until BeginCycle.
func (c *Cache) Resolve(pid uint32, addr uint64) (string, error) {
	if addr == 0 {
		return Unresolved, nil
	}

	mods, ok := c.modules.Load(pid)
	if !ok {
		if err, failed := c.failed.Load(pid); failed {
			return hex(addr), err
		}
		listed, err := c.api.ProcessModules(pid)
		if err != nil {
			c.failed.Store(pid, err)
			return hex(addr), err
		}
		sort.Slice(listed, func(i, j int) bool { return listed[i].Base < listed[j].Base })
		if listed == nil {
			listed = []windowsapi.Module{}
		}
		// Another caller may have raced us; keep whichever landed first.
		mods, _ = c.modules.LoadOrStore(pid, func() []windowsapi.Module { return listed })
	}

	// Modules never overlap, so the candidate is the last one starting at or below addr.
	i := sort.Search(len(mods), func(i int) bool { return mods[i].Base > addr }) - 1
	if i >= 0 && mods[i].Contains(addr) {
		return fmt.Sprintf("%s+0x%x", mods[i].Name, addr-mods[i].Base), nil
	}
	return hex(addr), nil
}

// BeginCycle forgets every remembered failure so each PID gets one new
// attempt. Cached module lists are kept.
func (c *Cache) BeginCycle() {
	c.failed.Range(func(pid uint32, _ error) bool {
		c.failed.Delete(pid)
		return true
	})
}

// Clear forgets the module list and any remembered failure of pid.
func (c *Cache) Clear(pid uint32) {
	c.modules.Delete(pid)
	c.failed.Delete(pid)
}

// Len returns the number of processes with a cached list.
func (c *Cache) Len() int { return c.modules.Len() }

func hex(addr uint64) string { return fmt.Sprintf("0x%x", addr) }
