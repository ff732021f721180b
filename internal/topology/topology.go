// Package topology maps logical processor indices to the opaque CPU set
// identifiers Windows uses for pinning. The table is built once at startup
// and never changes; hot-plugged processors require a restart.
//
// A logical index is the position of a processor after sorting by
// (group, number within group), so on a single-group machine index i is
// logical processor i. CPU set identifiers are never interpreted as bit
// positions; every translation goes through the table.
package topology

import (
	"fmt"
	"math/bits"
	"sort"
	"sync"

	"core_governor/internal/windowsapi"
)

// maskBits is the width of a legacy affinity mask. Indices at or above it
// cannot be expressed in one and are dropped by the mask conversions.
const maskBits = 64

// CPU is one logical processor.
type CPU struct {
	Index int
	windowsapi.CPUSet
}

// Topology is the read-only logical processor table.
type Topology struct {
	mu   sync.RWMutex
	cpus []CPU
	byID map[uint32]int
}

// New builds a topology from raw CPU set records.
func New(sets []windowsapi.CPUSet) *Topology {
	sorted := append([]windowsapi.CPUSet(nil), sets...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Group != sorted[j].Group {
			return sorted[i].Group < sorted[j].Group
		}
		return sorted[i].LogicalIndex < sorted[j].LogicalIndex
	})

	t := &Topology{
		cpus: make([]CPU, 0, len(sorted)),
		byID: make(map[uint32]int, len(sorted)),
	}
	for _, s := range sorted {
		if _, dup := t.byID[s.ID]; dup {
			continue
		}
		idx := len(t.cpus)
		t.cpus = append(t.cpus, CPU{Index: idx, CPUSet: s})
		t.byID[s.ID] = idx
	}
	return t
}

// Discover queries the system CPU sets. A failure here is fatal to the agent.
func Discover(api windowsapi.SystemAPI) (*Topology, error) {
	sets, err := api.SystemCPUSets()
	if err != nil {
		return nil, fmt.Errorf("failed to query system cpu sets: %w", err)
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("system reported no cpu sets")
	}
	return New(sets), nil
}

// Count returns the number of logical processors.
func (t *Topology) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.cpus)
}

// CPUs returns a copy of the table ordered by index.
func (t *Topology) CPUs() []CPU {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]CPU(nil), t.cpus...)
}

// IDsFromIndices translates logical indices to CPU set ids, preserving order.
// Out-of-range indices are skipped.
func (t *Topology) IDsFromIndices(indices []int) []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]uint32, 0, len(indices))
	for _, i := range indices {
		if i >= 0 && i < len(t.cpus) {
			ids = append(ids, t.cpus[i].ID)
		}
	}
	return ids
}

// IndicesFromIDs translates CPU set ids back to logical indices, sorted and
// deduplicated. Unknown ids are skipped.
func (t *Topology) IndicesFromIDs(ids []uint32) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		i, ok := t.byID[id]
		if !ok {
			continue
		}
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// IDsFromMask translates a legacy affinity mask to CPU set ids.
func (t *Topology) IDsFromMask(mask uint64) []uint32 {
	return t.IDsFromIndices(IndicesFromMask(mask))
}

// MaskFromIDs translates CPU set ids to a legacy affinity mask. Processors
// with an index of 64 or more are silently dropped: a single mask cannot
// address them.
func (t *Topology) MaskFromIDs(ids []uint32) uint64 {
	return MaskFromIndices(t.IndicesFromIDs(ids))
}

// FilterByAffinity keeps the candidate indices that are set in the process
// affinity mask. Candidates at index 64 or above cannot be checked against a
// mask and are dropped.
func (t *Topology) FilterByAffinity(candidates []int, mask uint64) []int {
	t.mu.RLock()
	n := len(t.cpus)
	t.mu.RUnlock()

	out := make([]int, 0, len(candidates))
	for _, i := range candidates {
		if i < 0 || i >= n || i >= maskBits {
			continue
		}
		if mask&(1<<uint(i)) != 0 {
			out = append(out, i)
		}
	}
	return out
}

// MaskFromIndices builds a legacy affinity mask. Indices outside [0,64) are dropped.
func MaskFromIndices(indices []int) uint64 {
	var mask uint64
	for _, i := range indices {
		if i >= 0 && i < maskBits {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// IndicesFromMask lists the set bits of mask in ascending order.
func IndicesFromMask(mask uint64) []int {
	out := make([]int, 0, bits.OnesCount64(mask))
	for mask != 0 {
		i := bits.TrailingZeros64(mask)
		out = append(out, i)
		mask &^= 1 << uint(i)
	}
	return out
}
