package prime

import (
	"sort"

	"core_governor/internal/config"
	"core_governor/internal/priority"
	"core_governor/internal/snapshot"
	"core_governor/internal/windowsapi"
)

// State is the scheduling state of a tracked thread.
type State int

const (
	Cold State = iota
	Candidate
	Prime
)

func (s State) String() string {
	switch s {
	case Candidate:
		return "candidate"
	case Prime:
		return "prime"
	}
	return "cold"
}

// ThreadStats is the cross-cycle record of one thread. It exclusively owns
// its OS handle; only purge closes it.
type ThreadStats struct {
	TID uint32

	handle     windowsapi.Handle
	handleOpen bool

	lastCycles   uint64
	haveBaseline bool

	// CumulativeCycles is the sum of every measured activity.
	CumulativeCycles uint64
	ActiveStreak     uint8

	prime     bool
	pinned    []uint32 // cpu set ids, empty when unpinned
	pinnedIdx []int

	// original is the priority before promotion, valid while hasOriginal.
	original    priority.Thread
	hasOriginal bool

	startAddress uint64
	startModule  string
	resolved     bool

	last snapshot.ThreadRecord
	seen bool
}

// State derives the thread's state from its pin and streak.
func (t *ThreadStats) State() State {
	switch {
	case t.prime:
		return Prime
	case t.ActiveStreak > 0:
		return Candidate
	}
	return Cold
}

// PinnedIDs returns the CPU set ids the thread is pinned to.
func (t *ThreadStats) PinnedIDs() []uint32 { return t.pinned }

// PinnedCPUs returns the logical indices the thread is pinned to.
func (t *ThreadStats) PinnedCPUs() []int { return t.pinnedIdx }

// StartModule returns the resolved start address, "module+0xoff".
func (t *ThreadStats) StartModule() string { return t.startModule }

// ThreadHistory is the archived record of a purged thread.
type ThreadHistory struct {
	TID    uint32
	Last   snapshot.ThreadRecord
	Cycles uint64
	Module string

	// ProcessBase is the owning process's base priority when the thread was
	// last seen, 0 when unknown.
	ProcessBase int32
}

// ProcessStats is the cross-cycle record of one process.
type ProcessStats struct {
	PID  uint32
	Name string

	createTime   int64
	basePriority int32
	alive        bool
	cfg          *config.ProcessConfig

	threads map[uint32]*ThreadStats

	// TotalThreadsTracked counts every distinct TID observed; it never decreases.
	TotalThreadsTracked uint64

	history []ThreadHistory
}

func newProcessStats(e *snapshot.ProcessEntry) *ProcessStats {
	return &ProcessStats{
		PID:          e.PID,
		Name:         e.Name,
		createTime:   e.CreateTime,
		basePriority: e.BasePriority,
		threads:      make(map[uint32]*ThreadStats, e.ThreadCount),
	}
}

func (p *ProcessStats) historyOf(t *ThreadStats) ThreadHistory {
	return ThreadHistory{
		TID:         t.TID,
		Last:        t.last,
		Cycles:      t.CumulativeCycles,
		Module:      t.startModule,
		ProcessBase: p.basePriority,
	}
}

// Thread returns the stats for tid.
func (p *ProcessStats) Thread(tid uint32) (*ThreadStats, bool) {
	t, ok := p.threads[tid]
	return t, ok
}

// Threads returns the number of live tracked threads.
func (p *ProcessStats) Threads() int { return len(p.threads) }

// PrimeCount returns the number of threads currently pinned.
func (p *ProcessStats) PrimeCount() int {
	n := 0
	for _, t := range p.threads {
		if t.prime {
			n++
		}
	}
	return n
}

// History returns the archived threads, busiest first.
func (p *ProcessStats) History() []ThreadHistory { return p.history }

// archive merges dead threads into the history, keeping the topX busiest.
func (p *ProcessStats) archive(dead []ThreadHistory, topX int) {
	merged := append(p.history, dead...)
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Cycles != merged[j].Cycles {
			return merged[i].Cycles > merged[j].Cycles
		}
		return merged[i].TID < merged[j].TID
	})
	if len(merged) > topX {
		merged = merged[:topX]
	}
	p.history = merged
}
