// Package prime implements the prime thread scheduler: it follows the CPU
// cycles of every thread of a governed process and pins the busiest ones to
// a preferred set of logical processors, with hysteresis so threads at the
// margin do not flap.
//
// A Scheduler is driven by a single goroutine:
//
//	s.BeginCycle()
//	for each governed process in the snapshot { s.Update(entry, rule) }
//	reports := s.EndCycle()
//
// EndCycle purges every process and thread that was not observed since
// BeginCycle, so a reused PID or TID always starts from a clean record.
package prime

import (
	"fmt"
	"sort"
	"strings"

	"github.com/phuslu/log"

	"core_governor/internal/config"
	"core_governor/internal/failures"
	"core_governor/internal/logger"
	"core_governor/internal/metrics"
	"core_governor/internal/modcache"
	"core_governor/internal/priority"
	"core_governor/internal/snapshot"
	"core_governor/internal/topology"
	"core_governor/internal/windowsapi"
)

// OS is the subset of the platform API the scheduler calls.
type OS interface {
	windowsapi.ThreadAPI
	ProcessAffinity(pid uint32) (processMask, systemMask uint64, err error)
}

// Config holds the hysteresis constants.
type Config struct {
	MinActiveStreak uint8
	KeepThreshold   float64
	EntryThreshold  float64
	// DefaultTopX bounds the history when a rule sets none.
	DefaultTopX int
}

// ConfigFrom builds a Config from the scheduler section. The default history
// length is twice the logical processor count.
func ConfigFrom(c config.SchedulerConfig, cpus int) Config {
	return Config{
		MinActiveStreak: c.MinActiveStreak,
		KeepThreshold:   c.KeepThreshold,
		EntryThreshold:  c.EntryThreshold,
		DefaultTopX:     2 * cpus,
	}
}

// Deps are the collaborators shared with the rest of the agent.
type Deps struct {
	OS       OS
	Topology *topology.Topology
	Modules  *modcache.Cache
	Failures *failures.Tracker
	Metrics  *metrics.Metrics // optional
}

// Scheduler owns all cross-cycle thread history.
type Scheduler struct {
	cfg  Config
	deps Deps
	log  log.Logger

	procs map[uint32]*ProcessStats
	// reports of processes purged early because their PID was recycled
	pending []Report
	// names seen in the last gauge update, to drop series of exited processes
	gaugeNames map[string]struct{}
}

// New returns an empty scheduler.
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.MinActiveStreak == 0 {
		cfg.MinActiveStreak = 1
	}
	return &Scheduler{
		cfg:        cfg,
		deps:       deps,
		log:        logger.NewLoggerWithContext("prime"),
		procs:      make(map[uint32]*ProcessStats),
		gaugeNames: make(map[string]struct{}),
	}
}

// Process returns the stats tracked for pid.
func (s *Scheduler) Process(pid uint32) (*ProcessStats, bool) {
	p, ok := s.procs[pid]
	return p, ok
}

// Len returns the number of tracked processes.
func (s *Scheduler) Len() int { return len(s.procs) }

// BeginCycle clears every liveness flag and lets failed module
// enumerations be tried again.
func (s *Scheduler) BeginCycle() {
	s.deps.Modules.BeginCycle()
	for _, p := range s.procs {
		p.alive = false
		for _, t := range p.threads {
			t.seen = false
		}
	}
}

// observation is one thread's measured activity for the current cycle.
type observation struct {
	t        *ThreadStats
	activity uint64
	wasPrime bool
}

// Update feeds one governed process from the current snapshot.
func (s *Scheduler) Update(e *snapshot.ProcessEntry, rule *config.ProcessConfig) {
	p, ok := s.procs[e.PID]
	if ok && (p.Name != e.Name || (p.createTime != 0 && e.CreateTime != 0 && p.createTime != e.CreateTime)) {
		// The PID was recycled between two snapshots.
		if r, monitored := s.purgeProcess(p); monitored {
			s.pending = append(s.pending, r)
		}
		ok = false
	}
	if !ok {
		p = newProcessStats(e)
		s.procs[e.PID] = p
	}
	p.alive = true
	p.cfg = rule
	p.basePriority = e.BasePriority

	records := e.Threads()
	obs := make([]observation, 0, len(records))
	for _, tid := range e.TIDs() {
		rec := records[tid]
		t, known := p.threads[tid]
		if known && t.last.CreateTime != 0 && rec.CreateTime != t.last.CreateTime {
			// The TID was handed to a new thread between two snapshots.
			if p.monitored() {
				p.archive([]ThreadHistory{p.historyOf(t)}, s.topX(p))
			}
			s.closeThread(p, t)
			known = false
		}
		if !known {
			t = &ThreadStats{TID: tid}
			p.threads[tid] = t
			p.TotalThreadsTracked++
		}
		t.seen = true
		t.last = rec

		activity, measured := s.measure(p, t)
		if !measured {
			continue
		}
		s.resolveStart(p, t)
		obs = append(obs, observation{t: t, activity: activity})
	}

	var highest uint64
	for _, o := range obs {
		highest = max(highest, o.activity)
	}
	if highest == 0 {
		return
	}

	// Ties keep TID order.
	sort.SliceStable(obs, func(i, j int) bool {
		if obs[i].activity != obs[j].activity {
			return obs[i].activity > obs[j].activity
		}
		return obs[i].t.TID < obs[j].t.TID
	})

	keepBar := s.cfg.KeepThreshold * float64(highest)
	entryBar := s.cfg.EntryThreshold * float64(highest)

	// A thread takes either the retention path or the promotion path in a
	// cycle, never both.
	for i := range obs {
		obs[i].wasPrime = obs[i].t.prime
	}

	for _, o := range obs {
		if !o.wasPrime {
			continue
		}
		_, eligible := s.target(p, o.t)
		if !eligible || float64(o.activity) < keepBar {
			s.demote(p, o.t, o.activity)
		}
	}

	var ready []observation
	for _, o := range obs {
		if o.wasPrime {
			continue
		}
		if _, eligible := s.target(p, o.t); !eligible {
			o.t.ActiveStreak = 0
			continue
		}
		if float64(o.activity) < entryBar {
			o.t.ActiveStreak = 0
			continue
		}
		if o.t.ActiveStreak < ^uint8(0) {
			o.t.ActiveStreak++
		}
		if o.t.ActiveStreak >= s.cfg.MinActiveStreak {
			ready = append(ready, o)
		}
	}

	free := -1
	if rule.PrimeThreadsMax > 0 {
		free = max(rule.PrimeThreadsMax-p.PrimeCount(), 0)
	}

	var affinity uint64
	var haveAffinity bool
	for _, o := range ready {
		if free == 0 {
			break
		}
		if !haveAffinity {
			mask, _, err := s.deps.OS.ProcessAffinity(p.PID)
			if err != nil {
				s.report(p, windowsapi.NewOpError(windowsapi.KindQuery, "GetProcessAffinityMask", p.PID, 0, err))
				return
			}
			affinity, haveAffinity = mask, true
		}
		if s.promote(p, o.t, o.activity, affinity) && free > 0 {
			free--
		}
	}
}

// measure opens the thread lazily and returns the cycle delta since the
// previous observation. The first observation only sets the baseline.
func (s *Scheduler) measure(p *ProcessStats, t *ThreadStats) (uint64, bool) {
	if !t.handleOpen {
		h, err := s.deps.OS.OpenThread(t.TID)
		if err != nil {
			s.report(p, windowsapi.NewOpError(windowsapi.KindHandle, "OpenThread", p.PID, t.TID, err))
			return 0, false
		}
		t.handle, t.handleOpen = h, true
	}

	cycles, err := s.deps.OS.ThreadCycleTime(t.handle)
	if err != nil {
		s.report(p, windowsapi.NewOpError(windowsapi.KindQuery, "QueryThreadCycleTime", p.PID, t.TID, err))
		return 0, false
	}

	var activity uint64
	if t.haveBaseline && cycles > t.lastCycles {
		activity = cycles - t.lastCycles
	}
	t.lastCycles, t.haveBaseline = cycles, true
	t.CumulativeCycles += activity
	return activity, true
}

// resolveStart names the thread's start address once. A failed lookup is
// retried next cycle.
func (s *Scheduler) resolveStart(p *ProcessStats, t *ThreadStats) {
	if t.resolved {
		return
	}
	if t.startAddress == 0 {
		addr, err := s.deps.OS.ThreadStartAddress(t.handle)
		if err != nil {
			s.report(p, windowsapi.NewOpError(windowsapi.KindQuery, "NtQueryInformationThread", p.PID, t.TID, err))
			t.startModule = modcache.Unresolved
			return
		}
		if addr == 0 {
			addr = t.last.StartAddress
		}
		t.startAddress = addr
	}

	name, err := s.deps.Modules.Resolve(p.PID, t.startAddress)
	t.startModule = name
	if err != nil {
		s.report(p, windowsapi.NewOpError(windowsapi.KindQuery, "EnumProcessModulesEx", p.PID, t.TID, err))
		return
	}
	t.resolved = true
}

// target picks the pin target for t. With prefixes configured only threads
// whose start module matches one are eligible; the first match wins.
func (s *Scheduler) target(p *ProcessStats, t *ThreadStats) (config.PrimePrefix, bool) {
	rule := p.cfg
	if len(rule.PrimeThreadsPrefixes) == 0 {
		return config.PrimePrefix{CPUs: rule.PrimeThreadsCPUs}, len(rule.PrimeThreadsCPUs) > 0
	}
	if !t.resolved {
		return config.PrimePrefix{}, false
	}
	module := strings.ToLower(t.startModule)
	for _, pr := range rule.PrimeThreadsPrefixes {
		if !strings.HasPrefix(module, pr.Prefix) {
			continue
		}
		if len(pr.CPUs) == 0 {
			pr.CPUs = rule.PrimeThreadsCPUs
		}
		return pr, len(pr.CPUs) > 0
	}
	return config.PrimePrefix{}, false
}

// promote pins t and raises its priority. A rejected pin leaves the thread a
// candidate so the next cycle tries again.
func (s *Scheduler) promote(p *ProcessStats, t *ThreadStats, activity, affinity uint64) bool {
	pr, _ := s.target(p, t)
	indices := pr.CPUs
	if s.deps.Topology.Count() <= 64 {
		indices = s.deps.Topology.FilterByAffinity(indices, affinity)
	}
	ids := s.deps.Topology.IDsFromIndices(indices)
	if len(ids) == 0 {
		s.log.Debug().Uint32("pid", p.PID).Uint32("tid", t.TID).Ints("cpus", pr.CPUs).
			Msg("No prime cpu left inside the process affinity")
		return false
	}

	if err := s.deps.OS.SetThreadCPUSets(t.handle, ids); err != nil {
		s.report(p, windowsapi.NewOpError(windowsapi.KindApply, "SetThreadSelectedCpuSets", p.PID, t.TID, err))
		return false
	}
	t.prime = true
	t.pinned = ids
	t.pinnedIdx = s.deps.Topology.IndicesFromIDs(ids)

	s.boost(p, t, pr.ThreadPriority)

	s.log.Info().Uint32("pid", p.PID).Uint32("tid", t.TID).
		Msg(fmt.Sprintf("%d-%d-%s -> (promoted, %v, cycles=%d, start=%s)",
			t.TID, p.PID, p.Name, t.pinnedIdx, activity, t.startModule))
	if s.deps.Metrics != nil {
		s.deps.Metrics.Promotions.WithLabelValues(p.Name).Inc()
	}
	return true
}

// boost raises the thread priority to want, or one step when want is None.
// A saved original from an earlier failed restore is kept.
func (s *Scheduler) boost(p *ProcessStats, t *ThreadStats, want priority.Thread) {
	if !t.hasOriginal {
		cur, err := s.deps.OS.ThreadPriority(t.handle)
		if err != nil {
			s.report(p, windowsapi.NewOpError(windowsapi.KindQuery, "GetThreadPriority", p.PID, t.TID, err))
			return
		}
		t.original = cur
	}
	if want == priority.ThreadNone {
		want = t.original.Boost()
	}
	if want == priority.ThreadNone || want == t.original {
		return
	}
	if err := s.deps.OS.SetThreadPriority(t.handle, want); err != nil {
		s.report(p, windowsapi.NewOpError(windowsapi.KindApply, "SetThreadPriority", p.PID, t.TID, err))
		return
	}
	t.hasOriginal = true
}

// demote clears the pin and restores the saved priority. If the pin cannot
// be cleared the thread stays prime and demotion is retried next cycle.
func (s *Scheduler) demote(p *ProcessStats, t *ThreadStats, activity uint64) {
	if err := s.deps.OS.SetThreadCPUSets(t.handle, nil); err != nil {
		s.report(p, windowsapi.NewOpError(windowsapi.KindApply, "SetThreadSelectedCpuSets", p.PID, t.TID, err))
		return
	}
	cores := t.pinnedIdx
	t.prime = false
	t.pinned, t.pinnedIdx = nil, nil
	t.ActiveStreak = 0

	if t.hasOriginal {
		if err := s.deps.OS.SetThreadPriority(t.handle, t.original); err != nil {
			s.report(p, windowsapi.NewOpError(windowsapi.KindApply, "SetThreadPriority", p.PID, t.TID, err))
		} else {
			t.hasOriginal = false
		}
	}

	s.log.Info().Uint32("pid", p.PID).Uint32("tid", t.TID).
		Msg(fmt.Sprintf("%d-%d-%s -> (demoted, %v, cycles=%d, start=%s)",
			t.TID, p.PID, p.Name, cores, activity, t.startModule))
	if s.deps.Metrics != nil {
		s.deps.Metrics.Demotions.WithLabelValues(p.Name).Inc()
	}
}

// EndCycle purges everything not observed since BeginCycle and returns the
// post-mortem reports of monitored processes that exited.
func (s *Scheduler) EndCycle() []Report {
	reports := s.pending
	s.pending = nil
	for pid, p := range s.procs {
		if !p.alive {
			if r, ok := s.purgeProcess(p); ok {
				reports = append(reports, r)
			}
			delete(s.procs, pid)
			continue
		}

		var dead []ThreadHistory
		for tid, t := range p.threads {
			if t.seen {
				continue
			}
			dead = append(dead, p.historyOf(t))
			s.closeThread(p, t)
			delete(p.threads, tid)
		}
		if len(dead) > 0 && p.monitored() {
			p.archive(dead, s.topX(p))
		}
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].PID < reports[j].PID })
	s.updateGauges()
	return reports
}

// purgeProcess closes every handle of p and drops its module list. The
// caller removes p from the table.
func (s *Scheduler) purgeProcess(p *ProcessStats) (Report, bool) {
	dead := make([]ThreadHistory, 0, len(p.threads))
	for tid, t := range p.threads {
		dead = append(dead, p.historyOf(t))
		s.closeThread(p, t)
		delete(p.threads, tid)
	}
	s.deps.Modules.Clear(p.PID)
	delete(s.procs, p.PID)

	if !p.monitored() {
		return Report{}, false
	}
	p.archive(dead, s.topX(p))
	if s.deps.Metrics != nil {
		s.deps.Metrics.Reports.Inc()
	}
	return Report{
		PID:         p.PID,
		Name:        p.Name,
		ThreadsSeen: p.TotalThreadsTracked,
		Threads:     append([]ThreadHistory(nil), p.history...),
	}, true
}

// closeThread is the only place a thread handle is closed.
func (s *Scheduler) closeThread(p *ProcessStats, t *ThreadStats) {
	if !t.handleOpen {
		return
	}
	if err := s.deps.OS.CloseHandle(t.handle); err != nil {
		s.report(p, windowsapi.NewOpError(windowsapi.KindHandle, "CloseHandle", p.PID, t.TID, err))
	}
	t.handle, t.handleOpen = 0, false
}

// Close unpins every prime thread and releases all handles. The scheduler
// is empty afterwards.
func (s *Scheduler) Close() {
	for pid, p := range s.procs {
		for tid, t := range p.threads {
			if t.prime {
				s.demote(p, t, 0)
			}
			s.closeThread(p, t)
			delete(p.threads, tid)
		}
		s.deps.Modules.Clear(pid)
		delete(s.procs, pid)
	}
	s.updateGauges()
}

func (s *Scheduler) topX(p *ProcessStats) int {
	if p.cfg != nil && p.cfg.PrimeThreadsTopX > 0 {
		return p.cfg.PrimeThreadsTopX
	}
	if s.cfg.DefaultTopX > 0 {
		return s.cfg.DefaultTopX
	}
	return 1
}

func (p *ProcessStats) monitored() bool {
	return p.cfg != nil && p.cfg.PrimeThreadsMonitor
}

func (s *Scheduler) report(p *ProcessStats, err *windowsapi.OpError) {
	s.deps.Failures.Report(p.Name, err)
}

func (s *Scheduler) updateGauges() {
	m := s.deps.Metrics
	if m == nil {
		return
	}
	prime := make(map[string]int)
	tracked := make(map[string]uint64)
	for _, p := range s.procs {
		prime[p.Name] += p.PrimeCount()
		tracked[p.Name] += p.TotalThreadsTracked
	}
	for name := range s.gaugeNames {
		if _, ok := prime[name]; !ok {
			m.ForgetProcess(name)
			delete(s.gaugeNames, name)
		}
	}
	for name, n := range prime {
		m.PrimeThreads.WithLabelValues(name).Set(float64(n))
		m.TrackedThreads.WithLabelValues(name).Set(float64(tracked[name]))
		s.gaugeNames[name] = struct{}{}
	}
}
