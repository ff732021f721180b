// Package policy applies the static per-process settings of a rule:
// priority class, legacy affinity and default CPU sets.
package policy

import (
	"fmt"
	"slices"

	"github.com/phuslu/log"

	"core_governor/internal/config"
	"core_governor/internal/failures"
	"core_governor/internal/logger"
	"core_governor/internal/metrics"
	"core_governor/internal/priority"
	"core_governor/internal/snapshot"
	"core_governor/internal/topology"
	"core_governor/internal/windowsapi"
)

// Deps are the collaborators the applier needs.
type Deps struct {
	OS       windowsapi.ProcessAPI
	Topology *topology.Topology
	Failures *failures.Tracker
	Metrics  *metrics.Metrics // optional
}

// applied remembers the default CPU sets given to one process instance.
type applied struct {
	createTime int64
	ids        []uint32
}

// Applier converges processes to their rule. Each setting is read back
// every cycle except default CPU sets, which Windows offers no cheap way to
// query and which are therefore remembered per PID.
type Applier struct {
	deps    Deps
	log     log.Logger
	cpuSets map[uint32]applied
}

// New returns an Applier.
func New(deps Deps) *Applier {
	return &Applier{
		deps:    deps,
		log:     logger.NewLoggerWithContext("policy"),
		cpuSets: make(map[uint32]applied),
	}
}

// Apply converges one process. Failures are reported and the remaining
// settings are still attempted.
func (a *Applier) Apply(e *snapshot.ProcessEntry, rule *config.ProcessConfig) {
	a.applyPriority(e, rule.Priority)
	a.applyAffinity(e, rule.Affinity)
	a.applyCPUSets(e, rule.CPUSet)
}

func (a *Applier) applyPriority(e *snapshot.ProcessEntry, want priority.Class) {
	if want == priority.ClassNone {
		return
	}
	cur, err := a.deps.OS.PriorityClass(e.PID)
	if err != nil {
		a.fail(e, windowsapi.KindQuery, "GetPriorityClass", err)
		return
	}
	if cur == want {
		return
	}
	if err := a.deps.OS.SetPriorityClass(e.PID, want); err != nil {
		a.fail(e, windowsapi.KindApply, "SetPriorityClass", err)
		return
	}
	a.changed("priority")
	a.log.Info().Str("process", e.Name).Uint32("pid", e.PID).
		Str("from", cur.String()).Str("to", want.String()).
		Msg("Priority class applied")
}

func (a *Applier) applyAffinity(e *snapshot.ProcessEntry, indices []int) {
	want := topology.MaskFromIndices(indices)
	if want == 0 {
		return
	}
	cur, system, err := a.deps.OS.ProcessAffinity(e.PID)
	if err != nil {
		a.fail(e, windowsapi.KindQuery, "GetProcessAffinityMask", err)
		return
	}
	if system != 0 {
		want &= system
	}
	if want == 0 {
		a.log.Warn().Str("process", e.Name).Ints("affinity", indices).
			Msg("Affinity selects no processor of this system, skipping")
		return
	}
	if cur == want {
		return
	}
	if err := a.deps.OS.SetProcessAffinity(e.PID, want); err != nil {
		a.fail(e, windowsapi.KindApply, "SetProcessAffinityMask", err)
		return
	}
	a.changed("affinity")
	a.log.Info().Str("process", e.Name).Uint32("pid", e.PID).
		Str("from", hexMask(cur)).Str("to", hexMask(want)).
		Msg("Affinity applied")
}

func (a *Applier) applyCPUSets(e *snapshot.ProcessEntry, indices []int) {
	if len(indices) == 0 {
		return
	}
	ids := a.deps.Topology.IDsFromIndices(indices)
	if len(ids) == 0 {
		return
	}
	if prev, ok := a.cpuSets[e.PID]; ok && prev.createTime == e.CreateTime && slices.Equal(prev.ids, ids) {
		return
	}
	if err := a.deps.OS.SetProcessDefaultCPUSets(e.PID, ids); err != nil {
		a.fail(e, windowsapi.KindApply, "SetProcessDefaultCpuSets", err)
		return
	}
	a.cpuSets[e.PID] = applied{createTime: e.CreateTime, ids: ids}
	a.changed("cpu_set")
	a.log.Info().Str("process", e.Name).Uint32("pid", e.PID).
		Ints("cpus", a.deps.Topology.IndicesFromIDs(ids)).
		Msg("Default CPU sets applied")
}

// EndCycle forgets processes that are no longer in snap.
func (a *Applier) EndCycle(snap *snapshot.Snapshot) {
	for pid := range a.cpuSets {
		if _, ok := snap.Get(pid); !ok {
			delete(a.cpuSets, pid)
		}
	}
}

// Tracked returns the number of processes with remembered CPU sets.
func (a *Applier) Tracked() int { return len(a.cpuSets) }

func (a *Applier) fail(e *snapshot.ProcessEntry, kind windowsapi.Kind, op string, err error) {
	a.deps.Failures.Report(e.Name, windowsapi.NewOpError(kind, op, e.PID, 0, err))
}

func (a *Applier) changed(setting string) {
	if a.deps.Metrics != nil {
		a.deps.Metrics.PolicyChanges.WithLabelValues(setting).Inc()
	}
}

func hexMask(m uint64) string { return fmt.Sprintf("0x%X", m) }
