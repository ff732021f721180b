package policy

import (
	"io"
	"testing"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"core_governor/internal/config"
	"core_governor/internal/failures"
	"core_governor/internal/logger"
	"core_governor/internal/metrics"
	"core_governor/internal/priority"
	"core_governor/internal/snapshot"
	"core_governor/internal/topology"
	"core_governor/internal/windowsapi"
)

type fakeProcesses struct {
	class    map[uint32]priority.Class
	affinity map[uint32]uint64
	system   uint64
	cpuSets  map[uint32][]uint32
	setCalls map[string]int
	fail     map[string]error
}

func newFake() *fakeProcesses {
	return &fakeProcesses{
		class:    map[uint32]priority.Class{},
		affinity: map[uint32]uint64{},
		system:   0xFF,
		cpuSets:  map[uint32][]uint32{},
		setCalls: map[string]int{},
		fail:     map[string]error{},
	}
}

func (f *fakeProcesses) ProcessAffinity(pid uint32) (uint64, uint64, error) {
	if err := f.fail["ProcessAffinity"]; err != nil {
		return 0, 0, err
	}
	if m, ok := f.affinity[pid]; ok {
		return m, f.system, nil
	}
	return f.system, f.system, nil
}

func (f *fakeProcesses) SetProcessAffinity(pid uint32, mask uint64) error {
	f.setCalls["affinity"]++
	if err := f.fail["SetProcessAffinity"]; err != nil {
		return err
	}
	f.affinity[pid] = mask
	return nil
}

func (f *fakeProcesses) PriorityClass(pid uint32) (priority.Class, error) {
	if err := f.fail["PriorityClass"]; err != nil {
		return priority.ClassNone, err
	}
	if c, ok := f.class[pid]; ok {
		return c, nil
	}
	return priority.ClassNormal, nil
}

func (f *fakeProcesses) SetPriorityClass(pid uint32, c priority.Class) error {
	f.setCalls["priority"]++
	if err := f.fail["SetPriorityClass"]; err != nil {
		return err
	}
	f.class[pid] = c
	return nil
}

func (f *fakeProcesses) SetProcessDefaultCPUSets(pid uint32, ids []uint32) error {
	f.setCalls["cpu_set"]++
	if err := f.fail["SetProcessDefaultCPUSets"]; err != nil {
		return err
	}
	f.cpuSets[pid] = ids
	return nil
}

func newApplier(f *fakeProcesses) (*Applier, *metrics.Metrics) {
	log.DefaultLogger = log.Logger{Writer: &log.IOWriter{Writer: io.Discard}}
	m := metrics.NewWith(prometheus.NewRegistry())
	sets := make([]windowsapi.CPUSet, 8)
	for i := range sets {
		sets[i] = windowsapi.CPUSet{ID: 0x100 + uint32(i), LogicalIndex: uint8(i)}
	}
	return New(Deps{
		OS:       f,
		Topology: topology.New(sets),
		Failures: failures.New(logger.NewNoisy(0), m),
		Metrics:  m,
	}), m
}

func rule() *config.ProcessConfig {
	return &config.ProcessConfig{
		Name:     "game.exe",
		Priority: priority.ClassHigh,
		Affinity: []int{0, 1, 2, 3},
		CPUSet:   []int{2, 3},
	}
}

func TestApplyConverges(t *testing.T) {
	f := newFake()
	a, m := newApplier(f)
	e := snapshot.NewEntry(10, "game.exe")

	a.Apply(e, rule())
	assert.Equal(t, priority.ClassHigh, f.class[10])
	assert.Equal(t, uint64(0xF), f.affinity[10])
	assert.Equal(t, []uint32{0x102, 0x103}, f.cpuSets[10])

	// Second pass changes nothing.
	a.Apply(e, rule())
	assert.Equal(t, map[string]int{"priority": 1, "affinity": 1, "cpu_set": 1}, f.setCalls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PolicyChanges.WithLabelValues("cpu_set")))

	// Drift made outside the governor is corrected.
	f.class[10] = priority.ClassNormal
	a.Apply(e, rule())
	assert.Equal(t, priority.ClassHigh, f.class[10])
	assert.Equal(t, 2, f.setCalls["priority"])
}

func TestApplyLeavesUnsetAlone(t *testing.T) {
	f := newFake()
	a, _ := newApplier(f)
	a.Apply(snapshot.NewEntry(10, "game.exe"), &config.ProcessConfig{Name: "game.exe"})
	assert.Empty(t, f.setCalls)
}

func TestAffinityOutsideSystemIsSkipped(t *testing.T) {
	f := newFake()
	f.system = 0x0F
	a, _ := newApplier(f)
	a.Apply(snapshot.NewEntry(10, "game.exe"), &config.ProcessConfig{Name: "game.exe", Affinity: []int{4, 5}})
	assert.Zero(t, f.setCalls["affinity"])

	a.Apply(snapshot.NewEntry(10, "game.exe"), &config.ProcessConfig{Name: "game.exe", Affinity: []int{2, 70}})
	assert.Equal(t, uint64(0x4), f.affinity[10])
}

func TestCPUSetMemo(t *testing.T) {
	f := newFake()
	a, _ := newApplier(f)
	e := snapshot.NewEntry(10, "game.exe")
	r := &config.ProcessConfig{Name: "game.exe", CPUSet: []int{1}}

	a.Apply(e, r)
	a.Apply(e, r)
	assert.Equal(t, 1, f.setCalls["cpu_set"])
	assert.Equal(t, 1, a.Tracked())

	// Same PID, new process instance.
	e2 := snapshot.NewEntry(10, "game.exe")
	e2.CreateTime = 99
	a.Apply(e2, r)
	assert.Equal(t, 2, f.setCalls["cpu_set"])

	a.EndCycle(snapshot.FromEntries(snapshot.NewEntry(11, "other.exe")))
	assert.Equal(t, 0, a.Tracked())
	a.Apply(e2, r)
	assert.Equal(t, 3, f.setCalls["cpu_set"])
}

func TestFailuresAreIsolated(t *testing.T) {
	f := newFake()
	f.fail["PriorityClass"] = windowsapi.ErrorAccessDenied
	f.fail["SetProcessDefaultCPUSets"] = windowsapi.ErrorInvalidParameter
	a, m := newApplier(f)
	e := snapshot.NewEntry(10, "game.exe")

	a.Apply(e, rule())
	assert.Zero(t, f.setCalls["priority"])
	assert.Equal(t, uint64(0xF), f.affinity[10])
	assert.Equal(t, 0, a.Tracked())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OSErrors.WithLabelValues("query_failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OSErrors.WithLabelValues("apply_failure")))

	// Not memoized after a failure: the next cycle retries.
	delete(f.fail, "SetProcessDefaultCPUSets")
	a.Apply(e, rule())
	assert.Equal(t, 1, a.Tracked())
}
