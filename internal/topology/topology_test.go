package topology

import (
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"core_governor/internal/windowsapi"
)

// hybrid builds a two-group machine: group 0 has 64 processors, group 1 has 8.
// Ids are deliberately not derived from positions.
func hybrid() []windowsapi.CPUSet {
	var sets []windowsapi.CPUSet
	for g := uint16(0); g < 2; g++ {
		n := 64
		if g == 1 {
			n = 8
		}
		for lp := 0; lp < n; lp++ {
			eff := uint8(0)
			if lp < 8 {
				eff = 1
			}
			sets = append(sets, windowsapi.CPUSet{
				ID:              0x100 + uint32(g)*0x1000 + uint32(lp)*3,
				Group:           g,
				LogicalIndex:    uint8(lp),
				EfficiencyClass: eff,
			})
		}
	}
	// Shuffle so New has to order them.
	r := rand.New(rand.NewSource(7))
	r.Shuffle(len(sets), func(i, j int) { sets[i], sets[j] = sets[j], sets[i] })
	return sets
}

func TestNewOrdersByGroupAndNumber(t *testing.T) {
	topo := New(hybrid())
	require.Equal(t, 72, topo.Count())

	cpus := topo.CPUs()
	assert.Equal(t, uint16(0), cpus[0].Group)
	assert.Equal(t, uint8(0), cpus[0].LogicalIndex)
	assert.Equal(t, uint16(1), cpus[64].Group)
	assert.Equal(t, uint8(0), cpus[64].LogicalIndex)
	for i, c := range cpus {
		assert.Equal(t, i, c.Index)
	}
}

func TestIDRoundTrip(t *testing.T) {
	topo := New(hybrid())
	r := rand.New(rand.NewSource(1))

	for trial := 0; trial < 200; trial++ {
		var subset []int
		for i := 0; i < topo.Count(); i++ {
			if r.Intn(3) == 0 {
				subset = append(subset, i)
			}
		}
		if len(subset) == 0 {
			subset = []int{r.Intn(topo.Count())}
		}
		// Order of the input must not matter.
		shuffled := append([]int(nil), subset...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		got := topo.IndicesFromIDs(topo.IDsFromIndices(shuffled))
		sort.Ints(subset)
		require.Equal(t, subset, got)
	}
}

func TestIndicesFromIDsDedupAndUnknown(t *testing.T) {
	topo := New(hybrid())
	ids := topo.IDsFromIndices([]int{5, 2, 5})
	ids = append(ids, 0xDEAD)
	assert.Equal(t, []int{2, 5}, topo.IndicesFromIDs(ids))
}

func TestIDsFromIndicesDropsOutOfRange(t *testing.T) {
	topo := New(hybrid())
	assert.Len(t, topo.IDsFromIndices([]int{-1, 0, 72, 500}), 1)
}

func TestMaskConversions(t *testing.T) {
	topo := New(hybrid())

	ids := topo.IDsFromMask(0b1011)
	assert.Equal(t, []int{0, 1, 3}, topo.IndicesFromIDs(ids))
	assert.Equal(t, uint64(0b1011), topo.MaskFromIDs(ids))

	// Index 64 and above lives in group 1 and cannot be represented.
	beyond := topo.IDsFromIndices([]int{1, 64, 70})
	assert.Equal(t, uint64(0b10), topo.MaskFromIDs(beyond))

	assert.Equal(t, uint64(1)<<63, MaskFromIndices([]int{63, 64, -3}))
	assert.Equal(t, []int{0, 63}, IndicesFromMask(1|1<<63))
	assert.Empty(t, IndicesFromMask(0))
}

func TestFilterByAffinity(t *testing.T) {
	topo := New(hybrid())
	assert.Equal(t, []int{1, 3}, topo.FilterByAffinity([]int{0, 1, 3, 65}, 0b1010))
	assert.Empty(t, topo.FilterByAffinity([]int{4, 5}, 0b1))
	assert.Empty(t, topo.FilterByAffinity([]int{80}, ^uint64(0)))
}

type fakeSystem struct {
	sets []windowsapi.CPUSet
	err  error
}

func (f fakeSystem) QuerySystemProcessInformation([]byte) (uint32, uint64, error) {
	return 0, 0, errors.New("unused")
}
func (f fakeSystem) SystemCPUSets() ([]windowsapi.CPUSet, error) { return f.sets, f.err }

func TestDiscover(t *testing.T) {
	topo, err := Discover(fakeSystem{sets: hybrid()})
	require.NoError(t, err)
	assert.Equal(t, 72, topo.Count())

	_, err = Discover(fakeSystem{err: windowsapi.ErrorAccessDenied})
	assert.ErrorIs(t, err, windowsapi.ErrorAccessDenied)

	_, err = Discover(fakeSystem{})
	assert.Error(t, err)
}

func TestNewSkipsDuplicateIDs(t *testing.T) {
	topo := New([]windowsapi.CPUSet{
		{ID: 10, LogicalIndex: 0},
		{ID: 10, LogicalIndex: 1},
		{ID: 11, LogicalIndex: 2},
	})
	assert.Equal(t, 2, topo.Count())
}
