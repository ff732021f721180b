package snapshot

import (
	"encoding/binary"
	"errors"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"core_governor/internal/windowsapi"
)

const testBase = 0x7ff0_0000_0000

type fakeProcess struct {
	pid     uint32
	name    string
	threads []ThreadRecord
}

// encode lays records out the way the kernel does: a process record, its
// thread records, then the image name, chained by next-entry offsets.
func encode(procs ...fakeProcess) []byte {
	le := binary.LittleEndian
	var buf []byte
	for i, p := range procs {
		start := len(buf)
		name := utf16.Encode([]rune(p.name))
		size := processRecordSize + len(p.threads)*threadRecordSize + len(name)*2
		size = (size + 7) &^ 7
		rec := make([]byte, size)

		le.PutUint32(rec[offNumberOfThreads:], uint32(len(p.threads)))
		le.PutUint64(rec[offUniqueProcessID:], uint64(p.pid))
		le.PutUint64(rec[offInheritedFromPID:], 4)
		le.PutUint32(rec[offHandleCount:], 42)
		le.PutUint64(rec[offCycleTime:], 1000)

		for j, t := range p.threads {
			r := rec[processRecordSize+j*threadRecordSize:]
			le.PutUint64(r[thOffKernelTime:], uint64(t.KernelTime))
			le.PutUint64(r[thOffUserTime:], uint64(t.UserTime))
			le.PutUint64(r[thOffStartAddress:], t.StartAddress)
			le.PutUint64(r[thOffUniqueProcess:], uint64(p.pid))
			le.PutUint64(r[thOffUniqueThread:], uint64(t.TID))
			le.PutUint32(r[thOffPriority:], uint32(t.Priority))
			le.PutUint32(r[thOffContextSwitches:], t.ContextSwitches)
			le.PutUint32(r[thOffThreadState:], uint32(t.State))
		}

		nameOff := processRecordSize + len(p.threads)*threadRecordSize
		for j, u := range name {
			le.PutUint16(rec[nameOff+2*j:], u)
		}
		if len(name) > 0 {
			le.PutUint16(rec[offImageNameLength:], uint16(len(name)*2))
			le.PutUint64(rec[offImageNameBuffer:], testBase+uint64(start+nameOff))
		}

		if i < len(procs)-1 {
			le.PutUint32(rec[offNextEntryOffset:], uint32(size))
		}
		buf = append(buf, rec...)
	}
	return buf
}

func sample() []byte {
	return encode(
		fakeProcess{pid: 0},
		fakeProcess{pid: 4, name: "System", threads: []ThreadRecord{{TID: 8}}},
		fakeProcess{pid: 1234, name: "Game.EXE", threads: []ThreadRecord{
			{TID: 30, UserTime: 5, KernelTime: 2, StartAddress: 0x1000, ContextSwitches: 9, State: 2},
			{TID: 10, UserTime: 1},
			{TID: 20, Priority: 8},
		}},
	)
}

func TestParse(t *testing.T) {
	snap, err := Parse(sample(), testBase)
	require.NoError(t, err)

	assert.Equal(t, 3, snap.Len())
	assert.Equal(t, []uint32{0, 4, 1234}, snap.PIDs())

	game, ok := snap.Get(1234)
	require.True(t, ok)
	assert.Equal(t, "game.exe", game.Name)
	assert.Equal(t, uint32(3), game.ThreadCount)
	assert.Equal(t, uint32(4), game.ParentPID)
	assert.Equal(t, uint32(42), game.HandleCount)
	assert.Equal(t, []uint32{10, 20, 30}, game.TIDs())

	th := game.Threads()[30]
	assert.Equal(t, uint32(1234), th.PID)
	assert.Equal(t, uint64(7), th.TotalTime())
	assert.Equal(t, uint64(0x1000), th.StartAddress)
	assert.Equal(t, uint32(9), th.ContextSwitches)
	assert.Equal(t, "running", th.State.String())
	assert.Equal(t, int32(8), game.Threads()[20].Priority)

	idle, _ := snap.Get(0)
	assert.Empty(t, idle.Name)
	assert.Empty(t, idle.Threads())

	assert.Len(t, snap.ByName("SYSTEM"), 1)
}

func TestParseKeepsFirstDuplicatePID(t *testing.T) {
	buf := encode(
		fakeProcess{pid: 7, name: "first.exe"},
		fakeProcess{pid: 7, name: "second.exe"},
	)
	snap, err := Parse(buf, testBase)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Len())
	e, _ := snap.Get(7)
	assert.Equal(t, "first.exe", e.Name)
}

func TestParseMalformed(t *testing.T) {
	le := binary.LittleEndian

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"truncated record", func(b []byte) []byte { return b[:processRecordSize-1] }},
		{"next offset past end", func(b []byte) []byte {
			le.PutUint32(b[offNextEntryOffset:], uint32(len(b)+8))
			return b
		}},
		{"next offset inside header", func(b []byte) []byte {
			le.PutUint32(b[offNextEntryOffset:], 16)
			return b
		}},
		{"too many threads", func(b []byte) []byte {
			le.PutUint32(b[offNumberOfThreads:], 1000)
			return b
		}},
		{"name outside buffer", func(b []byte) []byte {
			le.PutUint64(b[offImageNameBuffer:], testBase+uint64(len(b)))
			le.PutUint16(b[offImageNameLength:], 8)
			return b
		}},
		{"name below base", func(b []byte) []byte {
			le.PutUint64(b[offImageNameBuffer:], testBase-2)
			le.PutUint16(b[offImageNameLength:], 8)
			return b
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := encode(fakeProcess{pid: 9, name: "x.exe", threads: []ThreadRecord{{TID: 1}}})
			_, err := Parse(tt.mutate(buf), testBase)
			assert.Error(t, err)
		})
	}
}

func TestParseEmpty(t *testing.T) {
	snap, err := Parse(nil, testBase)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())
}

func TestThreadsReparseOnCountChange(t *testing.T) {
	snap, err := Parse(sample(), testBase)
	require.NoError(t, err)
	game, _ := snap.Get(1234)
	require.Len(t, game.Threads(), 3)

	// A cache that disagrees with the declared count is rebuilt.
	delete(game.threads, 10)
	assert.Len(t, game.Threads(), 3)

	// Entries without a backing buffer keep their decoded threads.
	built := NewEntry(5, "Tool.exe", ThreadRecord{TID: 2}, ThreadRecord{TID: 1})
	assert.Equal(t, "tool.exe", built.Name)
	assert.Equal(t, []uint32{1, 2}, built.TIDs())
	assert.Equal(t, uint32(5), built.Threads()[1].PID)
}

type fakeSystem struct {
	payload []byte
	calls   []int
	fail    error
	// needed overrides the reported size on a mismatch.
	needed uint32
}

func (f *fakeSystem) QuerySystemProcessInformation(buf []byte) (uint32, uint64, error) {
	f.calls = append(f.calls, len(buf))
	if f.fail != nil {
		return 0, 0, f.fail
	}
	if f.needed != 0 {
		return f.needed, 0, windowsapi.StatusInfoLengthMismatch
	}
	if len(buf) < len(f.payload) {
		return uint32(len(f.payload)), 0, windowsapi.StatusInfoLengthMismatch
	}
	copy(buf, f.payload)
	return uint32(len(f.payload)), testBase, nil
}

func (f *fakeSystem) SystemCPUSets() ([]windowsapi.CPUSet, error) { return nil, nil }

func TestTakeGrowsBuffer(t *testing.T) {
	sys := &fakeSystem{payload: sample()}
	taker := NewTaker(sys)
	taker.size = 64

	snap, err := taker.Take()
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Len())
	require.Len(t, sys.calls, 2)
	assert.GreaterOrEqual(t, sys.calls[1], len(sys.payload))

	// The grown size is remembered.
	_, err = taker.Take()
	require.NoError(t, err)
	assert.Len(t, sys.calls, 3)
}

func TestTakeFailure(t *testing.T) {
	sys := &fakeSystem{fail: windowsapi.StatusAccessDenied}
	_, err := NewTaker(sys).Take()
	require.Error(t, err)

	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, uint32(windowsapi.StatusAccessDenied), serr.Status)
	assert.True(t, windowsapi.IsAccessDenied(err))
	assert.Len(t, sys.calls, 1)
}

func TestTakeBufferLimit(t *testing.T) {
	sys := &fakeSystem{needed: maxBufferSize + 1}
	_, err := NewTaker(sys).Take()
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, uint32(windowsapi.StatusInfoLengthMismatch), serr.Status)
}
