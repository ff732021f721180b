// Package windowsapi is the governor's only door to the operating system.
// Everything the scheduler needs from Windows is expressed as a small set of
// capability interfaces so tests can substitute a fake without a live OS.
// The Windows implementation lives in api_windows.go; other platforms get a
// stub that reports ErrUnsupported for every call.
package windowsapi

import (
	"errors"

	"core_governor/internal/priority"
)

// ErrUnsupported is returned by the non-Windows stub.
var ErrUnsupported = errors.New("operation is only supported on windows")

// Handle is an opaque OS handle owned by the caller that opened it.
type Handle uintptr

// Module is a loaded image inside a process.
type Module struct {
	Base uint64
	Size uint64
	Name string
}

// Contains reports whether addr falls in [Base, Base+Size).
func (m Module) Contains(addr uint64) bool {
	return addr >= m.Base && addr-m.Base < m.Size
}

// CPUSet describes one logical processor as reported by GetSystemCpuSetInformation.
type CPUSet struct {
	ID              uint32 // opaque CPU set identifier, never a bit position
	Group           uint16
	LogicalIndex    uint8 // logical processor number within Group
	CoreIndex       uint8
	LastLevelCache  uint8
	NumaNode        uint8
	EfficiencyClass uint8 // higher is faster on hybrid parts
	Parked          bool
}

// ThreadAPI covers per-thread operations on an opened handle.
type ThreadAPI interface {
	OpenThread(tid uint32) (Handle, error)
	CloseHandle(h Handle) error
	ThreadCycleTime(h Handle) (uint64, error)
	ThreadStartAddress(h Handle) (uint64, error)
	ThreadPriority(h Handle) (priority.Thread, error)
	SetThreadPriority(h Handle, p priority.Thread) error
	// SetThreadCPUSets pins the thread to ids; an empty slice clears the
	// assignment so the thread inherits the process default again.
	SetThreadCPUSets(h Handle, ids []uint32) error
}

// ProcessAPI covers per-process policy operations addressed by PID.
type ProcessAPI interface {
	ProcessAffinity(pid uint32) (processMask, systemMask uint64, err error)
	SetProcessAffinity(pid uint32, mask uint64) error
	PriorityClass(pid uint32) (priority.Class, error)
	SetPriorityClass(pid uint32, c priority.Class) error
	SetProcessDefaultCPUSets(pid uint32, ids []uint32) error
}

// ModuleAPI enumerates the images loaded in a process.
type ModuleAPI interface {
	ProcessModules(pid uint32) ([]Module, error)
}

// SystemAPI covers machine-wide queries.
type SystemAPI interface {
	// QuerySystemProcessInformation fills buf with SystemProcessInformation
	// records. needed is the length the kernel reported, base is the address
	// of buf[0] so embedded pointers can be turned back into offsets. A too
	// small buffer yields StatusInfoLengthMismatch.
	QuerySystemProcessInformation(buf []byte) (needed uint32, base uint64, err error)
	SystemCPUSets() ([]CPUSet, error)
}

// API is the full capability set.
type API interface {
	ThreadAPI
	ProcessAPI
	ModuleAPI
	SystemAPI
}
