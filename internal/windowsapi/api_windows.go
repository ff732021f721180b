//go:build windows

package windowsapi

import (
	"errors"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"core_governor/internal/priority"
)

const (
	systemProcessInformation        = 5 // SYSTEM_INFORMATION_CLASS
	threadQuerySetWin32StartAddress = 9 // THREADINFOCLASS

	threadQueryInformation        = 0x0040
	threadSetInformation          = 0x0020
	threadSetLimitedInformation   = 0x0400
	threadQueryLimitedInformation = 0x0800
	threadAccess                  = threadQueryInformation | threadSetInformation |
		threadSetLimitedInformation | threadQueryLimitedInformation

	processVMRead                  = 0x0010
	processSetInformation          = 0x0200
	processQueryInformation        = 0x0400
	processQueryLimitedInformation = 0x1000

	listModulesAll = 0x03

	threadPriorityErrorReturn = 0x7FFFFFFF
)

var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")
	modntdll    = windows.NewLazySystemDLL("ntdll.dll")

	procQueryThreadCycleTime       = modkernel32.NewProc("QueryThreadCycleTime")
	procGetThreadPriority          = modkernel32.NewProc("GetThreadPriority")
	procSetThreadPriority          = modkernel32.NewProc("SetThreadPriority")
	procSetThreadSelectedCpuSets   = modkernel32.NewProc("SetThreadSelectedCpuSets")
	procSetProcessDefaultCpuSets   = modkernel32.NewProc("SetProcessDefaultCpuSets")
	procGetSystemCpuSetInformation = modkernel32.NewProc("GetSystemCpuSetInformation")
	procGetProcessAffinityMask     = modkernel32.NewProc("GetProcessAffinityMask")
	procSetProcessAffinityMask     = modkernel32.NewProc("SetProcessAffinityMask")
	procGetPriorityClass           = modkernel32.NewProc("GetPriorityClass")
	procSetPriorityClass           = modkernel32.NewProc("SetPriorityClass")
	procNtQueryInformationThread   = modntdll.NewProc("NtQueryInformationThread")
)

type winAPI struct{}

// New returns the live Windows implementation.
func New() API { return winAPI{} }

// lastError turns the error reported by LazyProc.Call into a usable Errno.
func lastError(e error) error {
	var errno syscall.Errno
	if errors.As(e, &errno) && errno != 0 {
		return errno
	}
	return syscall.EINVAL
}

func callBool(p *windows.LazyProc, args ...uintptr) error {
	if r1, _, e := p.Call(args...); r1 == 0 {
		return lastError(e)
	}
	return nil
}

func idsPtr(ids []uint32) (uintptr, uintptr) {
	if len(ids) == 0 {
		return 0, 0
	}
	return uintptr(unsafe.Pointer(&ids[0])), uintptr(len(ids))
}

// withProcess opens pid with access, runs f and closes the handle.
func withProcess(pid uint32, access uint32, f func(h windows.Handle) error) error {
	h, err := windows.OpenProcess(access, false, pid)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	return f(h)
}

// --- ThreadAPI ---

func (winAPI) OpenThread(tid uint32) (Handle, error) {
	h, err := windows.OpenThread(threadAccess, false, tid)
	if err != nil {
		return 0, err
	}
	return Handle(h), nil
}

func (winAPI) CloseHandle(h Handle) error {
	return windows.CloseHandle(windows.Handle(h))
}

func (winAPI) ThreadCycleTime(h Handle) (uint64, error) {
	var cycles uint64
	if err := callBool(procQueryThreadCycleTime, uintptr(h), uintptr(unsafe.Pointer(&cycles))); err != nil {
		return 0, err
	}
	return cycles, nil
}

func (winAPI) ThreadStartAddress(h Handle) (uint64, error) {
	var addr uintptr
	var retLen uint32
	r1, _, _ := procNtQueryInformationThread.Call(
		uintptr(h),
		threadQuerySetWin32StartAddress,
		uintptr(unsafe.Pointer(&addr)),
		unsafe.Sizeof(addr),
		uintptr(unsafe.Pointer(&retLen)),
	)
	if status := NTStatus(r1); status != StatusSuccess {
		return 0, status
	}
	return uint64(addr), nil
}

func (winAPI) ThreadPriority(h Handle) (priority.Thread, error) {
	r1, _, e := procGetThreadPriority.Call(uintptr(h))
	if int32(r1) == threadPriorityErrorReturn {
		return priority.ThreadNone, lastError(e)
	}
	return priority.ThreadFromOS(int32(r1)), nil
}

func (winAPI) SetThreadPriority(h Handle, p priority.Thread) error {
	v, ok := p.OS()
	if !ok {
		return ErrorInvalidParameter
	}
	return callBool(procSetThreadPriority, uintptr(h), uintptr(v))
}

func (winAPI) SetThreadCPUSets(h Handle, ids []uint32) error {
	ptr, n := idsPtr(ids)
	return callBool(procSetThreadSelectedCpuSets, uintptr(h), ptr, n)
}

// --- ProcessAPI ---

func (winAPI) ProcessAffinity(pid uint32) (processMask, systemMask uint64, err error) {
	err = withProcess(pid, processQueryLimitedInformation, func(h windows.Handle) error {
		var pm, sm uintptr
		if err := callBool(procGetProcessAffinityMask, uintptr(h),
			uintptr(unsafe.Pointer(&pm)), uintptr(unsafe.Pointer(&sm))); err != nil {
			return err
		}
		processMask, systemMask = uint64(pm), uint64(sm)
		return nil
	})
	return processMask, systemMask, err
}

func (winAPI) SetProcessAffinity(pid uint32, mask uint64) error {
	return withProcess(pid, processSetInformation|processQueryLimitedInformation, func(h windows.Handle) error {
		return callBool(procSetProcessAffinityMask, uintptr(h), uintptr(mask))
	})
}

func (winAPI) PriorityClass(pid uint32) (priority.Class, error) {
	var class priority.Class
	err := withProcess(pid, processQueryLimitedInformation, func(h windows.Handle) error {
		r1, _, e := procGetPriorityClass.Call(uintptr(h))
		if r1 == 0 {
			return lastError(e)
		}
		class = priority.ClassFromOS(uint32(r1))
		return nil
	})
	return class, err
}

func (winAPI) SetPriorityClass(pid uint32, c priority.Class) error {
	v, ok := c.OS()
	if !ok {
		return ErrorInvalidParameter
	}
	return withProcess(pid, processSetInformation, func(h windows.Handle) error {
		return callBool(procSetPriorityClass, uintptr(h), uintptr(v))
	})
}

func (winAPI) SetProcessDefaultCPUSets(pid uint32, ids []uint32) error {
	return withProcess(pid, processSetInformation|processQueryLimitedInformation, func(h windows.Handle) error {
		ptr, n := idsPtr(ids)
		return callBool(procSetProcessDefaultCpuSets, uintptr(h), ptr, n)
	})
}

// --- ModuleAPI ---

func (winAPI) ProcessModules(pid uint32) ([]Module, error) {
	var modules []Module
	err := withProcess(pid, processQueryInformation|processVMRead, func(h windows.Handle) error {
		handles := make([]windows.Handle, 256)
		for {
			var needed uint32
			size := uint32(len(handles)) * uint32(unsafe.Sizeof(handles[0]))
			if err := windows.EnumProcessModulesEx(h, &handles[0], size, &needed, listModulesAll); err != nil {
				return err
			}
			if needed <= size {
				handles = handles[:needed/uint32(unsafe.Sizeof(handles[0]))]
				break
			}
			handles = make([]windows.Handle, needed/uint32(unsafe.Sizeof(handles[0]))+16)
		}

		name := make([]uint16, windows.MAX_PATH)
		modules = make([]Module, 0, len(handles))
		for _, mh := range handles {
			var info windows.ModuleInfo
			if err := windows.GetModuleInformation(h, mh, &info, uint32(unsafe.Sizeof(info))); err != nil {
				continue // unloaded between enumeration and query
			}
			if err := windows.GetModuleBaseName(h, mh, &name[0], uint32(len(name))); err != nil {
				continue
			}
			modules = append(modules, Module{
				Base: uint64(info.BaseOfDll),
				Size: uint64(info.SizeOfImage),
				Name: windows.UTF16ToString(name),
			})
		}
		return nil
	})
	return modules, err
}

// --- SystemAPI ---

func (winAPI) QuerySystemProcessInformation(buf []byte) (uint32, uint64, error) {
	if len(buf) == 0 {
		return 0, 0, StatusInfoLengthMismatch
	}
	var needed uint32
	base := uintptr(unsafe.Pointer(&buf[0]))
	err := windows.NtQuerySystemInformation(systemProcessInformation,
		unsafe.Pointer(&buf[0]), uint32(len(buf)), &needed)
	if err != nil {
		var status windows.NTStatus
		if errors.As(err, &status) {
			return needed, uint64(base), NTStatus(status)
		}
		return needed, uint64(base), err
	}
	return needed, uint64(base), nil
}

func (winAPI) SystemCPUSets() ([]CPUSet, error) {
	var needed uint32
	r1, _, e := procGetSystemCpuSetInformation.Call(0, 0, uintptr(unsafe.Pointer(&needed)), 0, 0)
	if r1 == 0 {
		if err := lastError(e); !errors.Is(err, ErrorInsufficientBuffer) {
			return nil, err
		}
	}
	if needed == 0 {
		return nil, nil
	}

	buf := make([]byte, needed)
	if err := callBool(procGetSystemCpuSetInformation,
		uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)),
		uintptr(unsafe.Pointer(&needed)), 0, 0); err != nil {
		return nil, err
	}
	return ParseCPUSetInformation(buf[:needed])
}
