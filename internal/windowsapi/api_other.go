//go:build !windows

package windowsapi

import "core_governor/internal/priority"

type unsupportedAPI struct{}

// New returns a stub whose every call fails with ErrUnsupported.
func New() API { return unsupportedAPI{} }

func (unsupportedAPI) OpenThread(uint32) (Handle, error)     { return 0, ErrUnsupported }
func (unsupportedAPI) CloseHandle(Handle) error              { return ErrUnsupported }
func (unsupportedAPI) ThreadCycleTime(Handle) (uint64, error) { return 0, ErrUnsupported }

func (unsupportedAPI) ThreadStartAddress(Handle) (uint64, error) { return 0, ErrUnsupported }

func (unsupportedAPI) ThreadPriority(Handle) (priority.Thread, error) {
	return priority.ThreadNone, ErrUnsupported
}

func (unsupportedAPI) SetThreadPriority(Handle, priority.Thread) error { return ErrUnsupported }
func (unsupportedAPI) SetThreadCPUSets(Handle, []uint32) error        { return ErrUnsupported }

func (unsupportedAPI) ProcessAffinity(uint32) (uint64, uint64, error) { return 0, 0, ErrUnsupported }
func (unsupportedAPI) SetProcessAffinity(uint32, uint64) error        { return ErrUnsupported }

func (unsupportedAPI) PriorityClass(uint32) (priority.Class, error) {
	return priority.ClassNone, ErrUnsupported
}

func (unsupportedAPI) SetPriorityClass(uint32, priority.Class) error { return ErrUnsupported }
func (unsupportedAPI) SetProcessDefaultCPUSets(uint32, []uint32) error {
	return ErrUnsupported
}

func (unsupportedAPI) ProcessModules(uint32) ([]Module, error) { return nil, ErrUnsupported }

func (unsupportedAPI) QuerySystemProcessInformation([]byte) (uint32, uint64, error) {
	return 0, 0, ErrUnsupported
}

func (unsupportedAPI) SystemCPUSets() ([]CPUSet, error) { return nil, ErrUnsupported }
