package snapshot

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"
)

// SYSTEM_PROCESS_INFORMATION layout on 64-bit Windows.
const (
	processRecordSize = 0x100

	offNextEntryOffset  = 0x00
	offNumberOfThreads  = 0x04
	offCycleTime        = 0x18
	offCreateTime       = 0x20
	offUserTime         = 0x28
	offKernelTime       = 0x30
	offImageNameLength  = 0x38
	offImageNameBuffer  = 0x40
	offBasePriority     = 0x48
	offUniqueProcessID  = 0x50
	offInheritedFromPID = 0x58
	offHandleCount      = 0x60
	offSessionID        = 0x64
	offWorkingSetSize   = 0x90
	offPrivatePageCount = 0xC8
)

// SYSTEM_THREAD_INFORMATION layout on 64-bit Windows.
const (
	threadRecordSize = 0x50

	thOffKernelTime      = 0x00
	thOffUserTime        = 0x08
	thOffCreateTime      = 0x10
	thOffWaitTime        = 0x18
	thOffStartAddress    = 0x20
	thOffUniqueProcess   = 0x28
	thOffUniqueThread    = 0x30
	thOffPriority        = 0x38
	thOffBasePriority    = 0x3C
	thOffContextSwitches = 0x40
	thOffThreadState     = 0x44
	thOffWaitReason      = 0x48
)

// ThreadState is the KTHREAD_STATE reported for a thread.
type ThreadState uint32

var threadStateNames = [...]string{
	"initialized", "ready", "running", "standby", "terminated",
	"waiting", "transition", "deferred_ready", "gate_wait", "waiting_for_swap",
}

func (s ThreadState) String() string {
	if int(s) < len(threadStateNames) {
		return threadStateNames[s]
	}
	return fmt.Sprintf("state_%d", uint32(s))
}

// ThreadRecord is an owned copy of one thread sub-record.
// Times are in 100ns units.
type ThreadRecord struct {
	TID             uint32
	PID             uint32
	KernelTime      int64
	UserTime        int64
	CreateTime      int64
	WaitTime        uint32
	StartAddress    uint64
	Priority        int32
	BasePriority    int32
	ContextSwitches uint32
	State           ThreadState
	WaitReason      uint32
}

// TotalTime is kernel plus user time.
func (r ThreadRecord) TotalTime() uint64 {
	return uint64(r.KernelTime + r.UserTime)
}

// cursor walks the size-prefixed process records of a query buffer.
// It is the only code that touches the raw layout. Embedded pointers are
// translated to offsets relative to base and bounds-checked before use.
type cursor struct {
	buf  []byte
	base uint64
	off  int
	done bool
	err  error
	cur  *ProcessEntry
}

func newCursor(buf []byte, base uint64) *cursor {
	return &cursor{buf: buf, base: base, done: len(buf) == 0}
}

// Next advances to the next process record. It returns false at the end of
// the chain or on a malformed record; Err tells the two apart.
func (c *cursor) Next() bool {
	if c.done {
		return false
	}
	if len(c.buf)-c.off < processRecordSize {
		return c.fail("record at offset %d: %d bytes left, need %d", c.off, len(c.buf)-c.off, processRecordSize)
	}

	rec := c.buf[c.off:]
	next := binary.LittleEndian.Uint32(rec[offNextEntryOffset:])
	end := len(c.buf)
	if next != 0 {
		if int(next) < processRecordSize || int(next) > len(c.buf)-c.off {
			return c.fail("record at offset %d: next entry offset %d out of range", c.off, next)
		}
		end = c.off + int(next)
	}
	rec = c.buf[c.off:end]

	entry, err := c.parseProcess(rec)
	if err != nil {
		return c.fail("record at offset %d: %v", c.off, err)
	}
	c.cur = entry

	if next == 0 {
		c.done = true
	} else {
		c.off = end
	}
	return true
}

// Entry returns the record Next moved to.
func (c *cursor) Entry() *ProcessEntry { return c.cur }

// Err returns the error that stopped the walk, if any.
func (c *cursor) Err() error { return c.err }

func (c *cursor) fail(format string, args ...any) bool {
	c.err = fmt.Errorf(format, args...)
	c.done = true
	c.cur = nil
	return false
}

func (c *cursor) parseProcess(rec []byte) (*ProcessEntry, error) {
	le := binary.LittleEndian
	p := &ProcessEntry{
		ThreadCount:  le.Uint32(rec[offNumberOfThreads:]),
		CycleTime:    le.Uint64(rec[offCycleTime:]),
		CreateTime:   int64(le.Uint64(rec[offCreateTime:])),
		UserTime:     int64(le.Uint64(rec[offUserTime:])),
		KernelTime:   int64(le.Uint64(rec[offKernelTime:])),
		BasePriority: int32(le.Uint32(rec[offBasePriority:])),
		PID:          uint32(le.Uint64(rec[offUniqueProcessID:])),
		ParentPID:    uint32(le.Uint64(rec[offInheritedFromPID:])),
		HandleCount:  le.Uint32(rec[offHandleCount:]),
		SessionID:    le.Uint32(rec[offSessionID:]),
		WorkingSet:   le.Uint64(rec[offWorkingSetSize:]),
		PrivateBytes: le.Uint64(rec[offPrivatePageCount:]),
	}

	name, err := c.unicodeString(le.Uint16(rec[offImageNameLength:]), le.Uint64(rec[offImageNameBuffer:]))
	if err != nil {
		return nil, fmt.Errorf("pid %d image name: %w", p.PID, err)
	}
	p.Name = strings.ToLower(name)

	threadBytes := uint64(p.ThreadCount) * threadRecordSize
	if threadBytes > uint64(len(rec)-processRecordSize) {
		return nil, fmt.Errorf("pid %d declares %d threads, record only holds %d",
			p.PID, p.ThreadCount, (len(rec)-processRecordSize)/threadRecordSize)
	}
	p.raw = rec[processRecordSize : processRecordSize+int(threadBytes)]
	return p, nil
}

// unicodeString decodes a UNICODE_STRING whose buffer points into c.buf.
func (c *cursor) unicodeString(length uint16, ptr uint64) (string, error) {
	if length == 0 || ptr == 0 {
		return "", nil
	}
	if ptr < c.base || length%2 != 0 {
		return "", fmt.Errorf("buffer 0x%x len %d not inside snapshot", ptr, length)
	}
	off := ptr - c.base
	if off > uint64(len(c.buf)) || uint64(length) > uint64(len(c.buf))-off {
		return "", fmt.Errorf("buffer 0x%x len %d not inside snapshot", ptr, length)
	}
	raw := c.buf[off : off+uint64(length)]
	u := make([]uint16, len(raw)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return string(utf16.Decode(u)), nil
}

// parseThreads decodes n thread sub-records. raw was sized by parseProcess.
func parseThreads(raw []byte) map[uint32]ThreadRecord {
	le := binary.LittleEndian
	n := len(raw) / threadRecordSize
	threads := make(map[uint32]ThreadRecord, n)
	for i := 0; i < n; i++ {
		r := raw[i*threadRecordSize : (i+1)*threadRecordSize]
		t := ThreadRecord{
			KernelTime:      int64(le.Uint64(r[thOffKernelTime:])),
			UserTime:        int64(le.Uint64(r[thOffUserTime:])),
			CreateTime:      int64(le.Uint64(r[thOffCreateTime:])),
			WaitTime:        le.Uint32(r[thOffWaitTime:]),
			StartAddress:    le.Uint64(r[thOffStartAddress:]),
			PID:             uint32(le.Uint64(r[thOffUniqueProcess:])),
			TID:             uint32(le.Uint64(r[thOffUniqueThread:])),
			Priority:        int32(le.Uint32(r[thOffPriority:])),
			BasePriority:    int32(le.Uint32(r[thOffBasePriority:])),
			ContextSwitches: le.Uint32(r[thOffContextSwitches:]),
			State:           ThreadState(le.Uint32(r[thOffThreadState:])),
			WaitReason:      le.Uint32(r[thOffWaitReason:]),
		}
		threads[t.TID] = t
	}
	return threads
}
