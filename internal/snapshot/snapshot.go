// Package snapshot captures a point-in-time view of every process and thread
// on the machine with a single SystemProcessInformation query.
//
// A Snapshot lives for one poll cycle. Entries are views into its buffer:
// callers copy what they need (ThreadRecord is a value) and must not keep
// entries once the next snapshot is taken.
package snapshot

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/phuslu/log"

	"core_governor/internal/logger"
	"core_governor/internal/windowsapi"
)

const (
	initialBufferSize = 512 << 10
	maxBufferSize     = 256 << 20
	maxAttempts       = 8
	// headroom added to the kernel's size hint; processes start between calls.
	bufferHeadroom = 64 << 10
)

// Error is a SnapshotFailure: the privileged query returned an unrecoverable status.
type Error struct {
	Status uint32
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("process snapshot failed: status 0x%08X: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("process snapshot failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ProcessEntry is one process in a Snapshot. Name is lowercase.
type ProcessEntry struct {
	PID          uint32
	ParentPID    uint32
	Name         string
	ThreadCount  uint32
	BasePriority int32
	SessionID    uint32
	HandleCount  uint32
	CreateTime   int64
	CycleTime    uint64
	KernelTime   int64
	UserTime     int64
	WorkingSet   uint64
	PrivateBytes uint64

	raw     []byte
	threads map[uint32]ThreadRecord
}

// Threads returns the process threads keyed by TID. The sub-records are
// parsed on first use and re-parsed whenever the cached size disagrees with
// the declared thread count.
//
// The size check cannot notice a thread exiting while another starts within
// the same count; callers treat the result as an approximation.
func (p *ProcessEntry) Threads() map[uint32]ThreadRecord {
	if p.raw != nil && (p.threads == nil || uint32(len(p.threads)) != p.ThreadCount) {
		p.threads = parseThreads(p.raw)
	}
	if p.threads == nil {
		p.threads = map[uint32]ThreadRecord{}
	}
	return p.threads
}

// TIDs returns the thread ids in ascending order.
func (p *ProcessEntry) TIDs() []uint32 {
	threads := p.Threads()
	tids := make([]uint32, 0, len(threads))
	for tid := range threads {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })
	return tids
}

// NewEntry builds an entry from already decoded values.
func NewEntry(pid uint32, name string, threads ...ThreadRecord) *ProcessEntry {
	p := &ProcessEntry{
		PID:     pid,
		Name:    strings.ToLower(name),
		threads: make(map[uint32]ThreadRecord, len(threads)),
	}
	for _, t := range threads {
		t.PID = pid
		p.threads[t.TID] = t
	}
	p.ThreadCount = uint32(len(p.threads))
	return p
}

// Snapshot is an immutable set of processes keyed by PID.
type Snapshot struct {
	buf       []byte
	processes map[uint32]*ProcessEntry
	pids      []uint32
}

// FromEntries builds a snapshot from decoded entries. A repeated PID keeps
// its first entry.
func FromEntries(entries ...*ProcessEntry) *Snapshot {
	s := &Snapshot{processes: make(map[uint32]*ProcessEntry, len(entries))}
	for _, e := range entries {
		s.add(e)
	}
	s.finish()
	return s
}

// Parse decodes a SystemProcessInformation buffer. base is the address the
// buffer had when the kernel filled it.
func Parse(buf []byte, base uint64) (*Snapshot, error) {
	s := &Snapshot{buf: buf, processes: make(map[uint32]*ProcessEntry, 512)}
	c := newCursor(buf, base)
	for c.Next() {
		s.add(c.Entry())
	}
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("malformed process snapshot: %w", err)
	}
	s.finish()
	return s, nil
}

func (s *Snapshot) add(e *ProcessEntry) {
	if _, dup := s.processes[e.PID]; dup {
		return
	}
	s.processes[e.PID] = e
}

func (s *Snapshot) finish() {
	s.pids = make([]uint32, 0, len(s.processes))
	for pid := range s.processes {
		s.pids = append(s.pids, pid)
	}
	sort.Slice(s.pids, func(i, j int) bool { return s.pids[i] < s.pids[j] })
}

// Len returns the number of processes.
func (s *Snapshot) Len() int { return len(s.processes) }

// Get returns the entry for pid.
func (s *Snapshot) Get(pid uint32) (*ProcessEntry, bool) {
	e, ok := s.processes[pid]
	return e, ok
}

// PIDs returns all process ids in ascending order.
func (s *Snapshot) PIDs() []uint32 { return s.pids }

// ByName returns the entries whose lowercase name equals name.
func (s *Snapshot) ByName(name string) []*ProcessEntry {
	name = strings.ToLower(name)
	var out []*ProcessEntry
	for _, pid := range s.pids {
		if e := s.processes[pid]; e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Taker takes snapshots through the system API, remembering the buffer size
// that last worked so steady-state cycles need a single query.
type Taker struct {
	api  windowsapi.SystemAPI
	size int
	log  log.Logger
}

// NewTaker returns a Taker using api.
func NewTaker(api windowsapi.SystemAPI) *Taker {
	return &Taker{api: api, size: initialBufferSize, log: logger.NewLoggerWithContext("snapshot")}
}

// Take performs the query, growing the buffer on a length mismatch. Any
// other failure is returned as *Error.
func (t *Taker) Take() (*Snapshot, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		buf := make([]byte, t.size)
		needed, base, err := t.api.QuerySystemProcessInformation(buf)
		if err == nil {
			n := int(needed)
			if n <= 0 || n > len(buf) {
				n = len(buf)
			}
			return Parse(buf[:n], base)
		}

		var status windowsapi.NTStatus
		if !errors.As(err, &status) || status != windowsapi.StatusInfoLengthMismatch {
			return nil, &Error{Status: windowsapi.Code(err), Err: err}
		}

		grown := max(t.size*2, int(needed)+bufferHeadroom)
		if grown > maxBufferSize {
			return nil, &Error{Status: uint32(status), Err: fmt.Errorf("buffer would exceed %d bytes: %w", maxBufferSize, err)}
		}
		t.log.Debug().Int("from", t.size).Int("to", grown).Uint32("needed", needed).Msg("Growing snapshot buffer")
		t.size = grown
	}
	return nil, &Error{
		Status: uint32(windowsapi.StatusInfoLengthMismatch),
		Err:    fmt.Errorf("buffer still too small after %d attempts", maxAttempts),
	}
}
