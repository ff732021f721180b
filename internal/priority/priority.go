// Package priority defines the closed set of thread priorities and process
// priority classes the governor understands, together with a static table that
// maps each variant to its configuration name and its Windows value.
package priority

import "strings"

// Thread is a Windows thread priority level.
type Thread int

const (
	ThreadNone Thread = iota // not set, leave the thread alone
	ThreadIdle
	ThreadLowest
	ThreadBelowNormal
	ThreadNormal
	ThreadAboveNormal
	ThreadHighest
	ThreadTimeCritical
)

// Class is a Windows process priority class.
type Class int

const (
	ClassNone Class = iota // not set, leave the process alone
	ClassIdle
	ClassBelowNormal
	ClassNormal
	ClassAboveNormal
	ClassHigh
	ClassRealtime
)

type threadEntry struct {
	v    Thread
	name string
	os   int32
}

type classEntry struct {
	v    Class
	name string
	os   uint32
}

// Ordered from lowest to highest, Boost relies on it.
var threadTable = [...]threadEntry{
	{ThreadNone, "none", 0},
	{ThreadIdle, "idle", -15},
	{ThreadLowest, "lowest", -2},
	{ThreadBelowNormal, "below_normal", -1},
	{ThreadNormal, "normal", 0},
	{ThreadAboveNormal, "above_normal", 1},
	{ThreadHighest, "highest", 2},
	{ThreadTimeCritical, "time_critical", 15},
}

var classTable = [...]classEntry{
	{ClassNone, "none", 0},
	{ClassIdle, "idle", 0x00000040},
	{ClassBelowNormal, "below_normal", 0x00004000},
	{ClassNormal, "normal", 0x00000020},
	{ClassAboveNormal, "above_normal", 0x00008000},
	{ClassHigh, "high", 0x00000080},
	{ClassRealtime, "realtime", 0x00000100},
}

// normalizeName folds case and the separators people commonly use
// ("Above Normal", "above-normal", "AboveNormal").
func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "", "-", "", "_", "").Replace(s)
	return s
}

// ParseThread maps a configuration string to a Thread priority.
// Unknown strings map to ThreadNone and ok=false; callers log a warning.
func ParseThread(s string) (p Thread, ok bool) {
	if strings.TrimSpace(s) == "" {
		return ThreadNone, true
	}
	n := normalizeName(s)
	for _, e := range threadTable {
		if normalizeName(e.name) == n {
			return e.v, true
		}
	}
	return ThreadNone, false
}

// ThreadFromOS maps a value returned by GetThreadPriority. Values outside the
// table (e.g. realtime-class levels 16..31) map to ThreadNone.
func ThreadFromOS(v int32) Thread {
	for _, e := range threadTable[1:] {
		if e.os == v {
			return e.v
		}
	}
	return ThreadNone
}

// OS returns the SetThreadPriority value. ok is false for ThreadNone.
func (t Thread) OS() (v int32, ok bool) {
	if t <= ThreadNone || int(t) >= len(threadTable) {
		return 0, false
	}
	return threadTable[t].os, true
}

func (t Thread) String() string {
	if t < 0 || int(t) >= len(threadTable) {
		return "none"
	}
	return threadTable[t].name
}

// Boost returns the priority one step above t. Boosting stops at Highest:
// TimeCritical is only reachable by explicit configuration.
func (t Thread) Boost() Thread {
	switch {
	case t <= ThreadNone:
		return ThreadNone
	case t >= ThreadHighest:
		return t
	default:
		return t + 1
	}
}

// ParseClass maps a configuration string to a priority Class.
// Unknown strings map to ClassNone and ok=false; callers log a warning.
func ParseClass(s string) (c Class, ok bool) {
	if strings.TrimSpace(s) == "" {
		return ClassNone, true
	}
	n := normalizeName(s)
	for _, e := range classTable {
		if normalizeName(e.name) == n {
			return e.v, true
		}
	}
	return ClassNone, false
}

// ClassFromOS maps a value returned by GetPriorityClass.
func ClassFromOS(v uint32) Class {
	for _, e := range classTable[1:] {
		if e.os == v {
			return e.v
		}
	}
	return ClassNone
}

// OS returns the SetPriorityClass value. ok is false for ClassNone.
func (c Class) OS() (v uint32, ok bool) {
	if c <= ClassNone || int(c) >= len(classTable) {
		return 0, false
	}
	return classTable[c].os, true
}

func (c Class) String() string {
	if c < 0 || int(c) >= len(classTable) {
		return "none"
	}
	return classTable[c].name
}
