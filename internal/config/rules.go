package config

import (
	"fmt"
	"math/bits"
	"sort"
	"strconv"
	"strings"

	"core_governor/internal/priority"
)

// ProcessConfig is the resolved per-process policy consumed by the governor.
// CPU lists are logical processor indices, sorted and deduplicated.
type ProcessConfig struct {
	Name                 string
	Priority             priority.Class
	Affinity             []int
	CPUSet               []int
	PrimeThreadsCPUs     []int
	PrimeThreadsPrefixes []PrimePrefix
	PrimeThreadsMonitor  bool
	PrimeThreadsTopX     int // 0 selects the default of twice the logical processor count
	PrimeThreadsMax      int // 0 means no limit
}

// PrimePrefix is a start-module filter. Prefix is lowercase.
type PrimePrefix struct {
	Prefix         string
	CPUs           []int // empty falls back to ProcessConfig.PrimeThreadsCPUs
	ThreadPriority priority.Thread
}

// PrimeEnabled reports whether the prime thread scheduler should track the process.
func (p *ProcessConfig) PrimeEnabled() bool {
	if len(p.PrimeThreadsCPUs) > 0 || p.PrimeThreadsMonitor {
		return true
	}
	for _, pr := range p.PrimeThreadsPrefixes {
		if len(pr.CPUs) > 0 {
			return true
		}
	}
	return false
}

// Rules resolves the process rules into a map keyed by lowercase image name.
// Unknown priority names resolve to the "none" variant and are returned as
// warnings rather than errors.
func (c *AppConfig) Rules() (rules map[string]*ProcessConfig, warnings []string, err error) {
	rules = make(map[string]*ProcessConfig, len(c.Processes))
	for _, r := range c.Processes {
		name := strings.ToLower(strings.TrimSpace(r.Name))
		pc := &ProcessConfig{
			Name:                name,
			PrimeThreadsMonitor: r.PrimeThreadsMonitor,
			PrimeThreadsTopX:    r.PrimeThreadsTopX,
			PrimeThreadsMax:     r.PrimeThreadsMax,
		}

		var ok bool
		if pc.Priority, ok = priority.ParseClass(r.Priority); !ok {
			warnings = append(warnings, fmt.Sprintf("process %q: unknown priority %q, leaving it unset", name, r.Priority))
		}
		if pc.Affinity, err = ParseCPUList(r.Affinity); err != nil {
			return nil, nil, fmt.Errorf("process %q: affinity: %w", name, err)
		}
		if pc.CPUSet, err = ParseCPUList(r.CPUSet); err != nil {
			return nil, nil, fmt.Errorf("process %q: cpu_set: %w", name, err)
		}
		if pc.PrimeThreadsCPUs, err = ParseCPUList(r.PrimeThreadsCPUs); err != nil {
			return nil, nil, fmt.Errorf("process %q: prime_threads_cpus: %w", name, err)
		}

		for _, p := range r.PrimeThreadsPrefixes {
			pp := PrimePrefix{Prefix: strings.ToLower(strings.TrimSpace(p.Prefix))}
			if pp.CPUs, err = ParseCPUList(p.CPUs); err != nil {
				return nil, nil, fmt.Errorf("process %q: prefix %q: %w", name, p.Prefix, err)
			}
			if pp.ThreadPriority, ok = priority.ParseThread(p.ThreadPriority); !ok {
				warnings = append(warnings, fmt.Sprintf("process %q: prefix %q: unknown thread priority %q, boosting instead",
					name, p.Prefix, p.ThreadPriority))
			}
			pc.PrimeThreadsPrefixes = append(pc.PrimeThreadsPrefixes, pp)
		}

		rules[name] = pc
	}
	return rules, warnings, nil
}

// ParseCPUList parses a CPU list such as "0-3,8;10" or a hexadecimal mask
// such as "0xF0". Tokens may be separated by commas, semicolons or spaces.
// The result is sorted and deduplicated; an empty spec yields nil.
func ParseCPUList(spec string) ([]int, error) {
	fields := strings.FieldsFunc(spec, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return nil, nil
	}

	set := make(map[int]struct{})
	for _, f := range fields {
		lower := strings.ToLower(f)
		if strings.HasPrefix(lower, "0x") {
			mask, err := strconv.ParseUint(lower[2:], 16, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid cpu mask %q", f)
			}
			for mask != 0 {
				i := bits.TrailingZeros64(mask)
				set[i] = struct{}{}
				mask &^= 1 << uint(i)
			}
			continue
		}

		lo, hi, isRange := strings.Cut(f, "-")
		start, err := strconv.Atoi(lo)
		if err != nil || start < 0 {
			return nil, fmt.Errorf("invalid cpu index %q", f)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil || end < start {
				return nil, fmt.Errorf("invalid cpu range %q", f)
			}
		}
		for i := start; i <= end; i++ {
			set[i] = struct{}{}
		}
	}

	out := make([]int, 0, len(set))
	for i := range set {
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}
