package logger

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"core_governor/internal/maps"
)

// Noisy rate-limits log sites that can fire every cycle, such as repeated
// access-denied failures for the same process name. Each key logs on first
// use and then at most once per interval; the number of entries swallowed in
// between is handed to the next call that gets through.
//
// Suppression only affects logging. Callers still retry the work.
type Noisy struct {
	interval time.Duration
	sites    maps.ConcurrentMap[string, *noisySite]
}

type noisySite struct {
	gate       rate.Sometimes
	suppressed atomic.Uint64
}

// NewNoisy returns a limiter. An interval of zero or less disables limiting.
func NewNoisy(interval time.Duration) *Noisy {
	return &Noisy{
		interval: interval,
		sites:    maps.NewConcurrentMap[string, *noisySite](),
	}
}

// Do runs emit unless key logged within the interval. It reports whether
// emit ran.
func (n *Noisy) Do(key string, emit func(suppressed uint64)) bool {
	if n.interval <= 0 {
		emit(0)
		return true
	}

	site, _ := n.sites.LoadOrStore(key, func() *noisySite {
		return &noisySite{gate: rate.Sometimes{First: 1, Interval: n.interval}}
	})

	ran := false
	site.gate.Do(func() {
		ran = true
		emit(site.suppressed.Swap(0))
	})
	if !ran {
		site.suppressed.Add(1)
	}
	return ran
}

// Forget drops the state for key so the next failure logs immediately.
func (n *Noisy) Forget(key string) {
	n.sites.Delete(key)
}

// Len returns the number of keys currently tracked.
func (n *Noisy) Len() int { return n.sites.Len() }
