// Package failures is the single place classified OS failures are logged
// and counted. Every failure skips only the entity it concerns; nothing
// here stops a process from being retried on the next cycle.
package failures

import (
	"errors"
	"fmt"
	"sort"

	"github.com/phuslu/log"

	"core_governor/internal/logger"
	"core_governor/internal/maps"
	"core_governor/internal/metrics"
	"core_governor/internal/windowsapi"
)

// Tracker logs failures through a Noisy limiter, counts them by kind and
// remembers which process names have refused access.
type Tracker struct {
	log     log.Logger
	noisy   *logger.Noisy
	metrics *metrics.Metrics
	denied  maps.ConcurrentMap[string, uint64]
}

// New returns a Tracker. m may be nil.
func New(noisy *logger.Noisy, m *metrics.Metrics) *Tracker {
	return &Tracker{
		log:     logger.NewLoggerWithContext("failures"),
		noisy:   noisy,
		metrics: m,
		denied:  maps.NewConcurrentMap[string, uint64](),
	}
}

// Report records err for process name. Errors that are not *OpError are
// counted as query failures.
func (t *Tracker) Report(name string, err error) {
	if err == nil {
		return
	}

	kind := windowsapi.KindQuery
	op := "unknown"
	var pid, tid uint32
	var opErr *windowsapi.OpError
	if errors.As(err, &opErr) {
		kind, op, pid, tid = opErr.Kind, opErr.Op, opErr.PID, opErr.TID
	}
	code := windowsapi.Code(err)

	if t.metrics != nil {
		t.metrics.OSErrors.WithLabelValues(kind.String()).Inc()
	}

	denied := windowsapi.IsAccessDenied(err)
	if denied {
		t.denied.Update(name, func(n uint64, _ bool) (uint64, bool) {
			return n + 1, true
		})
	}

	key := fmt.Sprintf("%s:%s:%s:%d", kind, op, name, code)
	t.noisy.Do(key, func(suppressed uint64) {
		ev := t.log.Warn()
		if denied {
			ev = t.log.Info()
		}
		ev.Str("kind", kind.String()).
			Str("op", op).
			Str("process", name).
			Uint32("pid", pid).
			Uint32("tid", tid).
			Str("code", fmt.Sprintf("0x%X", code)).
			Uint64("suppressed", suppressed).
			Err(err).
			Msg("OS operation failed")
	})
}

// Denied reports how many access-denied failures name has produced.
func (t *Tracker) Denied(name string) uint64 {
	n, _ := t.denied.Load(name)
	return n
}

// DeniedNames lists the process names that refused access, sorted.
func (t *Tracker) DeniedNames() []string {
	var names []string
	t.denied.Range(func(name string, _ uint64) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}
