// Package governor runs the agent: it owns the shared context built at
// startup and drives the polling loop that feeds every snapshot through the
// policy applier and the prime thread scheduler.
package governor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"

	"core_governor/internal/config"
	"core_governor/internal/failures"
	"core_governor/internal/logger"
	"core_governor/internal/metrics"
	"core_governor/internal/modcache"
	"core_governor/internal/policy"
	"core_governor/internal/prime"
	"core_governor/internal/snapshot"
	"core_governor/internal/topology"
	"core_governor/internal/windowsapi"
)

// Context holds everything shared between components for the life of the
// agent. It replaces process-wide singletons; tests build a fresh one.
type Context struct {
	API      windowsapi.API
	Topology *topology.Topology
	Modules  *modcache.Cache
	Noisy    *logger.Noisy
	Failures *failures.Tracker
	Metrics  *metrics.Metrics
}

// NewContext discovers the CPU topology and builds the shared caches. An
// error means the agent cannot run.
func NewContext(api windowsapi.API, cfg *config.AppConfig, m *metrics.Metrics) (*Context, error) {
	topo, err := topology.Discover(api)
	if err != nil {
		return nil, err
	}
	if m.Registry != nil {
		m.Registry.MustRegister(metrics.NewTopologyCollector(topo))
	}
	noisy := logger.NewNoisy(time.Duration(cfg.Scheduler.LogSuppressSeconds) * time.Second)
	return &Context{
		API:      api,
		Topology: topo,
		Modules:  modcache.New(api),
		Noisy:    noisy,
		Failures: failures.New(noisy, m),
		Metrics:  m,
	}, nil
}

// SnapshotSource produces one process snapshot per call.
type SnapshotSource interface {
	Take() (*snapshot.Snapshot, error)
}

// Governor is the polling loop. It is not safe for concurrent use; Run
// drives it from a single goroutine.
type Governor struct {
	c      *Context
	server config.ServerConfig
	rules  map[string]*config.ProcessConfig

	interval  time.Duration
	loopCount int

	source SnapshotSource
	sched  *prime.Scheduler
	policy *policy.Applier
	log    log.Logger
}

// New wires a governor over c. rules is keyed by lowercase image name.
func New(c *Context, cfg *config.AppConfig, rules map[string]*config.ProcessConfig) *Governor {
	return &Governor{
		c:         c,
		server:    cfg.Server,
		rules:     rules,
		interval:  time.Duration(cfg.Scheduler.IntervalMs) * time.Millisecond,
		loopCount: cfg.Scheduler.LoopCount,
		source:    snapshot.NewTaker(c.API),
		sched: prime.New(prime.ConfigFrom(cfg.Scheduler, c.Topology.Count()), prime.Deps{
			OS:       c.API,
			Topology: c.Topology,
			Modules:  c.Modules,
			Failures: c.Failures,
			Metrics:  c.Metrics,
		}),
		policy: policy.New(policy.Deps{
			OS:       c.API,
			Topology: c.Topology,
			Failures: c.Failures,
			Metrics:  c.Metrics,
		}),
		log: logger.NewLoggerWithContext("governor"),
	}
}

// Cycle runs one pass: snapshot, policy, prime scheduling, purge. A
// snapshot failure skips the pass and leaves all tracked state untouched,
// so nothing is purged on the strength of a missing snapshot.
func (g *Governor) Cycle() error {
	start := time.Now()

	snap, err := g.source.Take()
	if err != nil {
		g.c.Metrics.SnapshotFailures.Inc()
		return fmt.Errorf("process snapshot: %w", err)
	}

	g.sched.BeginCycle()
	for _, pid := range snap.PIDs() {
		e, _ := snap.Get(pid)
		rule, ok := g.rules[e.Name]
		if !ok {
			continue
		}
		g.policy.Apply(e, rule)
		if rule.PrimeEnabled() {
			g.sched.Update(e, rule)
		}
	}
	for _, r := range g.sched.EndCycle() {
		g.logReport(r)
	}
	g.policy.EndCycle(snap)

	g.c.Metrics.Processes.Set(float64(snap.Len()))
	g.c.Metrics.Cycles.Inc()
	g.c.Metrics.CycleDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (g *Governor) logReport(r prime.Report) {
	g.log.Info().
		Uint32("pid", r.PID).
		Str("process", r.Name).
		Uint64("threads_seen", r.ThreadsSeen).
		Int("ranked", len(r.Threads)).
		Msg("Process exited, busiest threads:\n" + r.String())
}

// loop cycles until loopCount is reached or ctx is done, sleeping interval
// between passes. Every pinned thread is released on the way out.
func (g *Governor) loop(ctx context.Context) error {
	defer g.sched.Close()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for n := 1; ; n++ {
		if ctx.Err() != nil {
			return nil
		}
		if err := g.Cycle(); err != nil {
			g.log.Error().Err(err).Int("cycle", n).Msg("Cycle skipped")
		}
		if g.loopCount > 0 && n >= g.loopCount {
			g.log.Info().Int("cycles", n).Msg("Loop count reached")
			return nil
		}

		timer.Reset(g.interval)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

// Run starts the metrics server when enabled and the polling loop, and
// returns once the loop ends. The server is shut down with the loop.
func (g *Governor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	grp, gctx := errgroup.WithContext(ctx)

	if g.server.Enabled && g.c.Metrics.Registry != nil {
		srv := &http.Server{
			Addr:              g.server.ListenAddress,
			Handler:           g.handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		grp.Go(func() error {
			g.log.Info().Str("address", srv.Addr).Str("metrics_path", g.server.MetricsPath).Msg("Starting HTTP server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		grp.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				g.log.Error().Err(err).Msg("Error shutting down HTTP server")
			}
			return nil
		})
	}

	grp.Go(func() error {
		defer cancel()
		g.log.Info().
			Int("rules", len(g.rules)).
			Int("cpus", g.c.Topology.Count()).
			Dur("interval", g.interval).
			Int("loop_count", g.loopCount).
			Msg("Governor started")
		return g.loop(gctx)
	})

	err := grp.Wait()
	g.log.Info().Msg("Governor stopped")
	return err
}
