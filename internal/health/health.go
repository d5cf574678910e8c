// Package health implements C11: periodic probing of the durable store,
// cache, process resources and in-process components, with threshold-based
// status aggregation and debounced alerts. Has no direct teacher analog;
// the periodic-probe ticker loop follows the ACC SDK's callback/ticker
// shape, and the probe-set/threshold-table split follows the pack's
// config/engine separation pattern. Implements spec.md §4.10 exactly.
package health

import (
	"context"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"textrace/server/internal/clock"
	"textrace/server/internal/durable"
)

// Status is one probe's or the aggregate's health tier.
type Status int

const (
	Healthy Status = iota
	Degraded
	Critical
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

func worse(a, b Status) Status {
	if a > b {
		return a
	}
	return b
}

// Component names the probe set of spec.md §4.10.
type Component string

const (
	ComponentDatabase    Component = "database"
	ComponentCache       Component = "cache"
	ComponentMemory      Component = "memory"
	ComponentCPU         Component = "cpu"
	ComponentConnections Component = "connections"
	ComponentRaces       Component = "races"
)

// Probe is one component's latest reading.
type Probe struct {
	Component Component
	Status    Status
	Detail    string
	CheckedAt time.Time
}

// Report is the aggregated health view: per-component probes plus the
// overall worst status.
type Report struct {
	Overall    Status
	Components []Probe
	CheckedAt  time.Time
}

// Alert is emitted on a (component, status) transition (spec.md §4.10
// "debounced... one alert per transition").
type Alert struct {
	Component Component
	From      Status
	To        Status
	At        time.Time
}

// AlertSink receives alerts. The composition root wires this to logging
// and/or an external paging integration.
type AlertSink interface {
	Alert(a Alert)
}

// Thresholds carries the numeric cutoffs of spec.md §4.10.
type Thresholds struct {
	MemoryWarnPct  float64
	MemoryCritPct  float64
	CPUWarnPct     float64
	CPUCritPct     float64
	DBLatencyHealthyMs int64
}

// DefaultThresholds matches spec.md §6's config defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MemoryWarnPct:      75,
		MemoryCritPct:      90,
		CPUWarnPct:         75,
		CPUCritPct:         90,
		DBLatencyHealthyMs: 1000,
	}
}

// ConnectionCounter and RaceCounter are the C9/C6 collaborators the monitor
// probes, injected so health never looks either up by a global name.
type ConnectionCounter interface {
	Count() int
}

type RaceCounter interface {
	Count() int
}

// Monitor implements C11.
type Monitor struct {
	store      durable.Store
	cache      durable.Cache
	conns      ConnectionCounter
	races      RaceCounter
	thresholds Thresholds
	clk        clock.Clock
	log        zerolog.Logger
	sink       AlertSink

	mu       sync.Mutex
	lastSeen map[Component]Status
	last     Report
}

// Config bundles Monitor collaborators and tunables.
type Config struct {
	Store       durable.Store
	Cache       durable.Cache
	Connections ConnectionCounter
	Races       RaceCounter
	Thresholds  Thresholds
	Clock       clock.Clock
	Logger      zerolog.Logger
	Sink        AlertSink
}

// New builds a Monitor.
func New(cfg Config) *Monitor {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	th := cfg.Thresholds
	if th == (Thresholds{}) {
		th = DefaultThresholds()
	}
	return &Monitor{
		store:      cfg.Store,
		cache:      cfg.Cache,
		conns:      cfg.Connections,
		races:      cfg.Races,
		thresholds: th,
		clk:        clk,
		log:        cfg.Logger,
		sink:       cfg.Sink,
		lastSeen:   make(map[Component]Status),
	}
}

// Run drives the periodic probe loop at checkInterval until ctx is
// cancelled (spec.md §4.10 default 30s, the composition root's graceful
// shutdown cancels ctx).
func (m *Monitor) Run(ctx context.Context, checkInterval time.Duration) {
	ticker := m.clk.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.Check(ctx)
		}
	}
}

// Check runs every probe once, aggregates, debounces alerts, and returns
// the resulting Report. Exported directly so callers (e.g. an HTTP
// `/health` handler) can force an on-demand check (spec.md §6 `GET
// /health`).
func (m *Monitor) Check(ctx context.Context) Report {
	probes := []Probe{
		m.probeDatabase(ctx),
		m.probeCache(ctx),
		m.probeMemory(),
		m.probeCPU(),
		m.probeConnections(),
		m.probeRaces(),
	}

	overall := Healthy
	for _, p := range probes {
		overall = worse(overall, p.Status)
	}

	report := Report{Overall: overall, Components: probes, CheckedAt: m.clk.Now()}

	m.mu.Lock()
	m.last = report
	for _, p := range probes {
		prior, seen := m.lastSeen[p.Component]
		if !seen {
			prior = Healthy
		}
		if prior != p.Status {
			m.lastSeen[p.Component] = p.Status
			alert := Alert{Component: p.Component, From: prior, To: p.Status, At: report.CheckedAt}
			m.mu.Unlock()
			m.emit(alert)
			m.mu.Lock()
		}
	}
	m.mu.Unlock()

	return report
}

// Last returns the most recently computed report without probing again.
func (m *Monitor) Last() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) emit(a Alert) {
	m.log.Warn().
		Str("component", string(a.Component)).
		Str("from", a.From.String()).
		Str("to", a.To.String()).
		Msg("health: status transition")
	if m.sink != nil {
		m.sink.Alert(a)
	}
}

func (m *Monitor) probeDatabase(ctx context.Context) Probe {
	now := m.clk.Now()
	if m.store == nil {
		return Probe{Component: ComponentDatabase, Status: Critical, Detail: "no store configured", CheckedAt: now}
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(m.thresholds.DBLatencyHealthyMs)*time.Millisecond*2)
	defer cancel()

	start := m.clk.Now()
	err := m.store.Ping(ctx)
	elapsed := m.clk.Now().Sub(start)
	if err != nil {
		return Probe{Component: ComponentDatabase, Status: Critical, Detail: err.Error(), CheckedAt: now}
	}
	if elapsed > time.Duration(m.thresholds.DBLatencyHealthyMs)*time.Millisecond {
		return Probe{Component: ComponentDatabase, Status: Degraded, Detail: "elevated latency", CheckedAt: now}
	}
	return Probe{Component: ComponentDatabase, Status: Healthy, CheckedAt: now}
}

func (m *Monitor) probeCache(ctx context.Context) Probe {
	now := m.clk.Now()
	if m.cache == nil {
		return Probe{Component: ComponentCache, Status: Critical, Detail: "no cache configured", CheckedAt: now}
	}
	if err := m.cache.Ping(ctx); err != nil {
		return Probe{Component: ComponentCache, Status: Critical, Detail: err.Error(), CheckedAt: now}
	}
	return Probe{Component: ComponentCache, Status: Healthy, CheckedAt: now}
}

func (m *Monitor) probeMemory() Probe {
	now := m.clk.Now()
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	limit := stats.Sys
	if limit == 0 {
		return Probe{Component: ComponentMemory, Status: Healthy, CheckedAt: now}
	}
	pct := float64(stats.HeapAlloc) / float64(limit) * 100

	status := Healthy
	switch {
	case pct >= m.thresholds.MemoryCritPct:
		status = Critical
	case pct >= m.thresholds.MemoryWarnPct:
		status = Degraded
	}
	return Probe{Component: ComponentMemory, Status: status, CheckedAt: now}
}

// cpuSampleWindow is the window probeCPU measures scheduler latency drift
// over (spec.md §4.10 "CPU % over a 100 ms sample").
const cpuSampleWindow = 100 * time.Millisecond

// probeCPU samples scheduler latency drift over cpuSampleWindow as a proxy
// for CPU pressure: it times how late a deferred goroutine actually runs
// against the requested window, which grows under real CPU contention. This
// avoids pulling in a cgo-based CPU sampler, matching the pack's
// stdlib-only process introspection.
func (m *Monitor) probeCPU() Probe {
	now := m.clk.Now()

	start := time.Now()
	done := make(chan time.Time, 1)
	go func() { time.Sleep(cpuSampleWindow); done <- time.Now() }()
	finished := <-done
	drift := finished.Sub(start) - cpuSampleWindow
	if drift < 0 {
		drift = 0
	}
	pct := float64(drift) / float64(cpuSampleWindow) * 100

	status := Healthy
	switch {
	case pct >= m.thresholds.CPUCritPct:
		status = Critical
	case pct >= m.thresholds.CPUWarnPct:
		status = Degraded
	}
	return Probe{Component: ComponentCPU, Status: status, Detail: strconv.Itoa(runtime.NumGoroutine()) + " goroutines", CheckedAt: now}
}

func (m *Monitor) probeConnections() Probe {
	now := m.clk.Now()
	if m.conns == nil {
		return Probe{Component: ComponentConnections, Status: Healthy, CheckedAt: now}
	}
	return Probe{Component: ComponentConnections, Status: Healthy, Detail: strconv.Itoa(m.conns.Count()), CheckedAt: now}
}

func (m *Monitor) probeRaces() Probe {
	now := m.clk.Now()
	if m.races == nil {
		return Probe{Component: ComponentRaces, Status: Healthy, CheckedAt: now}
	}
	return Probe{Component: ComponentRaces, Status: Healthy, Detail: strconv.Itoa(m.races.Count()), CheckedAt: now}
}
