// Package monitor records duration, memory and success samples for every
// operation the core performs and compares recent behavior with a stored
// baseline.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/analytics-core/pkg/errdefs"
	"github.com/openfroyo/analytics-core/pkg/telemetry"
)

const (
	// DefaultWindow is how many recent samples a baseline or a validation
	// looks at.
	DefaultWindow = 50
	// DefaultMinSamples is the minimum number of successful samples a
	// baseline needs.
	DefaultMinSamples = 10
	// DefaultDegradedFactor marks a component degraded when its current
	// average exceeds this multiple of the baseline p95.
	DefaultDegradedFactor = 1.5
	// DefaultMaxSamples bounds the sample buffer.
	DefaultMaxSamples = 10000
)

// Exporter is the metrics sink the monitor writes to.
type Exporter interface {
	IncCounter(name string, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
}

// BaselineStore persists baselines across restarts. GetBaseline returns an
// error matching errdefs.ErrNotFound when none is stored.
type BaselineStore interface {
	SaveBaseline(ctx context.Context, b Baseline) error
	GetBaseline(ctx context.Context, component string) (Baseline, error)
}

// Sample is one observed operation.
type Sample struct {
	Name        string        `json:"name"`
	Duration    time.Duration `json:"duration"`
	MemoryDelta int64         `json:"memory_delta"`
	Success     bool          `json:"success"`
	At          time.Time     `json:"at"`
}

// Options configures a Monitor. Every field is optional.
type Options struct {
	Logger   *telemetry.Logger
	Exporter Exporter
	Store    BaselineStore

	// TrackMemory reads runtime memory statistics around profiled
	// operations. Reading them stops the world briefly.
	TrackMemory bool

	Window         int
	MinSamples     int
	DegradedFactor float64
	MaxSamples     int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Monitor is safe for concurrent use. It satisfies the Observer interfaces of
// pool, txn, dispatch and cache.
type Monitor struct {
	logger   *telemetry.Logger
	exporter Exporter
	store    BaselineStore
	memory   bool
	window   int
	min      int
	factor   float64
	max      int
	now      func() time.Time

	mu        sync.RWMutex
	samples   []Sample
	baselines map[string]Baseline
}

// New creates a monitor.
func New(opts Options) *Monitor {
	m := &Monitor{
		logger:    telemetry.OrNop(opts.Logger).NewComponentLogger("monitor"),
		exporter:  opts.Exporter,
		store:     opts.Store,
		memory:    opts.TrackMemory,
		window:    opts.Window,
		min:       opts.MinSamples,
		factor:    opts.DegradedFactor,
		max:       opts.MaxSamples,
		now:       opts.Now,
		baselines: make(map[string]Baseline),
	}
	if m.window <= 0 {
		m.window = DefaultWindow
	}
	if m.min <= 0 {
		m.min = DefaultMinSamples
	}
	if m.factor <= 0 {
		m.factor = DefaultDegradedFactor
	}
	if m.max <= 0 {
		m.max = DefaultMaxSamples
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// ProfileOperation runs op and records its duration, memory delta and
// outcome under name. A panic in op is recorded as a failure and re-raised.
func (m *Monitor) ProfileOperation(ctx context.Context, name string, op func(ctx context.Context) error) (err error) {
	var before runtime.MemStats
	if m.memory {
		runtime.ReadMemStats(&before)
	}
	start := time.Now()

	defer func() {
		d := time.Since(start)
		var delta int64
		if m.memory {
			var after runtime.MemStats
			runtime.ReadMemStats(&after)
			delta = int64(after.TotalAlloc - before.TotalAlloc)
		}
		if r := recover(); r != nil {
			m.record(Sample{Name: name, Duration: d, MemoryDelta: delta, Success: false})
			panic(r)
		}
		m.record(Sample{Name: name, Duration: d, MemoryDelta: delta, Success: err == nil})
	}()

	return op(ctx)
}

// Observe records a sample reported by another component.
func (m *Monitor) Observe(name string, d time.Duration, success bool) {
	m.record(Sample{Name: name, Duration: d, Success: success})
}

func (m *Monitor) record(s Sample) {
	s.At = m.now()

	m.mu.Lock()
	m.samples = append(m.samples, s)
	if over := len(m.samples) - m.max; over > 0 {
		m.samples = append(m.samples[:0:0], m.samples[over:]...)
	}
	m.mu.Unlock()

	if m.exporter == nil {
		return
	}
	status := "ok"
	if !s.Success {
		status = "error"
	}
	m.exporter.IncCounter("monitor_operations_total", map[string]string{"operation": s.Name, "status": status})
	m.exporter.ObserveHistogram("monitor_operation_duration_seconds", s.Duration.Seconds(), map[string]string{"operation": s.Name})
	if s.MemoryDelta > 0 {
		m.exporter.ObserveHistogram("monitor_operation_memory_bytes", float64(s.MemoryDelta), map[string]string{"operation": s.Name})
	}
}

func matches(component, name string) bool {
	return name == component || strings.HasPrefix(name, component+".")
}

// Samples returns the recorded samples for component, oldest first.
func (m *Monitor) Samples(component string) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Sample
	for _, s := range m.samples {
		if matches(component, s.Name) {
			out = append(out, s)
		}
	}
	return out
}

// recent returns up to n newest samples for component, oldest first. With
// successOnly set, failed samples are skipped before the window is applied.
func (m *Monitor) recent(component string, n int, successOnly bool) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Sample
	for i := len(m.samples) - 1; i >= 0 && len(out) < n; i-- {
		s := m.samples[i]
		if !matches(component, s.Name) || (successOnly && !s.Success) {
			continue
		}
		out = append(out, s)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// EstablishBaseline computes a baseline for component from its most recent
// successful samples, remembers it and persists it when a store is set.
func (m *Monitor) EstablishBaseline(ctx context.Context, component string) (Baseline, error) {
	ok := m.recent(component, m.window, true)
	if len(ok) < m.min {
		return Baseline{}, errdefs.NewBaselineInsufficientData(component, len(ok), m.min)
	}

	stats := summarize(ok)
	all := m.recent(component, m.window, false)
	b := Baseline{
		Component:     component,
		SampleCount:   len(ok),
		Stats:         stats,
		SuccessRate:   successRate(all),
		EstablishedAt: m.now(),
	}

	m.mu.Lock()
	m.baselines[component] = b
	m.mu.Unlock()

	if m.exporter != nil {
		labels := map[string]string{"component": component}
		m.exporter.SetGauge("monitor_baseline_avg_seconds", b.AvgDuration.Seconds(), labels)
		m.exporter.SetGauge("monitor_baseline_p95_seconds", b.P95Duration.Seconds(), labels)
	}
	if m.store != nil {
		if err := m.store.SaveBaseline(ctx, b); err != nil {
			m.logger.WithField("component", component).WithError(err).Warn("Failed to persist baseline")
		}
	}

	m.logger.WithFields(map[string]interface{}{
		"component": component,
		"samples":   b.SampleCount,
		"avg_ms":    b.AvgDuration.Milliseconds(),
		"p95_ms":    b.P95Duration.Milliseconds(),
	}).Info("Baseline established")
	return b, nil
}

// Baseline returns the baseline for component, loading it from the store when
// it is not held in memory.
func (m *Monitor) Baseline(ctx context.Context, component string) (Baseline, bool) {
	m.mu.RLock()
	b, ok := m.baselines[component]
	m.mu.RUnlock()
	if ok || m.store == nil {
		return b, ok
	}

	stored, err := m.store.GetBaseline(ctx, component)
	if err != nil {
		if !errors.Is(err, errdefs.ErrNotFound) {
			m.logger.WithField("component", component).WithError(err).Warn("Failed to load baseline")
		}
		return Baseline{}, false
	}
	m.mu.Lock()
	m.baselines[component] = stored
	m.mu.Unlock()
	return stored, true
}

// ValidateAgainstBaseline compares the current window for component with
// req and with its baseline. A missing baseline is established first.
func (m *Monitor) ValidateAgainstBaseline(ctx context.Context, component string, req Requirements) (Validation, error) {
	base, ok := m.Baseline(ctx, component)
	if !ok {
		var err error
		if base, err = m.EstablishBaseline(ctx, component); err != nil {
			return Validation{}, err
		}
	}

	window := m.recent(component, m.window, false)
	var succeeded []Sample
	for _, s := range window {
		if s.Success {
			succeeded = append(succeeded, s)
		}
	}
	if len(succeeded) == 0 {
		return Validation{}, errdefs.NewBaselineInsufficientData(component, 0, 1)
	}

	v := Validation{
		Component:   component,
		Baseline:    base,
		Current:     summarize(succeeded),
		SuccessRate: successRate(window),
		Samples:     len(window),
	}
	v.Violations = req.check(v.Current, v.SuccessRate)

	limit := time.Duration(float64(base.P95Duration) * m.factor)
	switch {
	case len(v.Violations) > 0:
		v.Verdict = VerdictFail
	case v.Current.AvgDuration > limit:
		v.Verdict = VerdictDegraded
		v.Violations = append(v.Violations, fmt.Sprintf("avg duration %s exceeds %.1fx baseline p95 %s", v.Current.AvgDuration, m.factor, base.P95Duration))
	default:
		v.Verdict = VerdictPass
	}

	if m.exporter != nil {
		m.exporter.SetGauge("monitor_validation_verdict", v.Verdict.score(), map[string]string{"component": component})
	}
	if v.Verdict != VerdictPass {
		m.logger.WithFields(map[string]interface{}{
			"component":  component,
			"verdict":    string(v.Verdict),
			"violations": v.Violations,
		}).Warn("Component validation did not pass")
	}
	return v, nil
}

func successRate(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	ok := 0
	for _, s := range samples {
		if s.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(samples))
}

// summarize computes statistics over samples, which must not be empty.
func summarize(samples []Sample) Stats {
	durations := make([]time.Duration, len(samples))
	var total time.Duration
	var memTotal, memMax int64
	for i, s := range samples {
		durations[i] = s.Duration
		total += s.Duration
		memTotal += s.MemoryDelta
		if s.MemoryDelta > memMax {
			memMax = s.MemoryDelta
		}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(samples)
	return Stats{
		AvgDuration: total / time.Duration(n),
		P50Duration: percentile(durations, 0.50),
		P95Duration: percentile(durations, 0.95),
		P99Duration: percentile(durations, 0.99),
		MaxDuration: durations[n-1],
		AvgMemory:   memTotal / int64(n),
		MaxMemory:   memMax,
	}
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
