package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/analytics-core/pkg/errdefs"
)

type recordingExporter struct {
	mu         sync.Mutex
	counters   map[string]int
	gauges     map[string]float64
	histograms map[string]int
}

func newRecordingExporter() *recordingExporter {
	return &recordingExporter{
		counters:   map[string]int{},
		gauges:     map[string]float64{},
		histograms: map[string]int{},
	}
}

func (e *recordingExporter) IncCounter(name string, labels map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters[name+"/"+labels["status"]]++
}

func (e *recordingExporter) SetGauge(name string, value float64, labels map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gauges[name+"/"+labels["component"]] = value
}

func (e *recordingExporter) ObserveHistogram(name string, _ float64, _ map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.histograms[name]++
}

type memStore struct {
	mu        sync.Mutex
	baselines map[string]Baseline
}

func (s *memStore) SaveBaseline(_ context.Context, b Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baselines == nil {
		s.baselines = map[string]Baseline{}
	}
	s.baselines[b.Component] = b
	return nil
}

func (s *memStore) GetBaseline(_ context.Context, component string) (Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.baselines[component]
	if !ok {
		return Baseline{}, errdefs.NewNotFound("baseline", component)
	}
	return b, nil
}

func observeN(m *Monitor, name string, n int, d time.Duration, success bool) {
	for i := 0; i < n; i++ {
		m.Observe(name, d, success)
	}
}

func TestValidateAgainstBaselinePassAndFail(t *testing.T) {
	ctx := context.Background()
	m := New(Options{})

	for i := 0; i < 15; i++ {
		// 95ms..109ms, averaging 102ms
		m.Observe("dispatch.pagerank", 95*time.Millisecond+time.Duration(i)*time.Millisecond, true)
	}

	b, err := m.EstablishBaseline(ctx, "dispatch")
	require.NoError(t, err)
	assert.Equal(t, 15, b.SampleCount)
	assert.InDelta(t, 100*time.Millisecond, b.AvgDuration, float64(5*time.Millisecond))

	v, err := m.ValidateAgainstBaseline(ctx, "dispatch", Requirements{MaxAvgDuration: 200 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, VerdictPass, v.Verdict)
	assert.Empty(t, v.Violations)

	v, err = m.ValidateAgainstBaseline(ctx, "dispatch", Requirements{MaxAvgDuration: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, VerdictFail, v.Verdict)
	require.Len(t, v.Violations, 1)
	assert.Contains(t, v.Violations[0], "avg duration")
}

func TestEstablishBaselineNeedsTenSuccesses(t *testing.T) {
	ctx := context.Background()
	m := New(Options{})
	observeN(m, "pool.acquire", 9, time.Millisecond, true)
	observeN(m, "pool.acquire", 20, time.Millisecond, false)

	_, err := m.EstablishBaseline(ctx, "pool")
	assert.ErrorIs(t, err, errdefs.ErrBaselineInsufficientData)

	_, err = m.ValidateAgainstBaseline(ctx, "pool", Requirements{})
	assert.ErrorIs(t, err, errdefs.ErrBaselineInsufficientData)

	m.Observe("pool.acquire", time.Millisecond, true)
	_, err = m.EstablishBaseline(ctx, "pool")
	assert.NoError(t, err)
}

func TestBaselineUsesNewestFifty(t *testing.T) {
	m := New(Options{})
	observeN(m, "cache.get", 30, time.Second, true)
	observeN(m, "cache.get", 50, 10*time.Millisecond, true)

	b, err := m.EstablishBaseline(context.Background(), "cache")
	require.NoError(t, err)
	assert.Equal(t, 50, b.SampleCount)
	assert.Equal(t, 10*time.Millisecond, b.MaxDuration)
}

func TestComponentMatchingIsByDottedPrefix(t *testing.T) {
	m := New(Options{})
	m.Observe("txn", time.Millisecond, true)
	m.Observe("txn.commit", time.Millisecond, true)
	m.Observe("txnlog.write", time.Millisecond, true)

	assert.Len(t, m.Samples("txn"), 2)
	assert.Len(t, m.Samples("txn.commit"), 1)
}

func TestDegradedWhenCurrentExceedsBaselineP95(t *testing.T) {
	ctx := context.Background()
	m := New(Options{Window: 20})
	observeN(m, "txn.commit", 20, 10*time.Millisecond, true)
	_, err := m.EstablishBaseline(ctx, "txn")
	require.NoError(t, err)

	observeN(m, "txn.commit", 20, 40*time.Millisecond, true)
	v, err := m.ValidateAgainstBaseline(ctx, "txn", Requirements{MaxAvgDuration: time.Second})
	require.NoError(t, err)
	assert.Equal(t, VerdictDegraded, v.Verdict)
	assert.Equal(t, 10*time.Millisecond, v.Baseline.P95Duration)
	assert.Equal(t, 40*time.Millisecond, v.Current.AvgDuration)

	// A violated threshold wins over degradation.
	v, err = m.ValidateAgainstBaseline(ctx, "txn", Requirements{MaxAvgDuration: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, VerdictFail, v.Verdict)
}

func TestSuccessRateIsHigherIsBetter(t *testing.T) {
	ctx := context.Background()
	m := New(Options{})
	observeN(m, "dispatch.kmeans", 12, time.Millisecond, true)
	observeN(m, "dispatch.kmeans", 4, time.Millisecond, false)

	v, err := m.ValidateAgainstBaseline(ctx, "dispatch", Requirements{MinSuccessRate: 0.9})
	require.NoError(t, err)
	assert.Equal(t, VerdictFail, v.Verdict)
	assert.InDelta(t, 0.75, v.SuccessRate, 0.001)

	v, err = m.ValidateAgainstBaseline(ctx, "dispatch", Requirements{MinSuccessRate: 0.5})
	require.NoError(t, err)
	assert.Equal(t, VerdictPass, v.Verdict)
}

func TestProfileOperation(t *testing.T) {
	ctx := context.Background()
	exp := newRecordingExporter()
	m := New(Options{Exporter: exp, TrackMemory: true})

	var sink [][]byte
	require.NoError(t, m.ProfileOperation(ctx, "engine.load", func(context.Context) error {
		for i := 0; i < 64; i++ {
			sink = append(sink, make([]byte, 4096))
		}
		return nil
	}))
	assert.Len(t, sink, 64)

	boom := errors.New("graph missing")
	err := m.ProfileOperation(ctx, "engine.load", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	assert.Panics(t, func() {
		_ = m.ProfileOperation(ctx, "engine.load", func(context.Context) error { panic("bad input") })
	})

	samples := m.Samples("engine")
	require.Len(t, samples, 3)
	assert.True(t, samples[0].Success)
	assert.Greater(t, samples[0].MemoryDelta, int64(64*4096-1))
	assert.False(t, samples[1].Success)
	assert.False(t, samples[2].Success)

	exp.mu.Lock()
	defer exp.mu.Unlock()
	assert.Equal(t, 1, exp.counters["monitor_operations_total/ok"])
	assert.Equal(t, 2, exp.counters["monitor_operations_total/error"])
	assert.Equal(t, 3, exp.histograms["monitor_operation_duration_seconds"])
}

func TestBaselinePersistence(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	exp := newRecordingExporter()

	first := New(Options{Store: store, Exporter: exp})
	observeN(first, "pool.acquire", 12, 2*time.Millisecond, true)
	b, err := first.EstablishBaseline(ctx, "pool")
	require.NoError(t, err)
	assert.InDelta(t, 0.002, exp.gauges["monitor_baseline_avg_seconds/pool"], 1e-9)

	// A fresh monitor validates against the stored baseline without having
	// the samples that produced it.
	second := New(Options{Store: store})
	loaded, ok := second.Baseline(ctx, "pool")
	require.True(t, ok)
	assert.Equal(t, b.P95Duration, loaded.P95Duration)

	observeN(second, "pool.acquire", 3, 2*time.Millisecond, true)
	v, err := second.ValidateAgainstBaseline(ctx, "pool", Requirements{})
	require.NoError(t, err)
	assert.Equal(t, VerdictPass, v.Verdict)
	assert.Equal(t, 12, v.Baseline.SampleCount)
}

func TestSampleBufferIsBounded(t *testing.T) {
	m := New(Options{MaxSamples: 100})
	observeN(m, "cache.set", 250, time.Microsecond, true)
	assert.Len(t, m.Samples("cache"), 100)
}

func TestPercentile(t *testing.T) {
	sorted := make([]time.Duration, 100)
	for i := range sorted {
		sorted[i] = time.Duration(i+1) * time.Millisecond
	}
	assert.Equal(t, 50*time.Millisecond, percentile(sorted, 0.50))
	assert.Equal(t, 95*time.Millisecond, percentile(sorted, 0.95))
	assert.Equal(t, 99*time.Millisecond, percentile(sorted, 0.99))
	assert.Equal(t, time.Duration(0), percentile(nil, 0.5))
}
