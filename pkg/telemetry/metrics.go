package telemetry

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the coordination core.
//
// A nil *Metrics, or one built with metrics disabled, is safe to use: every
// recording method becomes a no-op.
type Metrics struct {
	config MetricsConfig

	// Pool metrics
	poolSize        *prometheus.GaugeVec
	poolActive      *prometheus.GaugeVec
	poolAcquires    *prometheus.CounterVec
	connectionsOpen *prometheus.CounterVec

	// Transaction metrics
	txOutcomes *prometheus.CounterVec
	txDuration *prometheus.HistogramVec

	// Dispatcher metrics
	tasksSubmitted *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec

	// Cache metrics
	cacheLookups *prometheus.CounterVec
	cacheMode    *prometheus.GaugeVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	// Dynamic metrics registered on first use by the performance monitor.
	mu         sync.Mutex
	counters   map[string]*dynamicVec[*prometheus.CounterVec]
	gauges     map[string]*dynamicVec[*prometheus.GaugeVec]
	histograms map[string]*dynamicVec[*prometheus.HistogramVec]

	buckets  []float64
	registry *prometheus.Registry
}

// dynamicVec remembers the label names a dynamic metric was registered with.
// Prometheus rejects a second registration under the same name, so later
// observations with a different label set are dropped.
type dynamicVec[V any] struct {
	labels []string
	vec    V
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:     cfg,
		registry:   registry,
		buckets:    buckets,
		counters:   make(map[string]*dynamicVec[*prometheus.CounterVec]),
		gauges:     make(map[string]*dynamicVec[*prometheus.GaugeVec]),
		histograms: make(map[string]*dynamicVec[*prometheus.HistogramVec]),

		poolSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "connections",
				Help:      "Number of open connections in the pool",
			},
			[]string{"pool", "backend"},
		),
		poolActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "connections_active",
				Help:      "Number of leased connections in the pool",
			},
			[]string{"pool", "backend"},
		),
		poolAcquires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "acquires_total",
				Help:      "Acquire attempts by outcome (ok, unavailable, error)",
			},
			[]string{"pool", "outcome"},
		),
		connectionsOpen: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "connection_opens_total",
				Help:      "Backend connection opens by result",
			},
			[]string{"pool", "result"},
		),

		txOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "txn",
				Name:      "transactions_total",
				Help:      "Transactions by terminal state",
			},
			[]string{"state"},
		),
		txDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "txn",
				Name:      "duration_seconds",
				Help:      "Transaction lifetime from begin to terminal state",
				Buckets:   buckets,
			},
			[]string{"state"},
		),

		tasksSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "tasks_submitted_total",
				Help:      "Tasks submitted by resource class",
			},
			[]string{"class"},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "tasks_completed_total",
				Help:      "Tasks completed by resource class and status",
			},
			[]string{"class", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "task_duration_seconds",
				Help:      "Task execution time in seconds",
				Buckets:   buckets,
			},
			[]string{"class"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Cache lookups by namespace and result (hit, miss)",
			},
			[]string{"namespace", "result"},
		),
		cacheMode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "mode",
				Help:      "Active cache backing store (1 for the active mode)",
			},
			[]string{"mode"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Errors by component and kind",
			},
			[]string{"component", "kind"},
		),
	}

	registry.MustRegister(
		m.poolSize,
		m.poolActive,
		m.poolAcquires,
		m.connectionsOpen,
		m.txOutcomes,
		m.txDuration,
		m.tasksSubmitted,
		m.tasksCompleted,
		m.taskDuration,
		m.cacheLookups,
		m.cacheMode,
		m.errorsByKind,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Pool Metrics

// SetPoolSize records the open and leased connection counts of a pool.
func (m *Metrics) SetPoolSize(pool, backend string, open, active int) {
	if !m.enabled() {
		return
	}
	m.poolSize.WithLabelValues(pool, backend).Set(float64(open))
	m.poolActive.WithLabelValues(pool, backend).Set(float64(active))
}

// RecordAcquire records the outcome of an acquire attempt.
func (m *Metrics) RecordAcquire(pool, outcome string) {
	if !m.enabled() {
		return
	}
	m.poolAcquires.WithLabelValues(pool, outcome).Inc()
}

// RecordConnectionOpen records a backend open attempt.
func (m *Metrics) RecordConnectionOpen(pool string, ok bool) {
	if !m.enabled() {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.connectionsOpen.WithLabelValues(pool, result).Inc()
}

// Transaction Metrics

// RecordTransaction records a transaction reaching a terminal state.
func (m *Metrics) RecordTransaction(state string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.txOutcomes.WithLabelValues(state).Inc()
	m.txDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// Dispatcher Metrics

// RecordTaskSubmitted records a task entering a worker pool.
func (m *Metrics) RecordTaskSubmitted(class string) {
	if !m.enabled() {
		return
	}
	m.tasksSubmitted.WithLabelValues(class).Inc()
}

// RecordTaskCompleted records a finished task and its execution time.
func (m *Metrics) RecordTaskCompleted(class, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.tasksCompleted.WithLabelValues(class, status).Inc()
	m.taskDuration.WithLabelValues(class).Observe(duration.Seconds())
}

// Cache Metrics

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(namespace string, hit bool) {
	if !m.enabled() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(namespace, result).Inc()
}

// SetCacheMode marks mode as the active backing store.
func (m *Metrics) SetCacheMode(mode string) {
	if !m.enabled() {
		return
	}
	m.cacheMode.Reset()
	m.cacheMode.WithLabelValues(mode).Set(1)
}

// Error Metrics

// RecordError records an error by component and kind.
func (m *Metrics) RecordError(component, kind string) {
	if !m.enabled() {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.errorsByKind.WithLabelValues(component, kind).Inc()
}

// Dynamic Metrics

// IncCounter increments a counter registered on first use.
func (m *Metrics) IncCounter(name string, labels map[string]string) {
	if !m.enabled() {
		return
	}
	names, values := splitLabels(labels)

	m.mu.Lock()
	dv, ok := m.counters[name]
	if !ok {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Name:      sanitizeName(name),
			Help:      "Dynamic counter " + name,
		}, names)
		if err := m.register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		dv = &dynamicVec[*prometheus.CounterVec]{labels: names, vec: vec}
		m.counters[name] = dv
	}
	m.mu.Unlock()

	if sameLabels(dv.labels, names) {
		dv.vec.WithLabelValues(values...).Inc()
	}
}

// SetGauge sets a gauge registered on first use.
func (m *Metrics) SetGauge(name string, value float64, labels map[string]string) {
	if !m.enabled() {
		return
	}
	names, values := splitLabels(labels)

	m.mu.Lock()
	dv, ok := m.gauges[name]
	if !ok {
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.config.Namespace,
			Name:      sanitizeName(name),
			Help:      "Dynamic gauge " + name,
		}, names)
		if err := m.register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		dv = &dynamicVec[*prometheus.GaugeVec]{labels: names, vec: vec}
		m.gauges[name] = dv
	}
	m.mu.Unlock()

	if sameLabels(dv.labels, names) {
		dv.vec.WithLabelValues(values...).Set(value)
	}
}

// ObserveHistogram records value in a histogram registered on first use.
func (m *Metrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	if !m.enabled() {
		return
	}
	names, values := splitLabels(labels)

	m.mu.Lock()
	dv, ok := m.histograms[name]
	if !ok {
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Name:      sanitizeName(name),
			Help:      "Dynamic histogram " + name,
			Buckets:   m.buckets,
		}, names)
		if err := m.register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		dv = &dynamicVec[*prometheus.HistogramVec]{labels: names, vec: vec}
		m.histograms[name] = dv
	}
	m.mu.Unlock()

	if sameLabels(dv.labels, names) {
		dv.vec.WithLabelValues(values...).Observe(value)
	}
}

func (m *Metrics) register(c prometheus.Collector) error {
	return m.registry.Register(c)
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func splitLabels(labels map[string]string) ([]string, []string) {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	values := make([]string, len(names))
	for i, k := range names {
		values[i] = labels[k]
	}
	return names, values
}

func sameLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sanitizeName maps dotted operation names onto the Prometheus name alphabet.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		default:
			return '_'
		}
	}, name)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing the metrics endpoint. The
// returned server is nil when metrics are disabled; callers shut it down with
// server.Shutdown.
func (m *Metrics) StartMetricsServer(logger *Logger) *http.Server {
	if !m.enabled() {
		return nil
	}
	logger = OrNop(logger)

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return server
}
