// Package metrics collects runframe's Prometheus metrics on a private
// registry and serves them in the text exposition format.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
)

const namespace = "runframe"

// Metrics holds every collector runframe exports
type Metrics struct {
	registry  *prometheus.Registry
	startTime time.Time
	logger    zerolog.Logger

	files         *prometheus.CounterVec
	rows          prometheus.Counter
	bytes         prometheus.Counter
	errors        *prometheus.CounterVec
	parseDuration *prometheus.HistogramVec
	mergeInputs   prometheus.Histogram
	exports       *prometheus.CounterVec
	queries       *prometheus.CounterVec
	imports       *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpLatency   prometheus.Histogram
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide instance
func Get() *Metrics {
	once.Do(func() { instance = New() })
	return instance
}

// Init attaches a logger to the process-wide instance
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Info().Msg("Metrics collector initialized")
	return m
}

// New builds an independent set of collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		logger:    zerolog.Nop(),

		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "files_total",
			Help: "Resources ingested, by format and outcome.",
		}, []string{"format", "outcome"}),
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "rows_total",
			Help: "Rows in successfully built activities.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "bytes_total",
			Help: "Raw bytes read from storage before decompression.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "errors_total",
			Help: "Ingest failures by error class.",
		}, []string{"class"}),
		parseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "parse_duration_seconds",
			Help:    "Time from raw bytes to a typed column group.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"format"}),
		mergeInputs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "merge", Name: "inputs",
			Help:    "Column groups per merge.",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 16},
		}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "export", Name: "files_total",
			Help: "Activities written to storage, by file format.",
		}, []string{"format"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "query", Name: "requests_total",
			Help: "SQL queries over exports, by outcome.",
		}, []string{"outcome"}),
		imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "imports_total",
			Help: "Files handled by scheduled imports, by outcome.",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		httpLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}),
	}

	m.registry.MustRegister(
		m.files, m.rows, m.bytes, m.errors, m.parseDuration, m.mergeInputs,
		m.exports, m.queries, m.imports, m.httpRequests, m.httpLatency,
		collectors.NewGoCollector(),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "uptime_seconds", Help: "Time since the process started.",
		}, func() float64 { return time.Since(m.startTime).Seconds() }),
	)
	return m
}

// ObserveFile records one successfully ingested resource
func (m *Metrics) ObserveFile(format string, rows int, bytes int64, parse time.Duration) {
	m.files.WithLabelValues(format, "ok").Inc()
	m.rows.Add(float64(rows))
	m.bytes.Add(float64(bytes))
	m.parseDuration.WithLabelValues(format).Observe(parse.Seconds())
}

// ObserveFailure records a rejected resource. format may be empty when the
// failure happened before format detection.
func (m *Metrics) ObserveFailure(format, class string) {
	if format == "" {
		format = "unknown"
	}
	m.files.WithLabelValues(format, "error").Inc()
	m.errors.WithLabelValues(class).Inc()
}

// ObserveMerge records the number of groups merged into one activity
func (m *Metrics) ObserveMerge(inputs int) { m.mergeInputs.Observe(float64(inputs)) }

func (m *Metrics) IncExport(format string) { m.exports.WithLabelValues(format).Inc() }

func (m *Metrics) IncQuery(ok bool) { m.queries.WithLabelValues(outcome(ok)).Inc() }

func (m *Metrics) IncImport(outcome string) { m.imports.WithLabelValues(outcome).Inc() }

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(method string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpLatency.Observe(d.Seconds())
}

// Handler serves the registry in Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot sums every runframe counter family across its labels, keyed by
// fully qualified metric name.
func (m *Metrics) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	families, err := m.registry.Gather()
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to gather metrics")
	}
	for _, f := range families {
		if f.GetType() != dto.MetricType_COUNTER {
			continue
		}
		var sum float64
		for _, metric := range f.GetMetric() {
			sum += metric.GetCounter().GetValue()
		}
		out[f.GetName()] = sum
	}
	out[namespace+"_uptime_seconds"] = time.Since(m.startTime).Seconds()
	return out
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
