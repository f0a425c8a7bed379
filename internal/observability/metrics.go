package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scanledger"

// Metrics holds Prometheus metrics for scanledger
type Metrics struct {
	// Import metrics
	ImportsTotal   *prometheus.CounterVec
	ImportDuration *prometheus.HistogramVec
	RowsTotal      *prometheus.CounterVec
	SkipReasons    *prometheus.CounterVec
	CVEDiscrepancy prometheus.Counter
	BusyRetries    prometheus.Counter

	// Aggregation metrics
	AggregationQueries *prometheus.CounterVec

	// Vendor pattern metrics
	PatternReloads prometheus.Counter

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the metric set on reg. Each registry gets its own set,
// so tests can build as many as they need.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ImportsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "imports_total",
				Help:      "Import batches by vendor and final status",
			},
			[]string{"vendor", "status"},
		),
		ImportDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "import_duration_seconds",
				Help:      "Import batch duration, parse through commit",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"vendor"},
		),
		RowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_total",
				Help:      "Rows read by outcome (committed, skipped, duplicate)",
			},
			[]string{"outcome"},
		),
		SkipReasons: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_skipped_total",
				Help:      "Skipped rows by reason",
			},
			[]string{"reason"},
		),
		CVEDiscrepancy: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cve_discrepancies_total",
				Help:      "Rows whose narrative text names CVEs missing from the CVE column",
			},
		),
		BusyRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_busy_retries_total",
				Help:      "Import batches retried after a transient store contention error",
			},
		),
		AggregationQueries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aggregation_queries_total",
				Help:      "Aggregation queries by kind and cache result (hit, miss, bypass)",
			},
			[]string{"query", "cache"},
		),
		PatternReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vendor_pattern_reloads_total",
				Help:      "Vendor pattern file reloads",
			},
		),
		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}

// ImportOutcome is what one import contributes to the metric set.
type ImportOutcome struct {
	Vendor         string
	Status         string
	Duration       time.Duration
	Committed      int
	Skipped        int
	Duplicates     int
	SkipReasons    map[string]int
	CVEDiscrepancy int
}

// ObserveImport records a finished import.
func (m *Metrics) ObserveImport(o ImportOutcome) {
	if m == nil {
		return
	}
	m.ImportsTotal.WithLabelValues(o.Vendor, o.Status).Inc()
	m.ImportDuration.WithLabelValues(o.Vendor).Observe(o.Duration.Seconds())
	m.RowsTotal.WithLabelValues("committed").Add(float64(o.Committed))
	m.RowsTotal.WithLabelValues("skipped").Add(float64(o.Skipped))
	m.RowsTotal.WithLabelValues("duplicate").Add(float64(o.Duplicates))
	for reason, n := range o.SkipReasons {
		m.SkipReasons.WithLabelValues(reason).Add(float64(n))
	}
	m.CVEDiscrepancy.Add(float64(o.CVEDiscrepancy))
}

// ObserveBusyRetry counts one retried batch.
func (m *Metrics) ObserveBusyRetry() {
	if m == nil {
		return
	}
	m.BusyRetries.Inc()
}

// ObserveAggregation counts one aggregation query.
func (m *Metrics) ObserveAggregation(query, cache string) {
	if m == nil {
		return
	}
	m.AggregationQueries.WithLabelValues(query, cache).Inc()
}

// ObservePatternReload counts one vendor pattern reload.
func (m *Metrics) ObservePatternReload() {
	if m == nil {
		return
	}
	m.PatternReloads.Inc()
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
