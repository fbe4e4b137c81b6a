package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors.
// All methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	imports        *prometheus.CounterVec
	importDuration *prometheus.HistogramVec
	rows           *prometheus.CounterVec
	units          *prometheus.CounterVec
	barcodes       prometheus.Counter
	shortfalls     prometheus.Counter
}

// New registers the collectors on a fresh registry
func New(namespace, subsystem string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "http_requests_total",
			Help: "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "imports_total",
			Help: "Imports by mode and outcome.",
		}, []string{"mode", "outcome"}),
		importDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "import_duration_seconds",
			Help:    "Wall time of an import from decode to completion.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"mode"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "import_rows_total",
			Help: "Imported rows by entity and action.",
		}, []string{"entity", "action"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "import_units_total",
			Help: "Import units by final state.",
		}, []string{"state"}),
		barcodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "barcodes_allocated_total",
			Help: "Barcodes claimed from the pool and attached to variants.",
		}),
		shortfalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "barcode_pool_shortfalls_total",
			Help: "Imports refused because the barcode pool was too small.",
		}),
	}
	reg.MustRegister(
		m.httpRequests, m.httpDuration,
		m.imports, m.importDuration, m.rows, m.units, m.barcodes, m.shortfalls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Middleware records request counts and latency per matched route
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() gin.HandlerFunc {
	var h http.Handler
	if m == nil {
		h = promhttp.Handler()
	} else {
		h = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	}
	return gin.WrapH(h)
}

func (m *Metrics) ObserveImport(mode, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.imports.WithLabelValues(mode, outcome).Inc()
	m.importDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

func (m *Metrics) AddRows(entity, action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rows.WithLabelValues(entity, action).Add(float64(n))
}

func (m *Metrics) ObserveUnit(state string) {
	if m == nil {
		return
	}
	m.units.WithLabelValues(state).Inc()
}

func (m *Metrics) AddBarcodesAllocated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.barcodes.Add(float64(n))
}

func (m *Metrics) ObservePoolShortfall() {
	if m == nil {
		return
	}
	m.shortfalls.Inc()
}
