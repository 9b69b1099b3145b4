package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests and multiple services in one
// process never collide on registration. All methods are safe on a nil
// receiver.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpInFlight        prometheus.Gauge

	storeOperations       *prometheus.CounterVec
	storeDuration         *prometheus.HistogramVec
	corruptionResets      prometheus.Counter
	integrityDrops        *prometheus.CounterVec
	verificationFailures  *prometheus.CounterVec
	patientsStored        prometheus.Gauge
	migrationStepOutcomes *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		httpInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		storeOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patient_store_operations_total",
				Help: "Record store operations by outcome",
			},
			[]string{"operation", "result"},
		),
		storeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "patient_store_operation_duration_seconds",
				Help:    "Record store operation duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),
		corruptionResets: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "patient_store_corruption_resets_total",
				Help: "Times the persisted collection was unreadable and reset to empty",
			},
		),
		integrityDrops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patient_store_integrity_dropped_total",
				Help: "Records or entries dropped by integrity normalization",
			},
			[]string{"kind"},
		),
		verificationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patient_store_verification_failures_total",
				Help: "Writes whose read-back did not match",
			},
			[]string{"operation"},
		),
		patientsStored: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "patient_store_records",
				Help: "Number of patient records after the last write",
			},
		),
		migrationStepOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migration_steps_total",
				Help: "Migration step runs by outcome",
			},
			[]string{"step", "result"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *Metrics) RequestStarted() {
	if m != nil {
		m.httpInFlight.Inc()
	}
}

func (m *Metrics) RequestFinished() {
	if m != nil {
		m.httpInFlight.Dec()
	}
}

// RecordStoreOperation records the outcome of a record store call.
func (m *Metrics) RecordStoreOperation(op string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.storeOperations.WithLabelValues(op, result).Inc()
	m.storeDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) CorruptionReset() {
	if m != nil {
		m.corruptionResets.Inc()
	}
}

func (m *Metrics) IntegrityDropped(records, entries int) {
	if m == nil {
		return
	}
	if records > 0 {
		m.integrityDrops.WithLabelValues("record").Add(float64(records))
	}
	if entries > 0 {
		m.integrityDrops.WithLabelValues("entry").Add(float64(entries))
	}
}

func (m *Metrics) VerificationFailed(op string) {
	if m != nil {
		m.verificationFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) SetPatientCount(n int) {
	if m != nil {
		m.patientsStored.Set(float64(n))
	}
}

// RecordMigrationStep records one step of a migration run. result is one
// of applied, skipped, failed or abandoned.
func (m *Metrics) RecordMigrationStep(step, result string) {
	if m != nil {
		m.migrationStepOutcomes.WithLabelValues(step, result).Inc()
	}
}
