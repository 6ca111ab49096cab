package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the labdaq engine. The zero
// instance returned when collection is disabled is a safe no-op.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Command metrics
	commandsExecuted *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec

	// Device metrics
	deviceCalls        *prometheus.CounterVec
	deviceCallDuration *prometheus.HistogramVec
	deviceErrors       *prometheus.CounterVec

	// Document metrics
	documentsEmitted *prometheus.CounterVec
	documentsDropped prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeRuns    prometheus.Gauge
	queuedPlans   prometheus.Gauge
	stagedDevices prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
			[]string{"plan"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		commandsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_executed_total",
				Help:      "Total number of plan commands executed",
			},
			[]string{"kind", "status"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of plan command execution in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),

		deviceCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_calls_total",
				Help:      "Total number of device calls",
			},
			[]string{"device", "operation"},
		),
		deviceCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "device_call_duration_seconds",
				Help:      "Duration of device calls in seconds",
				Buckets:   buckets,
			},
			[]string{"device", "operation"},
		),
		deviceErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_errors_total",
				Help:      "Total number of device errors",
			},
			[]string{"device", "operation"},
		),

		documentsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_emitted_total",
				Help:      "Total number of documents published",
			},
			[]string{"kind"},
		),
		documentsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_dropped_total",
				Help:      "Total number of documents dropped by slow subscribers",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
		queuedPlans: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_plans",
				Help:      "Current number of queued plans",
			},
		),
		stagedDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "staged_devices",
				Help:      "Current number of staged devices",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.commandsExecuted,
		m.commandDuration,
		m.deviceCalls,
		m.deviceCallDuration,
		m.deviceErrors,
		m.documentsEmitted,
		m.documentsDropped,
		m.errorsByClass,
		m.errorsByCode,
		m.activeRuns,
		m.queuedPlans,
		m.stagedDevices,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(plan string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(plan).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Command Metrics

// RecordCommand records the execution of one plan command.
func (m *Metrics) RecordCommand(kind, status string, duration time.Duration) {
	if m.commandsExecuted == nil {
		return
	}
	m.commandsExecuted.WithLabelValues(kind, status).Inc()
	m.commandDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// Device Metrics

// RecordDeviceCall records a device call with its duration.
func (m *Metrics) RecordDeviceCall(device, operation string, duration time.Duration) {
	if m.deviceCalls == nil {
		return
	}
	m.deviceCalls.WithLabelValues(device, operation).Inc()
	m.deviceCallDuration.WithLabelValues(device, operation).Observe(duration.Seconds())
}

// RecordDeviceError records a device error.
func (m *Metrics) RecordDeviceError(device, operation string) {
	if m.deviceErrors == nil {
		return
	}
	m.deviceErrors.WithLabelValues(device, operation).Inc()
}

// Document Metrics

// RecordDocumentEmitted records a published document by kind.
func (m *Metrics) RecordDocumentEmitted(kind string) {
	if m.documentsEmitted == nil {
		return
	}
	m.documentsEmitted.WithLabelValues(kind).Inc()
}

// RecordDocumentsDropped records documents lost to slow subscribers.
func (m *Metrics) RecordDocumentsDropped(count uint64) {
	if m.documentsDropped == nil {
		return
	}
	m.documentsDropped.Add(float64(count))
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// SetQueuedPlans sets the current number of queued plans.
func (m *Metrics) SetQueuedPlans(count float64) {
	if m.queuedPlans == nil {
		return
	}
	m.queuedPlans.Set(count)
}

// SetStagedDevices sets the current number of staged devices.
func (m *Metrics) SetStagedDevices(count float64) {
	if m.stagedDevices == nil {
		return
	}
	m.stagedDevices.Set(count)
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
