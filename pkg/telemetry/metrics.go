package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for runs, plugin instances and
// SSH hosts. A nil *Metrics is valid and records nothing.
type Metrics struct {
	config MetricsConfig

	runsCompleted     *prometheus.CounterVec
	runDuration       prometheus.Histogram
	instancesExecuted *prometheus.CounterVec
	instanceDuration  *prometheus.HistogramVec
	hostsExecuted     *prometheus.CounterVec
	messages          *prometheus.CounterVec
	suppressed        prometheus.Counter
	errorsByClass     *prometheus.CounterVec
	activeInstances   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a collector registered on a private registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	namespace := cfg.Namespace
	buckets := []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds",
				Buckets:   buckets,
			},
		),
		instancesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_executed_total",
				Help:      "Total number of plugin instances executed",
			},
			[]string{"plugin", "mode", "status"},
		),
		instanceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "instance_duration_seconds",
				Help:      "Duration of plugin instance execution in seconds",
				Buckets:   buckets,
			},
			[]string{"plugin", "mode"},
		),
		hostsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hosts_executed_total",
				Help:      "Total number of SSH host executions",
			},
			[]string{"status"},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Plugin messages delivered to the timeline",
			},
			[]string{"kind"},
		),
		suppressed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_suppressed_total",
				Help:      "Repeated plugin messages suppressed by deduplication",
			},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Scheduler errors by class",
			},
			[]string{"class"},
		),
		activeInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_instances",
				Help:      "Plugin instances currently running",
			},
		),
	}

	m.registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.instancesExecuted,
		m.instanceDuration,
		m.hostsExecuted,
		m.messages,
		m.suppressed,
		m.errorsByClass,
		m.activeInstances,
	)
	return m
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordRunCompleted records the end of a run.
func (m *Metrics) RecordRunCompleted(success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status(success)).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// InstanceStarted increments the active instance gauge.
func (m *Metrics) InstanceStarted() {
	if m == nil {
		return
	}
	m.activeInstances.Inc()
}

// RecordInstance records a finished plugin instance.
func (m *Metrics) RecordInstance(plugin string, remote, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	mode := "local"
	if remote {
		mode = "ssh"
	}
	m.activeInstances.Dec()
	m.instancesExecuted.WithLabelValues(plugin, mode, status(success)).Inc()
	m.instanceDuration.WithLabelValues(plugin, mode).Observe(duration.Seconds())
}

// RecordHost records one host outcome of an SSH fan-out. Unreachable
// hosts are counted separately from failed ones.
func (m *Metrics) RecordHost(success, unreachable bool) {
	if m == nil {
		return
	}
	label := status(success)
	if unreachable {
		label = "unreachable"
	}
	m.hostsExecuted.WithLabelValues(label).Inc()
}

// RecordMessage counts a message delivered to the timeline.
func (m *Metrics) RecordMessage(kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind).Inc()
}

// RecordSuppressed counts a message dropped by deduplication.
func (m *Metrics) RecordSuppressed() {
	if m == nil {
		return
	}
	m.suppressed.Inc()
}

// RecordError counts a scheduler error by class.
func (m *Metrics) RecordError(class string) {
	if m == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is done. It is
// a no-op when no listen address is configured.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if m == nil || m.config.ListenAddress == "" {
		return nil
	}

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
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	return nil
}
