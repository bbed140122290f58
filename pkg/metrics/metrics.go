// Package metrics provides Prometheus instrumentation and rolling
// performance aggregation for the saga coordinator.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager manages all Prometheus metrics for the coordinator.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// Saga metrics
	sagasStarted     *prometheus.CounterVec
	sagasTerminal    *prometheus.CounterVec
	sagaDuration     *prometheus.HistogramVec
	sagasActive      *prometheus.GaugeVec
	compensations    *prometheus.CounterVec
	timeoutsFired    *prometheus.CounterVec
	eventsDispatched *prometheus.CounterVec

	// Step metrics
	stepOutcomes *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	// Publish pipeline metrics
	publishes      *prometheus.CounterVec
	publishRetries prometheus.Counter
	degradedMode   prometheus.Gauge

	// HTTP metrics
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpConnections prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	// Histogram bucket configurations
	SagaDurationBuckets []float64
	StepDurationBuckets []float64
	HTTPDurationBuckets []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		Port:                9091,
		Path:                "/metrics",
		SagaDurationBuckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		StepDurationBuckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		HTTPDurationBuckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}
}

// NewManager creates a new metrics manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
	}

	m.initSagaMetrics(cfg)
	m.initPublishMetrics()
	m.initHTTPMetrics(cfg)

	return m
}

// Enabled returns whether metrics collection is enabled.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server on the configured port.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return server.ListenAndServe()
}

// NoOpManager returns a no-op metrics manager for when metrics are disabled.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}

func (m *Manager) initPublishMetrics() {
	m.publishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_publishes_total",
			Help: "Total publish attempts by final status",
		},
		[]string{"status"},
	)

	m.publishRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_publish_retries_total",
			Help: "Total publish retry attempts",
		},
	)

	m.degradedMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_degraded_mode",
			Help: "1 when the last publish exhausted its retries",
		},
	)

	m.registry.MustRegister(m.publishes)
	m.registry.MustRegister(m.publishRetries)
	m.registry.MustRegister(m.degradedMode)
}

// RecordPublish records one publish outcome.
func (m *Manager) RecordPublish(status string) {
	if !m.enabled {
		return
	}
	m.publishes.WithLabelValues(status).Inc()
}

// RecordRetry records one publish retry.
func (m *Manager) RecordRetry() {
	if !m.enabled {
		return
	}
	m.publishRetries.Inc()
}

// SetDegradedMode flags that the publish pipeline is degraded.
func (m *Manager) SetDegradedMode(active bool) {
	if !m.enabled {
		return
	}
	if active {
		m.degradedMode.Set(1)
	} else {
		m.degradedMode.Set(0)
	}
}
