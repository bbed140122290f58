package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initSagaMetrics(cfg Config) {
	m.sagasStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagas_started_total",
			Help: "Total sagas started by saga type",
		},
		[]string{"saga_type"},
	)

	m.sagasTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagas_terminal_total",
			Help: "Total sagas reaching a terminal status",
		},
		[]string{"saga_type", "status"},
	)

	m.sagaDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_duration_seconds",
			Help:    "Whole-saga duration in seconds",
			Buckets: cfg.SagaDurationBuckets,
		},
		[]string{"saga_type", "status"},
	)

	m.sagasActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sagas_active",
			Help: "Current number of non-terminal sagas",
		},
		[]string{"saga_type"},
	)

	m.compensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Total compensation emissions by step",
		},
		[]string{"saga_type", "step"},
	)

	m.timeoutsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_timeouts_fired_total",
			Help: "Total step timeouts fired",
		},
		[]string{"saga_type", "step"},
	)

	m.eventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_events_dispatched_total",
			Help: "Total envelopes dispatched by outcome",
		},
		[]string{"outcome"},
	)

	m.stepOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_step_outcomes_total",
			Help: "Total step completions by outcome",
		},
		[]string{"saga_type", "step", "outcome"},
	)

	m.stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_step_duration_seconds",
			Help:    "Step duration in seconds",
			Buckets: cfg.StepDurationBuckets,
		},
		[]string{"saga_type", "step"},
	)

	m.registry.MustRegister(m.sagasStarted)
	m.registry.MustRegister(m.sagasTerminal)
	m.registry.MustRegister(m.sagaDuration)
	m.registry.MustRegister(m.sagasActive)
	m.registry.MustRegister(m.compensations)
	m.registry.MustRegister(m.timeoutsFired)
	m.registry.MustRegister(m.eventsDispatched)
	m.registry.MustRegister(m.stepOutcomes)
	m.registry.MustRegister(m.stepDuration)
}

// RecordSagaStarted records one saga creation.
func (m *Manager) RecordSagaStarted(sagaType string) {
	if !m.enabled {
		return
	}
	m.sagasStarted.WithLabelValues(sagaType).Inc()
	m.sagasActive.WithLabelValues(sagaType).Inc()
}

// RecordSagaTerminal records one saga reaching a terminal status.
func (m *Manager) RecordSagaTerminal(sagaType, status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.sagasTerminal.WithLabelValues(sagaType, status).Inc()
	m.sagaDuration.WithLabelValues(sagaType, status).Observe(duration.Seconds())
	m.sagasActive.WithLabelValues(sagaType).Dec()
}

// RecordStepOutcome records one step completion, failure, or compensation.
func (m *Manager) RecordStepOutcome(sagaType, step, outcome string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.stepOutcomes.WithLabelValues(sagaType, step, outcome).Inc()
	m.stepDuration.WithLabelValues(sagaType, step).Observe(duration.Seconds())
}

// RecordCompensation records one compensation emission.
func (m *Manager) RecordCompensation(sagaType, step string) {
	if !m.enabled {
		return
	}
	m.compensations.WithLabelValues(sagaType, step).Inc()
}

// RecordTimeoutFired records one step timeout.
func (m *Manager) RecordTimeoutFired(sagaType, step string) {
	if !m.enabled {
		return
	}
	m.timeoutsFired.WithLabelValues(sagaType, step).Inc()
}

// RecordDispatch records one envelope dispatch outcome (ack, nack,
// dead-letter, duplicate, ignored).
func (m *Manager) RecordDispatch(outcome string) {
	if !m.enabled {
		return
	}
	m.eventsDispatched.WithLabelValues(outcome).Inc()
}
