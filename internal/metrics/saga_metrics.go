package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SagaMetrics содержит метрики обработки сообщений саги.
type SagaMetrics struct {
	// Исходы обработки по типу сообщения
	results *prometheus.CounterVec
	// Переходы между стадиями
	transitions *prometheus.CounterVec
	// Повторы из-за конфликта версий
	conflictRetries prometheus.Counter
	// Попытки компенсации по результату
	compensations *prometheus.CounterVec

	handleDuration *prometheus.HistogramVec
	inFlight       prometheus.Gauge
}

// NewSagaMetrics создаёт метрики в глобальном реестре.
func NewSagaMetrics() *SagaMetrics {
	return NewSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSagaMetricsWithRegisterer создаёт метрики в указанном реестре (для тестов).
func NewSagaMetricsWithRegisterer(registerer prometheus.Registerer) *SagaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SagaMetrics{
		results: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ordersaga_messages_total",
			Help: "Total number of handled inbound messages grouped by kind and result",
		}, []string{"kind", "result"}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ordersaga_transitions_total",
			Help: "Total number of committed saga stage transitions",
		}, []string{"from", "to"}),
		conflictRetries: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ordersaga_version_conflict_retries_total",
			Help: "Total number of transitions recomputed after an optimistic version conflict",
		}),
		compensations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ordersaga_compensation_attempts_total",
			Help: "Total number of synchronous compensation attempts grouped by result",
		}, []string{"result"}),
		handleDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "ordersaga_handle_duration_seconds",
			Help:    "Duration of inbound message handling in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"kind"}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "ordersaga_messages_in_flight",
			Help: "Number of inbound messages currently being handled",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordResult учитывает исход обработки сообщения.
func (m *SagaMetrics) RecordResult(kind, result string) {
	m.results.WithLabelValues(kind, result).Inc()
}

// RecordTransition учитывает зафиксированный переход стадии.
func (m *SagaMetrics) RecordTransition(from, to string) {
	if from == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordConflictRetry учитывает пересчёт перехода после конфликта версий.
func (m *SagaMetrics) RecordConflictRetry() {
	m.conflictRetries.Inc()
}

// RecordCompensation учитывает попытку компенсации ("ok", "error").
func (m *SagaMetrics) RecordCompensation(result string) {
	m.compensations.WithLabelValues(result).Inc()
}

// RecordHandleStarted увеличивает число сообщений в обработке.
func (m *SagaMetrics) RecordHandleStarted() {
	m.inFlight.Inc()
}

// RecordHandleFinished уменьшает число сообщений в обработке и пишет длительность.
func (m *SagaMetrics) RecordHandleFinished(kind string, duration time.Duration) {
	m.inFlight.Dec()
	m.handleDuration.WithLabelValues(kind).Observe(duration.Seconds())
}
