package api

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/yourorg/impersonator/internal/circuitbreaker"
	"github.com/yourorg/impersonator/internal/types"
)

// Metrics holds the Prometheus collectors of the daemon.
type Metrics struct {
	requestCounter     *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	relayDrops         *prometheus.CounterVec
	simulationOutcomes *prometheus.CounterVec
	simulationDuration prometheus.Histogram
	sessionsOpened     prometheus.Counter

	reg prometheus.Registerer
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impersonator_rpc_requests_total",
				Help: "Total number of provider requests processed",
			},
			[]string{"method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "impersonator_rpc_request_duration_seconds",
				Help:    "Provider request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		relayDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impersonator_relay_dropped_messages_total",
				Help: "Messages the relay discarded because they did not resolve",
			},
			[]string{"type"},
		),
		simulationOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impersonator_simulations_total",
				Help: "Simulation calls by outcome",
			},
			[]string{"outcome"},
		),
		simulationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "impersonator_simulation_duration_seconds",
				Help:    "Simulation call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		sessionsOpened: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "impersonator_sessions_opened_total",
				Help: "Page loads served",
			},
		),
		reg: reg,
	}

	reg.MustRegister(
		m.requestCounter,
		m.requestDuration,
		m.relayDrops,
		m.simulationOutcomes,
		m.simulationDuration,
		m.sessionsOpened,
	)
	return m
}

// ObserveDrop counts a message discarded by a relay. It matches relay.DropFunc.
func (m *Metrics) ObserveDrop(msg types.Message, _ error) {
	m.relayDrops.WithLabelValues(msg.Type()).Inc()
}

// ObserveSimulation records one simulation call.
func (m *Metrics) ObserveSimulation(outcome string, elapsed time.Duration) {
	m.simulationOutcomes.WithLabelValues(outcome).Inc()
	m.simulationDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeRequest(method, status string, elapsed time.Duration) {
	m.requestCounter.WithLabelValues(method, status).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// registerGauges adds gauges read on scrape.
func (m *Metrics) registerGauges(sessions func() int, breaker *circuitbreaker.CircuitBreaker) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "impersonator_sessions_open",
			Help: "Number of open page sessions",
		},
		func() float64 { return float64(sessions()) },
	))
	if breaker != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "impersonator_simulation_circuit_state",
				Help: "Simulation circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			func() float64 { return float64(breaker.GetState()) },
		))
	}
}
