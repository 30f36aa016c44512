package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/angeloszaimis/guardrail/internal/circuitbreaker"
)

type promMetrics struct {
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	fallbacks    *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	healthy      *prometheus.GaugeVec
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	factory := promauto.With(reg)

	return &promMetrics{
		calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrail_upstream_calls_total",
				Help: "Calls to safety dependencies by result (success, failure, rejected)",
			},
			[]string{"dependency", "result"},
		),
		callDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guardrail_upstream_call_duration_seconds",
				Help:    "Duration of calls that reached a safety dependency",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"dependency"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "guardrail_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"dependency"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrail_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"dependency", "from", "to"},
		),
		fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrail_fallbacks_total",
				Help: "Fail-safe defaults returned instead of a dependency answer",
			},
			[]string{"dependency", "operation"},
		),
		dropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrail_compliance_dropped_total",
				Help: "Compliance events dropped before delivery",
			},
			[]string{"reason"},
		),
		healthy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "guardrail_upstream_healthy",
				Help: "Last health probe result per dependency (1 healthy)",
			},
			[]string{"dependency"},
		),
	}
}

func (p *promMetrics) observeCall(dependency, result string, duration time.Duration) {
	p.calls.WithLabelValues(dependency, result).Inc()
	p.callDuration.WithLabelValues(dependency).Observe(duration.Seconds())
}

func (p *promMetrics) observeTransition(dependency string, from, to circuitbreaker.State) {
	p.transitions.WithLabelValues(dependency, from.String(), to.String()).Inc()
	p.breakerState.WithLabelValues(dependency).Set(float64(to))
}

func (p *promMetrics) observeHealth(dependency string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1
	}
	p.healthy.WithLabelValues(dependency).Set(value)
}
