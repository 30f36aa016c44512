// Package metrics collects operational metrics for guardrail's safety
// dependencies.
//
// A channel-fed Collector receives events from circuit breakers (state
// changes, rejected and completed calls), from the guarded clients (fail-safe
// fallbacks, dropped compliance events) and from the health checker. Events
// are aggregated in a dedicated goroutine into:
//   - a JSON snapshot with per-dependency call counts, failures, rejections,
//     fallbacks, breaker state and latency percentiles (P50, P95, P99)
//   - Prometheus series registered on the registry passed to NewCollector
//
// Sends never block: when the buffer is full the event is dropped.
//
// Example usage:
//
//	reg := prometheus.NewRegistry()
//	collector := metrics.NewCollector(1024, logger, reg)
//	collector.Start(ctx)
//
//	breaker, _ := circuitbreaker.New(settings, circuitbreaker.WithObserver(collector))
//
//	mux.Handle("/stats", collector.Handler())
//	mux.Handle("/metrics", metrics.PrometheusHandler(reg))
package metrics
