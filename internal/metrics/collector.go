package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angeloszaimis/guardrail/internal/circuitbreaker"
)

type EventType string

const (
	EventCallSucceeded     EventType = "call_succeeded"
	EventCallFailed        EventType = "call_failed"
	EventCallRejected      EventType = "call_rejected"
	EventStateChanged      EventType = "state_changed"
	EventFallbackApplied   EventType = "fallback_applied"
	EventComplianceDropped EventType = "compliance_dropped"
	EventHealthChanged     EventType = "health_changed"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Dependency string
	Operation  string
	Duration   time.Duration
	From       circuitbreaker.State
	To         circuitbreaker.State
	Healthy    bool
	Err        string
}

// Collector aggregates events from breakers, clients and health checks. It
// implements circuitbreaker.Observer and upstream.FallbackRecorder; neither
// blocks the caller, events are dropped when the buffer is full.
type Collector struct {
	eventCh    chan MetricEvent
	metrics    *Metrics
	prometheus *promMetrics
	logger     *slog.Logger
	done       chan struct{}
}

// NewCollector registers the collector's Prometheus series on reg. A nil reg
// keeps them unregistered.
func NewCollector(bufferSize int, logger *slog.Logger, reg prometheus.Registerer) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		eventCh:    make(chan MetricEvent, bufferSize),
		metrics:    NewMetrics(),
		prometheus: newPromMetrics(reg),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

// Done is closed once the collector has drained its buffer after shutdown.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")
	defer close(c.done)

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventCallSucceeded:
		c.metrics.RecordCall(event.Dependency, event.Duration, "")
		c.prometheus.observeCall(event.Dependency, "success", event.Duration)

	case EventCallFailed:
		c.metrics.RecordCall(event.Dependency, event.Duration, event.Err)
		c.prometheus.observeCall(event.Dependency, "failure", event.Duration)

	case EventCallRejected:
		c.metrics.RecordRejection(event.Dependency)
		c.prometheus.calls.WithLabelValues(event.Dependency, "rejected").Inc()

	case EventStateChanged:
		c.metrics.RecordTransition(event.Dependency, event.To)
		c.prometheus.observeTransition(event.Dependency, event.From, event.To)

	case EventFallbackApplied:
		c.metrics.RecordFallback(event.Dependency, event.Err)
		c.prometheus.fallbacks.WithLabelValues(event.Dependency, event.Operation).Inc()

	case EventComplianceDropped:
		c.metrics.RecordDrop()
		c.prometheus.dropped.WithLabelValues(event.Operation).Inc()

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Dependency, event.Healthy)
		c.prometheus.observeHealth(event.Dependency, event.Healthy)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) emit(event MetricEvent) {
	event.Timestamp = time.Now()
	select {
	case c.eventCh <- event:
	default:
		c.logger.Debug("metrics buffer full, dropping event", slog.String("type", string(event.Type)))
	}
}

// Track publishes a dependency's gauges before its first transition or
// probe so dashboards see it from startup.
func (c *Collector) Track(dependency string, state circuitbreaker.State, healthy bool) {
	c.prometheus.breakerState.WithLabelValues(dependency).Set(float64(state))
	c.prometheus.observeHealth(dependency, healthy)
}

func (c *Collector) StateChanged(name string, from, to circuitbreaker.State) {
	c.emit(MetricEvent{Type: EventStateChanged, Dependency: name, From: from, To: to})
}

func (c *Collector) CallRejected(name string) {
	c.emit(MetricEvent{Type: EventCallRejected, Dependency: name})
}

func (c *Collector) CallCompleted(name string, duration time.Duration, err error) {
	if err != nil {
		c.emit(MetricEvent{Type: EventCallFailed, Dependency: name, Duration: duration, Err: err.Error()})
		return
	}
	c.emit(MetricEvent{Type: EventCallSucceeded, Dependency: name, Duration: duration})
}

func (c *Collector) FallbackApplied(dependency, operation string, err error) {
	event := MetricEvent{Type: EventFallbackApplied, Dependency: dependency, Operation: operation}
	if err != nil {
		event.Err = err.Error()
	}
	c.emit(event)
}

// ComplianceDropped counts an audit event that never reached the compliance
// service queue.
func (c *Collector) ComplianceDropped(reason string) {
	c.emit(MetricEvent{Type: EventComplianceDropped, Operation: reason})
}

func (c *Collector) HealthChanged(dependency string, healthy bool) {
	c.emit(MetricEvent{Type: EventHealthChanged, Dependency: dependency, Healthy: healthy})
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}
