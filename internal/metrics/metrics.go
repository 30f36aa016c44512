package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/angeloszaimis/guardrail/internal/circuitbreaker"
)

const maxSamples = 1000

type Metrics struct {
	mutex         sync.RWMutex
	calls         map[string]int64
	failures      map[string]int64
	rejections    map[string]int64
	fallbacks     map[string]int64
	transitions   map[string]int64
	states        map[string]circuitbreaker.State
	lastErrors    map[string]string
	responseTimes map[string][]time.Duration
	healthStatus  map[string]bool
	dropped       int64
	startTime     time.Time
}

type Snapshot struct {
	TotalCalls        int64                        `json:"total_calls"`
	ComplianceDropped int64                        `json:"compliance_dropped"`
	Uptime            time.Duration                `json:"uptime"`
	Dependencies      map[string]DependencyMetrics `json:"dependencies"`
}

type DependencyMetrics struct {
	Calls       int64                `json:"calls"`
	Failures    int64                `json:"failures"`
	Rejections  int64                `json:"rejections"`
	Fallbacks   int64                `json:"fallbacks"`
	Transitions int64                `json:"transitions"`
	State       circuitbreaker.State `json:"state"`
	Healthy     bool                 `json:"healthy"`
	LastError   string               `json:"last_error,omitempty"`
	AvgResponse time.Duration        `json:"avg_response"`
	P50Response time.Duration        `json:"p50_response"`
	P95Response time.Duration        `json:"p95_response"`
	P99Response time.Duration        `json:"p99_response"`
}

// RecordCall counts a call that reached the dependency. A non-empty errMsg
// marks it failed.
func (m *Metrics) RecordCall(dependency string, duration time.Duration, errMsg string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.calls[dependency]++
	if errMsg != "" {
		m.failures[dependency]++
		m.lastErrors[dependency] = errMsg
	}

	m.responseTimes[dependency] = append(m.responseTimes[dependency], duration)
	if len(m.responseTimes[dependency]) > maxSamples {
		m.responseTimes[dependency] = m.responseTimes[dependency][1:]
	}
}

func (m *Metrics) RecordRejection(dependency string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rejections[dependency]++
}

func (m *Metrics) RecordTransition(dependency string, to circuitbreaker.State) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.transitions[dependency]++
	m.states[dependency] = to
}

func (m *Metrics) RecordFallback(dependency, errMsg string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.fallbacks[dependency]++
	if errMsg != "" {
		m.lastErrors[dependency] = errMsg
	}
}

func (m *Metrics) RecordDrop() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.dropped++
}

func (m *Metrics) UpdateHealthStatus(dependency string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthStatus[dependency] = healthy
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		ComplianceDropped: m.dropped,
		Uptime:            time.Since(m.startTime),
		Dependencies:      make(map[string]DependencyMetrics),
	}

	all := make(map[string]bool)
	for _, seen := range []map[string]int64{m.calls, m.rejections, m.fallbacks, m.transitions} {
		for dependency := range seen {
			all[dependency] = true
		}
	}
	for dependency := range m.healthStatus {
		all[dependency] = true
	}

	for dependency := range all {
		snap.TotalCalls += m.calls[dependency]

		healthy, known := m.healthStatus[dependency]
		dm := DependencyMetrics{
			Calls:       m.calls[dependency],
			Failures:    m.failures[dependency],
			Rejections:  m.rejections[dependency],
			Fallbacks:   m.fallbacks[dependency],
			Transitions: m.transitions[dependency],
			State:       m.states[dependency],
			Healthy:     healthy || !known,
			LastError:   m.lastErrors[dependency],
		}

		durations := m.responseTimes[dependency]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			dm.AvgResponse = average(sorted)
			dm.P50Response = percentile(sorted, 0.50)
			dm.P95Response = percentile(sorted, 0.95)
			dm.P99Response = percentile(sorted, 0.99)
		}

		snap.Dependencies[dependency] = dm
	}

	return snap
}

func NewMetrics() *Metrics {
	return &Metrics{
		calls:         make(map[string]int64),
		failures:      make(map[string]int64),
		rejections:    make(map[string]int64),
		fallbacks:     make(map[string]int64),
		transitions:   make(map[string]int64),
		states:        make(map[string]circuitbreaker.State),
		lastErrors:    make(map[string]string),
		responseTimes: make(map[string][]time.Duration),
		healthStatus:  make(map[string]bool),
		startTime:     time.Now(),
	}
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
