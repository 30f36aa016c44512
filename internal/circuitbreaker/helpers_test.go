package circuitbreaker_test

import (
	"sync"
	"time"

	"github.com/angeloszaimis/guardrail/internal/circuitbreaker"
)

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

type transitionEvent struct {
	from, to circuitbreaker.State
}

type recordingObserver struct {
	mutex       sync.Mutex
	transitions []transitionEvent
	rejected    int
	completed   int
	failed      int
}

func (o *recordingObserver) StateChanged(_ string, from, to circuitbreaker.State) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.transitions = append(o.transitions, transitionEvent{from: from, to: to})
}

func (o *recordingObserver) CallRejected(string) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.rejected++
}

func (o *recordingObserver) CallCompleted(_ string, _ time.Duration, err error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.completed++
	if err != nil {
		o.failed++
	}
}

func (o *recordingObserver) Transitions() []transitionEvent {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return append([]transitionEvent(nil), o.transitions...)
}
