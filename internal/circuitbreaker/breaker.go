package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Blocking calls
	StateHalfOpen              // Probing with a single trial call
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state the same way String does so snapshots read
// naturally in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Settings is the per-dependency configuration of a breaker. It is fixed at
// construction time.
type Settings struct {
	Name             string
	FailureThreshold int
	OpenDuration     time.Duration
	RecoveryTimeout  time.Duration
}

func (s Settings) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Name, validation.Required),
		validation.Field(&s.FailureThreshold, validation.Required, validation.Min(1)),
		validation.Field(&s.OpenDuration, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&s.RecoveryTimeout, validation.Required, validation.Min(time.Millisecond)),
	)
}

// Observer receives breaker events. Calls happen outside the breaker lock and
// must not block.
type Observer interface {
	StateChanged(name string, from, to State)
	CallRejected(name string)
	CallCompleted(name string, duration time.Duration, err error)
}

type Option func(*CircuitBreaker)

// WithClock replaces time.Now. Only cooldown bookkeeping uses it; trial
// timeouts always run on real timers.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cb *CircuitBreaker) {
		if logger != nil {
			cb.logger = logger
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(cb *CircuitBreaker) {
		cb.observer = observer
	}
}

type CircuitBreaker struct {
	settings Settings
	now      func() time.Time
	logger   *slog.Logger
	observer Observer

	mutex         sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	generation    uint64
	trialInFlight bool
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name                string        `json:"name"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	FailureThreshold    int           `json:"failure_threshold"`
	OpenedAt            time.Time     `json:"opened_at,omitzero"`
	OpenDuration        time.Duration `json:"open_duration"`
	RecoveryTimeout     time.Duration `json:"recovery_timeout"`
}

type transition struct {
	from, to State
}

// admission is what a call learned about the breaker when it was let through.
type admission struct {
	generation uint64
	trial      bool
}

func New(settings Settings, opts ...Option) (*CircuitBreaker, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("circuit breaker %q: %w", settings.Name, err)
	}

	cb := &CircuitBreaker{
		settings: settings,
		now:      time.Now,
		logger:   slog.Default(),
		state:    StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.logger = cb.logger.With(slog.String("breaker", settings.Name))

	return cb, nil
}

func (cb *CircuitBreaker) Name() string {
	return cb.settings.Name
}

func (cb *CircuitBreaker) Settings() Settings {
	return cb.settings
}

// State reports the stored state. An Open breaker whose cooldown has elapsed
// stays Open until the next call moves it to HalfOpen.
func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return Snapshot{
		Name:                cb.settings.Name,
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		FailureThreshold:    cb.settings.FailureThreshold,
		OpenedAt:            cb.openedAt,
		OpenDuration:        cb.settings.OpenDuration,
		RecoveryTimeout:     cb.settings.RecoveryTimeout,
	}
}

// Do runs op if the breaker admits it. A rejected call returns *OpenError
// without invoking op; a failed call returns *OperationError wrapping the
// cause. The breaker never retries.
//
// A call abandoned because the caller cancelled ctx is not held against the
// dependency. Deadlines are: a slow dependency is a failing one.
func (cb *CircuitBreaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	adm, err := cb.admit()
	if err != nil {
		return err
	}

	start := time.Now()
	var (
		opErr    error
		panicked any
	)
	if adm.trial {
		panicked, opErr = cb.runTrial(ctx, op)
	} else {
		opErr = cb.run(ctx, adm, op)
	}

	switch {
	case opErr != nil && errors.Is(ctx.Err(), context.Canceled):
		cb.release(adm)
	default:
		cb.record(adm, opErr)
	}
	cb.notifyCompleted(time.Since(start), opErr)

	if panicked != nil {
		panic(panicked)
	}
	if opErr != nil {
		return &OperationError{Breaker: cb.settings.Name, Trial: adm.trial, Err: opErr}
	}
	return nil
}

// Execute is Do for operations that produce a value.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := cb.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func (cb *CircuitBreaker) admit() (admission, error) {
	cb.mutex.Lock()

	var changed *transition
	switch cb.state {
	case StateOpen:
		elapsed := cb.now().Sub(cb.openedAt)
		if elapsed < cb.settings.OpenDuration {
			retryAfter := cb.settings.OpenDuration - elapsed
			cb.mutex.Unlock()
			cb.notifyRejected()
			return admission{}, &OpenError{Breaker: cb.settings.Name, RetryAfter: retryAfter}
		}
		changed = cb.setState(StateHalfOpen)
		cb.trialInFlight = true
		adm := admission{generation: cb.generation, trial: true}
		cb.mutex.Unlock()
		cb.notifyTransition(changed)
		return adm, nil

	case StateHalfOpen:
		if cb.trialInFlight {
			cb.mutex.Unlock()
			cb.notifyRejected()
			return admission{}, &OpenError{Breaker: cb.settings.Name}
		}
		cb.trialInFlight = true
		adm := admission{generation: cb.generation, trial: true}
		cb.mutex.Unlock()
		return adm, nil

	default:
		adm := admission{generation: cb.generation}
		cb.mutex.Unlock()
		return adm, nil
	}
}

func (cb *CircuitBreaker) record(adm admission, opErr error) {
	cb.mutex.Lock()

	if adm.trial {
		cb.trialInFlight = false
	}
	// The breaker moved on while this call was running.
	if adm.generation != cb.generation {
		cb.mutex.Unlock()
		return
	}

	var changed *transition
	if opErr == nil {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			changed = cb.setState(StateClosed)
		}
	} else {
		cb.failures++
		switch cb.state {
		case StateHalfOpen:
			cb.openedAt = cb.now()
			changed = cb.setState(StateOpen)
		case StateClosed:
			if cb.failures >= cb.settings.FailureThreshold {
				cb.openedAt = cb.now()
				changed = cb.setState(StateOpen)
			}
		}
	}
	cb.mutex.Unlock()

	cb.notifyTransition(changed)
}

// release gives back an admission without counting it either way.
func (cb *CircuitBreaker) release(adm admission) {
	if !adm.trial {
		return
	}
	cb.mutex.Lock()
	cb.trialInFlight = false
	cb.mutex.Unlock()
}

// setState must be called with the mutex held.
func (cb *CircuitBreaker) setState(to State) *transition {
	if cb.state == to {
		return nil
	}
	t := &transition{from: cb.state, to: to}
	cb.state = to
	cb.generation++
	return t
}

func (cb *CircuitBreaker) run(ctx context.Context, adm admission, op func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			cb.record(adm, fmt.Errorf("panic: %v", p))
			panic(p)
		}
	}()
	return op(ctx)
}

// runTrial bounds the half-open probe by RecoveryTimeout. An op that ignores
// its context is abandoned when the timer fires.
func (cb *CircuitBreaker) runTrial(ctx context.Context, op func(ctx context.Context) error) (any, error) {
	trialCtx, cancel := context.WithTimeout(ctx, cb.settings.RecoveryTimeout)
	defer cancel()

	type result struct {
		err      error
		panicked any
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("panic: %v", p), panicked: p}
			}
		}()
		done <- result{err: op(trialCtx)}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && errors.Is(trialCtx.Err(), context.DeadlineExceeded) {
			return res.panicked, fmt.Errorf("%w after %s: %w", ErrTrialTimeout, cb.settings.RecoveryTimeout, res.err)
		}
		return res.panicked, res.err
	case <-trialCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %s", ErrTrialTimeout, cb.settings.RecoveryTimeout)
	}
}

func (cb *CircuitBreaker) notifyTransition(t *transition) {
	if t == nil {
		return
	}

	switch t.to {
	case StateOpen:
		cb.logger.Warn("circuit opened",
			slog.String("from", t.from.String()),
			slog.Duration("open_duration", cb.settings.OpenDuration))
	case StateHalfOpen:
		cb.logger.Info("circuit half-open, probing dependency")
	case StateClosed:
		cb.logger.Info("circuit closed, dependency recovered")
	}

	if cb.observer != nil {
		cb.observer.StateChanged(cb.settings.Name, t.from, t.to)
	}
}

func (cb *CircuitBreaker) notifyRejected() {
	if cb.observer != nil {
		cb.observer.CallRejected(cb.settings.Name)
	}
}

func (cb *CircuitBreaker) notifyCompleted(duration time.Duration, err error) {
	if cb.observer != nil {
		cb.observer.CallCompleted(cb.settings.Name, duration, err)
	}
}
