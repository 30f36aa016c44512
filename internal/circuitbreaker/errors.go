package circuitbreaker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOpen matches every *OpenError.
	ErrOpen = errors.New("circuit breaker is open")

	ErrTrialTimeout = errors.New("half-open trial timed out")
)

// OpenError is returned when the breaker refuses a call. The wrapped
// operation was not attempted.
type OpenError struct {
	Breaker string
	// RetryAfter is the remaining cooldown. Zero when a trial call is already
	// in flight.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: circuit breaker is open (retry in %s)", e.Breaker, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s: circuit breaker is open (trial in progress)", e.Breaker)
}

func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// OperationError wraps the failure of an admitted call.
type OperationError struct {
	Breaker string
	Trial   bool
	Err     error
}

func (e *OperationError) Error() string {
	if e.Trial {
		return fmt.Sprintf("%s: trial call failed: %v", e.Breaker, e.Err)
	}
	return fmt.Sprintf("%s: call failed: %v", e.Breaker, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// IsOpen reports whether err means the call was short-circuited.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}
