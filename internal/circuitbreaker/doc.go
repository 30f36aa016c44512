// Package circuitbreaker guards calls to a remote dependency.
//
// A breaker has three states:
//
//   - CLOSED: calls pass through; consecutive failures are counted
//   - OPEN: calls are rejected with *OpenError until the cooldown elapses
//   - HALF-OPEN: a single trial call probes the dependency, bounded by the
//     recovery timeout; success closes the breaker, failure reopens it
//
// The breaker only decides whether to attempt a call. It never retries and it
// never swallows errors; choosing a fallback is left to the caller.
//
// Usage:
//
//	cb, err := circuitbreaker.New(circuitbreaker.Settings{
//	    Name:             "moderation",
//	    FailureThreshold: 5,
//	    OpenDuration:     time.Minute,
//	    RecoveryTimeout:  10 * time.Second,
//	})
//	result, err := circuitbreaker.Execute(ctx, cb, func(ctx context.Context) (Result, error) {
//	    return callModeration(ctx)
//	})
//	if circuitbreaker.IsOpen(err) {
//	    // short-circuited, nothing was sent
//	}
package circuitbreaker
