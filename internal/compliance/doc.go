// Package compliance sends audit events (DSA, Online Safety Act) to the
// compliance service.
//
// Logging is best-effort and never blocks the game loop: LogEvent returns a
// locally generated id at once and hands the event to a bounded queue drained
// by a small worker pool. Delivery failures, a full queue or a stopped client
// are reported through logs and metrics only.
package compliance
