// Package handler implements guardrail's read-only admin endpoints: process
// health with per-dependency status, and circuit breaker snapshots.
package handler
