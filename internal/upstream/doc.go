// Package upstream wraps one remote safety dependency: its HTTP client, the
// circuit breaker guarding it, response time tracking and the health flag
// maintained by the health checker.
//
// Every dependency answers with the same JSON envelope:
//
//	{"success": true, "data": {...}}
//
// A non-2xx status, a false success flag or a missing data object is a call
// failure and counts against the breaker.
package upstream
