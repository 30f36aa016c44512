// Package config loads guardrail's configuration from YAML files and
// environment variables: the admin server, logging, health checks, the service
// account used for authenticated calls, and per-dependency settings (base URL,
// HTTP timeout, circuit breaker thresholds).
package config
