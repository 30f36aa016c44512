// Package healthcheck periodically probes each safety dependency's /healthz
// endpoint and records the result on the upstream. Health is reported only;
// it never opens or closes a circuit breaker.
package healthcheck
