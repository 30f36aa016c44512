// Package moderation checks user-generated content against the moderation
// service. It fails closed: when the service is unreachable, slow, returns
// garbage or its circuit breaker is open, content is reported as unsafe and
// blocked.
package moderation
