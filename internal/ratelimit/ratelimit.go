// Package ratelimit provides a pluggable rate limiting interface.
//
// This distribution ships an in-memory fixed-window limiter
// (MemoryLimiter). Deployments needing cross-instance coordination can
// substitute a shared-store implementation; the Limiter interface is the
// contract.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Rule is one named ceiling: at most Limit requests per Window per key.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Result reports one admission decision with enough detail for headers.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// SetHeaders writes the standard rate limit headers, plus Retry-After when
// the request was denied.
func (r Result) SetHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(r.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(r.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(r.ResetAt.Unix(), 10))
	if !r.Allowed {
		retry := max(time.Until(r.ResetAt), time.Second)
		h.Set("Retry-After", fmt.Sprintf("%d", int(retry.Seconds())))
	}
}

// Limiter decides whether a request identified by (rule, key) may proceed.
// Implementations must be safe for concurrent use. The key is opaque;
// callers construct it (e.g. "events:user:<id>"). Errors signal a limiter
// malfunction; callers should treat them as fail-open rather than blocking
// traffic.
type Limiter interface {
	Allow(ctx context.Context, rule Rule, key string) (Result, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always admits.
func (NoopLimiter) Allow(_ context.Context, rule Rule, _ string) (Result, error) {
	return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit}, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
