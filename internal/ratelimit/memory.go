package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window is one fixed counting window for a (rule, key) pair.
type window struct {
	start time.Time
	count int
}

// MemoryLimiter implements Limiter with an in-memory fixed window per
// (rule, key). Fixed windows make the reset time exact, which keeps
// Retry-After honest. A background goroutine evicts stale entries to bound
// memory; call Close to stop it.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a fixed-window limiter.
func NewMemoryLimiter() *MemoryLimiter {
	m := &MemoryLimiter{
		windows: make(map[string]*window),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow counts the request against the key's current window.
func (m *MemoryLimiter) Allow(_ context.Context, rule Rule, key string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	k := rule.Name + ":" + key
	w, ok := m.windows[k]
	if !ok || now.Sub(w.start) >= rule.Window {
		w = &window{start: now}
		m.windows[k] = w
	}

	resetAt := w.start.Add(rule.Window)
	if w.count >= rule.Limit {
		return Result{Allowed: false, Limit: rule.Limit, Remaining: 0, ResetAt: resetAt}, nil
	}
	w.count++
	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - w.count,
		ResetAt:   resetAt,
	}, nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts windows that ended long ago.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for key, w := range m.windows {
		if w.start.Before(cutoff) {
			delete(m.windows, key)
		}
	}
}
