package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterWindow(t *testing.T) {
	m := NewMemoryLimiter()
	defer m.Close() //nolint:errcheck
	ctx := context.Background()
	rule := Rule{Name: "events", Limit: 3, Window: time.Minute}

	for i := range 3 {
		res, err := m.Allow(ctx, rule, "user:a")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := m.Allow(ctx, rule, "user:a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.True(t, res.ResetAt.After(time.Now()))

	// Other keys and other rules count independently.
	res, err = m.Allow(ctx, rule, "user:b")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	other := Rule{Name: "reads", Limit: 3, Window: time.Minute}
	res, err = m.Allow(ctx, other, "user:a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMemoryLimiterWindowReset(t *testing.T) {
	m := NewMemoryLimiter()
	defer m.Close() //nolint:errcheck
	ctx := context.Background()
	rule := Rule{Name: "r", Limit: 1, Window: 20 * time.Millisecond}

	res, err := m.Allow(ctx, rule, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = m.Allow(ctx, rule, "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	time.Sleep(25 * time.Millisecond)
	res, err = m.Allow(ctx, rule, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestResultHeaders(t *testing.T) {
	res := Result{Allowed: false, Limit: 60, Remaining: 0, ResetAt: time.Now().Add(30 * time.Second)}
	h := make(http.Header)
	res.SetHeaders(h)
	assert.Equal(t, "60", h.Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, h.Get("Retry-After"))
}
