package projcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triagedeck/triagedeck/internal/storage"
)

func TestGetCachesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMem()
	require.NoError(t, mem.SeedDemo(ctx))
	_, pid := storage.SeedProject()

	c := New(mem, time.Minute)
	defer c.Close()

	p, err := c.Get(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "qa-review", p.Slug)

	// Mutate the store; the cached copy is served until invalidation.
	p.Name = "Renamed"
	p.Config.Version++
	mem.UpdateProject(p)

	stale, err := c.Get(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "QA Review", stale.Name)

	c.Invalidate(pid)
	fresh, err := c.Get(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", fresh.Name)
}

func TestGetNotFoundPassesThrough(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMem()
	c := New(mem, time.Minute)
	defer c.Close()

	_, pid := storage.SeedProject()
	_, err := c.Get(ctx, pid)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
