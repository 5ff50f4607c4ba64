// Package projcache is a short-TTL in-memory cache for project records.
// It saves a project lookup per request on the hot read paths; role
// lookups stay uncached so revocation takes effect immediately.
package projcache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/triagedeck/triagedeck/internal/model"
	"github.com/triagedeck/triagedeck/internal/storage"
)

// Cache is a read-through project cache.
// Call Close to stop the background eviction goroutine.
type Cache struct {
	store storage.Store
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[uuid.UUID]cachedEntry
	done    chan struct{}
}

type cachedEntry struct {
	project   model.Project
	expiresAt time.Time
}

// New creates a cache over store with the given TTL.
func New(store storage.Store, ttl time.Duration) *Cache {
	c := &Cache{
		store:   store,
		ttl:     ttl,
		entries: make(map[uuid.UUID]cachedEntry),
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the project, from cache when fresh, loading through on miss.
// Not-found results are not cached; a deleted project ages out with its
// entry at worst.
func (c *Cache) Get(ctx context.Context, id uuid.UUID) (model.Project, error) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.project, nil
	}

	p, err := c.store.GetProject(ctx, id)
	if err != nil {
		return model.Project{}, err
	}

	c.mu.Lock()
	// A concurrent refresh may have stored a newer config version; keep it.
	if cur, ok := c.entries[id]; !ok || cur.project.Config.Version <= p.Config.Version {
		c.entries[id] = cachedEntry{project: p, expiresAt: time.Now().Add(c.ttl)}
	}
	c.mu.Unlock()
	return p, nil
}

// Invalidate drops one entry, e.g. after a config change.
func (c *Cache) Invalidate(id uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Close stops the background eviction goroutine.
func (c *Cache) Close() {
	close(c.done)
}

func (c *Cache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
