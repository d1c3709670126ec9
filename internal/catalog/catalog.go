// Package catalog maintains the merged, cached directory of models across
// all configured providers.
package catalog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"gravity-gateway/internal/models"
	"gravity-gateway/internal/provider"
)

// Catalog caches per-provider model listings with a TTL. It is injected
// into every consumer rather than held as ambient global state so tests
// can construct and reset their own instance.
type Catalog struct {
	adapters []provider.Adapter
	ttl      time.Duration
	now      func() time.Time

	mu        sync.RWMutex
	entries   map[string][]models.ModelDescriptor
	fetchedAt time.Time
}

// New builds a catalog over the given adapters. Adapter order is the
// declaration order used to resolve model-name collisions.
func New(adapters []provider.Adapter, ttl time.Duration) *Catalog {
	return &Catalog{
		adapters: adapters,
		ttl:      ttl,
		now:      time.Now,
	}
}

// RefreshIfStale re-fetches every provider's listing when the cache has
// expired. The per-provider calls fan out concurrently; a failing provider
// contributes an empty list instead of failing the refresh. The new entry
// map replaces the cache wholesale. Concurrent stale readers may each
// trigger a redundant refresh; the last write wins, which is safe because
// refresh is idempotent.
func (c *Catalog) RefreshIfStale(ctx context.Context) {
	c.mu.RLock()
	fresh := c.entries != nil && c.now().Sub(c.fetchedAt) <= c.ttl
	c.mu.RUnlock()
	if fresh {
		return
	}

	entries := make(map[string][]models.ModelDescriptor, len(c.adapters))
	var entriesMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, adapter := range c.adapters {
		adapter := adapter
		g.Go(func() error {
			listed, err := adapter.ListModels(gctx)
			if err != nil {
				slog.Warn("model listing failed, provider contributes no models",
					"provider", adapter.Name(), "error", err)
				listed = nil
			}
			entriesMu.Lock()
			entries[adapter.Name()] = listed
			entriesMu.Unlock()
			return nil
		})
	}
	// Listing errors are absorbed above, so Wait only synchronizes.
	_ = g.Wait()

	c.mu.Lock()
	c.entries = entries
	c.fetchedAt = c.now()
	c.mu.Unlock()
}

// FindModelByName refreshes the cache if stale, then scans providers in
// declaration order and returns the first descriptor whose name matches.
// Absence is reported with ok=false, not an error; callers decide whether
// that is a 404.
func (c *Catalog) FindModelByName(ctx context.Context, name string) (models.ModelDescriptor, bool) {
	c.RefreshIfStale(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, adapter := range c.adapters {
		for _, descriptor := range c.entries[adapter.Name()] {
			if descriptor.Name == name {
				return descriptor, true
			}
		}
	}
	return models.ModelDescriptor{}, false
}

// Adapter returns the adapter registered under the given provider name.
func (c *Catalog) Adapter(providerName string) (provider.Adapter, bool) {
	for _, adapter := range c.adapters {
		if adapter.Name() == providerName {
			return adapter, true
		}
	}
	return nil, false
}

// Entries returns a copy of the cached listing keyed by provider,
// refreshing first when stale.
func (c *Catalog) Entries(ctx context.Context) map[string][]models.ModelDescriptor {
	c.RefreshIfStale(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string][]models.ModelDescriptor, len(c.entries))
	for providerName, descriptors := range c.entries {
		copied := make([]models.ModelDescriptor, len(descriptors))
		copy(copied, descriptors)
		out[providerName] = copied
	}
	return out
}
