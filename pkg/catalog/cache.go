package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/malbeclabs/tabula/pkg/agent"
)

const (
	defaultCacheTTL = 5 * time.Minute
	listCacheKey    = "\x00list"
)

// CachedStore caches metadata lookups of another catalog for a short TTL.
// Re-ingested tables become visible once their entry expires.
type CachedStore struct {
	store agent.Catalog
	cache *ristretto.Cache
	ttl   time.Duration
}

func NewCachedStore(store agent.Catalog, ttl time.Duration) (*CachedStore, error) {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        100_000,
		MaxCost:            10_000, // records, not bytes
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create catalog cache: %w", err)
	}
	return &CachedStore{store: store, cache: cache, ttl: ttl}, nil
}

func (c *CachedStore) Get(ctx context.Context, id string) (agent.TableMetadata, error) {
	if val, ok := c.cache.Get(id); ok {
		return val.(agent.TableMetadata), nil
	}
	t, err := c.store.Get(ctx, id)
	if err != nil {
		return agent.TableMetadata{}, err
	}
	c.cache.SetWithTTL(id, t, 1, c.ttl)
	c.cache.Wait()
	return t, nil
}

func (c *CachedStore) List(ctx context.Context) ([]agent.TableMetadata, error) {
	if val, ok := c.cache.Get(listCacheKey); ok {
		return val.([]agent.TableMetadata), nil
	}
	tables, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(listCacheKey, tables, int64(max(len(tables), 1)), c.ttl)
	c.cache.Wait()
	return tables, nil
}

// Close releases the cache.
func (c *CachedStore) Close() {
	c.cache.Close()
}
