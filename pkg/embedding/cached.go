package embedding

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pgvector/pgvector-go"
)

const defaultCacheTTL = 30 * time.Minute

// Cached wraps a provider and remembers embeddings of recently seen texts.
type Cached struct {
	Provider
	cache *ttlcache.Cache[string, pgvector.Vector]
}

// NewCached creates a caching wrapper holding at most capacity entries.
func NewCached(p Provider, ttl time.Duration, capacity uint64) *Cached {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	opts := []ttlcache.Option[string, pgvector.Vector]{
		ttlcache.WithTTL[string, pgvector.Vector](ttl),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, pgvector.Vector](capacity))
	}
	return &Cached{
		Provider: p,
		cache:    ttlcache.New(opts...),
	}
}

// Embed returns the cached embedding of text, computing it on a miss.
func (c *Cached) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	if item := c.cache.Get(text); item != nil {
		return item.Value(), nil
	}
	vec, err := c.Provider.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	c.cache.Set(text, vec, ttlcache.DefaultTTL)
	return vec, nil
}

// Len returns the number of cached embeddings.
func (c *Cached) Len() int {
	return c.cache.Len()
}
