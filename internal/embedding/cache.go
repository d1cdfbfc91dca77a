package embedding

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"
)

// CachedEmbedder memoizes another Embedder. Embedders are deterministic per
// model, so a cached vector is always the vector the provider would return.
// Concurrent requests for the same text share one provider call.
type CachedEmbedder struct {
	next  Embedder
	cache *ristretto.Cache
	group singleflight.Group
}

// NewCachedEmbedder wraps next with a cache holding up to maxEntries vectors.
func NewCachedEmbedder(next Embedder, maxEntries int64) (*CachedEmbedder, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{next: next, cache: cache}, nil
}

// Embed returns the cached vector for text or asks the wrapped provider.
// The shared provider call is detached from any one caller's cancellation;
// each caller still stops waiting when its own ctx is done.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	key := cacheKey(c.next.Model(), text)
	if v, ok := c.cache.Get(key); ok {
		return clone(v.(Vector)), nil
	}

	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		vec, err := c.next.Embed(shared, text)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, clone(vec), 1)
		return vec, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clone(res.Val.(Vector)), nil
	}
}

func cacheKey(model, text string) string {
	return model + "\x00" + text
}

func (c *CachedEmbedder) Dims() int     { return c.next.Dims() }
func (c *CachedEmbedder) Model() string { return c.next.Model() }

// Wait blocks until pending cache writes are visible.
func (c *CachedEmbedder) Wait() { c.cache.Wait() }

// Close releases the cache.
func (c *CachedEmbedder) Close() { c.cache.Close() }

func clone(v Vector) Vector {
	out := make(Vector, len(v))
	copy(out, v)
	return out
}
