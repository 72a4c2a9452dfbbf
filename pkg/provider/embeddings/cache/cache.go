// Package cache wraps an embeddings.Provider with an in-process ristretto
// cache keyed by input text.
//
// The same passages are embedded repeatedly during a story session — the
// retrieval query for a rerolled turn, persona descriptions, recurring lore —
// so memoising Embed avoids redundant round-trips to the embedding backend.
package cache

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/fableloom/fableloom/pkg/provider/embeddings"
)

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// DefaultMaxEntries is the default capacity of the cache in entries.
const DefaultMaxEntries = 4096

// Provider decorates another embeddings.Provider with a text-keyed vector
// cache. Only Embed is memoised; EmbedBatch is used for bulk re-indexing
// where inputs rarely repeat, so it passes through untouched.
type Provider struct {
	inner embeddings.Provider
	cache *ristretto.Cache
}

// New wraps inner with a cache holding at most maxEntries vectors.
// maxEntries <= 0 means DefaultMaxEntries.
func New(inner embeddings.Provider, maxEntries int64) (*Provider, error) {
	if inner == nil {
		return nil, fmt.Errorf("embeddings cache: inner provider must not be nil")
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	// Each entry costs 1; NumCounters at 10x capacity per the ristretto docs.
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings cache: create cache: %w", err)
	}
	return &Provider{inner: inner, cache: c}, nil
}

// Embed returns the cached vector for text, or delegates to the inner
// provider and caches the result. Errors are never cached.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := p.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	p.cache.Set(text, vec, 1)
	return vec, nil
}

// EmbedBatch delegates directly to the inner provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return p.inner.EmbedBatch(ctx, texts)
}

// Dimensions delegates to the inner provider.
func (p *Provider) Dimensions() int {
	return p.inner.Dimensions()
}

// ModelID delegates to the inner provider.
func (p *Provider) ModelID() string {
	return p.inner.ModelID()
}

// Wait blocks until pending cache writes are applied. Intended for tests.
func (p *Provider) Wait() {
	p.cache.Wait()
}

// Close releases the cache's internal resources.
func (p *Provider) Close() {
	p.cache.Close()
}
