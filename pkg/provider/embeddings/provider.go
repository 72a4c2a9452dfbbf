// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// An embeddings provider maps text strings to dense float32 vectors used by
// the memory layer for semantic retrieval. All vectors returned by a single
// Provider instance share the same dimensionality for the lifetime of a
// session — mixing vectors from different models in one similarity
// computation is a caller bug.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"errors"
)

// ErrUnavailable is returned (wrapped) when the embedding backend cannot be
// reached or rejects the request at the transport level.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Provider is the abstraction over any text-embedding backend.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns a
	// float32 slice of length Dimensions(), or an error matching
	// [ErrUnavailable] when the backend fails.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of texts in a single
	// provider call. The returned slice is parallel to texts. Partial results
	// are not returned — on error the entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider.
	Dimensions() int

	// ModelID returns the provider-specific embedding model identifier.
	ModelID() string
}
