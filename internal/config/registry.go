package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fableloom/fableloom/pkg/provider/embeddings"
	"github.com/fableloom/fableloom/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	generation map[string]func(ProviderEntry) (llm.Provider, error)
	embeddings map[string]func(EmbeddingsEntry) (embeddings.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		generation: make(map[string]func(ProviderEntry) (llm.Provider, error)),
		embeddings: make(map[string]func(EmbeddingsEntry) (embeddings.Provider, error)),
	}
}

// RegisterGeneration registers a generation provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterGeneration(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(EmbeddingsEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateGeneration instantiates a generation provider using the factory
// registered under entry.Name. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateGeneration(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.generation[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: generation/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry EmbeddingsEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
