package app

import (
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/fableloom/fableloom/internal/config"
	"github.com/fableloom/fableloom/pkg/provider/embeddings"
	embedcache "github.com/fableloom/fableloom/pkg/provider/embeddings/cache"
	ollamaembed "github.com/fableloom/fableloom/pkg/provider/embeddings/ollama"
	oaembed "github.com/fableloom/fableloom/pkg/provider/embeddings/openai"
	"github.com/fableloom/fableloom/pkg/provider/llm"
	"github.com/fableloom/fableloom/pkg/provider/llm/anyllm"
)

// RegisterBuiltinProviders wires all shipped provider factories into reg.
// Each factory receives its config entry and constructs the provider from the
// real implementation packages.
func RegisterBuiltinProviders(reg *config.Registry) {
	// All hosted generation backends share the same pattern: optional APIKey
	// plus optional BaseURL, routed through any-llm-go.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterGeneration(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterGeneration("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterEmbeddings("openai", func(entry config.EmbeddingsEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		p, err := oaembed.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return wrapEmbeddingsCache(p, entry)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.EmbeddingsEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if entry.Dimensions > 0 {
			opts = append(opts, ollamaembed.WithDimensions(entry.Dimensions))
		}
		p, err := ollamaembed.New(entry.BaseURL, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return wrapEmbeddingsCache(p, entry)
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// wrapEmbeddingsCache decorates p with the in-process embedding cache.
// A negative cache_entries value disables caching.
func wrapEmbeddingsCache(p embeddings.Provider, entry config.EmbeddingsEntry) (embeddings.Provider, error) {
	if entry.CacheEntries < 0 {
		return p, nil
	}
	cached, err := embedcache.New(p, entry.CacheEntries)
	if err != nil {
		return nil, fmt.Errorf("wrap embedding cache: %w", err)
	}
	return cached, nil
}
