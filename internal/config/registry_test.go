package config

import (
	"errors"
	"testing"

	"github.com/fableloom/fableloom/pkg/provider/embeddings"
	embmock "github.com/fableloom/fableloom/pkg/provider/embeddings/mock"
	"github.com/fableloom/fableloom/pkg/provider/llm"
	llmmock "github.com/fableloom/fableloom/pkg/provider/llm/mock"
)

func TestRegistryCreateGeneration(t *testing.T) {
	r := NewRegistry()
	r.RegisterGeneration("fake", func(entry ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{ModelIDValue: entry.Model}, nil
	})

	p, err := r.CreateGeneration(ProviderEntry{Name: "fake", Model: "test-model"})
	if err != nil {
		t.Fatalf("CreateGeneration: %v", err)
	}
	if p.ModelID() != "test-model" {
		t.Errorf("ModelID = %q", p.ModelID())
	}
}

func TestRegistryCreateEmbeddings(t *testing.T) {
	r := NewRegistry()
	r.RegisterEmbeddings("fake", func(entry EmbeddingsEntry) (embeddings.Provider, error) {
		return &embmock.Provider{DimensionsValue: entry.Dimensions}, nil
	})

	p, err := r.CreateEmbeddings(EmbeddingsEntry{ProviderEntry: ProviderEntry{Name: "fake"}, Dimensions: 768})
	if err != nil {
		t.Fatalf("CreateEmbeddings: %v", err)
	}
	if p.Dimensions() != 768 {
		t.Errorf("Dimensions = %d", p.Dimensions())
	}
}

func TestRegistryUnregisteredName(t *testing.T) {
	r := NewRegistry()
	if _, err := r.CreateGeneration(ProviderEntry{Name: "nope"}); !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
	if _, err := r.CreateEmbeddings(EmbeddingsEntry{ProviderEntry: ProviderEntry{Name: "nope"}}); !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
}
