package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/xswarm-ai/xswarm/pkg/provider/embeddings"
)

// ErrProviderNotRegistered is returned by [Registry.CreateEmbeddings] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps embeddings provider names to their constructor functions,
// decoupling the config schema from concrete provider packages. It is safe
// for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	embeddings map[string]func(EmbeddingsConfig) (embeddings.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		embeddings: make(map[string]func(EmbeddingsConfig) (embeddings.Provider, error)),
	}
}

// RegisterEmbeddings registers an embeddings provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEmbeddings(name string, factory func(EmbeddingsConfig) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateEmbeddings instantiates the embeddings provider selected by cfg.Name.
func (r *Registry) CreateEmbeddings(cfg EmbeddingsConfig) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings provider %q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}
