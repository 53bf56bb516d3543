package vectorindex

import (
	"fmt"

	"go.uber.org/zap"
)

// Provider names for the factory.
const (
	ProviderChromem = "chromem"
	ProviderQdrant  = "qdrant"
	ProviderMemory  = "memory"
)

// Config selects and configures an index provider.
type Config struct {
	// Provider is one of "chromem" (default), "qdrant", or "memory".
	Provider string

	Chromem ChromemConfig
	Qdrant  QdrantConfig
}

// New creates an index for the configured provider.
//
// chromem is the default: embedded, no external service to run. qdrant
// suits deployments that already operate one. memory is for tests.
func New(cfg Config, embedder Embedder, logger *zap.Logger) (Index, error) {
	switch cfg.Provider {
	case "", ProviderChromem:
		return NewChromemIndex(cfg.Chromem, embedder, logger)
	case ProviderQdrant:
		return NewQdrantIndex(cfg.Qdrant, embedder, logger)
	case ProviderMemory:
		return NewMemoryIndex(embedder), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
