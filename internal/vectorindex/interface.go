// Package vectorindex defines the vector index collaborator contract.
//
// The index holds one entry per solution embedding. The admission gateway
// only queries it; the retention engine queries, deletes, and reconciles
// it against the solution store. The similarity algorithm itself is
// opaque to both.
package vectorindex

import (
	"context"
	"errors"
)

// Sentinel errors for index operations.
var (
	// ErrUnavailable indicates the index cannot be reached or timed out.
	// Surfaced to callers as a retryable failure, never as empty results.
	ErrUnavailable = errors.New("vector index unavailable")

	// ErrRefNotFound indicates the embedding ref does not resolve.
	ErrRefNotFound = errors.New("embedding ref not found")

	// ErrCollectionNotFound indicates the collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrNoEmbedder indicates a text query hit an index with no embedder.
	ErrNoEmbedder = errors.New("no embedder configured")

	// ErrInvalidConfig indicates invalid index configuration.
	ErrInvalidConfig = errors.New("invalid index configuration")
)

// Neighbor is one similarity search hit.
type Neighbor struct {
	// Ref is the embedding ref, equal to the owning solution's ID.
	Ref string `json:"ref"`

	// Score is the similarity score, higher is closer.
	Score float64 `json:"score"`
}

// Embedder turns query text into a vector. Embedding computation itself
// is out of scope; implementations typically call an external service.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Index is the vector index collaborator contract.
//
// Implementations:
//   - ChromemIndex: embedded chromem-go (default)
//   - QdrantIndex: external Qdrant over gRPC
type Index interface {
	// NearestNeighbors returns up to k neighbors of the query vector in
	// the collection, ordered by score descending, skipping the first
	// offset hits.
	NearestNeighbors(ctx context.Context, collection string, vector []float32, k, offset int) ([]Neighbor, error)

	// NearestNeighborsText is NearestNeighbors for a text query, using
	// the configured embedder. Returns ErrNoEmbedder if none is set.
	NearestNeighborsText(ctx context.Context, collection, text string, k, offset int) ([]Neighbor, error)

	// Insert stores a vector under the given ref (write path).
	Insert(ctx context.Context, collection, ref string, vector []float32) error

	// Delete removes a vector. The bool reports whether the ref existed.
	Delete(ctx context.Context, collection, ref string) (bool, error)

	// Has reports whether the ref resolves to exactly one entry.
	Has(ctx context.Context, collection, ref string) (bool, error)

	// GetVector returns the stored vector for a ref, or ErrRefNotFound.
	GetVector(ctx context.Context, collection, ref string) ([]float32, error)

	// ListRefs enumerates every ref in the collection. Used only by the
	// orphan-cleanup reconciliation sweep; may be expensive.
	ListRefs(ctx context.Context, collection string) ([]string, error)

	// Close releases index resources.
	Close() error
}
