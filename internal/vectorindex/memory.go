package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is a brute-force in-memory Index. It exists for tests and
// for tiny single-process deployments; it has no persistence.
type MemoryIndex struct {
	mu          sync.RWMutex
	collections map[string]map[string][]float32
	embedder    Embedder
}

// NewMemoryIndex creates an empty in-memory index.
// The embedder may be nil; text queries then return ErrNoEmbedder.
func NewMemoryIndex(embedder Embedder) *MemoryIndex {
	return &MemoryIndex{
		collections: make(map[string]map[string][]float32),
		embedder:    embedder,
	}
}

// NearestNeighbors performs exact cosine-similarity search.
func (m *MemoryIndex) NearestNeighbors(_ context.Context, collection string, vector []float32, k, offset int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}

	neighbors := make([]Neighbor, 0, len(entries))
	for ref, v := range entries {
		neighbors = append(neighbors, Neighbor{Ref: ref, Score: CosineSimilarity(vector, v)})
	}
	sort.Slice(neighbors, func(a, b int) bool {
		if neighbors[a].Score != neighbors[b].Score {
			return neighbors[a].Score > neighbors[b].Score
		}
		return neighbors[a].Ref < neighbors[b].Ref
	})

	if offset >= len(neighbors) {
		return []Neighbor{}, nil
	}
	neighbors = neighbors[offset:]
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// NearestNeighborsText embeds the query text and searches with it.
func (m *MemoryIndex) NearestNeighborsText(ctx context.Context, collection, text string, k, offset int) ([]Neighbor, error) {
	if m.embedder == nil {
		return nil, ErrNoEmbedder
	}
	vector, err := m.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return m.NearestNeighbors(ctx, collection, vector, k, offset)
}

// Insert stores a vector under the given ref.
func (m *MemoryIndex) Insert(_ context.Context, collection, ref string, vector []float32) error {
	if ref == "" {
		return fmt.Errorf("ref cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, ok := m.collections[collection]
	if !ok {
		entries = make(map[string][]float32)
		m.collections[collection] = entries
	}
	copied := make([]float32, len(vector))
	copy(copied, vector)
	entries[ref] = copied
	return nil
}

// Delete removes a vector, reporting whether it existed.
func (m *MemoryIndex) Delete(_ context.Context, collection, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, ok := m.collections[collection]
	if !ok {
		return false, nil
	}
	if _, ok := entries[ref]; !ok {
		return false, nil
	}
	delete(entries, ref)
	return true, nil
}

// Has reports whether the ref resolves.
func (m *MemoryIndex) Has(_ context.Context, collection, ref string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[collection][ref]
	return ok, nil
}

// GetVector returns the stored vector for a ref.
func (m *MemoryIndex) GetVector(_ context.Context, collection, ref string) ([]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.collections[collection][ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRefNotFound, ref)
	}
	return v, nil
}

// ListRefs enumerates every ref in the collection.
func (m *MemoryIndex) ListRefs(_ context.Context, collection string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.collections[collection]
	refs := make([]string, 0, len(entries))
	for ref := range entries {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs, nil
}

// Close is a no-op.
func (m *MemoryIndex) Close() error {
	return nil
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Mismatched lengths or zero vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for idx := range a {
		dot += float64(a[idx]) * float64(b[idx])
		normA += float64(a[idx]) * float64(a[idx])
		normB += float64(b[idx]) * float64(b[idx])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
