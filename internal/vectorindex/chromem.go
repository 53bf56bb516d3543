package vectorindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("recalld.vectorindex.chromem")

// ChromemConfig holds configuration for the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// VectorSize is the embedding dimension. Must match the vectors the
	// write path inserts.
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/recalld/vectorindex"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemIndex implements Index using chromem-go, an embeddable vector
// database with no external service dependency. It is the default
// provider: pure Go, persistent gob files, fast enough for the reference
// deployment's store sizes.
type ChromemIndex struct {
	db       *chromem.DB
	embedder Embedder
	config   ChromemConfig
	logger   *zap.Logger

	// collections tracks which collections have been touched.
	collections sync.Map
}

// NewChromemIndex creates an embedded index at the configured path.
// The embedder may be nil; text queries then return ErrNoEmbedder.
func NewChromemIndex(config ChromemConfig, embedder Embedder, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	path, err := expandPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	logger.Info("chromem index initialized",
		zap.String("path", path),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
	)

	return &ChromemIndex{
		db:       db,
		embedder: embedder,
		config:   config,
		logger:   logger,
	}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// embeddingFunc adapts the optional Embedder to chromem's signature.
func (i *ChromemIndex) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		if i.embedder == nil {
			return nil, ErrNoEmbedder
		}
		return i.embedder.EmbedQuery(ctx, text)
	}
}

func (i *ChromemIndex) getOrCreateCollection(name string) (*chromem.Collection, error) {
	collection, err := i.db.GetOrCreateCollection(name, nil, i.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", name, err)
	}
	i.collections.Store(name, true)
	return collection, nil
}

// NearestNeighbors returns up to k neighbors at the given offset.
// chromem has no native offset, so k+offset hits are fetched and the
// head discarded; offsets stay small because the gateway caps limits.
func (i *ChromemIndex) NearestNeighbors(ctx context.Context, collection string, vector []float32, k, offset int) ([]Neighbor, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.NearestNeighbors")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("k", k),
		attribute.Int("offset", offset),
	)

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if len(vector) != i.config.VectorSize {
		return nil, fmt.Errorf("query vector size %d does not match configured size %d", len(vector), i.config.VectorSize)
	}

	coll := i.db.GetCollection(collection, i.embeddingFunc())
	if coll == nil {
		span.SetStatus(codes.Error, "collection not found")
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}

	// chromem requires nResults <= document count.
	want := k + offset
	if count := coll.Count(); want > count {
		want = count
	}
	if want <= offset {
		return []Neighbor{}, nil
	}

	results, err := coll.QueryEmbedding(ctx, vector, want, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	neighbors := make([]Neighbor, 0, len(results)-offset)
	for _, r := range results[offset:] {
		neighbors = append(neighbors, Neighbor{Ref: r.ID, Score: float64(r.Similarity)})
	}

	span.SetAttributes(attribute.Int("results", len(neighbors)))
	span.SetStatus(codes.Ok, "success")
	return neighbors, nil
}

// NearestNeighborsText embeds the query text and searches with it.
func (i *ChromemIndex) NearestNeighborsText(ctx context.Context, collection, text string, k, offset int) ([]Neighbor, error) {
	if i.embedder == nil {
		return nil, ErrNoEmbedder
	}
	vector, err := i.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return i.NearestNeighbors(ctx, collection, vector, k, offset)
}

// Insert stores a vector under the given ref.
func (i *ChromemIndex) Insert(ctx context.Context, collection, ref string, vector []float32) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Insert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.String("ref", ref))

	if ref == "" {
		return fmt.Errorf("ref cannot be empty")
	}
	if len(vector) != i.config.VectorSize {
		return fmt.Errorf("vector size %d does not match configured size %d", len(vector), i.config.VectorSize)
	}

	coll, err := i.getOrCreateCollection(collection)
	if err != nil {
		span.RecordError(err)
		return err
	}

	err = coll.AddDocument(ctx, chromem.Document{
		ID:        ref,
		Content:   ref,
		Embedding: vector,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding document: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Delete removes a vector, reporting whether it existed.
func (i *ChromemIndex) Delete(ctx context.Context, collection, ref string) (bool, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.String("ref", ref))

	coll := i.db.GetCollection(collection, i.embeddingFunc())
	if coll == nil {
		return false, nil
	}

	if _, err := coll.GetByID(ctx, ref); err != nil {
		// Missing ref: deletion of nothing succeeds as not-found.
		return false, nil
	}

	if err := coll.Delete(ctx, nil, nil, ref); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("deleting document %s: %w", ref, err)
	}

	span.SetStatus(codes.Ok, "success")
	return true, nil
}

// Has reports whether the ref resolves.
func (i *ChromemIndex) Has(ctx context.Context, collection, ref string) (bool, error) {
	coll := i.db.GetCollection(collection, i.embeddingFunc())
	if coll == nil {
		return false, nil
	}
	if _, err := coll.GetByID(ctx, ref); err != nil {
		return false, nil
	}
	return true, nil
}

// GetVector returns the stored vector for a ref.
func (i *ChromemIndex) GetVector(ctx context.Context, collection, ref string) ([]float32, error) {
	coll := i.db.GetCollection(collection, i.embeddingFunc())
	if coll == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	doc, err := coll.GetByID(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRefNotFound, ref)
	}
	return doc.Embedding, nil
}

// ListRefs enumerates every ref in the collection.
//
// chromem has no list API, so the collection is enumerated by querying
// with a unit probe vector and k = Count(). This is a full scan, which is
// acceptable here: the only caller is the orphan-cleanup pass, itself a
// full reconciliation sweep.
func (i *ChromemIndex) ListRefs(ctx context.Context, collection string) ([]string, error) {
	coll := i.db.GetCollection(collection, i.embeddingFunc())
	if coll == nil {
		return nil, nil
	}

	count := coll.Count()
	if count == 0 {
		return nil, nil
	}

	probe := make([]float32, i.config.VectorSize)
	probe[0] = 1

	results, err := coll.QueryEmbedding(ctx, probe, count, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	refs := make([]string, len(results))
	for n, r := range results {
		refs[n] = r.ID
	}
	return refs, nil
}

// Close releases index resources. chromem persists on write, so there is
// nothing to flush.
func (i *ChromemIndex) Close() error {
	return nil
}
