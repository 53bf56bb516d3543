package vectorindex

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// QdrantConfig holds configuration for the external Qdrant index.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool

	// VectorSize is the embedding dimension used when creating collections.
	VectorSize int

	// RetryAttempts is how many times transient gRPC failures are retried.
	RetryAttempts int

	// MaxMessageSize bounds gRPC send/receive message sizes.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 32 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c *QdrantConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// QdrantIndex implements Index against an external Qdrant instance over
// gRPC. Transient failures are retried with exponential backoff.
type QdrantIndex struct {
	client   *qdrant.Client
	embedder Embedder
	config   QdrantConfig
	logger   *zap.Logger
}

// NewQdrantIndex connects to Qdrant.
// The embedder may be nil; text queries then return ErrNoEmbedder.
func NewQdrantIndex(config QdrantConfig, embedder Embedder, logger *zap.Logger) (*QdrantIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	qdrantConfig := &qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	}
	if !config.UseTLS {
		qdrantConfig.GrpcOptions = append(qdrantConfig.GrpcOptions,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}

	client, err := qdrant.NewClient(qdrantConfig)
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	logger.Info("qdrant index connected",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.Bool("tls", config.UseTLS),
	)

	return &QdrantIndex{
		client:   client,
		embedder: embedder,
		config:   config,
		logger:   logger,
	}, nil
}

// ensureCollection creates a collection if it does not exist yet.
func (i *QdrantIndex) ensureCollection(ctx context.Context, name string) error {
	exists, err := i.client.CollectionExists(ctx, name)
	if err != nil {
		return i.wrap(err)
	}
	if exists {
		return nil
	}
	err = i.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(i.config.VectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	return i.wrap(err)
}

// NearestNeighbors returns up to k neighbors at the given offset.
func (i *QdrantIndex) NearestNeighbors(ctx context.Context, collection string, vector []float32, k, offset int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	var points []*qdrant.ScoredPoint
	err := i.retry(ctx, func() error {
		var qerr error
		points, qerr = i.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(k)),
			Offset:         qdrant.PtrOf(uint64(offset)),
		})
		return qerr
	})
	if err != nil {
		return nil, i.wrap(err)
	}

	neighbors := make([]Neighbor, 0, len(points))
	for _, p := range points {
		neighbors = append(neighbors, Neighbor{Ref: p.Id.GetUuid(), Score: float64(p.Score)})
	}
	return neighbors, nil
}

// NearestNeighborsText embeds the query text and searches with it.
func (i *QdrantIndex) NearestNeighborsText(ctx context.Context, collection, text string, k, offset int) ([]Neighbor, error) {
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
func (i *QdrantIndex) Insert(ctx context.Context, collection, ref string, vector []float32) error {
	if err := i.ensureCollection(ctx, collection); err != nil {
		return err
	}
	err := i.retry(ctx, func() error {
		_, uerr := i.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points: []*qdrant.PointStruct{{
				Id:      qdrant.NewIDUUID(ref),
				Vectors: qdrant.NewVectors(vector...),
			}},
		})
		return uerr
	})
	return i.wrap(err)
}

// Delete removes a vector, reporting whether it existed.
func (i *QdrantIndex) Delete(ctx context.Context, collection, ref string) (bool, error) {
	existed, err := i.Has(ctx, collection, ref)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}

	err = i.retry(ctx, func() error {
		_, derr := i.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Points{
					Points: &qdrant.PointsIdsList{
						Ids: []*qdrant.PointId{qdrant.NewIDUUID(ref)},
					},
				},
			},
		})
		return derr
	})
	if err != nil {
		return false, i.wrap(err)
	}
	return true, nil
}

// Has reports whether the ref resolves.
func (i *QdrantIndex) Has(ctx context.Context, collection, ref string) (bool, error) {
	exists, err := i.client.CollectionExists(ctx, collection)
	if err != nil {
		return false, i.wrap(err)
	}
	if !exists {
		return false, nil
	}

	var points []*qdrant.RetrievedPoint
	err = i.retry(ctx, func() error {
		var gerr error
		points, gerr = i.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: collection,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(ref)},
		})
		return gerr
	})
	if err != nil {
		return false, i.wrap(err)
	}
	return len(points) == 1, nil
}

// GetVector returns the stored vector for a ref.
func (i *QdrantIndex) GetVector(ctx context.Context, collection, ref string) ([]float32, error) {
	var points []*qdrant.RetrievedPoint
	err := i.retry(ctx, func() error {
		var gerr error
		points, gerr = i.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: collection,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(ref)},
			WithVectors:    qdrant.NewWithVectors(true),
		})
		return gerr
	})
	if err != nil {
		return nil, i.wrap(err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRefNotFound, ref)
	}
	return points[0].Vectors.GetVector().GetData(), nil
}

// ListRefs enumerates every ref in the collection via a single scroll
// sized from the point count.
func (i *QdrantIndex) ListRefs(ctx context.Context, collection string) ([]string, error) {
	exists, err := i.client.CollectionExists(ctx, collection)
	if err != nil {
		return nil, i.wrap(err)
	}
	if !exists {
		return nil, nil
	}

	count, err := i.client.Count(ctx, &qdrant.CountPoints{CollectionName: collection})
	if err != nil {
		return nil, i.wrap(err)
	}
	if count == 0 {
		return nil, nil
	}

	var points []*qdrant.RetrievedPoint
	err = i.retry(ctx, func() error {
		var serr error
		points, serr = i.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Limit:          qdrant.PtrOf(uint32(count)),
		})
		return serr
	})
	if err != nil {
		return nil, i.wrap(err)
	}

	refs := make([]string, len(points))
	for n, p := range points {
		refs[n] = p.Id.GetUuid()
	}
	return refs, nil
}

// Close closes the gRPC connection.
func (i *QdrantIndex) Close() error {
	return i.client.Close()
}

// retry retries an operation with exponential backoff on transient
// gRPC failures.
func (i *QdrantIndex) retry(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := time.Second

	for attempt := 0; attempt <= i.config.RetryAttempts; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 0 {
				i.logger.Info("qdrant operation recovered after retries",
					zap.Int("attempts", attempt))
			}
			return nil
		}
		lastErr = err

		if !isTransientError(err) {
			return err
		}
		if attempt == i.config.RetryAttempts {
			break
		}

		i.logger.Debug("retrying qdrant operation after transient error",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	return fmt.Errorf("operation failed after %d retries: %w", i.config.RetryAttempts, lastErr)
}

// isTransientError reports whether a gRPC error should be retried.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// wrap tags qdrant failures as ErrUnavailable so callers treat them as
// retryable. Context cancellation passes through untouched.
func (i *QdrantIndex) wrap(err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctxError(err); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func ctxError(err error) error {
	if st, ok := status.FromError(err); ok && st.Code() == codes.Canceled {
		return context.Canceled
	}
	return nil
}
