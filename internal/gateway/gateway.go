package gateway

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/policy"
	"github.com/fyrsmithlabs/recalld/internal/ratelimit"
	"github.com/fyrsmithlabs/recalld/internal/solution"
	"github.com/fyrsmithlabs/recalld/internal/store"
	"github.com/fyrsmithlabs/recalld/internal/vectorindex"
)

const (
	// MaxLimit is the page-size ceiling. Out-of-range limits are clamped,
	// not rejected.
	MaxLimit = 100

	// DefaultDispatchTimeout bounds the index query plus record hydration.
	DefaultDispatchTimeout = 5 * time.Second

	touchTimeout = 3 * time.Second
)

// Gateway admits, shapes, and dispatches similarity-search requests.
// Every check runs before any collaborator is touched: a rejected
// request causes no index query, no store read, and no access-time
// update.
type Gateway struct {
	rules   *policy.Rules
	limiter *ratelimit.Limiter
	index   vectorindex.Index
	store   store.Store
	logger  *zap.Logger

	maxLimit        int
	dispatchTimeout time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the audit logger. Defaults to a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

// WithDispatchTimeout overrides the per-request dispatch deadline.
func WithDispatchTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.dispatchTimeout = d
		}
	}
}

// WithMaxLimit overrides the page-size ceiling.
func WithMaxLimit(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxLimit = n
		}
	}
}

// New creates a Gateway over the given policy rules, rate limiter, and
// collaborators.
func New(rules *policy.Rules, limiter *ratelimit.Limiter, idx vectorindex.Index, st store.Store, opts ...Option) *Gateway {
	g := &Gateway{
		rules:           rules,
		limiter:         limiter,
		index:           idx,
		store:           st,
		logger:          zap.NewNop(),
		maxLimit:        MaxLimit,
		dispatchTimeout: DefaultDispatchTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle runs the admission pipeline and, on success, dispatches the
// request and returns one page of results.
//
// Check order is fixed: identity, collection whitelist, payload size,
// sanitization, rate limit. The first failing check wins and the
// request consumes no quota unless it reaches the rate limiter.
func (g *Gateway) Handle(ctx context.Context, req Request) (*Response, error) {
	tracer := otel.Tracer("recalld.gateway")
	ctx, span := tracer.Start(ctx, "gateway.handle")
	defer span.End()
	span.SetAttributes(attribute.String("collection", req.Collection))

	if err := g.admit(req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	limit, offset := clampBounds(req.Limit, req.Offset, g.maxLimit)

	requestsAccepted.Inc()
	start := time.Now()
	resp, err := g.dispatch(ctx, req, limit, offset)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	dispatchDuration.Observe(time.Since(start).Seconds())

	span.SetAttributes(
		attribute.Int("results", len(resp.Results)),
		attribute.Bool("has_more", resp.HasMore),
	)
	return resp, nil
}

// admit runs the pre-dispatch checks in order. No collaborator is
// touched here.
func (g *Gateway) admit(req Request) error {
	if req.ClientID == "" {
		requestsRejected.WithLabelValues(reasonMissingIdentity).Inc()
		g.logger.Warn("request rejected", zap.String("reason", reasonMissingIdentity))
		return ErrMissingIdentity
	}

	if err := g.rules.CheckCollection(req.Collection); err != nil {
		requestsRejected.WithLabelValues(reasonInvalidCollection).Inc()
		g.logger.Warn("request rejected",
			zap.String("reason", reasonInvalidCollection),
			zap.String("client_id", req.ClientID),
			zap.String("collection", req.Collection))
		return ErrInvalidCollection
	}

	if err := g.rules.CheckSize(requestSize(req)); err != nil {
		requestsRejected.WithLabelValues(reasonPayloadTooLarge).Inc()
		g.logger.Warn("request rejected",
			zap.String("reason", reasonPayloadTooLarge),
			zap.String("client_id", req.ClientID),
			zap.Int("size_bytes", requestSize(req)))
		return ErrPayloadTooLarge
	}

	if family, err := g.rules.Scan(req.QueryText, req.Collection); err != nil {
		requestsRejected.WithLabelValues(reasonMaliciousInput).Inc()
		// Audit log names the detector family but never echoes the payload.
		g.logger.Warn("request rejected",
			zap.String("reason", reasonMaliciousInput),
			zap.String("client_id", req.ClientID),
			zap.String("detector", family))
		return ErrMaliciousInput
	}

	if len(req.QueryVector) == 0 && req.QueryText == "" {
		requestsRejected.WithLabelValues(reasonInvalidQuery).Inc()
		return ErrInvalidQuery
	}

	if d := g.limiter.Check(req.ClientID); !d.Allowed {
		requestsRejected.WithLabelValues(reasonRateLimited).Inc()
		rateLimitDenials.WithLabelValues(string(d.Window)).Inc()
		g.logger.Warn("request rejected",
			zap.String("reason", reasonRateLimited),
			zap.String("client_id", req.ClientID),
			zap.String("window", string(d.Window)),
			zap.Duration("retry_after", d.RetryAfter))
		return &RateLimitError{Window: d.Window, RetryAfter: d.RetryAfter}
	}

	return nil
}

// dispatch queries the index for limit+1 neighbors, hydrates records
// from the store, and assembles the page. Index failure is never
// reported as an empty result.
func (g *Gateway) dispatch(ctx context.Context, req Request, limit, offset int) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, g.dispatchTimeout)
	defer cancel()

	neighbors, err := g.query(ctx, req, limit+1, offset)
	if err != nil {
		if errors.Is(err, vectorindex.ErrCollectionNotFound) {
			// Whitelisted collection with no vectors yet: a legitimate
			// empty result, not an index failure.
			return &Response{Results: []solution.Projection{}, Offset: offset, Limit: limit}, nil
		}
		g.logger.Error("index query failed", zap.String("collection", req.Collection), zap.Error(err))
		return nil, ErrIndexUnavailable
	}

	hasMore := len(neighbors) > limit
	if hasMore {
		neighbors = neighbors[:limit]
	}

	results, served, err := g.hydrate(ctx, neighbors)
	if err != nil {
		g.logger.Error("record hydration failed", zap.Error(err))
		return nil, ErrStoreUnavailable
	}

	g.touchAsync(served)

	return &Response{
		Results: results,
		HasMore: hasMore,
		Offset:  offset,
		Limit:   limit,
	}, nil
}

func (g *Gateway) query(ctx context.Context, req Request, k, offset int) ([]vectorindex.Neighbor, error) {
	if len(req.QueryVector) > 0 {
		return g.index.NearestNeighbors(ctx, req.Collection, req.QueryVector, k, offset)
	}
	return g.index.NearestNeighborsText(ctx, req.Collection, req.QueryText, k, offset)
}

// hydrate resolves neighbor refs to solution records, preserving index
// order. Hits whose record is gone are skipped: orphaned embeddings are
// never served, and the retention engine reconciles them later.
func (g *Gateway) hydrate(ctx context.Context, neighbors []vectorindex.Neighbor) ([]solution.Projection, []string, error) {
	if len(neighbors) == 0 {
		return []solution.Projection{}, nil, nil
	}

	ids := make([]string, len(neighbors))
	for i, n := range neighbors {
		ids[i] = n.Ref
	}

	records, err := g.store.GetBatch(ctx, ids)
	if err != nil {
		return nil, nil, err
	}

	results := make([]solution.Projection, 0, len(neighbors))
	served := make([]string, 0, len(neighbors))
	for _, n := range neighbors {
		rec, ok := records[n.Ref]
		if !ok {
			orphanHitsSkipped.Inc()
			g.logger.Debug("skipping orphaned index hit", zap.String("ref", n.Ref))
			continue
		}
		results = append(results, rec.Project(n.Score))
		served = append(served, rec.ID)
	}
	return results, served, nil
}

// touchAsync records access on served solutions without blocking the
// response. Failures are logged and dropped; access stats are advisory.
func (g *Gateway) touchAsync(ids []string) {
	if len(ids) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := g.store.TouchBatch(ctx, ids, time.Now().UTC()); err != nil {
			g.logger.Warn("access-time update failed", zap.Int("count", len(ids)), zap.Error(err))
		}
	}()
}

// clampBounds coerces pagination inputs into range instead of erroring.
func clampBounds(limit, offset, maxLimit int) (int, int) {
	if limit < 1 {
		limit = 1
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// requestSize approximates the serialized request size: text fields as
// bytes, vector elements at four bytes each.
func requestSize(req Request) int {
	return len(req.QueryText) + len(req.Collection) + 4*len(req.QueryVector)
}
