// Package retention keeps the solution store bounded and consistent.
//
// A cycle runs four ordered passes: time-based expiration, value-based
// pruning, near-duplicate elimination, and orphan reconciliation. Each
// pass is independently idempotent; the orphan pass runs last so that
// transient orphans produced mid-cycle by the earlier passes are not
// misread as corruption.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/recalld/internal/solution"
	"github.com/fyrsmithlabs/recalld/internal/store"
	"github.com/fyrsmithlabs/recalld/internal/vectorindex"
)

// Defaults for retention thresholds.
const (
	DefaultMaxSolutions   = 100000
	DefaultMaxAge         = 30 * 24 * time.Hour
	DefaultMinValueScore  = 0.5
	DefaultDedupThreshold = 0.95
	DefaultDedupWindow    = 512
	DefaultMaxRetries     = 3
	DefaultRetryBackoff   = 30 * time.Second
	DefaultDeleteRate     = 200 // deletes per second
	DefaultDeleteBurst    = 50

	// retainFraction is the headroom policy: pruning stops at this share
	// of MaxSolutions so a burst of writes does not immediately retrigger
	// the pass.
	retainFraction = 0.8

	// orphanGrace shields freshly written records whose vector may still
	// be in flight from being treated as dangling.
	orphanGrace = 5 * time.Minute

	// dedupNeighborK bounds how many neighbors each dedup anchor pulls.
	dedupNeighborK = 8
)

// ErrCycleInProgress is returned when a cycle is triggered while one is
// already running.
var ErrCycleInProgress = errors.New("retention cycle already in progress")

// Pass names, also used as metric labels.
const (
	PassExpire = "expire"
	PassPrune  = "prune"
	PassDedup  = "dedup"
	PassOrphan = "orphan"
)

// Config holds the retention thresholds. Zero values fall back to the
// package defaults.
type Config struct {
	MaxSolutions   int64
	MaxAge         time.Duration
	MinValueScore  float64
	DedupThreshold float64

	// DedupWindow bounds the dedup pass to the N most recent solutions
	// per collection.
	DedupWindow int

	// Collections to sweep during vector-side orphan reconciliation.
	// Normally the gateway's collection whitelist.
	Collections []string

	MaxRetries   int
	RetryBackoff time.Duration

	// DeleteRate and DeleteBurst pace deletions so concurrent reads are
	// favored over retention-cycle latency.
	DeleteRate  float64
	DeleteBurst int
}

func (c Config) withDefaults() Config {
	if c.MaxSolutions <= 0 {
		c.MaxSolutions = DefaultMaxSolutions
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.MinValueScore <= 0 {
		c.MinValueScore = DefaultMinValueScore
	}
	if c.DedupThreshold <= 0 {
		c.DedupThreshold = DefaultDedupThreshold
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.DeleteRate <= 0 {
		c.DeleteRate = DefaultDeleteRate
	}
	if c.DeleteBurst <= 0 {
		c.DeleteBurst = DefaultDeleteBurst
	}
	return c
}

// PassResult reports one pass of a cycle.
type PassResult struct {
	Name     string
	Removed  int
	Duration time.Duration
	Err      error
}

// CycleResult reports one full retention cycle.
type CycleResult struct {
	Passes   []PassResult
	Removed  int
	Duration time.Duration
}

// Failed reports whether any pass in the cycle errored.
func (r *CycleResult) Failed() bool {
	for _, p := range r.Passes {
		if p.Err != nil {
			return true
		}
	}
	return false
}

// Engine executes retention cycles over a store and a vector index.
type Engine struct {
	store  store.Store
	index  vectorindex.Index
	cfg    Config
	pacer  *rate.Limiter
	logger *zap.Logger

	now func() time.Time

	// sleep is swappable so retry backoff is testable.
	sleep func(context.Context, time.Duration) error
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger. Defaults to a nop logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates a retention engine.
func NewEngine(st store.Store, idx vectorindex.Index, cfg Config, opts ...EngineOption) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if idx == nil {
		return nil, fmt.Errorf("index cannot be nil")
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		store:  st,
		index:  idx,
		cfg:    cfg,
		pacer:  rate.NewLimiter(rate.Limit(cfg.DeleteRate), cfg.DeleteBurst),
		logger: zap.NewNop(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes one retention cycle, retrying a failed cycle a bounded
// number of times with backoff. Cancellation is honored at pass and
// retry boundaries.
func (e *Engine) Run(ctx context.Context) (*CycleResult, error) {
	var result *CycleResult
	backoff := e.cfg.RetryBackoff
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		var err error
		result, err = e.cycle(ctx)
		if err != nil {
			// Cancellation, not a pass failure.
			cyclesTotal.WithLabelValues(resultSkipped).Inc()
			return result, err
		}
		if !result.Failed() {
			cyclesTotal.WithLabelValues(resultOK).Inc()
			e.updateGauge(ctx)
			return result, nil
		}
		e.logger.Warn("retention cycle had pass failures",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", e.cfg.MaxRetries))
		if attempt < e.cfg.MaxRetries {
			if err := e.sleep(ctx, backoff); err != nil {
				cyclesTotal.WithLabelValues(resultSkipped).Inc()
				return result, err
			}
			backoff *= 2
		}
	}
	cyclesTotal.WithLabelValues(resultFailed).Inc()
	e.updateGauge(ctx)
	return result, fmt.Errorf("retention cycle failed after %d attempts", e.cfg.MaxRetries)
}

// cycle runs the four passes in order. A pass failure aborts only that
// pass; later passes still run. The returned error is non-nil only for
// cancellation.
func (e *Engine) cycle(ctx context.Context) (*CycleResult, error) {
	start := e.now()
	result := &CycleResult{}

	passes := []struct {
		name string
		run  func(context.Context) (int, error)
	}{
		{PassExpire, e.expire},
		{PassPrune, e.prune},
		{PassDedup, e.dedup},
		{PassOrphan, e.orphans},
	}

	for _, p := range passes {
		if err := ctx.Err(); err != nil {
			result.Duration = e.now().Sub(start)
			return result, err
		}

		passStart := e.now()
		removed, err := p.run(ctx)
		elapsed := e.now().Sub(passStart)

		pr := PassResult{Name: p.name, Removed: removed, Duration: elapsed, Err: err}
		result.Passes = append(result.Passes, pr)
		result.Removed += removed

		passRemoved.WithLabelValues(p.name).Add(float64(removed))
		passDuration.WithLabelValues(p.name).Observe(elapsed.Seconds())

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				result.Duration = e.now().Sub(start)
				return result, err
			}
			passFailures.WithLabelValues(p.name).Inc()
			e.logger.Error("retention pass failed",
				zap.String("pass", p.name),
				zap.Int("removed_before_failure", removed),
				zap.Error(err))
			continue
		}

		e.logger.Info("retention pass complete",
			zap.String("pass", p.name),
			zap.Int("removed", removed),
			zap.Duration("duration", elapsed))
	}

	result.Duration = e.now().Sub(start)
	return result, nil
}

// victim is the minimal state needed to delete a solution from both
// stores after cursor iteration has finished.
type victim struct {
	id         string
	collection string
	ref        string
}

func asVictim(s *solution.Solution) victim {
	return victim{id: s.ID, collection: s.Collection, ref: s.EmbeddingRef}
}

// remove deletes one solution: vector entry first, then the record. If
// the vector delete fails the record is left in place, so a record
// never outlives its vector by this path. Crashes between the two
// deletes leave an unreferenced vector for the orphan pass.
func (e *Engine) remove(ctx context.Context, v victim) error {
	if err := e.pacer.Wait(ctx); err != nil {
		return err
	}
	if v.ref != "" {
		if _, err := e.index.Delete(ctx, v.collection, v.ref); err != nil {
			return fmt.Errorf("delete vector %s: %w", v.ref, err)
		}
	}
	if err := e.store.Delete(ctx, v.id); err != nil {
		return fmt.Errorf("delete record %s: %w", v.id, err)
	}
	return nil
}

// removeAll deletes victims one by one, stopping at the first failure.
// It returns how many were fully removed.
func (e *Engine) removeAll(ctx context.Context, victims []victim) (int, error) {
	for i, v := range victims {
		if err := e.remove(ctx, v); err != nil {
			return i, err
		}
	}
	return len(victims), nil
}

// expire removes solutions older than MaxAge whose value_score is below
// MinValueScore. Age alone never removes a solution.
func (e *Engine) expire(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.cfg.MaxAge)

	// Collect first, delete after: deleting while the read cursor is
	// open would contend with it.
	var victims []victim
	err := e.store.OlderThan(ctx, cutoff, func(s *solution.Solution) error {
		if s.ValueScore < e.cfg.MinValueScore {
			victims = append(victims, asVictim(s))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan expired: %w", err)
	}
	return e.removeAll(ctx, victims)
}

// prune enforces the capacity bound. It runs only when the store is
// above MaxSolutions and then removes everything ranked below the top
// 80% of capacity by value_score (ties: more recently used wins).
func (e *Engine) prune(ctx context.Context) (int, error) {
	count, err := e.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	if count <= e.cfg.MaxSolutions {
		return 0, nil
	}

	keep := int64(float64(e.cfg.MaxSolutions) * retainFraction)
	var victims []victim
	err = e.store.RankedTail(ctx, keep, func(s *solution.Solution) error {
		victims = append(victims, asVictim(s))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan ranked tail: %w", err)
	}
	return e.removeAll(ctx, victims)
}

// dedup removes near-duplicates within each collection, bounded to the
// DedupWindow most recent solutions per collection. The vector index's
// own neighbor search serves as the near-duplicate index, so cost is
// window-linear rather than pairwise.
func (e *Engine) dedup(ctx context.Context) (int, error) {
	collections, err := e.store.Collections(ctx)
	if err != nil {
		return 0, fmt.Errorf("list collections: %w", err)
	}

	removed := 0
	for _, coll := range collections {
		n, err := e.dedupCollection(ctx, coll)
		removed += n
		if err != nil {
			return removed, fmt.Errorf("dedup %s: %w", coll, err)
		}
	}
	return removed, nil
}

func (e *Engine) dedupCollection(ctx context.Context, coll string) (int, error) {
	recent, err := e.store.RecentByCollection(ctx, coll, e.cfg.DedupWindow)
	if err != nil {
		return 0, fmt.Errorf("recent window: %w", err)
	}

	gone := make(map[string]bool)
	removed := 0

	for _, anchor := range recent {
		if gone[anchor.ID] || anchor.EmbeddingRef == "" {
			continue
		}

		vec, err := e.index.GetVector(ctx, coll, anchor.EmbeddingRef)
		if err != nil {
			if errors.Is(err, vectorindex.ErrRefNotFound) || errors.Is(err, vectorindex.ErrCollectionNotFound) {
				continue // dangling ref, the orphan pass owns it
			}
			return removed, fmt.Errorf("get vector %s: %w", anchor.EmbeddingRef, err)
		}

		neighbors, err := e.index.NearestNeighbors(ctx, coll, vec, dedupNeighborK, 0)
		if err != nil {
			return removed, fmt.Errorf("neighbor search: %w", err)
		}

		for _, nb := range neighbors {
			if nb.Ref == anchor.EmbeddingRef || gone[nb.Ref] || nb.Score < e.cfg.DedupThreshold {
				continue
			}

			other, err := e.store.Get(ctx, nb.Ref)
			if err != nil {
				if errors.Is(err, solution.ErrNotFound) {
					continue
				}
				return removed, fmt.Errorf("load duplicate %s: %w", nb.Ref, err)
			}

			loser := pickLoser(anchor, other)
			if err := e.remove(ctx, asVictim(loser)); err != nil {
				return removed, err
			}
			gone[loser.ID] = true
			removed++

			e.logger.Debug("removed near-duplicate",
				zap.String("collection", coll),
				zap.String("kept", keptOf(anchor, other, loser).ID),
				zap.String("removed", loser.ID),
				zap.Float64("similarity", nb.Score))

			if loser.ID == anchor.ID {
				break
			}
		}
	}
	return removed, nil
}

// pickLoser decides which of two near-duplicates to remove: the lower
// value_score loses, ties go against the older created_at.
func pickLoser(a, b *solution.Solution) *solution.Solution {
	if a.ValueScore != b.ValueScore {
		if a.ValueScore < b.ValueScore {
			return a
		}
		return b
	}
	if a.CreatedAt.Before(b.CreatedAt) {
		return a
	}
	return b
}

func keptOf(a, b, loser *solution.Solution) *solution.Solution {
	if loser.ID == a.ID {
		return b
	}
	return a
}

// orphans reconciles the two stores in both directions: records whose
// ref does not resolve are removed, then vector entries with no owning
// record are removed. Records younger than a short grace period are
// skipped so an in-flight write is not misread as dangling.
func (e *Engine) orphans(ctx context.Context) (int, error) {
	removed, err := e.orphanRecords(ctx)
	if err != nil {
		return removed, err
	}
	n, err := e.orphanVectors(ctx)
	return removed + n, err
}

func (e *Engine) orphanRecords(ctx context.Context) (int, error) {
	graceCutoff := e.now().Add(-orphanGrace)

	var candidates []victim
	err := e.store.ForEach(ctx, func(s *solution.Solution) error {
		if s.CreatedAt.After(graceCutoff) {
			return nil
		}
		candidates = append(candidates, asVictim(s))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan records: %w", err)
	}

	removed := 0
	for _, v := range candidates {
		if v.ref != "" {
			ok, err := e.index.Has(ctx, v.collection, v.ref)
			if err != nil && !errors.Is(err, vectorindex.ErrCollectionNotFound) {
				return removed, fmt.Errorf("check ref %s: %w", v.ref, err)
			}
			if ok {
				continue
			}
		}

		orphansDetected.WithLabelValues(orphanKindRecord).Inc()
		if err := e.pacer.Wait(ctx); err != nil {
			return removed, err
		}
		if err := e.store.Delete(ctx, v.id); err != nil {
			return removed, fmt.Errorf("delete dangling record %s: %w", v.id, err)
		}
		removed++
	}
	return removed, nil
}

func (e *Engine) orphanVectors(ctx context.Context) (int, error) {
	removed := 0
	for _, coll := range e.cfg.Collections {
		refs, err := e.index.ListRefs(ctx, coll)
		if err != nil {
			if errors.Is(err, vectorindex.ErrCollectionNotFound) {
				continue
			}
			return removed, fmt.Errorf("list refs %s: %w", coll, err)
		}

		for _, ref := range refs {
			exists, err := e.store.Exists(ctx, ref)
			if err != nil {
				return removed, fmt.Errorf("check record %s: %w", ref, err)
			}
			if exists {
				continue
			}

			orphansDetected.WithLabelValues(orphanKindVector).Inc()
			if err := e.pacer.Wait(ctx); err != nil {
				return removed, err
			}
			if _, err := e.index.Delete(ctx, coll, ref); err != nil {
				return removed, fmt.Errorf("delete unreferenced vector %s: %w", ref, err)
			}
			removed++
		}
	}
	return removed, nil
}

func (e *Engine) updateGauge(ctx context.Context) {
	if count, err := e.store.Count(ctx); err == nil {
		storeSolutions.Set(float64(count))
	}
}
