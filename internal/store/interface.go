// Package store defines the Solution Store interface and its SQLite
// implementation. The store is the record of truth for solutions; the
// vector index holds their embeddings.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/solution"
)

// Sentinel errors for store operations.
var (
	// ErrUnavailable indicates the underlying database cannot be reached.
	// Surfaced to callers as a retryable failure.
	ErrUnavailable = errors.New("solution store unavailable")

	// ErrDuplicateID indicates an insert with an already-used ID.
	// IDs are never reused, even after deletion.
	ErrDuplicateID = errors.New("solution ID already exists")
)

// Iterator receives one solution per row during cursor iteration.
// Returning an error stops the iteration and propagates the error.
type Iterator func(*solution.Solution) error

// Store is the Solution Store collaborator contract.
//
// Implementations must support cursor-safe iteration over 100k+ rows:
// the Iterator-based methods stream rows and never materialize the full
// result set in memory.
type Store interface {
	// Insert stores a new solution. Returns ErrDuplicateID if the ID was
	// ever used before.
	Insert(ctx context.Context, s *solution.Solution) error

	// Get returns a solution by ID, or solution.ErrNotFound.
	Get(ctx context.Context, id string) (*solution.Solution, error)

	// GetBatch returns the solutions for the given IDs, keyed by ID.
	// Missing IDs are simply absent from the result.
	GetBatch(ctx context.Context, ids []string) (map[string]*solution.Solution, error)

	// Delete removes a solution by ID. Deleting a missing ID is a no-op.
	Delete(ctx context.Context, id string) error

	// Exists reports whether a solution record exists.
	Exists(ctx context.Context, id string) (bool, error)

	// Count returns the total number of solutions.
	Count(ctx context.Context) (int64, error)

	// Touch updates last_accessed_at and increments access_count.
	Touch(ctx context.Context, id string, at time.Time) error

	// TouchBatch applies Touch to every given ID in one transaction.
	TouchBatch(ctx context.Context, ids []string, at time.Time) error

	// TopByValue returns the n highest-valued solutions in a collection,
	// ordered by value_score descending, ties by last_accessed_at
	// descending.
	TopByValue(ctx context.Context, collection string, n int) ([]*solution.Solution, error)

	// OlderThan streams solutions with created_at before the cutoff.
	OlderThan(ctx context.Context, cutoff time.Time, fn Iterator) error

	// RankedTail streams the solutions ranked below the first keep rows
	// by value_score descending (ties by last_accessed_at descending),
	// lowest-ranked last. These are the value-pruning victims.
	RankedTail(ctx context.Context, keep int64, fn Iterator) error

	// RecentByCollection returns up to n solutions of a collection,
	// newest created_at first. Bounds the deduplication window.
	RecentByCollection(ctx context.Context, collection string, n int) ([]*solution.Solution, error)

	// Collections lists the distinct collections currently stored.
	Collections(ctx context.Context) ([]string, error)

	// ForEach streams every solution.
	ForEach(ctx context.Context, fn Iterator) error

	// Close releases the underlying database handle.
	Close() error
}
