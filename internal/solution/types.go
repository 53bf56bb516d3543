// Package solution defines the Solution model shared by the admission
// gateway and the retention engine.
package solution

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for solution text.
const (
	// MaxQueryLen is the maximum length of a query text in bytes.
	MaxQueryLen = 8 * 1024

	// MaxResponseLen is the maximum length of a response text in bytes.
	MaxResponseLen = 64 * 1024
)

// Common errors for solution validation.
var (
	ErrEmptyQuery      = errors.New("query text cannot be empty")
	ErrQueryTooLong    = errors.New("query text exceeds maximum length")
	ErrResponseTooLong = errors.New("response text exceeds maximum length")
	ErrEmptyCollection = errors.New("collection cannot be empty")
	ErrInvalidScore    = errors.New("value score must be between 0.0 and 1.0")
	ErrNotFound        = errors.New("solution not found")
)

// Solution is a stored query/response pair learned by the automation loop.
//
// The write path creates solutions, the admission gateway reads them (and
// bumps access tracking), the external scorer adjusts ValueScore, and the
// retention engine is the only component that deletes them.
type Solution struct {
	// ID is the unique solution identifier (UUID). Immutable, never reused.
	ID string `json:"id"`

	// QueryText is the query this solution answers.
	QueryText string `json:"query_text"`

	// ResponseText is the learned response.
	ResponseText string `json:"response_text"`

	// EmbeddingRef identifies the corresponding vector index entry.
	// Empty only during the narrow creation window; otherwise a missing
	// or dangling ref marks the solution as an orphan.
	EmbeddingRef string `json:"embedding_ref,omitempty"`

	// Collection is the tag this solution is filed under. Must be a
	// member of the configured whitelist at write time.
	Collection string `json:"collection"`

	// ValueScore reflects observed usefulness, 0.0 to 1.0.
	// Written by the external scoring process, read by retention.
	ValueScore float64 `json:"value_score"`

	// AccessCount tracks how many times this solution has been served.
	AccessCount int64 `json:"access_count"`

	// CreatedAt is when the solution was created.
	CreatedAt time.Time `json:"created_at"`

	// LastAccessedAt is updated on each successful retrieval.
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// New creates a solution with a generated UUID and default access tracking.
// The embedding ref is set by the write path once the vector is inserted;
// by convention it equals the solution ID.
func New(collection, queryText, responseText string, valueScore float64) (*Solution, error) {
	s := &Solution{
		ID:           uuid.New().String(),
		QueryText:    queryText,
		ResponseText: responseText,
		Collection:   collection,
		ValueScore:   valueScore,
	}
	now := time.Now()
	s.CreatedAt = now
	s.LastAccessedAt = now
	s.EmbeddingRef = s.ID

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks that the solution has valid fields.
func (s *Solution) Validate() error {
	if s.ID == "" {
		return errors.New("solution ID cannot be empty")
	}
	if _, err := uuid.Parse(s.ID); err != nil {
		return fmt.Errorf("invalid solution ID format: %w", err)
	}
	if s.Collection == "" {
		return ErrEmptyCollection
	}
	if s.QueryText == "" {
		return ErrEmptyQuery
	}
	if len(s.QueryText) > MaxQueryLen {
		return ErrQueryTooLong
	}
	if len(s.ResponseText) > MaxResponseLen {
		return ErrResponseTooLong
	}
	if s.ValueScore < 0.0 || s.ValueScore > 1.0 {
		return ErrInvalidScore
	}
	if s.AccessCount < 0 {
		return errors.New("access count cannot be negative")
	}
	return nil
}

// Touch records a successful retrieval.
func (s *Solution) Touch() {
	s.AccessCount++
	s.LastAccessedAt = time.Now()
}

// Orphaned reports whether the solution lacks an embedding ref entirely.
// A non-empty ref that does not resolve in the vector index is also an
// orphan, but only the retention engine can determine that.
func (s *Solution) Orphaned() bool {
	return s.EmbeddingRef == ""
}

// Projection is the caller-facing view of a solution returned by the
// admission gateway. It carries the similarity score from the vector
// index alongside the record fields.
type Projection struct {
	ID           string  `json:"id"`
	QueryText    string  `json:"query_text"`
	ResponseText string  `json:"response_text"`
	Collection   string  `json:"collection"`
	ValueScore   float64 `json:"value_score"`
	Score        float64 `json:"score"`
}

// Project builds the caller-facing view with the given similarity score.
func (s *Solution) Project(score float64) Projection {
	return Projection{
		ID:           s.ID,
		QueryText:    s.QueryText,
		ResponseText: s.ResponseText,
		Collection:   s.Collection,
		ValueScore:   s.ValueScore,
		Score:        score,
	}
}
