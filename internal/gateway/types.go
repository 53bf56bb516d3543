// Package gateway implements the admission-control gateway: the single
// choke point between external callers and the similarity-search path.
package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/ratelimit"
	"github.com/fyrsmithlabs/recalld/internal/solution"
)

// Caller-facing error taxonomy. These are request-scoped and terminal
// for the single request; the gateway never retries on the caller's
// behalf. Rejections carry no detail about which sanitization rule
// fired (the audit log gets that).
var (
	// ErrMissingIdentity indicates no client identity was provided.
	// Rejected before policy rules run.
	ErrMissingIdentity = errors.New("missing client identity")

	// ErrInvalidCollection indicates the collection is not whitelisted.
	ErrInvalidCollection = errors.New("invalid collection")

	// ErrPayloadTooLarge indicates the request exceeds the size ceiling.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrMaliciousInput indicates a sanitization detector fired.
	ErrMaliciousInput = errors.New("malicious input rejected")

	// ErrRateLimited indicates a quota window is exhausted. The full
	// error is a *RateLimitError carrying the window and retry hint.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidQuery indicates the request has neither a query vector
	// nor query text.
	ErrInvalidQuery = errors.New("request needs a query vector or query text")

	// ErrIndexUnavailable indicates the vector index could not answer in
	// time. Retryable; never converted to an empty-result success.
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrStoreUnavailable indicates the solution store failed. Retryable.
	ErrStoreUnavailable = errors.New("solution store unavailable")
)

// RateLimitError reports which window tripped and when it resets.
type RateLimitError struct {
	Window     ratelimit.Window
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s window exhausted, retry after %s", e.Window, e.RetryAfter)
}

// Unwrap lets errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// Request is a similarity-search request after upstream authentication.
// ClientID is extracted from the caller's identity token by the
// transport layer; the gateway trusts it and uses it only for rate
// limiting and audit.
type Request struct {
	ClientID   string `json:"-"`
	Collection string `json:"collection"`

	// QueryText and QueryVector are alternatives; the vector wins when
	// both are present. Text queries need an embedder on the index.
	QueryText   string    `json:"query_text,omitempty"`
	QueryVector []float32 `json:"query_vector,omitempty"`

	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Response is a page of solution projections.
type Response struct {
	Results []solution.Projection `json:"results"`
	HasMore bool                  `json:"has_more"`
	Offset  int                   `json:"offset"`
	Limit   int                   `json:"limit"`
}
