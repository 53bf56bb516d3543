// Package policy holds the stateless admission rules: the collection
// whitelist, the request size ceiling, and the malicious-input detectors.
package policy

import (
	"errors"
	"fmt"
)

// Validation errors for admission checks.
var (
	// ErrCollectionNotAllowed indicates the collection is not whitelisted.
	ErrCollectionNotAllowed = errors.New("collection not in whitelist")

	// ErrPayloadTooLarge indicates the serialized request exceeds the ceiling.
	ErrPayloadTooLarge = errors.New("request payload too large")

	// ErrMaliciousInput indicates a detector matched a free-text field.
	// The matched family is recorded for audit, never echoed to callers.
	ErrMaliciousInput = errors.New("malicious input detected")
)

// DefaultMaxPayloadBytes is the default serialized request ceiling (10 KiB).
const DefaultMaxPayloadBytes = 10 * 1024

// Rules is an immutable set of admission rules. Construct once at startup
// and inject; reconfiguration means constructing a new instance.
type Rules struct {
	allowed         map[string]struct{}
	maxPayloadBytes int
	detectors       []Detector
}

// NewRules builds an admission rule set from the collection whitelist and
// the payload ceiling. A zero or negative ceiling falls back to the default.
func NewRules(collections []string, maxPayloadBytes int) (*Rules, error) {
	if len(collections) == 0 {
		return nil, errors.New("collection whitelist cannot be empty")
	}
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}

	allowed := make(map[string]struct{}, len(collections))
	for _, c := range collections {
		if c == "" {
			return nil, errors.New("whitelist entries cannot be empty")
		}
		allowed[c] = struct{}{}
	}

	return &Rules{
		allowed:         allowed,
		maxPayloadBytes: maxPayloadBytes,
		detectors:       DefaultDetectors(),
	}, nil
}

// CheckCollection verifies that the collection is whitelisted.
func (r *Rules) CheckCollection(collection string) error {
	if _, ok := r.allowed[collection]; !ok {
		return fmt.Errorf("%w: %q", ErrCollectionNotAllowed, collection)
	}
	return nil
}

// Collections returns the whitelisted collection names.
func (r *Rules) Collections() []string {
	names := make([]string, 0, len(r.allowed))
	for c := range r.allowed {
		names = append(names, c)
	}
	return names
}

// CheckSize verifies that the serialized request fits under the ceiling.
func (r *Rules) CheckSize(serializedBytes int) error {
	if serializedBytes > r.maxPayloadBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, serializedBytes, r.maxPayloadBytes)
	}
	return nil
}

// Scan runs every detector over the given free-text fields. On a match it
// returns the name of the detector family that fired and ErrMaliciousInput.
// The triggering substring is deliberately not part of the error.
func (r *Rules) Scan(fields ...string) (string, error) {
	for _, field := range fields {
		if field == "" {
			continue
		}
		for _, d := range r.detectors {
			if d.Match(field) {
				return d.Name, fmt.Errorf("%w: %s", ErrMaliciousInput, d.Name)
			}
		}
	}
	return "", nil
}
