package core

import (
	"errors"
	"fmt"
)

// Sentinel errors. Check with errors.Is.
var (
	// ErrRecencyUnavailable is fatal to the current call and always propagated.
	ErrRecencyUnavailable = errors.New("recency store unavailable")

	// ErrSemanticUnavailable degrades retrieval to an empty long-term bucket.
	ErrSemanticUnavailable = errors.New("semantic store unavailable")

	// ErrEmbeddingUnavailable degrades retrieval to an empty long-term bucket.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrValidation is returned before any store interaction.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned by point lookups.
	ErrNotFound = errors.New("not found")
)

// A record written to the semantic store that is not yet returned by a
// nearest-neighbour query is inside the consistency window. That is expected
// behaviour and has no error value: the engine never retries it, callers poll.

// ValidationError describes a rejected parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// UnavailableError wraps a backend failure with its taxonomy kind.
type UnavailableError struct {
	Kind error
	Op   string
	Err  error
}

// Unavailable builds an UnavailableError. kind must be one of the
// *Unavailable sentinels.
func Unavailable(kind error, op string, err error) error {
	return &UnavailableError{Kind: kind, Op: op, Err: err}
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *UnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsRetryable reports whether err is a transient backend failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRecencyUnavailable) ||
		errors.Is(err, ErrSemanticUnavailable) ||
		errors.Is(err, ErrEmbeddingUnavailable)
}
