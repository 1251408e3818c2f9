// Package memerr defines the error taxonomy shared by every memory-core
// subsystem: ingestion, resolution, extraction, and retrieval.
//
// Callers distinguish error classes with errors.Is against the sentinels
// below, or by asserting the Temporary interface for transient-I/O errors
// that a caller may choose to retry.
package memerr

import "errors"

// Sentinel errors for the classes that are not retry-shaped. TransientIO
// errors do not get a sentinel — they are identified structurally via
// Temporary, since the same underlying error (a timeout, a dropped
// connection) can originate from several packages.
var (
	// ErrNotFound means the referenced memory, entity, or relationship does
	// not exist for the caller's user scope. getMemory(unknown) and similar
	// read paths return (nil, ErrNotFound) rather than a zero value, so
	// callers can distinguish "not found" from "found but empty".
	ErrNotFound = errors.New("memerr: not found")

	// ErrConflict is surfaced only for caller-visible conflicts that a
	// concurrent MERGE did not resolve transparently. Ordinary resolver
	// convergence never returns this — the graph store picks a winner and
	// callers see that winner's id.
	ErrConflict = errors.New("memerr: conflict")

	// ErrInputInvalid means the caller violated a precondition the system
	// cannot work around: missing user scope, a non-string content item, an
	// out-of-range limit. Always caller-visible.
	ErrInputInvalid = errors.New("memerr: invalid input")

	// ErrDegraded marks a fail-open condition: an LLM or embedding call
	// could not complete, so the caller silently downgrades (empty
	// extraction, no semantic match) rather than failing the request.
	// Background callers log it; hot-path callers swallow it.
	ErrDegraded = errors.New("memerr: degraded (llm/embedding unavailable)")

	// ErrFatal means a subsystem cannot continue at all: graph driver auth
	// failure, schema initialisation failure. Surfaced to the caller and the
	// process should stop accepting new work on the affected path.
	ErrFatal = errors.New("memerr: fatal")
)

// Temporary is implemented by errors that represent a transient I/O failure
// (bolt/postgres timeout, dropped connection) and are safe to retry once.
// Graph queries do not auto-retry; LLM and embedding clients do.
type Temporary interface {
	error
	Temporary() bool
}

// transientIO wraps an underlying error and marks it retryable exactly once.
type transientIO struct {
	err error
}

// Transient wraps err as a Temporary error. Pass the underlying transport
// error so %w unwrapping still reaches it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientIO{err: err}
}

func (t *transientIO) Error() string   { return "memerr: transient I/O: " + t.err.Error() }
func (t *transientIO) Unwrap() error   { return t.err }
func (t *transientIO) Temporary() bool { return true }

// IsTemporary reports whether err (or anything it wraps) is a Temporary
// error with Temporary() == true.
func IsTemporary(err error) bool {
	var t Temporary
	return errors.As(err, &t) && t.Temporary()
}
