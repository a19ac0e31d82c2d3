// Package objectstore defines the capability-layered object storage
// abstraction that every block driver is built on top of.
package objectstore

import "errors"

// Sentinel errors returned by ObjectStorage implementations. Callers
// classify them with errors.Is; wrapping with fmt.Errorf("...: %w", ...)
// is expected at every layer.
var (
	// ErrNotFound indicates the named object does not exist in the backend.
	// Never retried by the cache's retry policy.
	ErrNotFound = errors.New("object not found")

	// ErrUnsupported indicates the backend does not implement the
	// requested capability (e.g. trim on a filesystem without hole-punch
	// support). Session engine maps this to NBD_REP_ERR_UNSUP.
	ErrUnsupported = errors.New("operation not supported by backend")

	// ErrInvalidConfig indicates a malformed connection string or backend
	// configuration. Fatal at driver construction time.
	ErrInvalidConfig = errors.New("invalid backend configuration")

	// ErrClosed indicates the backend has already been closed.
	ErrClosed = errors.New("object store closed")

	// ErrTransient indicates a retriable I/O failure (network hiccup,
	// filesystem contention). The cache and S3 backend retry these up to
	// three times at one second intervals.
	ErrTransient = errors.New("transient storage error")

	// ErrSizeMismatch indicates a distributed volume's per-node size
	// objects disagree, or an init collided with an existing volume of a
	// different size without --force.
	ErrSizeMismatch = errors.New("volume size mismatch across backends")

	// ErrAllocation indicates the cache could not make room for an
	// incoming entry because every cached entry is dirty or pinned.
	ErrAllocation = errors.New("cache full: no clean entry available to evict")
)
