package objectstore

import "context"

// SimpleObjectStorage is the baseline capability every backend
// implements: whole-object CRUD plus lifecycle hints. Drivers that only
// ever need full-object semantics (the sharded driver's size object, for
// instance) depend on nothing more than this interface.
type SimpleObjectStorage interface {
	// Exists reports whether the named object is present.
	Exists(ctx context.Context, name string) (bool, error)

	// GetSize returns the current size of the named object.
	GetSize(ctx context.Context, name string) (uint64, error)

	// Read returns the full contents of the named object.
	Read(ctx context.Context, name string) ([]byte, error)

	// Write replaces the full contents of the named object, creating it
	// if it does not exist.
	Write(ctx context.Context, name string, data []byte) (Propagation, error)

	// Delete removes the named object. Deleting a missing object is not
	// an error.
	Delete(ctx context.Context, name string) (Propagation, error)

	// List returns every object name known to the backend.
	List(ctx context.Context) ([]string, error)

	// ListByPrefix returns every object name beginning with prefix.
	ListByPrefix(ctx context.Context, prefix string) ([]string, error)

	// Destroy removes every object the backend holds and releases any
	// backing resources (directory tree, bucket contents).
	Destroy(ctx context.Context) error

	// StartOperations is a hint that the caller is about to perform a
	// burst of operations against name; backends may use it to pin a
	// cache entry or open a long-lived handle.
	StartOperations(ctx context.Context, name string) error

	// EndOperations releases a hint acquired by StartOperations.
	EndOperations(ctx context.Context, name string) error

	// Persist is a hint that the named object's in-memory state (if any)
	// should be made durable. The file backend fsyncs the object's file;
	// the S3 backend treats this as a no-op returning Redundant.
	Persist(ctx context.Context, name string) (Propagation, error)

	// Trim is a hint that the byte range [offset, offset+length) within
	// the named object may be discarded. Backends that cannot honor this
	// return ErrUnsupported.
	Trim(ctx context.Context, name string, offset uint64, length uint64) (Propagation, error)

	// Close releases backend resources. Further calls return ErrClosed.
	Close() error

	// SupportsRandomWriteAccess reports whether the backend can accept
	// partial writes to arbitrary offsets without a read-modify-write
	// cycle performed by the caller. The raw driver requires this.
	SupportsRandomWriteAccess() bool

	// SupportsTrim reports whether Trim is meaningfully implemented
	// rather than always returning ErrUnsupported.
	SupportsTrim() bool
}

// PartialAccessObjectStorage is implemented by backends that can read or
// write a sub-range of an object without transferring the whole thing.
// A backend with no native partial support can still satisfy this
// interface by emulating it via full read-modify-write; see
// objectstore/cache for the canonical emulation.
type PartialAccessObjectStorage interface {
	SimpleObjectStorage

	// PartialRead returns length bytes starting at offset within the
	// named object.
	PartialRead(ctx context.Context, name string, offset uint64, length uint64) ([]byte, error)

	// PartialWrite stores data at offset within the named object,
	// extending it if necessary.
	PartialWrite(ctx context.Context, name string, offset uint64, data []byte) (Propagation, error)
}

// StreamingObjectStorage is implemented by backends that can expose an
// object as an io.Reader/io.Writer pair instead of buffering it whole.
// No backend in this server implements it; the interface exists so a
// future backend can opt in without changing driver call sites.
type StreamingObjectStorage interface {
	SimpleObjectStorage

	SupportsStreaming() bool
}

// ObjectStorage is the capability set every backend offers: exactly
// SimpleObjectStorage. Drivers type-assert it to the wider interface
// they actually need (PartialAccessObjectStorage in practice) rather
// than requiring every backend to implement streaming.
type ObjectStorage interface {
	SimpleObjectStorage
}
