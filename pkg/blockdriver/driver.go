// Package blockdriver turns an objectstore.ObjectStorage (or a set of
// them) into a flat, byte-addressable volume: the abstraction the NBD
// session engine reads and writes against. Three strategies are
// provided: raw (one object holds the whole volume), sharded (the
// volume is split into fixed-size shard objects against one backend),
// and distributed (shards are additionally replicated across several
// backends).
package blockdriver

import (
	"context"
	"fmt"

	"github.com/marmos91/nbdserver/pkg/objectstore"
)

// DefaultShardSize is the shard granularity used by the sharded and
// distributed drivers when none is configured: 4 MiB, matching the
// object size a single NBD structured-reply chunk comfortably covers.
const DefaultShardSize = 4 * 1024 * 1024

// Driver is the byte-addressable volume interface every block driver
// implements. Offsets and lengths are always in bytes; callers
// (the session engine) are responsible for rejecting requests that
// fall outside [0, VolumeSize()) before calling in.
type Driver interface {
	// Kind identifies the driver strategy: "raw", "sharded" or
	// "distributed".
	Kind() string

	// VolumeSize returns the volume's fixed size in bytes.
	VolumeSize() uint64

	// SupportsTrim reports whether Trim is more than a zero-fill.
	SupportsTrim() bool

	// ReadAt returns length bytes starting at offset. Never-written
	// regions read back as zero.
	ReadAt(ctx context.Context, offset uint64, length uint64) ([]byte, error)

	// WriteAt stores data at offset.
	WriteAt(ctx context.Context, offset uint64, data []byte) (objectstore.Propagation, error)

	// Flush makes writes in [offset, offset+length) durable.
	Flush(ctx context.Context, offset uint64, length uint64) (objectstore.Propagation, error)

	// Trim discards the byte range [offset, offset+length), allowing
	// the driver to reclaim backing storage. Reads from a trimmed
	// range return zero.
	Trim(ctx context.Context, offset uint64, length uint64) (objectstore.Propagation, error)

	// Close releases backend resources held by the driver.
	Close() error
}

// Config configures volume initialization and validation shared by
// every driver kind.
type Config struct {
	// VolumeSize is the size in bytes the volume is initialized with.
	// Only consulted by Init.
	VolumeSize uint64

	// Force allows Init to overwrite an existing volume of a different
	// size instead of failing.
	Force bool

	// ShardSize overrides DefaultShardSize for sharded/distributed
	// drivers.
	ShardSize uint64
}

func (c Config) shardSize() uint64 {
	if c.ShardSize == 0 {
		return DefaultShardSize
	}
	return c.ShardSize
}

// shardSpan describes the portion of one shard object touched by a
// byte range.
type shardSpan struct {
	index       uint64
	shardOffset uint64
	length      uint64
}

// shardSpans splits [offset, offset+length) into per-shard sub-ranges.
func shardSpans(offset, length, shardSize uint64) []shardSpan {
	if length == 0 {
		return nil
	}

	var spans []shardSpan
	cur := offset
	remaining := length
	for remaining > 0 {
		idx := cur / shardSize
		shardOffset := cur % shardSize
		avail := shardSize - shardOffset
		n := avail
		if n > remaining {
			n = remaining
		}
		spans = append(spans, shardSpan{index: idx, shardOffset: shardOffset, length: n})
		cur += n
		remaining -= n
	}
	return spans
}

func shardName(index uint64) string {
	return fmt.Sprintf("block-%d", index)
}

func replicaShardName(index uint64, replica int) string {
	return fmt.Sprintf("block-%d-%d", index, replica)
}

func asPartialAccess(store objectstore.ObjectStorage) (objectstore.PartialAccessObjectStorage, error) {
	pa, ok := store.(objectstore.PartialAccessObjectStorage)
	if !ok {
		return nil, fmt.Errorf("%w: backend does not support partial access", objectstore.ErrUnsupported)
	}
	return pa, nil
}
