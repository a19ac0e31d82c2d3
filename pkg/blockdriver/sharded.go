package blockdriver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/marmos91/nbdserver/pkg/objectstore"
)

const sizeObjectName = "size"

// ShardedDriver splits the volume into fixed-size shard objects
// (block-0, block-1, ...) against a single backend. Shards are created
// lazily on first write; a read against a shard that was never written
// returns zeros, after only an existence check against the backend.
type ShardedDriver struct {
	store      objectstore.PartialAccessObjectStorage
	volumeSize uint64
	shardSize  uint64
}

// NewSharded opens a sharded volume backed by store, reading its size
// from the "size" metadata object.
func NewSharded(ctx context.Context, store objectstore.ObjectStorage, cfg Config) (*ShardedDriver, error) {
	pa, err := asPartialAccess(store)
	if err != nil {
		return nil, err
	}

	size, err := readSizeObject(ctx, pa)
	if err != nil {
		return nil, err
	}

	return &ShardedDriver{store: pa, volumeSize: size, shardSize: cfg.shardSize()}, nil
}

// InitSharded writes (or, with cfg.Force, overwrites) the "size"
// metadata object for a new sharded volume. Shard objects themselves
// are created lazily by subsequent writes.
func InitSharded(ctx context.Context, store objectstore.ObjectStorage, cfg Config) error {
	pa, err := asPartialAccess(store)
	if err != nil {
		return err
	}

	existing, err := readSizeObject(ctx, pa)
	if err == nil && existing != 0 && existing != cfg.VolumeSize && !cfg.Force {
		return fmt.Errorf("%w: volume already initialized with size %d, pass --force to override", objectstore.ErrSizeMismatch, existing)
	}

	_, err = pa.Write(ctx, sizeObjectName, []byte(strconv.FormatUint(cfg.VolumeSize, 10)))
	if err != nil {
		return err
	}
	_, err = pa.Persist(ctx, sizeObjectName)
	return err
}

func readSizeObject(ctx context.Context, store objectstore.SimpleObjectStorage) (uint64, error) {
	data, err := store.Read(ctx, sizeObjectName)
	if err != nil {
		return 0, fmt.Errorf("read volume size: %w", err)
	}
	size, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse volume size: %w", err)
	}
	return size, nil
}

// Kind implements Driver.
func (d *ShardedDriver) Kind() string { return "sharded" }

// VolumeSize implements Driver.
func (d *ShardedDriver) VolumeSize() uint64 { return d.volumeSize }

// SupportsTrim implements Driver.
func (d *ShardedDriver) SupportsTrim() bool { return true }

// ReadAt implements Driver.
func (d *ShardedDriver) ReadAt(ctx context.Context, offset uint64, length uint64) ([]byte, error) {
	buf := make([]byte, 0, length)
	for _, span := range shardSpans(offset, length, d.shardSize) {
		name := shardName(span.index)
		exists, err := d.store.Exists(ctx, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			buf = append(buf, make([]byte, span.length)...)
			continue
		}
		chunk, err := d.store.PartialRead(ctx, name, span.shardOffset, span.length)
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
	}
	return buf, nil
}

// WriteAt implements Driver.
func (d *ShardedDriver) WriteAt(ctx context.Context, offset uint64, data []byte) (objectstore.Propagation, error) {
	result := objectstore.Guaranteed
	written := uint64(0)
	for _, span := range shardSpans(offset, uint64(len(data)), d.shardSize) {
		name := shardName(span.index)
		slice := data[written : written+span.length]

		prop, err := d.store.PartialWrite(ctx, name, span.shardOffset, slice)
		if err != nil {
			return objectstore.Ignored, err
		}
		result = objectstore.Min(result, prop)
		written += span.length
	}
	return result, nil
}

// Flush implements Driver.
func (d *ShardedDriver) Flush(ctx context.Context, offset uint64, length uint64) (objectstore.Propagation, error) {
	result := objectstore.Guaranteed
	for _, span := range shardSpans(offset, length, d.shardSize) {
		prop, err := d.store.Persist(ctx, shardName(span.index))
		if err != nil {
			return objectstore.Ignored, err
		}
		result = objectstore.Min(result, prop)
	}
	return result, nil
}

// Trim implements Driver. A span covering a whole shard deletes the
// shard object outright; a partial span zero-fills (via the backend's
// native Trim when available, else a zero partial-write).
func (d *ShardedDriver) Trim(ctx context.Context, offset uint64, length uint64) (objectstore.Propagation, error) {
	result := objectstore.Guaranteed
	for _, span := range shardSpans(offset, length, d.shardSize) {
		name := shardName(span.index)

		if span.shardOffset == 0 && span.length == d.shardSize {
			prop, err := d.store.Delete(ctx, name)
			if err != nil {
				return objectstore.Ignored, err
			}
			result = objectstore.Min(result, prop)
			continue
		}

		exists, err := d.store.Exists(ctx, name)
		if err != nil {
			return objectstore.Ignored, err
		}
		if !exists {
			result = objectstore.Min(result, objectstore.Noop)
			continue
		}

		var prop objectstore.Propagation
		if d.store.SupportsTrim() {
			prop, err = d.store.Trim(ctx, name, span.shardOffset, span.length)
		} else {
			prop, err = d.store.PartialWrite(ctx, name, span.shardOffset, make([]byte, span.length))
		}
		if err != nil {
			return objectstore.Ignored, err
		}
		result = objectstore.Min(result, prop)
	}
	return result, nil
}

// Close implements Driver.
func (d *ShardedDriver) Close() error {
	return d.store.Close()
}

var _ Driver = (*ShardedDriver)(nil)
