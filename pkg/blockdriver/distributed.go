package blockdriver

import (
	"context"
	"fmt"
	"strconv"

	"github.com/marmos91/nbdserver/pkg/objectstore"
	"github.com/marmos91/nbdserver/pkg/shardplacement"
)

// DistributedDriver shards the volume like ShardedDriver but replicates
// each shard across several backends according to a shardplacement
// table, so that losing one backend loses at most one replica of any
// given shard.
type DistributedDriver struct {
	stores     []objectstore.PartialAccessObjectStorage
	placement  *shardplacement.Table
	replicas   int
	volumeSize uint64
	shardSize  uint64
}

// NewDistributed opens a distributed volume spread across stores, with
// each shard replicated `replicas` times per cfg/shardplacement rules.
func NewDistributed(ctx context.Context, stores []objectstore.ObjectStorage, replicas int, cfg Config) (*DistributedDriver, error) {
	pas := make([]objectstore.PartialAccessObjectStorage, len(stores))
	for i, s := range stores {
		pa, err := asPartialAccess(s)
		if err != nil {
			return nil, fmt.Errorf("backend %d: %w", i, err)
		}
		pas[i] = pa
	}

	table, err := shardplacement.New(len(pas), replicas)
	if err != nil {
		return nil, err
	}

	size, err := readReplicatedSize(ctx, pas)
	if err != nil {
		return nil, err
	}

	return &DistributedDriver{
		stores:     pas,
		placement:  table,
		replicas:   replicas,
		volumeSize: size,
		shardSize:  cfg.shardSize(),
	}, nil
}

// InitDistributed writes the "size" metadata object to every backend
// node, failing if a node already disagrees on volume size unless
// cfg.Force is set.
func InitDistributed(ctx context.Context, stores []objectstore.ObjectStorage, cfg Config) error {
	for i, s := range stores {
		pa, err := asPartialAccess(s)
		if err != nil {
			return fmt.Errorf("backend %d: %w", i, err)
		}

		existing, err := readSizeObject(ctx, pa)
		if err == nil && existing != 0 && existing != cfg.VolumeSize && !cfg.Force {
			return fmt.Errorf("%w: node %d already initialized with size %d, pass --force to override", objectstore.ErrSizeMismatch, i, existing)
		}

		if _, err := pa.Write(ctx, sizeObjectName, []byte(strconv.FormatUint(cfg.VolumeSize, 10))); err != nil {
			return fmt.Errorf("backend %d: %w", i, err)
		}
		if _, err := pa.Persist(ctx, sizeObjectName); err != nil {
			return fmt.Errorf("backend %d: %w", i, err)
		}
	}
	return nil
}

func readReplicatedSize(ctx context.Context, stores []objectstore.PartialAccessObjectStorage) (uint64, error) {
	var size uint64
	for i, s := range stores {
		cur, err := readSizeObject(ctx, s)
		if err != nil {
			return 0, fmt.Errorf("backend %d: %w", i, err)
		}
		if i == 0 {
			size = cur
			continue
		}
		if cur != size {
			return 0, fmt.Errorf("%w: node %d reports %d, node 0 reports %d", objectstore.ErrSizeMismatch, i, cur, size)
		}
	}
	return size, nil
}

func (d *DistributedDriver) replicaStore(shardIdx uint64, replica int) objectstore.PartialAccessObjectStorage {
	node := d.placement.NodeForShard(int(shardIdx), replica)
	return d.stores[node]
}

// existingReplica finds the lowest-numbered replica of shardIdx that is
// actually present, returning (-1, nil) if none is.
func (d *DistributedDriver) existingReplica(ctx context.Context, shardIdx uint64) (int, error) {
	for r := 0; r < d.replicas; r++ {
		store := d.replicaStore(shardIdx, r)
		name := replicaShardName(shardIdx, r)
		exists, err := store.Exists(ctx, name)
		if err != nil {
			return -1, err
		}
		if exists {
			return r, nil
		}
	}
	return -1, nil
}

// Kind implements Driver.
func (d *DistributedDriver) Kind() string { return "distributed" }

// VolumeSize implements Driver.
func (d *DistributedDriver) VolumeSize() uint64 { return d.volumeSize }

// SupportsTrim implements Driver.
func (d *DistributedDriver) SupportsTrim() bool { return true }

// ReadAt implements Driver.
func (d *DistributedDriver) ReadAt(ctx context.Context, offset uint64, length uint64) ([]byte, error) {
	buf := make([]byte, 0, length)
	for _, span := range shardSpans(offset, length, d.shardSize) {
		replica, err := d.existingReplica(ctx, span.index)
		if err != nil {
			return nil, err
		}
		if replica < 0 {
			buf = append(buf, make([]byte, span.length)...)
			continue
		}

		store := d.replicaStore(span.index, replica)
		chunk, err := store.PartialRead(ctx, replicaShardName(span.index, replica), span.shardOffset, span.length)
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
	}
	return buf, nil
}

// WriteAt implements Driver. Every replica receives the write; the
// weakest Propagation across all replicas is reported, matching the
// all-replicas-must-agree durability model.
func (d *DistributedDriver) WriteAt(ctx context.Context, offset uint64, data []byte) (objectstore.Propagation, error) {
	result := objectstore.Guaranteed
	for replica := 0; replica < d.replicas; replica++ {
		written := uint64(0)
		for _, span := range shardSpans(offset, uint64(len(data)), d.shardSize) {
			store := d.replicaStore(span.index, replica)
			name := replicaShardName(span.index, replica)
			slice := data[written : written+span.length]

			prop, err := store.PartialWrite(ctx, name, span.shardOffset, slice)
			if err != nil {
				return objectstore.Ignored, err
			}
			result = objectstore.Min(result, prop)
			written += span.length
		}
	}
	return result, nil
}

// Flush implements Driver, persisting every replica of every touched
// shard.
func (d *DistributedDriver) Flush(ctx context.Context, offset uint64, length uint64) (objectstore.Propagation, error) {
	result := objectstore.Guaranteed
	for replica := 0; replica < d.replicas; replica++ {
		for _, span := range shardSpans(offset, length, d.shardSize) {
			store := d.replicaStore(span.index, replica)
			prop, err := store.Persist(ctx, replicaShardName(span.index, replica))
			if err != nil {
				return objectstore.Ignored, err
			}
			result = objectstore.Min(result, prop)
		}
	}
	return result, nil
}

// Trim implements Driver. Every replica is trimmed, matching WriteAt's
// all-replicas fan-out rather than the single-replica-0 shortcut: a
// trimmed range must read back as zero regardless of which replica a
// later read happens to land on.
func (d *DistributedDriver) Trim(ctx context.Context, offset uint64, length uint64) (objectstore.Propagation, error) {
	result := objectstore.Guaranteed
	for replica := 0; replica < d.replicas; replica++ {
		for _, span := range shardSpans(offset, length, d.shardSize) {
			store := d.replicaStore(span.index, replica)
			name := replicaShardName(span.index, replica)

			if span.shardOffset == 0 && span.length == d.shardSize {
				prop, err := store.Delete(ctx, name)
				if err != nil {
					return objectstore.Ignored, err
				}
				result = objectstore.Min(result, prop)
				continue
			}

			exists, err := store.Exists(ctx, name)
			if err != nil {
				return objectstore.Ignored, err
			}
			if !exists {
				result = objectstore.Min(result, objectstore.Noop)
				continue
			}

			var prop objectstore.Propagation
			if store.SupportsTrim() {
				prop, err = store.Trim(ctx, name, span.shardOffset, span.length)
			} else {
				prop, err = store.PartialWrite(ctx, name, span.shardOffset, make([]byte, span.length))
			}
			if err != nil {
				return objectstore.Ignored, err
			}
			result = objectstore.Min(result, prop)
		}
	}
	return result, nil
}

// Close implements Driver.
func (d *DistributedDriver) Close() error {
	var firstErr error
	for _, s := range d.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ Driver = (*DistributedDriver)(nil)
