package blockdriver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/nbdserver/pkg/objectstore"
	"github.com/marmos91/nbdserver/pkg/objectstore/file"
)

func newFileStore(t *testing.T) objectstore.ObjectStorage {
	t.Helper()
	s, err := file.New(file.Config{RootPath: t.TempDir()})
	require.NoError(t, err)
	return s
}

func TestRawDriverReadWrite(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)

	require.NoError(t, InitRaw(ctx, store, Config{VolumeSize: 1024}))

	d, err := NewRaw(ctx, store, Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	assert.Equal(t, uint64(1024), d.VolumeSize())

	_, err = d.WriteAt(ctx, 100, []byte("hello"))
	require.NoError(t, err)

	data, err := d.ReadAt(ctx, 100, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestShardedDriverReadAcrossShardBoundary(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)
	cfg := Config{VolumeSize: 64, ShardSize: 16}

	require.NoError(t, InitSharded(ctx, store, cfg))
	d, err := NewSharded(ctx, store, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	_, err = d.WriteAt(ctx, 10, payload)
	require.NoError(t, err)

	data, err := d.ReadAt(ctx, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestShardedDriverUnwrittenShardReadsZero(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)
	cfg := Config{VolumeSize: 64, ShardSize: 16}

	require.NoError(t, InitSharded(ctx, store, cfg))
	d, err := NewSharded(ctx, store, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	data, err := d.ReadAt(ctx, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), data)
}

func TestShardedDriverFullShardTrimDeletesObject(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)
	cfg := Config{VolumeSize: 64, ShardSize: 16}

	require.NoError(t, InitSharded(ctx, store, cfg))
	d, err := NewSharded(ctx, store, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	_, err = d.WriteAt(ctx, 0, make([]byte, 16))
	require.NoError(t, err)

	exists, err := store.Exists(ctx, "block-0")
	require.NoError(t, err)
	require.True(t, exists)

	_, err = d.Trim(ctx, 0, 16)
	require.NoError(t, err)

	exists, err = store.Exists(ctx, "block-0")
	require.NoError(t, err)
	assert.False(t, exists, "trimming a whole shard should delete its object")
}

func TestShardedDriverPartialTrimZeroFills(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)
	cfg := Config{VolumeSize: 64, ShardSize: 16}

	require.NoError(t, InitSharded(ctx, store, cfg))
	d, err := NewSharded(ctx, store, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	full := make([]byte, 16)
	for i := range full {
		full[i] = 0xFF
	}
	_, err = d.WriteAt(ctx, 0, full)
	require.NoError(t, err)

	_, err = d.Trim(ctx, 4, 4)
	require.NoError(t, err)

	data, err := d.ReadAt(ctx, 0, 16)
	require.NoError(t, err)
	for i := 4; i < 8; i++ {
		assert.Equal(t, byte(0), data[i])
	}
	assert.Equal(t, byte(0xFF), data[0])
	assert.Equal(t, byte(0xFF), data[15])
}

func TestDistributedDriverReplicatesWrites(t *testing.T) {
	ctx := context.Background()
	stores := []objectstore.ObjectStorage{
		newFileStore(t), newFileStore(t), newFileStore(t),
	}
	cfg := Config{VolumeSize: 64, ShardSize: 16}

	require.NoError(t, InitDistributed(ctx, stores, cfg))
	d, err := NewDistributed(ctx, stores, 2, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	_, err = d.WriteAt(ctx, 0, []byte("0123456789ABCDEF"))
	require.NoError(t, err)

	data, err := d.ReadAt(ctx, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789ABCDEF"), data)

	nodes := d.placement.NodesForShard(0)
	require.Len(t, nodes, 2)
	for _, node := range nodes {
		backend := stores[node].(objectstore.PartialAccessObjectStorage)
		exists, err := backend.Exists(ctx, "block-0-0")
		if !exists {
			exists, err = backend.Exists(ctx, "block-0-1")
		}
		require.NoError(t, err)
		assert.True(t, exists, "node %d should hold a replica", node)
	}
}

func TestDistributedDriverTrimAppliesToAllReplicas(t *testing.T) {
	ctx := context.Background()
	stores := []objectstore.ObjectStorage{newFileStore(t), newFileStore(t)}
	cfg := Config{VolumeSize: 32, ShardSize: 16}

	require.NoError(t, InitDistributed(ctx, stores, cfg))
	d, err := NewDistributed(ctx, stores, 2, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	_, err = d.WriteAt(ctx, 0, make([]byte, 16))
	require.NoError(t, err)

	_, err = d.Trim(ctx, 0, 16)
	require.NoError(t, err)

	for r := 0; r < 2; r++ {
		store := d.replicaStore(0, r)
		exists, err := store.Exists(ctx, replicaShardName(0, r))
		require.NoError(t, err)
		assert.False(t, exists, "replica %d should have been trimmed away with the shard", r)
	}
}
