package file

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/nbdserver/pkg/objectstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{RootPath: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreWriteRead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Run("WriteThenRead", func(t *testing.T) {
		prop, err := s.Write(ctx, "block-0", []byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, objectstore.Complete, prop)

		data, err := s.Read(ctx, "block-0")
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), data)
	})

	t.Run("ReadMissingReturnsNotFound", func(t *testing.T) {
		_, err := s.Read(ctx, "does-not-exist")
		assert.ErrorIs(t, err, objectstore.ErrNotFound)
	})

	t.Run("ExistsReflectsPresence", func(t *testing.T) {
		exists, err := s.Exists(ctx, "block-0")
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = s.Exists(ctx, "never-written")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestStorePartialAccess(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Run("PartialWriteThenPartialRead", func(t *testing.T) {
		_, err := s.Write(ctx, "block-1", make([]byte, 16))
		require.NoError(t, err)

		_, err = s.PartialWrite(ctx, "block-1", 4, []byte{0xAA, 0xBB})
		require.NoError(t, err)

		data, err := s.PartialRead(ctx, "block-1", 4, 2)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xAA, 0xBB}, data)
	})

	t.Run("PartialWriteExtendsObject", func(t *testing.T) {
		_, err := s.PartialWrite(ctx, "block-2", 10, []byte("tail"))
		require.NoError(t, err)

		size, err := s.GetSize(ctx, "block-2")
		require.NoError(t, err)
		assert.Equal(t, uint64(14), size)
	})
}

func TestStoreTrim(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	data := make([]byte, 32)
	for i := range data {
		data[i] = 0xFF
	}
	_, err := s.Write(ctx, "block-3", data)
	require.NoError(t, err)

	prop, err := s.Trim(ctx, "block-3", 8, 8)
	require.NoError(t, err)
	assert.Contains(t, []objectstore.Propagation{objectstore.Complete, objectstore.AppliedDifferently}, prop)

	result, err := s.Read(ctx, "block-3")
	require.NoError(t, err)
	for i := 8; i < 16; i++ {
		assert.Equal(t, byte(0), result[i], "byte %d should have been trimmed to zero", i)
	}
	for i := 0; i < 8; i++ {
		assert.Equal(t, byte(0xFF), result[i], "byte %d should be untouched", i)
	}
}

func TestStoreDeleteAndList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Write(ctx, "shard/block-0", []byte("a"))
	require.NoError(t, err)
	_, err = s.Write(ctx, "shard/block-1", []byte("b"))
	require.NoError(t, err)

	names, err := s.ListByPrefix(ctx, "shard/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"shard/block-0", "shard/block-1"}, names)

	_, err = s.Delete(ctx, "shard/block-0")
	require.NoError(t, err)

	names, err = s.ListByPrefix(ctx, "shard/")
	require.NoError(t, err)
	assert.Equal(t, []string{"shard/block-1"}, names)
}

func TestStoreDestroy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Write(ctx, "a", []byte("1"))
	require.NoError(t, err)
	_, err = s.Write(ctx, "nested/b", []byte("2"))
	require.NoError(t, err)

	require.NoError(t, s.Destroy(ctx))

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestStoreClosed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.Read(ctx, "anything")
	assert.ErrorIs(t, err, objectstore.ErrClosed)
}
