package blockdriver

import (
	"context"
	"fmt"

	"github.com/marmos91/nbdserver/pkg/objectstore"
)

// objectName is the single object a raw-driver volume is stored as.
const objectName = "volume"

// RawDriver stores the entire volume as one object and requires a
// backend with native random-access writes (SupportsRandomWriteAccess).
type RawDriver struct {
	store      objectstore.PartialAccessObjectStorage
	volumeSize uint64
}

// NewRaw opens (or validates) a raw volume backed by store.
func NewRaw(ctx context.Context, store objectstore.ObjectStorage, cfg Config) (*RawDriver, error) {
	pa, err := asPartialAccess(store)
	if err != nil {
		return nil, err
	}
	if !pa.SupportsRandomWriteAccess() {
		return nil, fmt.Errorf("%w: raw driver requires a backend with random write access", objectstore.ErrUnsupported)
	}

	if err := pa.StartOperations(ctx, objectName); err != nil {
		return nil, err
	}

	size, err := pa.GetSize(ctx, objectName)
	if err != nil {
		if err != objectstore.ErrNotFound {
			return nil, err
		}
		size = 0
	}

	return &RawDriver{store: pa, volumeSize: size}, nil
}

// InitRaw creates (or, with cfg.Force, resizes) the backing object to
// cfg.VolumeSize.
func InitRaw(ctx context.Context, store objectstore.ObjectStorage, cfg Config) error {
	pa, err := asPartialAccess(store)
	if err != nil {
		return err
	}

	existingSize, err := pa.GetSize(ctx, objectName)
	if err == nil && existingSize != 0 && existingSize != cfg.VolumeSize && !cfg.Force {
		return fmt.Errorf("%w: volume already initialized with size %d, pass --force to override", objectstore.ErrSizeMismatch, existingSize)
	}

	_, err = pa.Write(ctx, objectName, make([]byte, cfg.VolumeSize))
	return err
}

// Kind implements Driver.
func (d *RawDriver) Kind() string { return "raw" }

// VolumeSize implements Driver.
func (d *RawDriver) VolumeSize() uint64 { return d.volumeSize }

// SupportsTrim implements Driver.
func (d *RawDriver) SupportsTrim() bool { return d.store.SupportsTrim() }

// ReadAt implements Driver.
func (d *RawDriver) ReadAt(ctx context.Context, offset uint64, length uint64) ([]byte, error) {
	return d.store.PartialRead(ctx, objectName, offset, length)
}

// WriteAt implements Driver.
func (d *RawDriver) WriteAt(ctx context.Context, offset uint64, data []byte) (objectstore.Propagation, error) {
	return d.store.PartialWrite(ctx, objectName, offset, data)
}

// Flush implements Driver.
func (d *RawDriver) Flush(ctx context.Context, offset uint64, length uint64) (objectstore.Propagation, error) {
	return d.store.Persist(ctx, objectName)
}

// Trim implements Driver.
func (d *RawDriver) Trim(ctx context.Context, offset uint64, length uint64) (objectstore.Propagation, error) {
	if !d.store.SupportsTrim() {
		return objectstore.Unsupported, objectstore.ErrUnsupported
	}
	return d.store.Trim(ctx, objectName, offset, length)
}

// Close implements Driver.
func (d *RawDriver) Close() error {
	if err := d.store.EndOperations(context.Background(), objectName); err != nil {
		return err
	}
	return d.store.Close()
}

var _ Driver = (*RawDriver)(nil)
