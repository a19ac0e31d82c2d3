package blockdriver

import (
	"context"
	"fmt"

	"github.com/marmos91/nbdserver/pkg/objectstore"
)

// Open constructs the driver named by kind against the already-opened
// backend(s). For "distributed", stores must contain every replica
// backend and replicas must be > 0; for "raw" and "sharded" exactly one
// store is expected.
func Open(ctx context.Context, kind string, stores []objectstore.ObjectStorage, replicas int, cfg Config) (Driver, error) {
	switch kind {
	case "raw":
		if len(stores) != 1 {
			return nil, fmt.Errorf("%w: raw driver takes exactly one backend", objectstore.ErrInvalidConfig)
		}
		return NewRaw(ctx, stores[0], cfg)
	case "sharded":
		if len(stores) != 1 {
			return nil, fmt.Errorf("%w: sharded driver takes exactly one backend", objectstore.ErrInvalidConfig)
		}
		return NewSharded(ctx, stores[0], cfg)
	case "distributed":
		return NewDistributed(ctx, stores, replicas, cfg)
	default:
		return nil, fmt.Errorf("%w: unknown driver kind %q", objectstore.ErrInvalidConfig, kind)
	}
}

// Init performs the same dispatch as Open but for first-time volume
// initialization.
func Init(ctx context.Context, kind string, stores []objectstore.ObjectStorage, cfg Config) error {
	switch kind {
	case "raw":
		if len(stores) != 1 {
			return fmt.Errorf("%w: raw driver takes exactly one backend", objectstore.ErrInvalidConfig)
		}
		return InitRaw(ctx, stores[0], cfg)
	case "sharded":
		if len(stores) != 1 {
			return fmt.Errorf("%w: sharded driver takes exactly one backend", objectstore.ErrInvalidConfig)
		}
		return InitSharded(ctx, stores[0], cfg)
	case "distributed":
		return InitDistributed(ctx, stores, cfg)
	default:
		return fmt.Errorf("%w: unknown driver kind %q", objectstore.ErrInvalidConfig, kind)
	}
}
