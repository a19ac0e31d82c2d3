package export

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/marmos91/nbdserver/pkg/blockdriver"
	"github.com/marmos91/nbdserver/pkg/objectstore"
)

// Spec describes one export as loaded from configuration: enough to
// either initialize a brand new volume or open an existing one.
type Spec struct {
	Name        string
	Description string
	Driver      string // "raw", "sharded", or "distributed"
	Backend     string // connection string; for distributed, "replicas=R;backends=uri1,uri2,..."
	VolumeSize  uint64
	ShardSize   uint64
	Force       bool
}

// parseDistributedBackend parses a distributed connection string of the
// form "replicas=R;backends=uri1,uri2,...".
func parseDistributedBackend(conninfo string) (replicas int, uris []string, err error) {
	for _, field := range strings.Split(conninfo, ";") {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "replicas":
			replicas, err = strconv.Atoi(value)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: invalid replicas value %q", objectstore.ErrInvalidConfig, value)
			}
		case "backends":
			uris = strings.Split(value, ",")
		}
	}
	if replicas <= 0 {
		return 0, nil, fmt.Errorf("%w: distributed backend requires replicas=N", objectstore.ErrInvalidConfig)
	}
	if len(uris) == 0 {
		return 0, nil, fmt.Errorf("%w: distributed backend requires backends=uri,...", objectstore.ErrInvalidConfig)
	}
	return replicas, uris, nil
}

// openStores opens the backend(s) named by spec, returning them in
// placement order (single-element for raw/sharded).
func openStores(ctx context.Context, spec Spec) ([]objectstore.ObjectStorage, int, error) {
	if spec.Driver != "distributed" {
		store, err := objectstore.Open(ctx, spec.Backend)
		if err != nil {
			return nil, 0, fmt.Errorf("open backend: %w", err)
		}
		return []objectstore.ObjectStorage{store}, 0, nil
	}

	replicas, uris, err := parseDistributedBackend(spec.Backend)
	if err != nil {
		return nil, 0, err
	}

	stores := make([]objectstore.ObjectStorage, len(uris))
	for i, uri := range uris {
		store, err := objectstore.Open(ctx, strings.TrimSpace(uri))
		if err != nil {
			return nil, 0, fmt.Errorf("open backend %d: %w", i, err)
		}
		stores[i] = store
	}
	return stores, replicas, nil
}

// OpenStores opens the raw backend(s) named by spec without constructing
// a block driver on top of them, for callers (like the destroy command)
// that only need to operate on the underlying object storage.
func OpenStores(ctx context.Context, spec Spec) ([]objectstore.ObjectStorage, error) {
	stores, _, err := openStores(ctx, spec)
	return stores, err
}

// Open opens an already-initialized export's backend(s) and driver.
func Open(ctx context.Context, spec Spec) (*Export, error) {
	stores, replicas, err := openStores(ctx, spec)
	if err != nil {
		return nil, err
	}

	driver, err := blockdriver.Open(ctx, spec.Driver, stores, replicas, blockdriver.Config{
		VolumeSize: spec.VolumeSize,
		ShardSize:  spec.ShardSize,
		Force:      spec.Force,
	})
	if err != nil {
		return nil, fmt.Errorf("export %q: %w", spec.Name, err)
	}

	return &Export{
		Name:        spec.Name,
		Description: spec.Description,
		DriverKind:  spec.Driver,
		Driver:      driver,
	}, nil
}

// Init first-time-initializes an export's backend(s), writing volume
// size metadata, then returns the opened Export.
func Init(ctx context.Context, spec Spec) (*Export, error) {
	stores, replicas, err := openStores(ctx, spec)
	if err != nil {
		return nil, err
	}

	if err := blockdriver.Init(ctx, spec.Driver, stores, blockdriver.Config{
		VolumeSize: spec.VolumeSize,
		ShardSize:  spec.ShardSize,
		Force:      spec.Force,
	}); err != nil {
		return nil, fmt.Errorf("init export %q: %w", spec.Name, err)
	}

	driver, err := blockdriver.Open(ctx, spec.Driver, stores, replicas, blockdriver.Config{
		VolumeSize: spec.VolumeSize,
		ShardSize:  spec.ShardSize,
	})
	if err != nil {
		return nil, fmt.Errorf("export %q: %w", spec.Name, err)
	}

	return &Export{
		Name:        spec.Name,
		Description: spec.Description,
		DriverKind:  spec.Driver,
		Driver:      driver,
	}, nil
}
