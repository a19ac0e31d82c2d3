package objectstore

import (
	"context"
	"fmt"
	"strings"
)

// Opener constructs a backend from the remainder of a connection string
// after its scheme has been stripped. Each backend package registers one
// via Register during its package init, following the same
// registry-by-side-effect pattern used for SQL drivers.
type Opener func(ctx context.Context, conninfo string) (ObjectStorage, error)

var openers = map[string]Opener{}

// Register associates a URI scheme (e.g. "file", "s3") with an Opener.
// Backend packages call this from an init function so that importing the
// package for its side effect is enough to make the scheme available to
// Open.
func Register(scheme string, opener Opener) {
	openers[scheme] = opener
}

// Open dispatches a connection string of the form "<scheme>:<rest>" to
// the Opener registered for <scheme>. The "cache:" scheme is handled
// specially: it recursively opens its inner URI and wraps the result in
// a write-back cache, so cache backends never need to register an
// Opener of their own.
func Open(ctx context.Context, uri string) (ObjectStorage, error) {
	scheme, rest, ok := splitScheme(uri)
	if !ok {
		return nil, fmt.Errorf("%w: %q has no scheme", ErrInvalidConfig, uri)
	}

	if scheme == "cache" {
		inner, err := Open(ctx, rest)
		if err != nil {
			return nil, fmt.Errorf("open cache inner backend: %w", err)
		}
		return newCacheWrapper(inner)
	}

	opener, ok := openers[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend scheme %q", ErrInvalidConfig, scheme)
	}
	return opener(ctx, rest)
}

// splitScheme splits "scheme:rest" into its two parts. file URIs use
// "file:/path" (single slash, matching spec) so the split happens on the
// first colon rather than "://".
func splitScheme(uri string) (scheme, rest string, ok bool) {
	idx := strings.Index(uri, ":")
	if idx <= 0 {
		return "", "", false
	}
	return uri[:idx], uri[idx+1:], true
}

// cacheWrapperFactory is set by the objectstore/cache package to avoid an
// import cycle (cache imports objectstore for the interfaces it wraps).
var cacheWrapperFactory func(inner ObjectStorage) (ObjectStorage, error)

// RegisterCacheWrapper is called once from objectstore/cache's package
// init to plug the cache constructor into Open's "cache:" handling.
func RegisterCacheWrapper(f func(inner ObjectStorage) (ObjectStorage, error)) {
	cacheWrapperFactory = f
}

func newCacheWrapper(inner ObjectStorage) (ObjectStorage, error) {
	if cacheWrapperFactory == nil {
		return nil, fmt.Errorf("%w: cache backend not imported", ErrInvalidConfig)
	}
	return cacheWrapperFactory(inner)
}
