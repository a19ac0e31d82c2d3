// Package s3 implements an object storage backend backed by an S3 or
// S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/nbdserver/pkg/objectstore"
)

// retryAttempts/retryInterval match the cache package's own retry
// policy for transient backend errors: three attempts, one second
// apart.
const (
	retryAttempts = 3
	retryInterval = time.Second
)

// withRetry runs op up to retryAttempts times, retrying every error
// except objectstore.ErrNotFound and objectstore.ErrUnsupported.
func withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, objectstore.ErrNotFound) || errors.Is(err, objectstore.ErrUnsupported) {
			return err
		}

		if attempt < retryAttempts {
			select {
			case <-time.After(retryInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func init() {
	objectstore.Register("s3", func(ctx context.Context, conninfo string) (objectstore.ObjectStorage, error) {
		cfg, err := parseConnInfo(conninfo)
		if err != nil {
			return nil, err
		}
		return NewFromConfig(ctx, cfg)
	})
}

// Config holds configuration for the S3 object store.
type Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// parseConnInfo parses a connection string of the form
// "//key:secret@host:port/bucket" or "key:secret@host:port/bucket" (the
// "s3:" scheme prefix has already been stripped by objectstore.Open).
func parseConnInfo(conninfo string) (Config, error) {
	conninfo = strings.TrimPrefix(conninfo, "//")
	u, err := url.Parse("s3://" + conninfo)
	if err != nil {
		return Config{}, fmt.Errorf("%w: malformed s3 uri: %v", objectstore.ErrInvalidConfig, err)
	}

	bucket := strings.Trim(u.Path, "/")
	if bucket == "" {
		return Config{}, fmt.Errorf("%w: s3 uri missing bucket path", objectstore.ErrInvalidConfig)
	}
	if u.Host == "" {
		return Config{}, fmt.Errorf("%w: s3 uri missing host", objectstore.ErrInvalidConfig)
	}

	cfg := Config{
		Bucket:         bucket,
		Endpoint:       "http://" + u.Host,
		ForcePathStyle: true,
	}
	if u.User != nil {
		cfg.AccessKey = u.User.Username()
		cfg.SecretKey, _ = u.User.Password()
	}
	return cfg, nil
}

// Store is an S3-backed implementation of objectstore.PartialAccessObjectStorage.
type Store struct {
	mu        sync.RWMutex
	client    *s3.Client
	bucket    string
	keyPrefix string
	closed    bool
}

// New creates a new S3 object store with an existing client.
func New(client *s3.Client, cfg Config) *Store {
	return &Store{client: client, bucket: cfg.Bucket}
}

// NewFromConfig creates an S3 object store, constructing its client from
// cfg. When AccessKey/SecretKey are set they're used as static
// credentials; otherwise the default AWS credential chain applies.
func NewFromConfig(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return New(client, cfg), nil
}

func (s *Store) fullKey(name string) string {
	return s.keyPrefix + name
}

func (s *Store) checkClosed() error {
	if s.closed {
		return objectstore.ErrClosed
	}
	return nil
}

// Exists reports whether the named object is present in the bucket.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkClosed(); err != nil {
		return false, err
	}

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(name)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		return false, classify(err)
	}
	return true, nil
}

// GetSize returns the current size of the named object.
func (s *Store) GetSize(ctx context.Context, name string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkClosed(); err != nil {
		return 0, err
	}

	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(name)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return 0, objectstore.ErrNotFound
		}
		return 0, classify(err)
	}
	if resp.ContentLength == nil {
		return 0, nil
	}
	return uint64(*resp.ContentLength), nil
}

// Read returns the full contents of the named object, retrying
// transient failures up to retryAttempts times.
func (s *Store) Read(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var data []byte
	err := withRetry(ctx, func() error {
		resp, getErr := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.fullKey(name)),
		})
		if getErr != nil {
			if isNotFoundError(getErr) {
				return objectstore.ErrNotFound
			}
			return classify(getErr)
		}
		defer resp.Body.Close()

		var readErr error
		data, readErr = io.ReadAll(resp.Body)
		return readErr
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Write replaces the full contents of the named object, retrying
// transient failures up to retryAttempts times.
func (s *Store) Write(ctx context.Context, name string, data []byte) (objectstore.Propagation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkClosed(); err != nil {
		return objectstore.Ignored, err
	}

	err := withRetry(ctx, func() error {
		_, putErr := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.fullKey(name)),
			Body:   bytes.NewReader(data),
		})
		if putErr != nil {
			return classify(putErr)
		}
		return nil
	})
	if err != nil {
		return objectstore.Ignored, err
	}
	return objectstore.Guaranteed, nil
}

// PartialRead issues a ranged GET for [offset, offset+length), retrying
// transient failures up to retryAttempts times.
func (s *Store) PartialRead(ctx context.Context, name string, offset uint64, length uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	var data []byte
	err := withRetry(ctx, func() error {
		resp, getErr := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.fullKey(name)),
			Range:  aws.String(rng),
		})
		if getErr != nil {
			if isNotFoundError(getErr) {
				return objectstore.ErrNotFound
			}
			return classify(getErr)
		}
		defer resp.Body.Close()

		var readErr error
		data, readErr = io.ReadAll(resp.Body)
		return readErr
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// PartialWrite performs a read-modify-write: S3 has no in-place partial
// write, so the whole object is fetched, patched in memory, and
// rewritten. The fetch and the rewrite are each retried independently
// up to retryAttempts times for transient failures. Callers needing
// low write amplification should route through objectstore/cache
// instead of talking to this backend directly.
func (s *Store) PartialWrite(ctx context.Context, name string, offset uint64, data []byte) (objectstore.Propagation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkClosed(); err != nil {
		return objectstore.Ignored, err
	}

	var existing []byte
	err := withRetry(ctx, func() error {
		fetched, readErr := s.readLocked(ctx, name)
		if readErr != nil && !errors.Is(readErr, objectstore.ErrNotFound) {
			return readErr
		}
		existing = fetched
		return nil
	})
	if err != nil {
		return objectstore.Ignored, err
	}

	needed := int(offset) + len(data)
	if needed > len(existing) {
		grown := make([]byte, needed)
		copy(grown, existing)
		existing = grown
	}
	copy(existing[offset:], data)

	err = withRetry(ctx, func() error {
		_, putErr := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.fullKey(name)),
			Body:   bytes.NewReader(existing),
		})
		if putErr != nil {
			return classify(putErr)
		}
		return nil
	})
	if err != nil {
		return objectstore.Ignored, err
	}
	return objectstore.AppliedDifferently, nil
}

func (s *Store) readLocked(ctx context.Context, name string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(name)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, objectstore.ErrNotFound
		}
		return nil, classify(err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Delete removes the named object.
func (s *Store) Delete(ctx context.Context, name string) (objectstore.Propagation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkClosed(); err != nil {
		return objectstore.Ignored, err
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(name)),
	})
	if err != nil {
		return objectstore.Ignored, classify(err)
	}
	return objectstore.Guaranteed, nil
}

// List returns every object name in the bucket under the store's key
// prefix.
func (s *Store) List(ctx context.Context) ([]string, error) {
	return s.ListByPrefix(ctx, "")
}

// ListByPrefix returns every object name beginning with prefix.
func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	fullPrefix := s.fullKey(prefix)
	var names []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(fullPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, obj := range page.Contents {
			key := *obj.Key
			if s.keyPrefix != "" && strings.HasPrefix(key, s.keyPrefix) {
				key = key[len(s.keyPrefix):]
			}
			names = append(names, key)
		}
	}
	return names, nil
}

// Destroy removes every object the store holds under its key prefix via
// paginated list + batch delete.
func (s *Store) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkClosed(); err != nil {
		return err
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return classify(err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]types.ObjectIdentifier, len(page.Contents))
		for i, obj := range page.Contents {
			objects[i] = types.ObjectIdentifier{Key: obj.Key}
		}
		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects},
		})
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

// StartOperations is a no-op; S3 has no per-object pin concept.
func (s *Store) StartOperations(ctx context.Context, name string) error { return nil }

// EndOperations is a no-op counterpart to StartOperations.
func (s *Store) EndOperations(ctx context.Context, name string) error { return nil }

// Persist is a no-op: every S3 PutObject is already durable once it
// returns successfully.
func (s *Store) Persist(ctx context.Context, name string) (objectstore.Propagation, error) {
	return objectstore.Redundant, nil
}

// Trim is unsupported: S3 objects have no sparse representation, so
// discarding a range would require a read-modify-write that zero-fills
// rather than reclaims space, providing no benefit over the cache
// layer's own zero-fill trim.
func (s *Store) Trim(ctx context.Context, name string, offset uint64, length uint64) (objectstore.Propagation, error) {
	return objectstore.Unsupported, objectstore.ErrUnsupported
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SupportsRandomWriteAccess is false: PartialWrite emulates random
// access via read-modify-write rather than a native capability.
func (s *Store) SupportsRandomWriteAccess() bool { return false }

// SupportsTrim is false; see Trim.
func (s *Store) SupportsTrim() bool { return false }

// HealthCheck verifies the bucket is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("s3 health check: %w", classify(err))
	}
	return nil
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") ||
		strings.Contains(msg, "NotFound") ||
		strings.Contains(msg, "404")
}

// classify maps transient-looking S3/network errors to ErrTransient so
// upstream retry policies (the cache's persister) can recognize them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "RequestTimeout") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "SlowDown") ||
		strings.Contains(msg, "InternalError") {
		return fmt.Errorf("%w: %v", objectstore.ErrTransient, err)
	}
	return err
}

var _ objectstore.PartialAccessObjectStorage = (*Store)(nil)
