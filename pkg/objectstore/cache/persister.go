package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/nbdserver/internal/logger"
	"github.com/marmos91/nbdserver/internal/metrics"
	"github.com/marmos91/nbdserver/pkg/objectstore"
)

// persistLoop is the cache's single background worker: it wakes every
// PollInterval, finds entries that have gone quiet for StallThreshold,
// and pushes them to the backend with a bounded retry for transient
// errors. One loop per Cache instance, matching the single-writer-lock
// discipline the rest of the server uses per export.
func (c *Cache) persistLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistStalled()
		}
	}
}

func (c *Cache) persistStalled() {
	now := time.Now()

	c.entriesMu.RLock()
	candidates := make(map[string]*entry, len(c.entries))
	for name, e := range c.entries {
		candidates[name] = e
	}
	c.entriesMu.RUnlock()

	for name, e := range candidates {
		e.mu.RLock()
		stalled := e.dirty() && now.Sub(e.lastWrite) >= c.cfg.StallThreshold
		pinned := e.keep > 0
		e.mu.RUnlock()

		if !stalled || pinned {
			continue
		}

		if _, err := c.persistWithRetry(context.Background(), name, e); err != nil {
			logger.Warn("cache persister giving up on entry",
				logger.Object(name), logger.Attempt(c.cfg.RetryAttempts), logger.Err(err))
		}
	}
}

// persistWithRetry writes-then-persists entry e through the write
// backend, retrying the whole round up to RetryAttempts times at
// RetryInterval when the failure is transient. Used both by the
// background persister and by an explicit, synchronous Persist call,
// so a caller-triggered flush (e.g. an NBD FLUSH) gets the same retry
// coverage a stall-triggered one does.
func (c *Cache) persistWithRetry(ctx context.Context, name string, e *entry) (objectstore.Propagation, error) {
	var prop objectstore.Propagation
	err := c.retryTransient(ctx, name, fmt.Sprintf("%T", c.writeBackend), func() error {
		var innerErr error
		prop, innerErr = c.persistEntry(ctx, name, e)
		return innerErr
	})
	if err != nil {
		return objectstore.Ignored, err
	}
	return prop, nil
}

// retryTransient runs op up to RetryAttempts times, waiting
// RetryInterval between attempts. NotFound and Unsupported errors
// return immediately without delay; every other error is retried.
// backendLabel identifies the backend type for the retry-count metric.
func (c *Cache) retryTransient(ctx context.Context, name, backendLabel string, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, objectstore.ErrNotFound) || errors.Is(err, objectstore.ErrUnsupported) {
			return err
		}

		metrics.RecordBackendRetry(backendLabel)
		logger.Debug("cache retrying after transient error",
			logger.Object(name), logger.Attempt(attempt), logger.Err(err))

		if attempt < c.cfg.RetryAttempts {
			select {
			case <-time.After(c.cfg.RetryInterval):
			case <-c.stopCh:
				return lastErr
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
