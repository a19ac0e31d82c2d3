// Package cache implements a write-back object storage wrapper. Writes
// land in memory immediately and are pushed to the wrapped backend by a
// background persister once an entry has gone quiet for a configurable
// stall threshold, or on an explicit Persist call.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/nbdserver/internal/logger"
	"github.com/marmos91/nbdserver/internal/metrics"
	"github.com/marmos91/nbdserver/pkg/objectstore"
)

func init() {
	objectstore.RegisterCacheWrapper(func(inner objectstore.ObjectStorage) (objectstore.ObjectStorage, error) {
		return New(inner, DefaultConfig()), nil
	})
}

// Config controls the cache's memory ceiling and persist cadence.
type Config struct {
	// MemLimit bounds the total size of cached object data. Once
	// mem_usage+incoming would cross it, the clean entry with the
	// oldest last_read is evicted to make room; if no clean entry
	// exists, the insertion fails with objectstore.ErrAllocation rather
	// than force-evicting a dirty entry.
	MemLimit uint64

	// StallThreshold is how long an entry must go without a new write
	// before the persister pushes it to the backend.
	StallThreshold time.Duration

	// RetryAttempts is how many attempts a read miss or a persist makes
	// against the backend before giving up.
	RetryAttempts int

	// RetryInterval is the delay between retry attempts.
	RetryInterval time.Duration

	// PollInterval is how often the persister scans for stalled
	// entries. Defaults to StallThreshold/3 when zero.
	PollInterval time.Duration
}

// DefaultConfig matches the defaults described for the write-back cache:
// 128 MiB memory budget, a 3 second stall threshold before an entry is
// pushed to the backend, and three attempts, one second apart, for
// retriable backend errors.
func DefaultConfig() Config {
	return Config{
		MemLimit:       128 * 1024 * 1024,
		StallThreshold: 3 * time.Second,
		RetryAttempts:  3,
		RetryInterval:  time.Second,
	}
}

// entry is a single cached object's in-memory state.
type entry struct {
	mu          sync.RWMutex
	data        []byte
	keep        int
	reads       int
	writes      int
	persists    int
	lastRead    time.Time
	lastWrite   time.Time
	lastPersist time.Time
	everWritten bool
}

func (e *entry) size() int {
	return len(e.data)
}

func (e *entry) dirty() bool {
	return e.writes > e.persists
}

// Cache wraps a backend with write-back semantics. It holds two
// independent references to the backend, one used for the read path
// and one for the write/persist path, so a caller that wants genuinely
// separate concurrency domains (e.g. two file descriptors onto the same
// file) can supply them via NewWithBackends; New, and the "cache:" URI
// scheme, point both references at the same backend instance, since
// this repository's backends (file.Store's store-wide lock, s3.Store's
// concurrency-safe SDK client) are already safe to call concurrently
// through one handle.
type Cache struct {
	readBackend  objectstore.ObjectStorage
	writeBackend objectstore.ObjectStorage
	cfg          Config

	entriesMu sync.RWMutex
	entries   map[string]*entry
	memUsage  uint64

	closed   bool
	closeMu  sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wraps inner with a write-back cache governed by cfg, starting its
// background persister goroutine. Both the read and write path use the
// same backend instance; see NewWithBackends to supply independent ones.
func New(inner objectstore.ObjectStorage, cfg Config) *Cache {
	return NewWithBackends(inner, inner, cfg)
}

// NewWithBackends wraps readBackend and writeBackend with a write-back
// cache governed by cfg, starting its background persister goroutine.
// The two backends are expected to refer to the same underlying storage;
// keeping them as separate references lets a backend implementation
// that benefits from independent handles (e.g. separate file
// descriptors) avoid sharing state between the read and write paths.
func NewWithBackends(readBackend, writeBackend objectstore.ObjectStorage, cfg Config) *Cache {
	if cfg.MemLimit == 0 {
		cfg.MemLimit = DefaultConfig().MemLimit
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = DefaultConfig().StallThreshold
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultConfig().RetryAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultConfig().RetryInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = cfg.StallThreshold / 3
		if cfg.PollInterval <= 0 {
			cfg.PollInterval = time.Second
		}
	}

	c := &Cache{
		readBackend:  readBackend,
		writeBackend: writeBackend,
		cfg:          cfg,
		entries:      make(map[string]*entry),
		stopCh:       make(chan struct{}),
	}

	c.wg.Add(1)
	go c.persistLoop()

	return c
}

func (c *Cache) getOrCreateLocked(name string) (*entry, bool) {
	e, ok := c.entries[name]
	if !ok {
		e = &entry{}
		c.entries[name] = e
	}
	return e, ok
}

func (c *Cache) adjustMemUsage(delta int) {
	c.entriesMu.Lock()
	defer c.entriesMu.Unlock()
	if delta >= 0 {
		c.memUsage += uint64(delta)
	} else {
		shrink := uint64(-delta)
		if shrink > c.memUsage {
			c.memUsage = 0
		} else {
			c.memUsage -= shrink
		}
	}
}

// Exists reports a cache hit without touching the backend; on a miss it
// asks the backend directly.
func (c *Cache) Exists(ctx context.Context, name string) (bool, error) {
	c.entriesMu.RLock()
	_, hit := c.entries[name]
	c.entriesMu.RUnlock()
	if hit {
		return true, nil
	}
	return c.readBackend.Exists(ctx, name)
}

// GetSize reports the cached entry's size on a hit, else defers to the
// backend.
func (c *Cache) GetSize(ctx context.Context, name string) (uint64, error) {
	c.entriesMu.RLock()
	e, hit := c.entries[name]
	c.entriesMu.RUnlock()
	if hit {
		e.mu.RLock()
		defer e.mu.RUnlock()
		return uint64(e.size()), nil
	}
	return c.readBackend.GetSize(ctx, name)
}

// Read returns the full contents of name, populating the cache on a
// miss. A miss fetch is retried against the read backend up to
// RetryAttempts times for transient errors before giving up.
func (c *Cache) Read(ctx context.Context, name string) ([]byte, error) {
	c.entriesMu.RLock()
	e, hit := c.entries[name]
	c.entriesMu.RUnlock()
	if hit {
		metrics.RecordCacheHit()
		e.mu.Lock()
		e.reads++
		e.lastRead = time.Now()
		out := make([]byte, len(e.data))
		copy(out, e.data)
		e.mu.Unlock()
		return out, nil
	}

	metrics.RecordCacheMiss()

	var data []byte
	err := c.retryTransient(ctx, name, fmt.Sprintf("%T", c.readBackend), func() error {
		var readErr error
		data, readErr = c.readBackend.Read(ctx, name)
		return readErr
	})
	if err != nil {
		return nil, err
	}

	if _, err := c.populate(name, data, false); err != nil {
		return nil, err
	}
	return data, nil
}

// populate inserts or overwrites name's cached data, evicting other
// clean entries first if the incoming data would cross the memory
// limit. Returns objectstore.ErrAllocation if no clean entry exists to
// evict and the limit would still be exceeded.
func (c *Cache) populate(name string, data []byte, dirty bool) (*entry, error) {
	c.entriesMu.Lock()
	e, existed := c.getOrCreateLocked(name)
	c.entriesMu.Unlock()

	e.mu.RLock()
	prevSize := e.size()
	e.mu.RUnlock()

	if grow := len(data) - prevSize; grow > 0 {
		if err := c.evictForSpace(name, grow); err != nil {
			if !existed {
				c.entriesMu.Lock()
				delete(c.entries, name)
				c.entriesMu.Unlock()
			}
			return nil, err
		}
	}

	e.mu.Lock()
	prevSize = e.size()
	e.data = data
	if dirty {
		e.writes++
		e.lastWrite = time.Now()
		e.everWritten = true
	} else {
		e.reads++
		e.lastRead = time.Now()
	}
	e.mu.Unlock()

	if !existed {
		c.adjustMemUsage(len(data))
	} else {
		c.adjustMemUsage(len(data) - prevSize)
	}
	return e, nil
}

// evictForSpace makes room for `incoming` additional bytes beyond what
// entry `exclude` already accounts for, repeatedly evicting the clean
// (persists==writes), unpinned entry with the oldest last_read until
// mem_usage+incoming no longer crosses the memory limit. Entries that
// were never read sort first. Returns objectstore.ErrAllocation if no
// further clean entry can be evicted.
func (c *Cache) evictForSpace(exclude string, incoming int) error {
	for {
		c.entriesMu.RLock()
		over := c.memUsage+uint64(incoming) > c.cfg.MemLimit
		c.entriesMu.RUnlock()
		if !over {
			return nil
		}

		name, victim := c.oldestCleanEntry(exclude)
		if victim == nil {
			return objectstore.ErrAllocation
		}

		c.entriesMu.Lock()
		delete(c.entries, name)
		c.entriesMu.Unlock()

		victim.mu.RLock()
		sz := victim.size()
		victim.mu.RUnlock()

		c.adjustMemUsage(-sz)
		metrics.RecordCacheEviction()
		logger.Debug("cache evicted entry for space", logger.Object(name))
	}
}

// oldestCleanEntry returns the name and entry of the clean, unpinned
// entry with the oldest last_read, skipping exclude. Returns a nil
// entry if none qualifies.
func (c *Cache) oldestCleanEntry(exclude string) (string, *entry) {
	c.entriesMu.RLock()
	defer c.entriesMu.RUnlock()

	var victimName string
	var victim *entry
	var victimLastRead time.Time
	found := false

	for name, e := range c.entries {
		if name == exclude {
			continue
		}
		e.mu.RLock()
		clean := !e.dirty()
		pinned := e.keep > 0
		lastRead := e.lastRead
		e.mu.RUnlock()

		if !clean || pinned {
			continue
		}
		if !found || lastRead.Before(victimLastRead) {
			victimName, victim, victimLastRead = name, e, lastRead
			found = true
		}
	}
	return victimName, victim
}

// Write replaces the full contents of name in memory. The write is
// acknowledged as Queued: durability happens later, via the persister or
// an explicit Persist call.
func (c *Cache) Write(ctx context.Context, name string, data []byte) (objectstore.Propagation, error) {
	buf := make([]byte, len(data))
	copy(buf, data)
	if _, err := c.populate(name, buf, true); err != nil {
		return objectstore.Ignored, err
	}
	return objectstore.Queued, nil
}

// PartialRead serves from the cached copy, populating it first on a
// miss.
func (c *Cache) PartialRead(ctx context.Context, name string, offset uint64, length uint64) ([]byte, error) {
	full, err := c.Read(ctx, name)
	if err != nil {
		return nil, err
	}
	end := offset + length
	if end > uint64(len(full)) {
		end = uint64(len(full))
	}
	if offset > uint64(len(full)) {
		return []byte{}, nil
	}
	return full[offset:end], nil
}

// PartialWrite patches the cached copy in place (extending it with
// zeros if offset lies past the current end), marking the entry dirty.
func (c *Cache) PartialWrite(ctx context.Context, name string, offset uint64, data []byte) (objectstore.Propagation, error) {
	c.entriesMu.RLock()
	e, hit := c.entries[name]
	c.entriesMu.RUnlock()

	if !hit {
		if _, err := c.Read(ctx, name); err != nil && err != objectstore.ErrNotFound {
			return objectstore.Ignored, err
		}
		c.entriesMu.RLock()
		e, hit = c.entries[name]
		c.entriesMu.RUnlock()
		if !hit {
			var err error
			e, err = c.populate(name, []byte{}, false)
			if err != nil {
				return objectstore.Ignored, err
			}
		}
	}

	e.mu.RLock()
	prevSize := e.size()
	e.mu.RUnlock()

	needed := int(offset) + len(data)
	if grow := needed - prevSize; grow > 0 {
		if err := c.evictForSpace(name, grow); err != nil {
			return objectstore.Ignored, err
		}
	}

	e.mu.Lock()
	prevSize = e.size()
	if needed > len(e.data) {
		grown := make([]byte, needed)
		copy(grown, e.data)
		e.data = grown
	}
	copy(e.data[offset:], data)
	e.writes++
	e.lastWrite = time.Now()
	e.everWritten = true
	newSize := e.size()
	e.mu.Unlock()

	c.adjustMemUsage(newSize - prevSize)

	return objectstore.Queued, nil
}

// Delete drops the cached entry (if any) and removes it from the
// backend.
func (c *Cache) Delete(ctx context.Context, name string) (objectstore.Propagation, error) {
	c.entriesMu.Lock()
	e, hit := c.entries[name]
	if hit {
		delete(c.entries, name)
	}
	c.entriesMu.Unlock()

	if hit {
		e.mu.RLock()
		sz := e.size()
		e.mu.RUnlock()
		c.adjustMemUsage(-sz)
		metrics.RecordCacheEviction()
	}

	return c.writeBackend.Delete(ctx, name)
}

// List defers to the backend; cached-but-unpersisted new objects are
// not yet visible to List since they were never named there before
// being queued. Dirty entries that already exist in the backend are
// still listed correctly since List only enumerates names.
func (c *Cache) List(ctx context.Context) ([]string, error) {
	return c.readBackend.List(ctx)
}

// ListByPrefix defers to the backend; see List.
func (c *Cache) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	return c.readBackend.ListByPrefix(ctx, prefix)
}

// Destroy drops every cached entry and forwards to the backend.
func (c *Cache) Destroy(ctx context.Context) error {
	c.entriesMu.Lock()
	c.entries = make(map[string]*entry)
	c.memUsage = 0
	c.entriesMu.Unlock()

	return c.writeBackend.Destroy(ctx)
}

// StartOperations pins the named entry in cache, populating it first if
// necessary, and forwards the hint to the backend.
func (c *Cache) StartOperations(ctx context.Context, name string) error {
	c.entriesMu.RLock()
	e, hit := c.entries[name]
	c.entriesMu.RUnlock()
	if !hit {
		if _, err := c.Read(ctx, name); err != nil && err != objectstore.ErrNotFound {
			return err
		}
		c.entriesMu.RLock()
		e, hit = c.entries[name]
		c.entriesMu.RUnlock()
	}
	if hit {
		e.mu.Lock()
		e.keep++
		e.mu.Unlock()
	}
	return c.writeBackend.StartOperations(ctx, name)
}

// EndOperations unpins the named entry and forwards the hint to the
// backend.
func (c *Cache) EndOperations(ctx context.Context, name string) error {
	c.entriesMu.RLock()
	e, hit := c.entries[name]
	c.entriesMu.RUnlock()
	if hit {
		e.mu.Lock()
		if e.keep > 0 {
			e.keep--
		}
		e.mu.Unlock()
	}
	return c.writeBackend.EndOperations(ctx, name)
}

// Persist flushes the named entry to the backend immediately if it is
// dirty, returning Redundant when there was nothing to push. The flush
// is retried up to RetryAttempts times for transient backend errors,
// the same as the background persister's stall-triggered flush.
func (c *Cache) Persist(ctx context.Context, name string) (objectstore.Propagation, error) {
	c.entriesMu.RLock()
	e, hit := c.entries[name]
	c.entriesMu.RUnlock()
	if !hit {
		return c.writeBackend.Persist(ctx, name)
	}
	return c.persistWithRetry(ctx, name, e)
}

func (c *Cache) persistEntry(ctx context.Context, name string, e *entry) (objectstore.Propagation, error) {
	e.mu.Lock()
	if !e.dirty() {
		e.mu.Unlock()
		return objectstore.Redundant, nil
	}
	data := make([]byte, len(e.data))
	copy(data, e.data)
	writesAtSnapshot := e.writes
	e.mu.Unlock()

	writeProp, err := c.writeBackend.Write(ctx, name, data)
	if err != nil {
		return objectstore.Ignored, err
	}

	e.mu.Lock()
	if e.writes == writesAtSnapshot {
		e.persists = e.writes
		e.lastPersist = time.Now()
	}
	e.mu.Unlock()

	persistProp, err := c.writeBackend.Persist(ctx, name)
	if err != nil {
		return objectstore.Ignored, err
	}

	// The result is the stronger (lower ordinal) of the two.
	if persistProp < writeProp {
		return persistProp, nil
	}
	return writeProp, nil
}

// Trim zero-fills the byte range [offset, offset+length) within the
// cached copy rather than shrinking it, matching the semantics of a
// sparse backend that reads zeros from a punched hole while keeping the
// object's apparent size unchanged.
func (c *Cache) Trim(ctx context.Context, name string, offset uint64, length uint64) (objectstore.Propagation, error) {
	if _, err := c.Read(ctx, name); err != nil {
		if err == objectstore.ErrNotFound {
			return objectstore.Noop, nil
		}
		return objectstore.Ignored, err
	}

	c.entriesMu.RLock()
	e := c.entries[name]
	c.entriesMu.RUnlock()

	e.mu.Lock()
	end := offset + length
	if end > uint64(len(e.data)) {
		end = uint64(len(e.data))
	}
	if offset < end {
		for i := offset; i < end; i++ {
			e.data[i] = 0
		}
		e.writes++
		e.lastWrite = time.Now()
	}
	e.mu.Unlock()

	return objectstore.Queued, nil
}

// Close stops the background persister, performing a best-effort final
// flush of every dirty entry, then closes the wrapped backend.
func (c *Cache) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	ctx := context.Background()
	c.entriesMu.RLock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	c.entriesMu.RUnlock()

	for _, name := range names {
		c.entriesMu.RLock()
		e := c.entries[name]
		c.entriesMu.RUnlock()
		if e == nil {
			continue
		}
		if _, err := c.persistWithRetry(ctx, name, e); err != nil {
			logger.Error("final cache flush failed", logger.Object(name), logger.Err(err))
		}
	}

	if c.readBackend != c.writeBackend {
		if err := c.readBackend.Close(); err != nil {
			return err
		}
	}
	return c.writeBackend.Close()
}

// SupportsRandomWriteAccess is always true: the cache emulates
// arbitrary-offset writes in memory regardless of what the backend
// supports natively.
func (c *Cache) SupportsRandomWriteAccess() bool { return true }

// SupportsTrim is always true; see Trim.
func (c *Cache) SupportsTrim() bool { return true }

var _ objectstore.PartialAccessObjectStorage = (*Cache)(nil)
