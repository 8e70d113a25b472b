// Package cache implements a content-addressed artifact cache over a
// blob store. A singleflight group guarantees at most one producer per
// key runs at a time; entries expire after a configurable TTL.
package cache

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ecotrace/ecotrace/internal/carbon"
	"github.com/ecotrace/ecotrace/internal/metrics"
)

// Config controls cache behavior.
type Config struct {
	// TTL is how long a produced artifact stays valid.
	TTL time.Duration
	// SweepInterval is how often the background sweep evicts expired
	// index entries. Zero disables the sweep.
	SweepInterval time.Duration
	// MaxEntryBytes rejects artifacts larger than this. Zero means no cap.
	MaxEntryBytes int64
}

// Cache indexes artifacts by key and persists their bytes in a blob store.
type Cache struct {
	blob   carbon.BlobStore
	clock  carbon.Clock
	cfg    Config
	logger *zap.Logger

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]carbon.CacheEntry
}

// New creates a Cache over the given blob store.
func New(blob carbon.BlobStore, clock carbon.Clock, cfg Config, logger *zap.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	return &Cache{
		blob:    blob,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]carbon.CacheEntry),
	}
}

// GetOrCreate returns the cached entry for key, running produce when the
// key is absent or expired. The boolean reports whether the entry was a
// cache hit. Concurrent callers for the same key share a single producer
// run. When the blob write fails the produced entry is still returned,
// with an empty Ref and without being indexed.
func (c *Cache) GetOrCreate(ctx context.Context, key string, contentType string, produce carbon.ProducerFunc) (carbon.CacheEntry, bool, error) {
	if entry, ok := c.lookup(key); ok {
		metrics.ObserveCacheLookup("hit")
		return entry, true, nil
	}

	result, err, shared := c.group.Do(key, func() (any, error) {
		// A concurrent caller may have produced the entry while this
		// one waited on the flight.
		if entry, ok := c.lookup(key); ok {
			return entry, nil
		}
		return c.produce(ctx, key, contentType, produce)
	})
	if err != nil {
		return carbon.CacheEntry{}, false, err
	}
	entry := result.(carbon.CacheEntry)
	if shared {
		metrics.ObserveCacheLookup("shared")
	} else {
		metrics.ObserveCacheLookup("miss")
	}
	return entry, false, nil
}

// Invalidate drops the index entry for key. The blob itself is left in
// place; a later producer run overwrites it.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len reports the number of live index entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Start runs the background sweep until ctx is done.
func (c *Cache) Start(ctx context.Context) {
	if c.cfg.SweepInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				evicted := c.sweep()
				if evicted > 0 {
					c.logger.Debug("cache sweep evicted expired entries",
						zap.Int("evicted", evicted))
				}
			}
		}
	}()
}

func (c *Cache) lookup(key string) (carbon.CacheEntry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return carbon.CacheEntry{}, false
	}
	if entry.Expired(c.clock.Now()) {
		metrics.ObserveCacheLookup("expired")
		c.Invalidate(key)
		return carbon.CacheEntry{}, false
	}
	return entry, true
}

func (c *Cache) produce(ctx context.Context, key string, contentType string, produce carbon.ProducerFunc) (carbon.CacheEntry, error) {
	artifact, err := produce(ctx)
	if err != nil {
		return carbon.CacheEntry{}, err
	}
	if c.cfg.MaxEntryBytes > 0 && int64(len(artifact.Data)) > c.cfg.MaxEntryBytes {
		return carbon.CacheEntry{}, fmt.Errorf("artifact for key %s exceeds cache entry limit (%d > %d bytes)",
			key, len(artifact.Data), c.cfg.MaxEntryBytes)
	}
	if artifact.ContentType == "" {
		artifact.ContentType = contentType
	}

	now := c.clock.Now()
	entry := carbon.CacheEntry{
		Key:         key,
		ContentType: artifact.ContentType,
		SizeBefore:  artifact.SizeBefore,
		SizeAfter:   int64(len(artifact.Data)),
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.cfg.TTL),
	}

	ref, err := c.blob.Put(ctx, "cache/"+key, artifact.ContentType, bytes.NewReader(artifact.Data))
	if err != nil {
		// Write failures degrade to a miss: the produced artifact goes
		// back to the caller uncached and the key stays unindexed, so
		// the next caller reruns the producer.
		c.logger.Warn("cache write failed, returning uncached artifact",
			zap.String("key", key),
			zap.Error(err))
		metrics.ObserveCacheLookup("write_error")
		return entry, nil
	}
	entry.Ref = ref

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return entry, nil
}

func (c *Cache) sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for key, entry := range c.entries {
		if entry.Expired(now) {
			delete(c.entries, key)
			evicted++
		}
	}
	return evicted
}
