package pcache

import (
	"fmt"
	"log"
	"time"

	"github.com/renderkit/renderkit/internal/observability"
)

// PersistentCache is the public face of one cache connection. It initializes
// its backend on construction and degrades to returning permanent errors if
// that fails, so callers never branch on a partially constructed cache.
// Find and Insert are safe for concurrent use; the backend serializes them
// on its internal mutex.
type PersistentCache struct {
	// nil when backend initialization failed.
	backend Backend
	stats   *observability.OpStats
}

// Open creates a cache on the handles carried by params, consuming them.
func Open(params *BackendParams) (*PersistentCache, error) {
	switch params.Type {
	case BackendSQLite:
		backend, err := NewSQLiteBackend(params)
		if err != nil {
			return nil, err
		}
		return New(backend), nil
	}
	return nil, fmt.Errorf("pcache: unknown backend type %q", params.Type)
}

// New wraps backend, initializing it. An initialization failure is logged
// and leaves the cache answering every operation with ErrPermanent.
func New(backend Backend) *PersistentCache {
	cache := &PersistentCache{
		stats: observability.NewOpStats(observability.DefaultSampleProbability),
	}
	start := time.Now()
	if err := backend.Initialize(); err != nil {
		log.Printf("pcache: backend initialization failed: %v", err)
		backend.Close()
		return cache
	}
	cache.stats.Record(cache.opName("initialize", backend), time.Since(start))
	cache.backend = backend
	return cache
}

// Operating reports whether the cache has a usable backend.
func (c *PersistentCache) Operating() bool { return c.backend != nil }

// Find returns the entry for key, (nil, nil) on a miss, or a
// TransactionError.
func (c *PersistentCache) Find(key string) (*Entry, error) {
	if c.backend == nil {
		return nil, ErrPermanent
	}
	defer c.maybeTime("find")()
	return c.backend.Find(key)
}

// Insert stores content under key, replacing any previous entry.
func (c *PersistentCache) Insert(key string, content []byte, meta EntryMetadata) error {
	if c.backend == nil {
		return ErrPermanent
	}
	defer c.maybeTime("insert")()
	return c.backend.Insert(key, content, meta)
}

// ExportReadOnlyBackendParams duplicates the cache's handles into params for
// an independent read-only connection.
func (c *PersistentCache) ExportReadOnlyBackendParams() (*BackendParams, error) {
	if c.backend == nil {
		return nil, ErrPermanent
	}
	return c.backend.ExportReadOnlyParams()
}

// ExportReadWriteBackendParams duplicates the cache's handles into params
// for an independent read-write connection.
func (c *PersistentCache) ExportReadWriteBackendParams() (*BackendParams, error) {
	if c.backend == nil {
		return nil, ErrPermanent
	}
	return c.backend.ExportReadWriteParams()
}

// Abandon permanently invalidates every connection sharing this cache's
// files, across processes. No-op on a cache with no operating backend.
func (c *PersistentCache) Abandon() {
	if c.backend != nil {
		c.backend.Abandon()
	}
}

// Stats exposes the cache's sampled operation latencies.
func (c *PersistentCache) Stats() *observability.OpStats { return c.stats }

// Close releases the backend and its file handles.
func (c *PersistentCache) Close() error {
	if c.backend == nil {
		return nil
	}
	return c.backend.Close()
}

// maybeTime samples operation latency; most calls record nothing.
func (c *PersistentCache) maybeTime(op string) func() {
	if !c.stats.ShouldSample() {
		return func() {}
	}
	name := c.opName(op, c.backend)
	start := time.Now()
	return func() { c.stats.Record(name, time.Since(start)) }
}

func (c *PersistentCache) opName(op string, backend Backend) string {
	access := "rw"
	if backend.ReadOnly() {
		access = "ro"
	}
	return fmt.Sprintf("%s.%s.%s", op, backend.Type(), access)
}
