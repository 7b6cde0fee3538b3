package pcache

import (
	"container/list"
	"fmt"

	"github.com/spaolacci/murmur3"
)

// DefaultLRUCapacity bounds how many live PersistentCache instances a
// collection keeps before evicting the least recently used.
const DefaultLRUCapacity = 100

// Collection gives seamless access to many caches keyed by cache id, each
// created just-in-time on first access. Compared to double-keying into one
// database this keeps per-id files small and separately evictable.
//
// Caches evicted from the collection are abandoned first, so connections
// previously exported from them immediately start reporting ErrConnection
// instead of silently operating on files the collection no longer manages.
//
// Collection itself is not safe for concurrent use; confine it to one
// goroutine. The PersistentCache instances it creates are independently
// thread-safe.
type Collection struct {
	storage         *BackendStorage
	targetFootprint int64
	capacity        int

	// Most recently used at the front.
	order  *list.List
	caches map[string]*list.Element

	// Bytes that may be inserted before the next footprint reduction.
	bytesUntilReduction int64
}

type collectionEntry struct {
	cacheID string
	cache   *PersistentCache
}

// NewCollection manages caches under directory, keeping their combined disk
// footprint near targetFootprint bytes; a non-positive target disables
// footprint reduction. capacity bounds live instances; pass 0 for
// DefaultLRUCapacity.
func NewCollection(directory string, targetFootprint int64, capacity int) *Collection {
	if capacity <= 0 {
		capacity = DefaultLRUCapacity
	}
	return &Collection{
		storage:             NewBackendStorage(SQLiteDelegate{}, directory),
		targetFootprint:     targetFootprint,
		capacity:            capacity,
		order:               list.New(),
		caches:              make(map[string]*list.Element),
		bytesUntilReduction: targetFootprint / 10,
	}
}

// Storage exposes the collection's backend storage.
func (c *Collection) Storage() *BackendStorage { return c.storage }

// Find returns the entry for key in the cache at cacheID.
func (c *Collection) Find(cacheID, key string) (*Entry, error) {
	cache := c.getOrCreate(cacheID)
	if cache == nil {
		return nil, ErrPermanent
	}
	entry, err := cache.Find(key)
	if err != nil {
		return nil, c.handleError(cacheID, err)
	}
	return entry, nil
}

// Insert stores content under key in the cache at cacheID. Once enough
// bytes have accumulated since the last reduction, the collection's total
// footprint is brought back under its target; the work is amortized across
// inserts rather than paid on each one.
func (c *Collection) Insert(cacheID, key string, content []byte, meta EntryMetadata) error {
	cache := c.getOrCreate(cacheID)
	if cache == nil {
		return ErrPermanent
	}
	if err := cache.Insert(key, content, meta); err != nil {
		return c.handleError(cacheID, err)
	}

	if c.targetFootprint > 0 {
		c.bytesUntilReduction -= int64(len(key) + len(content))
		if c.bytesUntilReduction <= 0 {
			c.storage.BringDownTotalFootprint(c.targetFootprint * 9 / 10)
			c.bytesUntilReduction = c.targetFootprint / 10
		}
	}
	return nil
}

// ExportReadOnlyBackendParams returns params for an independent read-only
// connection to the cache at cacheID.
func (c *Collection) ExportReadOnlyBackendParams(cacheID string) (*BackendParams, error) {
	cache := c.getOrCreate(cacheID)
	if cache == nil {
		return nil, ErrPermanent
	}
	return cache.ExportReadOnlyBackendParams()
}

// ExportReadWriteBackendParams returns params for an independent read-write
// connection to the cache at cacheID.
func (c *Collection) ExportReadWriteBackendParams(cacheID string) (*BackendParams, error) {
	cache := c.getOrCreate(cacheID)
	if cache == nil {
		return nil, ErrPermanent
	}
	return cache.ExportReadWriteBackendParams()
}

// DeleteAllFiles deletes every file managed by the collection, including
// on-disk state of caches not currently live. Live instances keep operating
// on their open handles.
func (c *Collection) DeleteAllFiles() {
	c.storage.DeleteAllFiles()
}

// Clear abandons and drops every live cache instance. On-disk data is
// unaffected; entries remain retrievable through newly created instances.
func (c *Collection) Clear() {
	for id, elem := range c.caches {
		c.abandonEntry(elem)
		delete(c.caches, id)
	}
	c.order.Init()
}

// handleError performs the structural action an error kind demands before
// passing it through. Permanent errors imply unrecoverable corruption, so
// the cache's files are deleted and the instance dropped; there is nothing
// left to salvage. Connection errors are left to the caller: the files may
// be owned by a live abandonment and must not be touched.
func (c *Collection) handleError(cacheID string, err error) error {
	kind, ok := AsTransactionError(err)
	if !ok || kind != ErrPermanent {
		return err
	}
	if elem, exists := c.caches[cacheID]; exists {
		c.abandonEntry(elem)
		c.order.Remove(elem)
		delete(c.caches, cacheID)
	}
	c.storage.DeleteFiles(baseNameFromCacheID(cacheID))
	return err
}

func (c *Collection) getOrCreate(cacheID string) *PersistentCache {
	if elem, exists := c.caches[cacheID]; exists {
		c.order.MoveToFront(elem)
		return elem.Value.(*collectionEntry).cache
	}

	backend := c.storage.MakeBackend(baseNameFromCacheID(cacheID))
	if backend == nil {
		return nil
	}
	cache := New(backend)
	elem := c.order.PushFront(&collectionEntry{cacheID: cacheID, cache: cache})
	c.caches[cacheID] = elem

	for len(c.caches) > c.capacity {
		oldest := c.order.Back()
		c.abandonEntry(oldest)
		delete(c.caches, oldest.Value.(*collectionEntry).cacheID)
		c.order.Remove(oldest)
	}
	return cache
}

func (c *Collection) abandonEntry(elem *list.Element) {
	entry := elem.Value.(*collectionEntry)
	entry.cache.Abandon()
	entry.cache.Close()
}

// allowedCacheIDCharacters holds every byte a cache id may contain: a
// subset of US-ASCII consisting of newline, space, digits, lower-case
// letters, and select punctuation.
const allowedCacheIDCharacters = "\n !\"#$&'()*+,-./0123456789:;<=>?@[\\]_" +
	"abcdefghijklmnopqrstuvwxyz|~"

// AllowedCacheIDCharacters returns every valid cache id byte.
func AllowedCacheIDCharacters() string { return allowedCacheIDCharacters }

var allowedCacheIDSet = func() [256]bool {
	var set [256]bool
	for i := 0; i < len(allowedCacheIDCharacters); i++ {
		set[allowedCacheIDCharacters[i]] = true
	}
	return set
}()

// baseNameFromCacheID maps a cache id to the on-disk base name its backend
// files carry. The name is an obfuscating hash: not reversible, and never
// containing the id or any substring of it. A cache id outside the allowed
// character set is a programming error.
func baseNameFromCacheID(cacheID string) string {
	for i := 0; i < len(cacheID); i++ {
		if !allowedCacheIDSet[cacheID[i]] {
			panic(fmt.Sprintf("pcache: invalid cache id character %q", cacheID[i]))
		}
	}
	hi, lo := murmur3.Sum128([]byte(cacheID))
	return fmt.Sprintf("%016x%016x", hi, lo)
}
