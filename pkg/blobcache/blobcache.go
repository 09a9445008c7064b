// Package blobcache implements the per-bucket LRU mapping of key to
// cacheentry.Entry described in §4.3 of the spec: bounded by max capacity,
// evicting the least-recently-used entry on overflow, with an optional
// persistence hook for eviction / deletion / cache-miss promotion.
//
// A Cache is not safe for concurrent use. It is always wrapped by a
// pkg/bucket.Bucket, which serializes access under a single exclusive lock
// — mirroring the teacher's bucket-local, non-thread-safe allocator
// convention (§4.2).
package blobcache

import (
	"container/list"

	"github.com/zeebo/errs"

	"vncache.io/vncache/pkg/cacheentry"
)

// Error is the error class for this package.
var Error = errs.Class("blobcache")

type record struct {
	key   string
	entry *cacheentry.Entry
}

// Options configures a Cache.
type Options struct {
	// BucketID is passed through to the Persistence hook so it can shard
	// its own storage by bucket.
	BucketID uint32
	// MaxCapacity bounds the number of live entries. Must be >= 1.
	MaxCapacity int
	// Persistence is optional; see the Persistence interface.
	Persistence Persistence
}

// Cache is a single bucket's LRU blob store.
type Cache struct {
	bucketID    uint32
	maxCapacity int
	persist     Persistence

	index map[string]*list.Element
	order *list.List // front = most-recently-used
}

// New constructs a Cache per opts. MaxCapacity must be >= 1.
func New(opts Options) (*Cache, error) {
	if opts.MaxCapacity < 1 {
		return nil, Error.New("max capacity must be >= 1")
	}
	return &Cache{
		bucketID:    opts.BucketID,
		maxCapacity: opts.MaxCapacity,
		persist:     opts.Persistence,
		index:       make(map[string]*list.Element),
		order:       list.New(),
	}, nil
}

// Len returns the number of live entries.
func (c *Cache) Len() int { return len(c.index) }

// TryGet looks up id. On a hit, the entry becomes most-recently-used. On a
// miss, the persistence hook (if any) is consulted for a promotable value;
// if it supplies one, the entry is inserted at the most-recent position and
// returned as a hit.
func (c *Cache) TryGet(id string) (*cacheentry.Entry, bool) {
	if el, ok := c.index[id]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*record).entry, true
	}
	if c.persist != nil {
		if entry, ok := c.persist.OnCacheMiss(c.bucketID, id); ok && entry != nil {
			c.insertFront(id, entry)
			return entry, true
		}
	}
	return nil, false
}

// Add inserts entry under id as the most-recently-used entry. If the cache
// is already at max capacity, the least-recently-used entry is evicted
// first: the persistence hook's OnEntryEvicted is invoked, then the evicted
// entry is disposed.
func (c *Cache) Add(id string, entry *cacheentry.Entry) error {
	if existing, ok := c.index[id]; ok {
		// Replacing an existing key in place: dispose the old entry as if
		// it had been explicitly removed, then insert fresh.
		old := existing.Value.(*record).entry
		c.order.Remove(existing)
		delete(c.index, id)
		if c.persist != nil {
			c.persist.OnEntryDeleted(c.bucketID, id)
		}
		if err := old.Dispose(); err != nil {
			return err
		}
	} else if len(c.index) >= c.maxCapacity {
		if err := c.evictLRU(); err != nil {
			return err
		}
	}
	c.insertFront(id, entry)
	return nil
}

func (c *Cache) insertFront(id string, entry *cacheentry.Entry) {
	el := c.order.PushFront(&record{key: id, entry: entry})
	c.index[id] = el
}

func (c *Cache) evictLRU() error {
	back := c.order.Back()
	if back == nil {
		return nil
	}
	rec := back.Value.(*record)
	c.order.Remove(back)
	delete(c.index, rec.key)
	if c.persist != nil {
		c.persist.OnEntryEvicted(c.bucketID, rec.key, rec.entry)
	}
	return rec.entry.Dispose()
}

// Remove deletes id if present, returning whether it was found. The
// persistence hook's OnEntryDeleted fires before the entry is disposed.
func (c *Cache) Remove(id string) (bool, error) {
	_, found, err := c.removeOwned(id)
	return found, err
}

// RemoveOwned deletes id if present and transfers ownership of its entry to
// the caller instead of disposing it. Used by cross-bucket rename (§4.4),
// which moves the buffer rather than copying it.
func (c *Cache) RemoveOwned(id string) (*cacheentry.Entry, bool) {
	el, ok := c.index[id]
	if !ok {
		return nil, false
	}
	rec := el.Value.(*record)
	c.order.Remove(el)
	delete(c.index, id)
	if c.persist != nil {
		c.persist.OnEntryDeleted(c.bucketID, id)
	}
	return rec.entry, true
}

func (c *Cache) removeOwned(id string) (*cacheentry.Entry, bool, error) {
	entry, ok := c.RemoveOwned(id)
	if !ok {
		return nil, false, nil
	}
	if err := entry.Dispose(); err != nil {
		return nil, true, err
	}
	return entry, true, nil
}

// TryChangeKey moves the entry at old to new without reallocating its
// buffer and without disturbing the LRU position of any other entry; the
// moved entry becomes most-recently-used. If new already names an entry, it
// is evicted (persistence-deleted, then disposed) to make room, matching
// Add's replace-in-place semantics.
func (c *Cache) TryChangeKey(oldID, newID string) (*cacheentry.Entry, bool, error) {
	el, ok := c.index[oldID]
	if !ok {
		return nil, false, nil
	}
	rec := el.Value.(*record)

	if existing, ok := c.index[newID]; ok && existing != el {
		oldEntry := existing.Value.(*record).entry
		c.order.Remove(existing)
		delete(c.index, newID)
		if c.persist != nil {
			c.persist.OnEntryDeleted(c.bucketID, newID)
		}
		if err := oldEntry.Dispose(); err != nil {
			return nil, false, err
		}
	}

	delete(c.index, oldID)
	rec.key = newID
	c.index[newID] = el
	c.order.MoveToFront(el)
	return rec.entry, true, nil
}

// Clear disposes every entry and empties the cache. Used on bucket
// teardown.
func (c *Cache) Clear() error {
	var firstErr error
	for el := c.order.Front(); el != nil; el = el.Next() {
		if err := el.Value.(*record).entry.Dispose(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.index = make(map[string]*list.Element)
	c.order = list.New()
	return firstErr
}
