package blobcache

import "vncache.io/vncache/pkg/cacheentry"

// Persistence is the optional eviction/cache-miss promotion hook (§4.3).
// A Blob Cache with a nil Persistence simply drops evicted/deleted entries
// and never promotes on miss.
type Persistence interface {
	// OnEntryEvicted is invoked when Add must make room in a full cache,
	// just before the evicted entry is disposed.
	OnEntryEvicted(bucketID uint32, key string, entry *cacheentry.Entry)
	// OnEntryDeleted is invoked on an explicit Remove, just before the
	// entry is disposed.
	OnEntryDeleted(bucketID uint32, key string)
	// OnCacheMiss is invoked on a TryGet miss. If it returns a non-nil
	// entry, the entry is inserted at the most-recent position and
	// returned to the caller as if it had always been present.
	OnCacheMiss(bucketID uint32, key string) (*cacheentry.Entry, bool)
}
