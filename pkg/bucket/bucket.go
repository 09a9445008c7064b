// Package bucket pairs a blobcache.Cache with the single exclusive lock
// that every operation on it must hold (§3, §4.3/§4.4 of the spec). The
// lock is a cancellation-aware, single-slot semaphore rather than a plain
// sync.Mutex so that a caller awaiting it can unwind cleanly on context
// cancellation without ever acquiring the cache.
package bucket

import (
	"context"

	"github.com/zeebo/errs"

	"vncache.io/vncache/pkg/blobcache"
	"vncache.io/vncache/pkg/memman"
)

// Error is the error class for this package.
var Error = errs.Class("bucket")

// Bucket is one shard of the cache table: a stable ID, a Blob Cache, the
// memory manager backing it, and the exclusive lock guarding both.
type Bucket struct {
	id    uint32
	cache *blobcache.Cache
	mem   memman.Manager
	sem   chan struct{} // capacity 1: held == empty
}

// New constructs a Bucket with the given stable id wrapping cache and mem.
func New(id uint32, cache *blobcache.Cache, mem memman.Manager) *Bucket {
	b := &Bucket{id: id, cache: cache, mem: mem, sem: make(chan struct{}, 1)}
	b.sem <- struct{}{}
	return b
}

// ID returns the bucket's stable identifier. The memory manager may use
// this to shard its own heaps.
func (b *Bucket) ID() uint32 { return b.id }

// Lock acquires the bucket's exclusive lock, returning a Release func. It
// blocks until the lock is available or ctx is cancelled; on cancellation
// it returns ctx.Err() without acquiring anything.
func (b *Bucket) Lock(ctx context.Context) (release func(), err error) {
	select {
	case <-b.sem:
		return func() { b.sem <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cache returns the bucket's Blob Cache. Callers must hold the bucket's
// lock for the duration of any operation on it.
func (b *Bucket) Cache() *blobcache.Cache { return b.cache }

// Memory returns the bucket's memory manager. Callers must hold the
// bucket's lock for the duration of any operation on it.
func (b *Bucket) Memory() memman.Manager { return b.mem }

// LockOrdered acquires two buckets' locks in a fixed total order (by ID,
// ascending) to prevent deadlock when an operation must touch two buckets
// at once (§4.4's cross-bucket rename). Callers must not acquire two
// buckets any other way.
func LockOrdered(ctx context.Context, a, b *Bucket) (release func(), err error) {
	first, second := a, b
	if first.id > second.id {
		first, second = second, first
	}
	relFirst, err := first.Lock(ctx)
	if err != nil {
		return nil, err
	}
	relSecond, err := second.Lock(ctx)
	if err != nil {
		relFirst()
		return nil, err
	}
	return func() {
		relSecond()
		relFirst()
	}, nil
}
