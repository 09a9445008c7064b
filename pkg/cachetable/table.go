// Package cachetable implements the Cache Table and its three top-level
// operations (§4.4 of the spec): AddOrUpdate, Delete, and Get. It fans a
// key out to one of bucket_count buckets by a deterministic 4-byte
// fingerprint and enforces the two-bucket lock ordering required for
// cross-bucket renames.
package cachetable

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"vncache.io/vncache/pkg/blobcache"
	"vncache.io/vncache/pkg/bucket"
	"vncache.io/vncache/pkg/cacheentry"
	"vncache.io/vncache/pkg/changeevent"
	"vncache.io/vncache/pkg/memman"
)

// Error is the error class for this package.
var Error = errs.Class("cachetable")

// ErrInvalidKey is returned when a key shorter than 4 characters is used.
var ErrInvalidKey = Error.New("key must be at least 4 characters")

// ErrNotFound is returned by Get when the key is absent. Delete reports a
// miss as found == false with a nil error instead.
var ErrNotFound = Error.New("key not found")

// EventSink receives a ChangeEvent for every accepted mutation, published
// after the relevant bucket lock(s) have been released.
type EventSink interface {
	Publish(changeevent.Event)
}

// BucketFactory builds the blobcache.Cache and memman.Manager pair backing
// one bucket. Table calls it once per bucket at construction time.
type BucketFactory func(bucketID uint32) (*blobcache.Cache, memman.Manager, error)

// Table is an ordered sequence of buckets, fanning keys out deterministically
// by bucketIndex.
type Table struct {
	buckets []*bucket.Bucket
	sink    EventSink
}

// New constructs a Table of bucketCount buckets, each built by factory, and
// routes mutation events to sink.
func New(bucketCount uint32, factory BucketFactory, sink EventSink) (*Table, error) {
	if bucketCount < 1 {
		return nil, Error.New("bucket count must be >= 1")
	}
	buckets := make([]*bucket.Bucket, bucketCount)
	for i := uint32(0); i < bucketCount; i++ {
		cache, mem, err := factory(i)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		buckets[i] = bucket.New(i, cache, mem)
	}
	return &Table{buckets: buckets, sink: sink}, nil
}

// BucketCount returns the number of buckets in the table.
func (t *Table) BucketCount() int { return len(t.buckets) }

func (t *Table) bucketFor(key string) (*bucket.Bucket, error) {
	if len(key) < 4 {
		return nil, ErrInvalidKey
	}
	idx := bucketIndex(key, uint32(len(t.buckets)))
	return t.buckets[idx], nil
}

func (t *Table) publish(ev changeevent.Event) {
	if t.sink != nil {
		t.sink.Publish(ev)
	}
}

// Get copies id's current payload into a fresh buffer while the bucket lock
// is held, then releases the lock before returning. Returns ErrNotFound on
// a miss.
func (t *Table) Get(ctx context.Context, id string) ([]byte, error) {
	b, err := t.bucketFor(id)
	if err != nil {
		return nil, err
	}
	release, err := b.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	entry, found := b.Cache().TryGet(id)
	if !found {
		return nil, ErrNotFound
	}
	data, err := entry.GetDataSegment()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Delete removes id, returning whether it was found.
func (t *Table) Delete(ctx context.Context, id string) (bool, error) {
	b, err := t.bucketFor(id)
	if err != nil {
		return false, err
	}
	release, err := b.Lock(ctx)
	if err != nil {
		return false, err
	}
	found, delErr := b.Cache().Remove(id)
	release()
	if delErr != nil {
		return false, Error.Wrap(delErr)
	}
	if !found {
		return false, nil
	}
	t.publish(changeevent.Event{CurrentID: id, Deleted: true})
	return true, nil
}

// AddOrUpdate implements §4.4's three-way AddOrUpdate contract.
//
//   - altID == "": plain add-or-update of id.
//   - altID != "" and resolves to the same bucket as id: an in-bucket
//     rename (TryChangeKey), with data overwriting the moved entry's
//     payload unless data is empty (a rename-only operation).
//   - altID != "" and resolves to a different bucket: a cross-bucket move,
//     taking ownership of id's entry (if any) and placing it under altID in
//     the other bucket, locking both buckets in a fixed order.
//
// A single ChangeEvent is published after all locks are released.
func (t *Table) AddOrUpdate(ctx context.Context, id, altID string, data []byte, when time.Time) error {
	if altID == "" {
		if err := t.addOrUpdateSimple(ctx, id, data, when); err != nil {
			return err
		}
		t.publish(changeevent.Event{CurrentID: id})
		return nil
	}

	primary, err := t.bucketFor(id)
	if err != nil {
		return err
	}
	secondary, err := t.bucketFor(altID)
	if err != nil {
		return err
	}

	if primary == secondary {
		if err := t.renameSameBucket(ctx, primary, id, altID, data, when); err != nil {
			return err
		}
	} else {
		if err := t.renameCrossBucket(ctx, primary, secondary, id, altID, data, when); err != nil {
			return err
		}
	}
	t.publish(changeevent.Event{CurrentID: id, AlternateID: altID})
	return nil
}

func (t *Table) addOrUpdateSimple(ctx context.Context, id string, data []byte, when time.Time) error {
	b, err := t.bucketFor(id)
	if err != nil {
		return err
	}
	release, err := b.Lock(ctx)
	if err != nil {
		return err
	}
	defer release()
	return addOrUpdateEntry(b, id, data, when)
}

// addOrUpdateEntry implements the bucket-local TryGet-then-UpdateData,
// else-Create logic shared by every add/update path. Caller must hold b's
// lock.
func addOrUpdateEntry(b *bucket.Bucket, id string, data []byte, when time.Time) error {
	if entry, found := b.Cache().TryGet(id); found {
		if err := entry.UpdateData(data); err != nil {
			return Error.Wrap(err)
		}
		return Error.Wrap(entry.SetTime(when.UnixNano()))
	}
	entry, err := cacheentry.Create(b.Memory(), data)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := entry.SetTime(when.UnixNano()); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(b.Cache().Add(id, entry))
}

func (t *Table) renameSameBucket(ctx context.Context, b *bucket.Bucket, id, altID string, data []byte, when time.Time) error {
	release, err := b.Lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	entry, found, err := b.Cache().TryChangeKey(id, altID)
	if err != nil {
		return Error.Wrap(err)
	}
	if !found {
		return addOrUpdateEntry(b, altID, data, when)
	}
	if len(data) == 0 {
		// Rename-only: leave the prior payload intact, still refresh time.
		return Error.Wrap(entry.SetTime(when.UnixNano()))
	}
	if err := entry.UpdateData(data); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(entry.SetTime(when.UnixNano()))
}

func (t *Table) renameCrossBucket(ctx context.Context, primary, secondary *bucket.Bucket, id, altID string, data []byte, when time.Time) error {
	release, err := bucket.LockOrdered(ctx, primary, secondary)
	if err != nil {
		return err
	}
	defer release()

	moved, found := primary.Cache().RemoveOwned(id)
	if !found {
		return addOrUpdateEntry(secondary, altID, data, when)
	}

	if existing, foundExisting := secondary.Cache().TryGet(altID); foundExisting {
		// Overwrite the existing alt entry; the moved one is surplus.
		payload := data
		if len(payload) == 0 {
			seg, err := moved.GetDataSegment()
			if err != nil {
				return Error.Wrap(err)
			}
			payload = seg
		}
		if err := existing.UpdateData(payload); err != nil {
			return Error.Wrap(err)
		}
		if err := existing.SetTime(when.UnixNano()); err != nil {
			return Error.Wrap(err)
		}
		return Error.Wrap(moved.Dispose())
	}

	// Reuse the moved entry under the new key in the alternate bucket.
	if len(data) > 0 {
		if err := moved.UpdateData(data); err != nil {
			return Error.Wrap(err)
		}
	}
	if err := moved.SetTime(when.UnixNano()); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(secondary.Cache().Add(altID, moved))
}
