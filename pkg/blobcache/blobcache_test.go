package blobcache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vncache.io/vncache/pkg/blobcache"
	"vncache.io/vncache/pkg/cacheentry"
	"vncache.io/vncache/pkg/memman"
)

func mustEntry(t *testing.T, mm memman.Manager, payload string) *cacheentry.Entry {
	t.Helper()
	e, err := cacheentry.Create(mm, []byte(payload))
	require.NoError(t, err)
	return e
}

// TestCache_LRUEviction reproduces the literal scenario from spec.md §8:
// max_cache_entries=2, add three keys in order, the first is evicted.
func TestCache_LRUEviction(t *testing.T) {
	mm := memman.NewHeapManager(memman.Options{})
	c, err := blobcache.New(blobcache.Options{MaxCapacity: 2})
	require.NoError(t, err)

	require.NoError(t, c.Add("key10000", mustEntry(t, mm, "a")))
	require.NoError(t, c.Add("key20000", mustEntry(t, mm, "b")))
	require.NoError(t, c.Add("key30000", mustEntry(t, mm, "c")))

	_, found := c.TryGet("key10000")
	require.False(t, found)

	e, found := c.TryGet("key20000")
	require.True(t, found)
	data, err := e.GetDataSegment()
	require.NoError(t, err)
	require.Equal(t, []byte("b"), data)

	_, found = c.TryGet("key30000")
	require.True(t, found)
}

func TestCache_AccessRefreshesRecency(t *testing.T) {
	mm := memman.NewHeapManager(memman.Options{})
	c, err := blobcache.New(blobcache.Options{MaxCapacity: 2})
	require.NoError(t, err)

	require.NoError(t, c.Add("a", mustEntry(t, mm, "1")))
	require.NoError(t, c.Add("b", mustEntry(t, mm, "2")))

	// touching "a" makes "b" the LRU victim instead.
	_, found := c.TryGet("a")
	require.True(t, found)

	require.NoError(t, c.Add("c", mustEntry(t, mm, "3")))

	_, found = c.TryGet("b")
	require.False(t, found)
	_, found = c.TryGet("a")
	require.True(t, found)
}

func TestCache_RemoveInvokesPersistenceAndDisposes(t *testing.T) {
	mm := memman.NewHeapManager(memman.Options{})
	hook := &recordingPersistence{}
	c, err := blobcache.New(blobcache.Options{BucketID: 7, MaxCapacity: 4, Persistence: hook})
	require.NoError(t, err)

	require.NoError(t, c.Add("a", mustEntry(t, mm, "1")))
	found, err := c.Remove("a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []string{"a"}, hook.deleted)

	found, err = c.Remove("a")
	require.NoError(t, err)
	require.False(t, found)
}

func TestCache_TryChangeKeyPreservesBufferIdentityAndRecency(t *testing.T) {
	mm := memman.NewHeapManager(memman.Options{})
	c, err := blobcache.New(blobcache.Options{MaxCapacity: 4})
	require.NoError(t, err)

	original := mustEntry(t, mm, "payload")
	require.NoError(t, c.Add("old", original))

	moved, found, err := c.TryChangeKey("old", "new")
	require.NoError(t, err)
	require.True(t, found)
	require.Same(t, original, moved)

	_, found = c.TryGet("old")
	require.False(t, found)

	got, found := c.TryGet("new")
	require.True(t, found)
	require.Same(t, original, got)
}

func TestCache_EvictionInvokesPersistenceBeforeDispose(t *testing.T) {
	mm := memman.NewHeapManager(memman.Options{})
	hook := &recordingPersistence{}
	c, err := blobcache.New(blobcache.Options{BucketID: 3, MaxCapacity: 1, Persistence: hook})
	require.NoError(t, err)

	require.NoError(t, c.Add("a", mustEntry(t, mm, "1")))
	require.NoError(t, c.Add("b", mustEntry(t, mm, "2")))

	require.Equal(t, []string{"a"}, hook.evicted)
}

func TestCache_MaxCapacityMustBePositive(t *testing.T) {
	_, err := blobcache.New(blobcache.Options{MaxCapacity: 0})
	require.Error(t, err)
}

type recordingPersistence struct {
	evicted []string
	deleted []string
}

func (r *recordingPersistence) OnEntryEvicted(_ uint32, key string, _ *cacheentry.Entry) {
	r.evicted = append(r.evicted, key)
}

func (r *recordingPersistence) OnEntryDeleted(_ uint32, key string) {
	r.deleted = append(r.deleted, key)
}

func (r *recordingPersistence) OnCacheMiss(_ uint32, _ string) (*cacheentry.Entry, bool) {
	return nil, false
}
