package cacheentry_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vncache.io/vncache/pkg/cacheentry"
	"vncache.io/vncache/pkg/memman"
)

func newManager() memman.Manager {
	return memman.NewHeapManager(memman.Options{PageSize: 64})
}

func TestEntry_CreateAndRead(t *testing.T) {
	e, err := cacheentry.Create(newManager(), []byte("hello"))
	require.NoError(t, err)

	length, err := e.GetLength()
	require.NoError(t, err)
	require.Equal(t, 5, length)

	data, err := e.GetDataSegment()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
}

func TestEntry_TimeRoundTrip(t *testing.T) {
	e, err := cacheentry.Create(newManager(), []byte("x"))
	require.NoError(t, err)

	require.NoError(t, e.SetTime(1234567890))
	got, err := e.GetTime()
	require.NoError(t, err)
	require.EqualValues(t, 1234567890, got)
}

func TestEntry_UpdateDataWithinCapacityDoesNotRealloc(t *testing.T) {
	mm := memman.NewHeapManager(memman.Options{PageSize: 4096})
	e, err := cacheentry.Create(mm, make([]byte, 10))
	require.NoError(t, err)

	require.NoError(t, e.UpdateData([]byte("short")))
	length, err := e.GetLength()
	require.NoError(t, err)
	require.Equal(t, 5, length)

	data, err := e.GetDataSegment()
	require.NoError(t, err)
	require.Equal(t, []byte("short"), data)
}

func TestEntry_UpdateDataGrowsWhenNeeded(t *testing.T) {
	e, err := cacheentry.Create(newManager(), []byte("a"))
	require.NoError(t, err)

	big := make([]byte, 1000)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, e.UpdateData(big))

	data, err := e.GetDataSegment()
	require.NoError(t, err)
	require.Equal(t, big, data)
}

func TestEntry_DisposeInvalidatesAccessors(t *testing.T) {
	e, err := cacheentry.Create(newManager(), []byte("a"))
	require.NoError(t, err)
	require.NoError(t, e.Dispose())

	_, err = e.GetLength()
	require.Error(t, err)
	_, err = e.GetDataSegment()
	require.Error(t, err)
	require.Error(t, e.SetTime(1))
	require.Error(t, e.UpdateData([]byte("x")))
}
