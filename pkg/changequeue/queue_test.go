package changequeue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"vncache.io/vncache/pkg/changeevent"
	"vncache.io/vncache/pkg/changequeue"
)

func TestQueue_FanOutToBothSubscribers(t *testing.T) {
	q := changequeue.New(changequeue.Options{PurgeInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g errgroup.Group
	g.Go(func() error { return q.Run(ctx) })

	chA := q.Subscribe("peerA")
	chB := q.Subscribe("peerB")

	q.Publish(changeevent.Event{CurrentID: "evt10000"})

	for _, ch := range []<-chan changeevent.Event{chA, chB} {
		select {
		case ev := <-ch:
			require.Equal(t, "evt10000", ev.CurrentID)
			require.False(t, ev.Deleted)
			require.Empty(t, ev.AlternateID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	cancel()
	_ = g.Wait()
}

func TestQueue_UnsubscribeDoesNotImmediatelyRemove(t *testing.T) {
	q := changequeue.New(changequeue.Options{PurgeInterval: time.Hour})
	ch := q.Subscribe("peer")
	q.Unsubscribe("peer")

	// Resubscribing before a purge must resume the same channel.
	resumed := q.Subscribe("peer")
	require.Equal(t, ch, resumed)
}

func TestQueue_PurgeRemovesZeroListenerSubscribers(t *testing.T) {
	q := changequeue.New(changequeue.Options{PurgeInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = q.Run(ctx) }()

	original := q.Subscribe("peer")
	q.Unsubscribe("peer")

	time.Sleep(50 * time.Millisecond)

	fresh := q.Subscribe("peer")
	require.NotEqual(t, original, fresh, "purge should have discarded the old channel")
}

func TestQueue_DropOldestUnderOverflow(t *testing.T) {
	q := changequeue.New(changequeue.Options{MaxQueueDepth: 2, PurgeInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := q.Subscribe("slow")

	// Publish directly via PublishMultiple to avoid racing the consumer
	// goroutine while asserting exact drop-oldest behavior.
	q.PublishMultiple([]changeevent.Event{
		{CurrentID: "a"}, {CurrentID: "b"}, {CurrentID: "c"},
	})

	first := <-ch
	second := <-ch
	require.Equal(t, "b", first.CurrentID)
	require.Equal(t, "c", second.CurrentID)

	select {
	case <-ch:
		t.Fatal("expected no more buffered events")
	default:
	}

	cancel()
}
