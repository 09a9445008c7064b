// Package cachelistener dispatches the four wire actions (§4.6 of the
// spec) against a cachetable.Table and a per-session changequeue
// subscription: it is the Cache Listener component (§4, #9).
package cachelistener

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"vncache.io/vncache/pkg/cachetable"
	"vncache.io/vncache/pkg/changeevent"
	"vncache.io/vncache/pkg/changequeue"
	"vncache.io/vncache/pkg/wire"
)

// Listener implements server.Handler for one session, with its own
// change-event subscription so its Dequeue responses are scoped to that
// session's peer.
type Listener struct {
	table  *cachetable.Table
	events <-chan changeevent.Event
	clock  func() time.Time
	log    *zap.Logger
}

// Options configures a Listener.
type Options struct {
	// Clock returns the current time for new/updated entries. Defaults to
	// time.Now.
	Clock func() time.Time
	Log   *zap.Logger
}

// New constructs a Listener dispatching against table, pulling Dequeue
// events from the given subscription channel (see Session for a
// convenience constructor that also manages the subscription's lifecycle).
func New(table *cachetable.Table, events <-chan changeevent.Event, opts Options) *Listener {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{table: table, events: events, clock: clock, log: log}
}

// Session subscribes peerID to queue and returns a Listener bound to that
// subscription plus a Close func that unsubscribes. Callers should invoke
// Close when the session ends.
func Session(table *cachetable.Table, queue *changequeue.Queue, peerID string, opts Options) (listener *Listener, closeSession func()) {
	events := queue.Subscribe(peerID)
	l := New(table, events, opts)
	return l, func() { queue.Unsubscribe(peerID) }
}

// Handle implements server.Handler.
func (l *Listener) Handle(ctx context.Context, req wire.Message) wire.Message {
	switch req.Action {
	case wire.ActionGet:
		return l.handleGet(ctx, req)
	case wire.ActionAddOrUpdate:
		return l.handleAddOrUpdate(ctx, req)
	case wire.ActionDelete:
		return l.handleDelete(ctx, req)
	case wire.ActionDequeue:
		return l.handleDequeue(ctx)
	default:
		l.log.Warn("unknown wire action", zap.Uint8("action", uint8(req.Action)))
		return wire.Message{Status: wire.StatusError}
	}
}

func (l *Listener) handleGet(ctx context.Context, req wire.Message) wire.Message {
	data, err := l.table.Get(ctx, req.ObjectID)
	switch {
	case err == nil:
		return wire.Message{Status: wire.StatusOkay, ObjectID: req.ObjectID, Body: data}
	case errors.Is(err, cachetable.ErrInvalidKey):
		return wire.Message{Status: wire.StatusInvalidArgument, ObjectID: req.ObjectID}
	case errors.Is(err, cachetable.ErrNotFound):
		return wire.Message{Status: wire.StatusNotFound, ObjectID: req.ObjectID}
	default:
		l.log.Error("get failed", zap.Error(err), zap.String("object_id", req.ObjectID))
		return wire.Message{Status: wire.StatusError, ObjectID: req.ObjectID}
	}
}

func (l *Listener) handleAddOrUpdate(ctx context.Context, req wire.Message) wire.Message {
	err := l.table.AddOrUpdate(ctx, req.ObjectID, req.AlternateID, req.Body, l.clock())
	switch {
	case err == nil:
		return wire.Message{Status: wire.StatusOkay, ObjectID: req.ObjectID}
	case errors.Is(err, cachetable.ErrInvalidKey):
		return wire.Message{Status: wire.StatusInvalidArgument, ObjectID: req.ObjectID}
	default:
		l.log.Error("add-or-update failed", zap.Error(err), zap.String("object_id", req.ObjectID))
		return wire.Message{Status: wire.StatusError, ObjectID: req.ObjectID}
	}
}

func (l *Listener) handleDelete(ctx context.Context, req wire.Message) wire.Message {
	found, err := l.table.Delete(ctx, req.ObjectID)
	switch {
	case errors.Is(err, cachetable.ErrInvalidKey):
		return wire.Message{Status: wire.StatusInvalidArgument, ObjectID: req.ObjectID}
	case err != nil:
		l.log.Error("delete failed", zap.Error(err), zap.String("object_id", req.ObjectID))
		return wire.Message{Status: wire.StatusError, ObjectID: req.ObjectID}
	case !found:
		return wire.Message{Status: wire.StatusNotFound, ObjectID: req.ObjectID}
	default:
		return wire.Message{Status: wire.StatusOkay, ObjectID: req.ObjectID}
	}
}

// handleDequeue awaits the next ChangeEvent for this session (suspension
// point (d), §5) and encodes it per §6: a delete carries status "deleted"
// with object_id = current_id; a modify carries status "modified" with
// object_id = current_id, and new_object_id = alternate_id whenever
// alternate_id is present (§9 open-question resolution: always, not
// conditioned on current_id).
func (l *Listener) handleDequeue(ctx context.Context) wire.Message {
	select {
	case <-ctx.Done():
		return wire.Message{Status: wire.StatusError}
	case ev := <-l.events:
		return encodeDequeueEvent(ev)
	}
}

func encodeDequeueEvent(ev changeevent.Event) wire.Message {
	if ev.Deleted {
		return wire.Message{Status: wire.StatusDeleted, ObjectID: ev.CurrentID}
	}
	m := wire.Message{Status: wire.StatusModified, ObjectID: ev.CurrentID}
	if ev.AlternateID != "" {
		m.NewObjectID = ev.AlternateID
	}
	return m
}
