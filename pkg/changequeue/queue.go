// Package changequeue implements the single-producer, multi-subscriber
// change-event fan-out described in §4.5 of the spec: a bounded global
// accumulator drained by one consumer goroutine and rebroadcast into
// per-subscriber bounded channels with drop-oldest backpressure.
package changequeue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"vncache.io/vncache/pkg/changeevent"
)

const (
	// DefaultGlobalCapacity is the producer-side global_in channel depth.
	DefaultGlobalCapacity = 10000
	// DefaultMaxQueueDepth is the default per-subscriber channel depth
	// (max_queue_depth in §6 of the spec).
	DefaultMaxQueueDepth = 10000
	// batchSize bounds how many events the consumer drains per wake before
	// calling PublishMultiple, per §4.5.
	batchSize = 64
)

// Options configures a Queue.
type Options struct {
	// GlobalCapacity bounds the producer-side accumulator. Defaults to
	// DefaultGlobalCapacity.
	GlobalCapacity int
	// MaxQueueDepth bounds every per-subscriber channel. Defaults to
	// DefaultMaxQueueDepth.
	MaxQueueDepth int
	// PurgeInterval is how often zero-listener subscribers are swept.
	// Defaults to one minute.
	PurgeInterval time.Duration
	Log           *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.GlobalCapacity <= 0 {
		o.GlobalCapacity = DefaultGlobalCapacity
	}
	if o.MaxQueueDepth <= 0 {
		o.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = time.Minute
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return o
}

type subscriber struct {
	ch        chan changeevent.Event
	listeners int
}

// Queue is the process-wide change-event fan-out. It is safe to construct
// once and share; the reference node (cmd/vncache-node) runs its Run loop
// as one private/lifecycle.Group item instead of a package-level global, per
// DESIGN NOTES in the spec.
type Queue struct {
	opts Options

	globalIn chan changeevent.Event

	mu   sync.Mutex
	subs map[string]*subscriber

	warnLimiter *rateLimiter
}

// New constructs a Queue. Call Run to start its consumer and purge loops.
func New(opts Options) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		opts:        opts,
		globalIn:    make(chan changeevent.Event, opts.GlobalCapacity),
		subs:        make(map[string]*subscriber),
		warnLimiter: newRateLimiter(time.Second),
	}
}

// Publish enqueues ev onto the global accumulator. If the accumulator is
// full, the oldest queued event is dropped to make room (drop-oldest, §4.5)
// and a rate-limited warning is logged (§7, QueueOverflow).
func (q *Queue) Publish(ev changeevent.Event) {
	select {
	case q.globalIn <- ev:
		return
	default:
	}
	select {
	case <-q.globalIn:
	default:
	}
	select {
	case q.globalIn <- ev:
	default:
	}
	if q.warnLimiter.allow() {
		q.opts.Log.Warn("change event queue overflow, dropped oldest event")
	}
}

// Subscribe registers peer for delivery, incrementing its listener count.
// The first Subscribe for a peer (or the first after a purge) creates a
// fresh bounded channel; a reconnect within the purge interval resumes the
// same channel and its queued events.
func (q *Queue) Subscribe(peer string) <-chan changeevent.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.subs[peer]
	if !ok {
		s = &subscriber{ch: make(chan changeevent.Event, q.opts.MaxQueueDepth)}
		q.subs[peer] = s
	}
	s.listeners++
	return s.ch
}

// Unsubscribe decrements peer's listener count. It does not remove the
// subscriber immediately — the periodic purge does that — so a peer that
// reconnects before the next purge resumes without losing queued events.
func (q *Queue) Unsubscribe(peer string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if s, ok := q.subs[peer]; ok && s.listeners > 0 {
		s.listeners--
	}
}

// PublishMultiple fans batch out to every current subscriber's bounded
// channel with drop-oldest backpressure, under the subscriber lock held
// only for the duration of the iteration.
func (q *Queue) PublishMultiple(batch []changeevent.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, s := range q.subs {
		for _, ev := range batch {
			enqueueDropOldest(s.ch, ev)
		}
	}
}

func enqueueDropOldest(ch chan changeevent.Event, ev changeevent.Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// purge removes every subscriber whose listener count has returned to zero.
func (q *Queue) purge() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for peer, s := range q.subs {
		if s.listeners == 0 {
			delete(q.subs, peer)
		}
	}
}

// Run drives the consumer loop (drain global_in in batches of up to
// batchSize, then PublishMultiple) and the periodic purge sweep until ctx
// is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.opts.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-q.globalIn:
			batch := make([]changeevent.Event, 0, batchSize)
			batch = append(batch, ev)
			q.drainWithoutBlocking(&batch)
			q.PublishMultiple(batch)
		case <-ticker.C:
			q.purge()
		}
	}
}

// drainWithoutBlocking greedily appends queued events to batch, without
// blocking, until global_in empties or the batch reaches batchSize.
func (q *Queue) drainWithoutBlocking(batch *[]changeevent.Event) {
	for len(*batch) < batchSize {
		select {
		case ev := <-q.globalIn:
			*batch = append(*batch, ev)
		default:
			return
		}
	}
}
