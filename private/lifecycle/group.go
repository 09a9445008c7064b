// Package lifecycle composes a node's background services — the framed
// message server, the change-queue consumer/purge loop, and the
// discovery crawl loop — into one Run/Close unit, adapted from the
// teacher's private/lifecycle.Group (observed via its test suite: named
// Items, concurrent Run via errgroup, reverse-order Close).
package lifecycle

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vncache.io/vncache/private/errs2"
)

// Item is one named background service.
type Item struct {
	// Name identifies this item in logs.
	Name string
	// Run blocks until ctx is cancelled or the service fails. A nil
	// error on return is treated the same as ctx cancellation: it does
	// not fail the group.
	Run func(ctx context.Context) error
	// Close releases resources Run acquired. Called during Group.Close,
	// in reverse registration order. May be nil.
	Close func() error
}

// Group runs a fixed set of Items concurrently and tears them down
// together: if any Run returns a non-nil error, the group's context is
// cancelled so every other Item unwinds, and that error is returned from
// Run. Close always runs every registered Close func, in reverse order,
// collecting (not short-circuiting on) errors.
type Group struct {
	log   *zap.Logger
	items []Item

	mu     sync.Mutex
	closed bool
}

// NewGroup constructs a Group logging with log (or a no-op logger if nil).
func NewGroup(log *zap.Logger) *Group {
	if log == nil {
		log = zap.NewNop()
	}
	return &Group{log: log}
}

// Add registers an Item. Add must be called before Run.
func (g *Group) Add(item Item) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.items = append(g.items, item)
}

// Run starts every registered Item's Run func concurrently and blocks
// until all return, or ctx is cancelled, or one Item fails — whichever
// comes first. The first non-nil error from any Item is returned.
func (g *Group) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)

	g.mu.Lock()
	items := append([]Item(nil), g.items...)
	g.mu.Unlock()

	for _, item := range items {
		item := item
		eg.Go(func() error {
			if err := item.Run(egCtx); err != nil {
				g.log.Error("service exited with error", zap.String("service", item.Name), zap.Error(err))
				return err
			}
			g.log.Debug("service stopped", zap.String("service", item.Name))
			return nil
		})
	}

	return errs2.IgnoreCanceled(eg.Wait())
}

// Close calls every registered Item's Close func, in reverse registration
// order, regardless of whether earlier ones failed, and returns every
// Close error joined with errors.Join (nil if none failed). It is safe to
// call Close more than once; subsequent calls are no-ops.
func (g *Group) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	items := append([]Item(nil), g.items...)
	g.mu.Unlock()

	var closeErrs []error
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		if item.Close == nil {
			continue
		}
		if err := item.Close(); err != nil {
			g.log.Error("service close failed", zap.String("service", item.Name), zap.Error(err))
			closeErrs = append(closeErrs, err)
		}
	}
	return errors.Join(closeErrs...)
}
