// Package sync2 holds small synchronization primitives beyond what
// sync/context provide directly, adapted from the teacher's
// private/sync2 (observed via its Fence test).
package sync2

import (
	"context"
	"sync"
)

// Fence is a one-shot gate: goroutines calling Wait block until Release
// is called (from any goroutine, any number of times — only the first
// call has an effect) or their context is cancelled first.
type Fence struct {
	once sync.Once
	done chan struct{}
	init sync.Once
}

func (f *Fence) lazyInit() {
	f.init.Do(func() { f.done = make(chan struct{}) })
}

// Release opens the fence, unblocking every current and future Wait call.
func (f *Fence) Release() {
	f.lazyInit()
	f.once.Do(func() { close(f.done) })
}

// Wait blocks until Release has been called or ctx is cancelled,
// whichever happens first.
func (f *Fence) Wait(ctx context.Context) error {
	f.lazyInit()
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Released reports whether Release has already been called, without
// blocking.
func (f *Fence) Released() bool {
	f.lazyInit()
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
