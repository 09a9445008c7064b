// Package memman defines the pluggable per-bucket memory manager contract
// (§4.2 of the spec) and a default, non-thread-safe heap-backed
// implementation. Each bucket owns exactly one Manager instance; callers
// must serialize access to it themselves (the owning bucket's exclusive
// lock does this).
package memman

import "github.com/zeebo/errs"

// Error is the error class for this package.
var Error = errs.Class("memman")

// Handle identifies one allocation within a Manager. Handles are only
// meaningful to the Manager that produced them.
type Handle uint64

// Manager is the per-bucket allocator contract. Implementations may use a
// dedicated, non-thread-safe allocator since each bucket serializes its own
// access.
type Manager interface {
	// AllocHandle reserves a buffer of at least size bytes and returns a
	// handle to it. The returned buffer is rounded up to the Manager's
	// allocation granularity (conventionally the system page size).
	AllocHandle(size int) (Handle, error)
	// ResizeHandle grows h's buffer to at least newSize bytes. Shrinking is
	// a no-op: the contract is grow-only.
	ResizeHandle(h Handle, newSize int) error
	// FreeHandle releases h. Using h after FreeHandle is an error.
	FreeHandle(h Handle) error
	// GetHandleSize returns h's current buffer capacity.
	GetHandleSize(h Handle) (int, error)
	// GetSpan returns a mutable view of length bytes starting at offset
	// within h's buffer.
	GetSpan(h Handle, offset, length int) ([]byte, error)
	// PinHandle returns a pinned mutable view of h's buffer starting at
	// offset through the end of the allocation. Implementations that never
	// move or compact memory may treat this identically to GetSpan.
	PinHandle(h Handle, offset int) ([]byte, error)
}

// Options configures a HeapManager.
type Options struct {
	// PageSize is the allocation granularity. AllocHandle rounds every
	// requested size up to a multiple of PageSize. Defaults to 4096.
	PageSize int
	// ZeroOnAlloc zeroes newly (re)allocated memory beyond what the
	// caller explicitly writes. Mirrors the zero_all_allocations config
	// toggle in §6 of the spec.
	ZeroOnAlloc bool
}

func (o Options) pageSize() int {
	if o.PageSize <= 0 {
		return 4096
	}
	return o.PageSize
}

// HeapManager is the default Manager: one Go heap buffer per handle, sized
// up to the next page boundary. Freed buffers are kept on a per-size free
// list and reused by later allocations instead of being discarded, so
// ZeroOnAlloc has something to do: a reused buffer still carries whatever
// the previous handle left in it until it is explicitly zeroed. It is not
// safe for concurrent use; callers must serialize access (the owning
// Bucket's exclusive lock does this).
type HeapManager struct {
	opts    Options
	buffers map[Handle][]byte
	free    map[int][][]byte
	next    Handle
}

// NewHeapManager constructs a HeapManager with the given options.
func NewHeapManager(opts Options) *HeapManager {
	return &HeapManager{
		opts:    opts,
		buffers: make(map[Handle][]byte),
		free:    make(map[int][][]byte),
	}
}

func (m *HeapManager) roundUp(size int) int {
	page := m.opts.pageSize()
	if size <= 0 {
		return page
	}
	return ((size + page - 1) / page) * page
}

// obtain returns a buffer of exactly roundedSize bytes, preferring a
// freed buffer of that exact size over a fresh heap allocation. A freshly
// made buffer is already zero per the language spec; a recycled one is
// only zeroed when ZeroOnAlloc is set (zero_all_allocations, §6).
func (m *HeapManager) obtain(roundedSize int) []byte {
	if list := m.free[roundedSize]; len(list) > 0 {
		buf := list[len(list)-1]
		m.free[roundedSize] = list[:len(list)-1]
		if m.opts.ZeroOnAlloc {
			for i := range buf {
				buf[i] = 0
			}
		}
		return buf
	}
	return make([]byte, roundedSize)
}

func (m *HeapManager) release(buf []byte) {
	size := len(buf)
	m.free[size] = append(m.free[size], buf)
}

// AllocHandle implements Manager.
func (m *HeapManager) AllocHandle(size int) (Handle, error) {
	if size < 0 {
		return 0, Error.New("negative size")
	}
	buf := m.obtain(m.roundUp(size))
	m.next++
	h := m.next
	m.buffers[h] = buf
	return h, nil
}

// ResizeHandle implements Manager. Grow-only: a smaller newSize is a no-op.
func (m *HeapManager) ResizeHandle(h Handle, newSize int) error {
	buf, ok := m.buffers[h]
	if !ok {
		return Error.New("unknown handle")
	}
	if newSize <= len(buf) {
		return nil
	}
	grown := m.obtain(m.roundUp(newSize))
	copy(grown, buf)
	m.buffers[h] = grown
	m.release(buf)
	return nil
}

// FreeHandle implements Manager.
func (m *HeapManager) FreeHandle(h Handle) error {
	buf, ok := m.buffers[h]
	if !ok {
		return Error.New("unknown handle")
	}
	delete(m.buffers, h)
	m.release(buf)
	return nil
}

// GetHandleSize implements Manager.
func (m *HeapManager) GetHandleSize(h Handle) (int, error) {
	buf, ok := m.buffers[h]
	if !ok {
		return 0, Error.New("unknown handle")
	}
	return len(buf), nil
}

// GetSpan implements Manager.
func (m *HeapManager) GetSpan(h Handle, offset, length int) ([]byte, error) {
	buf, ok := m.buffers[h]
	if !ok {
		return nil, Error.New("unknown handle")
	}
	if offset < 0 || length < 0 || offset+length > len(buf) {
		return nil, Error.New("span out of bounds")
	}
	return buf[offset : offset+length], nil
}

// PinHandle implements Manager.
func (m *HeapManager) PinHandle(h Handle, offset int) ([]byte, error) {
	buf, ok := m.buffers[h]
	if !ok {
		return nil, Error.New("unknown handle")
	}
	if offset < 0 || offset > len(buf) {
		return nil, Error.New("offset out of bounds")
	}
	return buf[offset:], nil
}
