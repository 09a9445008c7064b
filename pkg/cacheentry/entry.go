// Package cacheentry implements the on-heap buffer layout backing a single
// cached value: an 8-byte big-endian timestamp, a 4-byte big-endian length,
// the payload itself, and trailing slack so UpdateData can grow in place.
package cacheentry

import (
	"encoding/binary"

	"github.com/zeebo/errs"

	"vncache.io/vncache/pkg/memman"
)

// Error is the error class for this package.
var Error = errs.Class("cacheentry")

const (
	timeFieldSize   = 8
	lengthFieldSize = 4
	// HeaderSize is the number of bytes reserved for the time+length header
	// at the front of every entry buffer.
	HeaderSize = timeFieldSize + lengthFieldSize
)

// Entry is a single owned byte buffer holding a payload, its length, and a
// timestamp. An Entry is owned 1:1 by whichever bucket holds its key; it
// must never be accessed from two goroutines without the owning bucket's
// exclusive lock held.
type Entry struct {
	mm     memman.Manager
	handle memman.Handle
	length uint32
	freed  bool
}

// Create allocates a new entry sized to hold payload (rounded up to the
// memory manager's allocation granularity) and copies payload in.
func Create(mm memman.Manager, payload []byte) (*Entry, error) {
	if mm == nil {
		return nil, Error.New("nil memory manager")
	}
	size := HeaderSize + len(payload)
	h, err := mm.AllocHandle(size)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	e := &Entry{mm: mm, handle: h, length: uint32(len(payload))}
	if err := e.writeLength(e.length); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		span, err := mm.GetSpan(h, HeaderSize, len(payload))
		if err != nil {
			return nil, Error.Wrap(err)
		}
		copy(span, payload)
	}
	return e, nil
}

func (e *Entry) checkLive() error {
	if e == nil || e.freed {
		return Error.New("use of disposed entry")
	}
	return nil
}

// GetTime returns the entry's timestamp header, in system ticks since epoch.
func (e *Entry) GetTime() (int64, error) {
	if err := e.checkLive(); err != nil {
		return 0, err
	}
	span, err := e.mm.GetSpan(e.handle, 0, timeFieldSize)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return int64(binary.BigEndian.Uint64(span)), nil
}

// SetTime writes t as an 8-byte big-endian timestamp header.
func (e *Entry) SetTime(t int64) error {
	if err := e.checkLive(); err != nil {
		return err
	}
	span, err := e.mm.GetSpan(e.handle, 0, timeFieldSize)
	if err != nil {
		return Error.Wrap(err)
	}
	binary.BigEndian.PutUint64(span, uint64(t))
	return nil
}

func (e *Entry) writeLength(n uint32) error {
	span, err := e.mm.GetSpan(e.handle, timeFieldSize, lengthFieldSize)
	if err != nil {
		return Error.Wrap(err)
	}
	binary.BigEndian.PutUint32(span, n)
	return nil
}

// GetLength returns the current payload length.
func (e *Entry) GetLength() (int, error) {
	if err := e.checkLive(); err != nil {
		return 0, err
	}
	return int(e.length), nil
}

// GetDataSegment returns a mutable span over the current payload.
func (e *Entry) GetDataSegment() ([]byte, error) {
	if err := e.checkLive(); err != nil {
		return nil, err
	}
	if e.length == 0 {
		return nil, nil
	}
	return e.mm.GetSpan(e.handle, HeaderSize, int(e.length))
}

// UpdateData overwrites the payload. If payload fits within the current
// buffer capacity the buffer is reused in place (monotonic grow only: the
// underlying buffer is never shrunk, even if payload is smaller than the
// previous one).
func (e *Entry) UpdateData(payload []byte) error {
	if err := e.checkLive(); err != nil {
		return err
	}
	need := HeaderSize + len(payload)
	cur, err := e.mm.GetHandleSize(e.handle)
	if err != nil {
		return Error.Wrap(err)
	}
	if need > cur {
		if err := e.mm.ResizeHandle(e.handle, need); err != nil {
			return Error.Wrap(err)
		}
	}
	if len(payload) > 0 {
		span, err := e.mm.GetSpan(e.handle, HeaderSize, len(payload))
		if err != nil {
			return Error.Wrap(err)
		}
		copy(span, payload)
	}
	e.length = uint32(len(payload))
	return e.writeLength(e.length)
}

// Dispose frees the underlying buffer. After Dispose, every accessor
// returns an error.
func (e *Entry) Dispose() error {
	if e.freed {
		return nil
	}
	e.freed = true
	return Error.Wrap(e.mm.FreeHandle(e.handle))
}
