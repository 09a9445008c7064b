// Package wire implements the framed message codec described in §4.6 and
// §6 of the spec: a length-prefixed frame carrying a short header (action,
// object ids, status, correlation id) and an optional payload body. The
// encode/decode shape (Append*/Parse* pairs returning the unconsumed
// remainder) mirrors the teacher's drpc/drpcwire packet codec.
package wire

import (
	"encoding/binary"

	"github.com/zeebo/errs"
)

// Error is the error class for this package.
var Error = errs.Class("wire")

// Message is one frame of the duplex stream: a request or a response.
// Responses echo the request's CorrelationID.
type Message struct {
	CorrelationID uint64
	Action        Action
	Status        Status
	ObjectID      string
	AlternateID   string
	NewObjectID   string
	Body          []byte
}

// AppendMessage appends m's wire encoding to buf and returns the result.
func AppendMessage(buf []byte, m Message) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], m.CorrelationID)
	buf = append(buf, tmp[:]...)
	buf = append(buf, byte(m.Action), byte(m.Status))
	buf = appendShortString(buf, m.ObjectID)
	buf = appendShortString(buf, m.AlternateID)
	buf = appendShortString(buf, m.NewObjectID)
	buf = appendBody(buf, m.Body)
	return buf
}

// ParseMessage parses a Message from the front of buf, returning the
// unconsumed remainder. ok is false if buf does not yet contain a complete
// message (the caller should read more and retry); err is non-nil only on
// malformed input that can never become valid by reading more.
func ParseMessage(buf []byte) (rem []byte, m Message, ok bool, err error) {
	if len(buf) < 10 {
		return buf, Message{}, false, nil
	}
	m.CorrelationID = binary.BigEndian.Uint64(buf[:8])
	m.Action = Action(buf[8])
	m.Status = Status(buf[9])
	buf = buf[10:]

	var str string
	if buf, str, ok, err = parseShortString(buf); err != nil || !ok {
		return buf, Message{}, ok, err
	}
	m.ObjectID = str

	if buf, str, ok, err = parseShortString(buf); err != nil || !ok {
		return buf, Message{}, ok, err
	}
	m.AlternateID = str

	if buf, str, ok, err = parseShortString(buf); err != nil || !ok {
		return buf, Message{}, ok, err
	}
	m.NewObjectID = str

	var body []byte
	if buf, body, ok, err = parseBody(buf); err != nil || !ok {
		return buf, Message{}, ok, err
	}
	m.Body = body

	return buf, m, true, nil
}

func appendShortString(buf []byte, s string) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(s)))
	buf = append(buf, tmp[:]...)
	return append(buf, s...)
}

func parseShortString(buf []byte) (rem []byte, s string, ok bool, err error) {
	if len(buf) < 2 {
		return buf, "", false, nil
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]
	if len(buf) < n {
		return buf, "", false, nil
	}
	return buf[n:], string(buf[:n]), true, nil
}

func appendBody(buf []byte, body []byte) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(body)))
	buf = append(buf, tmp[:]...)
	return append(buf, body...)
}

func parseBody(buf []byte) (rem []byte, body []byte, ok bool, err error) {
	if len(buf) < 4 {
		return buf, nil, false, nil
	}
	n := int(binary.BigEndian.Uint32(buf[:4]))
	buf = buf[4:]
	if n < 0 || len(buf) < n {
		return buf, nil, false, nil
	}
	if n == 0 {
		return buf, nil, true, nil
	}
	return buf[n:], buf[:n], true, nil
}
