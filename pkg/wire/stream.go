package wire

import (
	"context"
)

// Conn is the subset of *websocket.Conn (github.com/gorilla/websocket) that
// Stream needs. Production callers pass a real *websocket.Conn; tests pass
// an in-memory fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Limits are the hard upper bounds negotiated during the handshake (§4.6,
// §4.7) for one Stream: recv_buf_size, header_buf_size, and
// max_message_size. A frame whose encoded header+body exceeds
// MaxMessageSize fails the session.
type Limits struct {
	RecvBufSize   int
	HeaderBufSize int
	MaxMessageSize int
}

// binaryMessage matches gorilla/websocket.BinaryMessage's wire value
// without importing the package here, keeping this file importable by
// tests that supply a fake Conn.
const binaryMessage = 2

// Stream is one long-lived duplex message stream between a client and a
// node (§4.6). Every frame is exactly one underlying websocket message
// containing one encoded Message; the websocket layer supplies the
// length-framing this package would otherwise need to hand-roll.
type Stream struct {
	conn   Conn
	limits Limits
}

// NewStream wraps conn with the given negotiated limits.
func NewStream(conn Conn, limits Limits) *Stream {
	return &Stream{conn: conn, limits: limits}
}

// Send encodes and writes m. It fails if the encoded frame exceeds
// MaxMessageSize.
func (s *Stream) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := AppendMessage(nil, m)
	if s.limits.MaxMessageSize > 0 && len(buf) > s.limits.MaxMessageSize {
		return Error.New("message of %d bytes exceeds max_message_size %d", len(buf), s.limits.MaxMessageSize)
	}
	return s.conn.WriteMessage(binaryMessage, buf)
}

// Recv awaits the next inbound frame, one of the suspension points
// enumerated in §5 of the spec. On ctx cancellation it returns ctx.Err()
// without consuming a frame from the underlying connection beyond whatever
// the in-flight ReadMessage call already buffered.
func (s *Stream) Recv(ctx context.Context) (Message, error) {
	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		_, buf, err := s.conn.ReadMessage()
		done <- result{buf, err}
	}()

	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return Message{}, r.err
		}
		if s.limits.MaxMessageSize > 0 && len(r.buf) > s.limits.MaxMessageSize {
			return Message{}, Error.New("incoming frame of %d bytes exceeds max_message_size %d", len(r.buf), s.limits.MaxMessageSize)
		}
		rem, m, ok, err := ParseMessage(r.buf)
		if err != nil {
			return Message{}, err
		}
		if !ok || len(rem) != 0 {
			return Message{}, Error.New("malformed frame")
		}
		return m, nil
	}
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	return s.conn.Close()
}
