package server_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vncache.io/vncache/pkg/server"
	"vncache.io/vncache/pkg/wire"
)

// fakeConn is an in-memory wire.Conn: writes to "out" are readable via
// ReadMessage by a peer holding the paired fakeConn.
type fakeConn struct {
	mu     sync.Mutex
	closed bool
	in     chan []byte
	out    chan []byte
}

func newFakeConnPair() (*fakeConn, *fakeConn) {
	a := make(chan []byte, 16)
	b := make(chan []byte, 16)
	return &fakeConn{in: a, out: b}, &fakeConn{in: b, out: a}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	buf, ok := <-c.in
	if !ok {
		return 0, nil, io.EOF
	}
	return 2, buf, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	cp := append([]byte(nil), data...)
	c.out <- cp
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
	return nil
}

type echoHandler struct{}

func (echoHandler) Handle(_ context.Context, req wire.Message) wire.Message {
	return wire.Message{Status: wire.StatusOkay, ObjectID: req.ObjectID, Body: req.Body}
}

type panicHandler struct{}

func (panicHandler) Handle(_ context.Context, _ wire.Message) wire.Message {
	panic("boom")
}

// blockUntilCanceledHandler waits for the request context to be done and
// reports whether it ever was, so tests can observe that a per-request
// deadline actually propagated into the Handler.
type blockUntilCanceledHandler struct{}

func (blockUntilCanceledHandler) Handle(ctx context.Context, req wire.Message) wire.Message {
	<-ctx.Done()
	return wire.Message{Status: wire.StatusError, ObjectID: req.ObjectID}
}

func TestServer_EchoesCorrelationID(t *testing.T) {
	clientSide, serverSide := newFakeConnPair()
	srv := server.New(echoHandler{}, server.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = srv.ServeSession(ctx, wire.NewStream(serverSide, wire.Limits{})) }()

	client := wire.NewStream(clientSide, wire.Limits{})
	require.NoError(t, client.Send(ctx, wire.Message{CorrelationID: 42, Action: wire.ActionGet, ObjectID: "hello1234"}))

	resp, err := client.Recv(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 42, resp.CorrelationID)
	require.Equal(t, wire.StatusOkay, resp.Status)
	require.Equal(t, "hello1234", resp.ObjectID)
}

func TestServer_HandlerPanicBecomesStatusErrorAndSessionContinues(t *testing.T) {
	clientSide, serverSide := newFakeConnPair()
	srv := server.New(panicHandler{}, server.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = srv.ServeSession(ctx, wire.NewStream(serverSide, wire.Limits{})) }()

	client := wire.NewStream(clientSide, wire.Limits{})
	require.NoError(t, client.Send(ctx, wire.Message{CorrelationID: 1, Action: wire.ActionGet}))

	resp, err := client.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.StatusError, resp.Status)
	require.EqualValues(t, 1, resp.CorrelationID)
}

func TestServer_CancellationClosesSessionWithoutError(t *testing.T) {
	_, serverSide := newFakeConnPair()
	srv := server.New(echoHandler{}, server.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ServeSession(ctx, wire.NewStream(serverSide, wire.Limits{})) }()

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ServeSession did not return after cancellation")
	}
}

func TestServer_RequestTimeoutCancelsHandlerContext(t *testing.T) {
	clientSide, serverSide := newFakeConnPair()
	srv := server.New(blockUntilCanceledHandler{}, server.Options{RequestTimeout: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = srv.ServeSession(ctx, wire.NewStream(serverSide, wire.Limits{})) }()

	client := wire.NewStream(clientSide, wire.Limits{})
	require.NoError(t, client.Send(ctx, wire.Message{CorrelationID: 9, Action: wire.ActionGet, ObjectID: "hello1234"}))

	resp, err := client.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.StatusError, resp.Status)
}

func TestServer_AdmissionCapIsEnforced(t *testing.T) {
	srv := server.New(echoHandler{}, server.Options{MaxConcurrentConnections: 1})

	release, ok := srv.TryAdmit()
	require.True(t, ok)

	_, ok = srv.TryAdmit()
	require.False(t, ok)

	release()
	_, ok = srv.TryAdmit()
	require.True(t, ok)
}
