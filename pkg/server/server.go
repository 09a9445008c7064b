// Package server implements the long-lived duplex Framed Message Server
// session loop described in §4.6 of the spec: decode an inbound frame,
// dispatch it to a Handler, encode and send the response. It is
// transport-agnostic above pkg/wire.Stream; pkg/cachelistener supplies the
// Handler that actually interprets the four wire actions.
package server

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"vncache.io/vncache/pkg/wire"
)

// Handler dispatches one request to a response. It must never block
// indefinitely without honoring ctx cancellation.
type Handler interface {
	Handle(ctx context.Context, req wire.Message) wire.Message
}

// Options configures a Server.
type Options struct {
	Log *zap.Logger
	// MaxConcurrentConnections bounds how many sessions may run at once
	// (max_concurrent_connections, §6). Zero means unbounded.
	MaxConcurrentConnections int
	// RequestTimeout bounds how long a single Handle call may run
	// (request_timeout_sec, §6). Zero means no per-request deadline.
	RequestTimeout time.Duration
}

// Server runs Framed Message Server sessions against a Handler.
type Server struct {
	log            *zap.Logger
	admit          chan struct{}
	handler        Handler
	requestTimeout time.Duration
}

// New constructs a Server dispatching to handler.
func New(handler Handler, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{log: log, handler: handler, requestTimeout: opts.RequestTimeout}
	if opts.MaxConcurrentConnections > 0 {
		s.admit = make(chan struct{}, opts.MaxConcurrentConnections)
	}
	return s
}

// TryAdmit attempts to reserve a connection slot, returning a release func
// and true on success, or false if MaxConcurrentConnections sessions are
// already running.
func (s *Server) TryAdmit() (release func(), ok bool) {
	if s.admit == nil {
		return func() {}, true
	}
	select {
	case s.admit <- struct{}{}:
		return func() { <-s.admit }, true
	default:
		return nil, false
	}
}

// ServeSession runs the request/response loop over stream until ctx is
// cancelled or the stream errors. On cancellation it returns nil (the
// caller closes the transport cleanly, per §4.6). Any other Recv error is
// returned to the caller to decide how to close the transport.
func (s *Server) ServeSession(ctx context.Context, stream *wire.Stream) error {
	for {
		req, err := stream.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		resp := s.dispatchWithTimeout(ctx, req)
		resp.CorrelationID = req.CorrelationID

		if err := stream.Send(ctx, resp); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

// dispatchWithTimeout applies the configured per-request deadline, if any,
// before calling dispatch.
func (s *Server) dispatchWithTimeout(ctx context.Context, req wire.Message) wire.Message {
	if s.requestTimeout <= 0 {
		return s.dispatch(ctx, req)
	}
	reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	return s.dispatch(reqCtx, req)
}

// dispatch calls the Handler, converting a panic into a StatusError
// response instead of tearing down the session (§4.6, §4.10: "Handler
// exception" -> "Wire status Error, log, session continues").
func (s *Server) dispatch(ctx context.Context, req wire.Message) (resp wire.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic", zap.Any("recovered", r), zap.String("action", req.Action.String()))
			resp = wire.Message{Status: wire.StatusError}
		}
	}()
	return s.handler.Handle(ctx, req)
}
