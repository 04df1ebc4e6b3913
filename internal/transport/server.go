package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zde37/corduroy/internal/wire"
	"github.com/zde37/corduroy/pkg"
)

// Handler answers one decoded request. It must always return an envelope;
// failures are expressed as an Error payload.
type Handler interface {
	ServeEnvelope(ctx context.Context, req *wire.Envelope) *wire.Envelope
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *wire.Envelope) *wire.Envelope

// ServeEnvelope calls f(ctx, req).
func (f HandlerFunc) ServeEnvelope(ctx context.Context, req *wire.Envelope) *wire.Envelope {
	return f(ctx, req)
}

// ServerConfig bounds inbound handling.
type ServerConfig struct {
	MaxHandlers      int           // concurrently served connections
	AdmissionTimeout time.Duration // 0 waits for a slot, >0 drops the connection after waiting
	ReadTimeout      time.Duration // bound on reading the request frame
	WriteTimeout     time.Duration // bound on writing the response frame
	MaxRequestTime   time.Duration // latest deadline a handler gets, whatever the request asks for; 0 trusts the request
	MaxFrameSize     int
}

// Server accepts connections on a single loop and serves each one on its
// own goroutine, at most MaxHandlers at a time.
type Server struct {
	cfg      ServerConfig
	listener net.Listener
	handler  Handler
	logger   *pkg.Logger

	slots    *semaphore.Weighted
	ctx      context.Context // cancelled by Close, releases a blocked admission
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inFlight atomic.Int64
	closed   atomic.Bool
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Listen binds addr. Port 0 picks an ephemeral port; Addr reports the
// bound address.
func Listen(addr string, handler Handler, cfg ServerConfig, logger *pkg.Logger) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("transport: nil handler")
	}
	if cfg.MaxHandlers <= 0 {
		cfg.MaxHandlers = 1
	}
	if logger == nil {
		logger = pkg.Nop()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &ConnError{Op: "listen", Addr: addr, Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		listener: ln,
		handler:  handler,
		logger:   logger.Component("transport_server"),
		slots:    semaphore.NewWeighted(int64(cfg.MaxHandlers)),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// InFlight returns the number of connections being served.
func (s *Server) InFlight() int {
	return int(s.inFlight.Load())
}

// Serve runs the accept loop until Close. Accept failures are logged and
// retried with a growing delay. It returns nil after Close.
func (s *Server) Serve() error {
	s.logger.Info().
		Str("address", s.Addr()).
		Int("max_handlers", s.cfg.MaxHandlers).
		Dur("admission_timeout", s.cfg.AdmissionTimeout).
		Msg("Accepting connections")

	var delay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}

			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			s.logger.Warn().
				Err(err).
				Dur("retry_in", delay).
				Msg("Accept failed")

			select {
			case <-time.After(delay):
			case <-s.ctx.Done():
				return nil
			}
			continue
		}
		delay = 0

		if !s.admit(conn) {
			if s.closed.Load() {
				return nil
			}
			continue
		}

		s.wg.Add(1)
		s.inFlight.Add(1)
		go s.serveConn(conn)
	}
}

// admit reserves a handler slot for conn. With no admission timeout it waits
// until a slot frees up; otherwise the connection is dropped once the
// timeout expires.
func (s *Server) admit(conn net.Conn) bool {
	ctx := s.ctx
	if s.cfg.AdmissionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, s.cfg.AdmissionTimeout)
		defer cancel()
	}

	if err := s.slots.Acquire(ctx, 1); err != nil {
		conn.Close()
		if !s.closed.Load() {
			s.logger.Warn().
				Str("remote", conn.RemoteAddr().String()).
				Dur("admission_timeout", s.cfg.AdmissionTimeout).
				Msg("Dropped connection, all handlers busy")
		}
		return false
	}
	return true
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.slots.Release(1)
	defer s.inFlight.Add(-1)
	defer conn.Close()

	remote := conn.RemoteAddr().String()

	if s.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
	req, err := wire.ReadFrame(conn, s.cfg.MaxFrameSize)
	if err != nil {
		if errors.Is(err, pkg.ErrProtocol) {
			s.logger.Warn().
				Err(err).
				Str("remote", remote).
				Msg("Rejected malformed request")
			s.reply(conn, remote, wire.NewEnvelope(&wire.Error{Code: wire.CodeMalformed, Message: err.Error()}))
			return
		}
		s.logger.Debug().
			Err(err).
			Str("remote", remote).
			Msg("Connection closed before a request arrived")
		return
	}

	// Handlers run to completion even when the server is closing; the
	// request deadline is their only bound.
	ctx := context.Background()
	req.Deadline = s.requestDeadline(req.Deadline)
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	s.reply(conn, remote, s.dispatch(ctx, req))
}

// requestDeadline clamps a peer-supplied deadline to MaxRequestTime from now.
func (s *Server) requestDeadline(requested time.Time) time.Time {
	if s.cfg.MaxRequestTime <= 0 {
		return requested
	}
	limit := time.Now().Add(s.cfg.MaxRequestTime)
	if requested.IsZero() || requested.After(limit) {
		return limit
	}
	return requested
}

func (s *Server) dispatch(ctx context.Context, req *wire.Envelope) (resp *wire.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("request_id", req.ID).
				Str("kind", req.Kind().String()).
				Interface("panic", r).
				Msg("Handler panicked")
			resp = req.Reply(&wire.Error{Code: wire.CodeInternal, Message: fmt.Sprint(r)})
		}
	}()

	resp = s.handler.ServeEnvelope(ctx, req)
	if resp == nil {
		resp = req.Reply(&wire.Error{Code: wire.CodeInternal, Message: "no response"})
	}
	return resp
}

func (s *Server) reply(conn net.Conn, remote string, resp *wire.Envelope) {
	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if err := wire.WriteFrame(conn, resp); err != nil {
		s.logger.Debug().
			Err(err).
			Str("remote", remote).
			Str("request_id", resp.ID).
			Msg("Failed to write response")
	}
}

// Close stops accepting connections. Connections already admitted are
// served to completion; use Wait to block until they finish.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return &ConnError{Op: "close", Addr: s.Addr(), Err: err}
	}
	return nil
}

// Wait blocks until every admitted connection has been served.
func (s *Server) Wait() {
	s.wg.Wait()
}
