package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zde37/corduroy/internal/wire"
	"github.com/zde37/corduroy/pkg"
)

// ClientConfig bounds outbound calls.
type ClientConfig struct {
	DialTimeout  time.Duration // per dial attempt
	RPCTimeout   time.Duration // whole call, used when the context has no deadline
	DialRetries  uint64        // extra dial attempts after the first
	DialBackoff  time.Duration // initial wait between dial attempts
	MaxFrameSize int
}

// Client sends one envelope per connection and reads exactly one back.
// Connections are never pooled or reused.
type Client struct {
	cfg    ClientConfig
	dialer *net.Dialer
	logger *pkg.Logger
}

// NewClient creates a new client.
func NewClient(cfg ClientConfig, logger *pkg.Logger) *Client {
	if logger == nil {
		logger = pkg.Nop()
	}

	return &Client{
		cfg:    cfg,
		dialer: &net.Dialer{KeepAlive: -1},
		logger: logger.Component("transport_client"),
	}
}

// Send opens a connection to addr, writes req, blocks for one response and
// closes the connection.
//
// The call never outlives ctx; without a context deadline it is bounded by
// RPCTimeout. The effective deadline travels with the request so the peer
// stops working on it at the same time. I/O failures are returned as
// *ConnError; an undecodable response matches pkg.ErrProtocol.
func (c *Client) Send(ctx context.Context, addr string, req *wire.Envelope) (*wire.Envelope, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", pkg.ErrProtocol)
	}

	if _, ok := ctx.Deadline(); !ok && c.cfg.RPCTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RPCTimeout)
		defer cancel()
	}

	out := req.Clone()
	if deadline, ok := ctx.Deadline(); ok && (out.Deadline.IsZero() || deadline.Before(out.Deadline)) {
		out.Deadline = deadline
	}

	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, &ConnError{Op: "dial", Addr: addr, Err: err}
	}
	defer conn.Close()

	if err := armDeadline(conn, addr, out.Deadline); err != nil {
		return nil, err
	}
	// unblock reads and writes as soon as the caller gives up
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := wire.WriteFrame(conn, out); err != nil {
		if errors.Is(err, pkg.ErrProtocol) {
			return nil, err
		}
		return nil, &ConnError{Op: "write", Addr: addr, Err: c.cause(ctx, err)}
	}

	resp, err := wire.ReadFrame(conn, c.cfg.MaxFrameSize)
	if err != nil {
		if errors.Is(err, pkg.ErrProtocol) {
			return nil, fmt.Errorf("response from %s: %w", addr, err)
		}
		return nil, &ConnError{Op: "read", Addr: addr, Err: c.cause(ctx, err)}
	}

	c.logger.Trace().
		Str("peer", addr).
		Str("request_id", out.ID).
		Str("kind", out.Kind().String()).
		Str("response_kind", resp.Kind().String()).
		Msg("Exchange completed")

	return resp, nil
}

// armDeadline bounds every read and write on conn by deadline, if set.
func armDeadline(conn net.Conn, addr string, deadline time.Time) error {
	if deadline.IsZero() {
		return nil
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return &ConnError{Op: "deadline", Addr: addr, Err: err}
	}
	return nil
}

// dial connects with a bounded number of retries, backing off between attempts.
func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	var conn net.Conn
	attempt := 0

	operation := func() error {
		attempt++
		dialCtx := ctx
		if c.cfg.DialTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
			defer cancel()
		}

		cn, err := c.dialer.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Debug().
				Err(err).
				Str("peer", addr).
				Int("attempt", attempt).
				Msg("Dial failed")
			return err
		}
		conn = cn
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.DialBackoff
	policy.MaxElapsedTime = 0 // the context bounds the total

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, c.cfg.DialRetries), ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

// cause prefers the context error over the deadline error it provoked.
func (c *Client) cause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%v)", ctxErr, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w (%v)", context.DeadlineExceeded, err)
	}
	return err
}
