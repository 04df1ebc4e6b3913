package chord

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/zde37/corduroy/internal/wire"
	"github.com/zde37/corduroy/pkg"
)

// DispatchState is the lifecycle position of a Dispatcher.
type DispatchState int32

const (
	StateIdle       DispatchState = iota // bound to a request, not started
	StateDispatched                      // executing
	StateCompleted                       // response produced
)

func (s DispatchState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatched:
		return "dispatched"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Dispatcher executes one request on behalf of a node. It is bound to a
// single envelope and produces exactly one response.
type Dispatcher struct {
	node   *Node
	req    *wire.Envelope
	state  atomic.Int32
	logger *pkg.Logger
}

// NewDispatcher binds req to node.
func NewDispatcher(node *Node, req *wire.Envelope) *Dispatcher {
	return &Dispatcher{
		node: node,
		req:  req,
		logger: node.logger.WithFields(pkg.Fields{
			"request_id": req.ID,
			"kind":       req.Kind().String(),
		}),
	}
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() DispatchState {
	return DispatchState(d.state.Load())
}

// Dispatch runs the request and returns its response. It never returns nil;
// failures are answered with an Error payload. A dispatcher runs once; later
// calls are refused.
func (d *Dispatcher) Dispatch(ctx context.Context) *wire.Envelope {
	if !d.state.CompareAndSwap(int32(StateIdle), int32(StateDispatched)) {
		d.logger.Warn().
			Str("state", d.State().String()).
			Msg("Refused repeated dispatch")
		return d.answer(d.req.Reply(&wire.Error{
			Code:    wire.CodeInternal,
			Message: "request already dispatched",
		}))
	}
	defer d.state.Store(int32(StateCompleted))

	d.logger.Debug().
		Int("hops", len(d.req.Hops)).
		Msg("Dispatching request")

	// merge-on-read: everything the request has seen is a live ring member
	d.node.learn(d.req.Observed()...)

	var resp *wire.Envelope
	switch p := d.req.Payload().(type) {
	case *wire.Text:
		resp = d.req.Reply(&wire.Text{Value: strings.ToUpper(p.Value)})
	case *wire.DiscoveryRequest:
		resp = d.broadcast(ctx)
	case *wire.Probe:
		resp = d.probe(ctx, p)
	default:
		d.logger.Warn().Msg("Unsupported request")
		resp = d.req.Reply(&wire.Error{
			Code:    wire.CodeUnsupported,
			Message: d.req.Kind().String(),
		})
	}

	return d.answer(resp)
}

// answer records this node in the hop list of the outgoing response.
func (d *Dispatcher) answer(resp *wire.Envelope) *wire.Envelope {
	resp.Visit(d.node.address)
	return resp
}

// broadcast forwards the request to every known address that has not seen
// it yet, one peer at a time, carrying the growing hop record along.
func (d *Dispatcher) broadcast(ctx context.Context) *wire.Envelope {
	work := d.req.Clone()
	work.Visit(d.node.address)
	attempted := make(map[string]struct{})

	for {
		next := ""
		for _, addr := range d.node.members.Known() {
			if _, done := attempted[addr]; done || work.Visited(addr) {
				continue
			}
			next = addr
			break
		}
		if next == "" {
			break
		}
		attempted[next] = struct{}{}

		resp, err := d.node.forward(ctx, work, next)
		if err == nil {
			err = resp.Err()
		}
		if err == nil && resp.Kind() != wire.KindDiscovery {
			err = fmt.Errorf("%w: unexpected %s response", pkg.ErrProtocol, resp.Kind())
		}
		if err != nil {
			if d.skip(ctx, next, err) {
				break
			}
			continue
		}

		merged := resp.Clone()
		for _, hop := range work.Hops {
			merged.Visit(hop)
		}
		work = merged
	}

	d.logger.Debug().
		Int("visited", len(work.Hops)).
		Msg("Broadcast completed")

	return work
}

// probe adds this node to the payload and forwards it through every finger
// not yet recorded in it. The payload only grows, so no node is asked twice.
func (d *Dispatcher) probe(ctx context.Context, in *wire.Probe) *wire.Envelope {
	self := d.node.address
	working := &wire.Probe{}
	for _, addr := range in.Addresses {
		working.Add(addr)
	}
	working.Add(self)

	work := d.req.Reply(working)
	work.Visit(self)
	attempted := make(map[string]struct{})

	for {
		next := ""
		// the table is re-read each round since responses may rebuild it
		for _, addr := range d.node.members.Fingers().Addresses() {
			if _, done := attempted[addr]; done || working.Contains(addr) {
				continue
			}
			next = addr
			break
		}
		if next == "" {
			break
		}
		attempted[next] = struct{}{}

		resp, err := d.node.forward(ctx, work, next)
		var returned *wire.Probe
		if err == nil {
			returned, err = wire.As[*wire.Probe](resp)
		}
		if err != nil {
			if d.skip(ctx, next, err) {
				break
			}
			continue
		}

		for _, addr := range returned.Addresses {
			working.Add(addr)
		}
		for _, hop := range resp.Hops {
			work.Visit(hop)
		}
	}

	d.logger.Debug().
		Int("addresses", len(working.Addresses)).
		Int("hops", len(work.Hops)).
		Msg("Probe completed")

	return work
}

// skip logs an unreachable or failing branch. It reports whether the
// traversal has run out of time and should stop altogether.
func (d *Dispatcher) skip(ctx context.Context, peer string, err error) bool {
	d.logger.Warn().
		Err(err).
		Str("peer", peer).
		Msg("Skipping unreachable branch")
	return ctx.Err() != nil
}
