package chord

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zde37/corduroy/internal/config"
	"github.com/zde37/corduroy/internal/transport"
	"github.com/zde37/corduroy/internal/wire"
	"github.com/zde37/corduroy/pkg"
	"github.com/zde37/corduroy/pkg/hash"
)

// Node represents a member of the ring.
type Node struct {
	// Node identity
	id      hash.RingID
	address string

	// Configuration
	config *config.Config

	// Ring view: known addresses and finger table
	members *Membership

	// Transport
	server *transport.Server
	client *transport.Client

	// Logger
	logger *pkg.Logger

	// Optional sink for ring events
	broadcaster   RingUpdateBroadcaster
	broadcasterMu sync.RWMutex

	// Lifecycle management
	listening atomic.Bool
	stopped   atomic.Bool
}

// NewNode binds the node's listening socket and derives its identity from
// the bound address, so Port 0 yields a usable ephemeral identity.
// Nothing is accepted until Listen or Start is called.
func NewNode(cfg *config.Config, logger *pkg.Logger) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	// Validate config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	node := &Node{
		config: cfg,
		client: transport.NewClient(transport.ClientConfig{
			DialTimeout:  cfg.DialTimeout,
			RPCTimeout:   cfg.RPCTimeout,
			DialRetries:  cfg.DialRetries,
			DialBackoff:  cfg.DialBackoff,
			MaxFrameSize: cfg.MaxFrameSize,
		}, logger),
	}

	server, err := transport.Listen(cfg.ListenAddress(), node, transport.ServerConfig{
		MaxHandlers:      cfg.MaxHandlers,
		AdmissionTimeout: cfg.AdmissionTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.RPCTimeout,
		MaxRequestTime:   cfg.TraversalTimeout,
		MaxFrameSize:     cfg.MaxFrameSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", cfg.ListenAddress(), err)
	}
	node.server = server

	address, err := advertisedAddress(cfg, server.Addr())
	if err != nil {
		server.Close()
		return nil, err
	}

	id, err := hash.HashAddress(address)
	if err != nil {
		server.Close()
		return nil, fmt.Errorf("failed to place %s on the ring: %w", address, err)
	}

	members, err := NewMembership(address)
	if err != nil {
		server.Close()
		return nil, err
	}

	node.id = id
	node.address = address
	node.members = members
	node.logger = logger.WithFields(pkg.Fields{
		"node":    address,
		"ring_id": uint32(id),
	})

	node.logger.Info().
		Str("bound", server.Addr()).
		Int("max_handlers", cfg.MaxHandlers).
		Str("admission", cfg.AdmissionPolicy()).
		Msg("Node created")

	return node, nil
}

// advertisedAddress turns the bound socket address into the canonical
// identity peers will dial.
func advertisedAddress(cfg *config.Config, bound string) (string, error) {
	host, port, err := net.SplitHostPort(bound)
	if err != nil {
		return "", fmt.Errorf("%w: bound address %q: %v", pkg.ErrAddressResolution, bound, err)
	}

	if cfg.AdvertiseHost != "" {
		host = cfg.AdvertiseHost
	} else if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		host = "127.0.0.1"
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	return transport.ResolveAddress(ctx, net.JoinHostPort(host, port))
}

// ID returns the node's ring position.
func (n *Node) ID() hash.RingID {
	return n.id
}

// Address returns the node's canonical host:port identity.
func (n *Node) Address() string {
	return n.address
}

// SetBroadcaster sets the sink for ring update events.
func (n *Node) SetBroadcaster(b RingUpdateBroadcaster) {
	n.broadcasterMu.Lock()
	defer n.broadcasterMu.Unlock()
	n.broadcaster = b
}

func (n *Node) emit(eventType, message string, addrs []string) {
	n.broadcasterMu.RLock()
	b := n.broadcaster
	n.broadcasterMu.RUnlock()

	if b == nil {
		return
	}
	if err := b.BroadcastRingUpdate(newRingUpdateEvent(eventType, n.address, message, addrs)); err != nil {
		n.logger.Debug().
			Err(err).
			Str("event", eventType).
			Msg("Failed to broadcast ring update")
	}
}

// Listen runs the accept loop until Stop. Each accepted connection is served
// by its own Dispatcher.
func (n *Node) Listen() error {
	if n.stopped.Load() {
		return pkg.ErrNodeStopped
	}
	if !n.listening.CompareAndSwap(false, true) {
		return fmt.Errorf("node %s is already listening", n.address)
	}

	n.logger.Info().Msg("Listening")
	return n.server.Serve()
}

// Start runs Listen in the background.
func (n *Node) Start() {
	go func() {
		if err := n.Listen(); err != nil {
			n.logger.Error().
				Err(err).
				Msg("Accept loop exited")
		}
	}()
}

// Stop closes the listening socket. Requests already being dispatched run
// to completion; Wait blocks until they have.
func (n *Node) Stop() error {
	if !n.stopped.CompareAndSwap(false, true) {
		return nil
	}

	n.logger.Info().
		Int("in_flight", n.server.InFlight()).
		Msg("Stopping node")

	if err := n.server.Close(); err != nil {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	return nil
}

// Wait blocks until every in-flight request has been answered.
func (n *Node) Wait() {
	n.server.Wait()
}

// IsStopped reports whether Stop has been called.
func (n *Node) IsStopped() bool {
	return n.stopped.Load()
}

// ServeEnvelope answers one inbound request within the traversal timeout,
// or sooner when the request's own deadline is earlier.
func (n *Node) ServeEnvelope(ctx context.Context, req *wire.Envelope) *wire.Envelope {
	ctx, cancel := context.WithTimeout(ctx, n.config.TraversalTimeout)
	defer cancel()
	return NewDispatcher(n, req).Dispatch(ctx)
}

// Send delivers req to peer over a fresh connection and returns the single
// response. Every address the response mentions, and the peer itself, is
// merged into the node's ring view.
func (n *Node) Send(ctx context.Context, req *wire.Envelope, peer string) (*wire.Envelope, error) {
	resp, err := n.client.Send(ctx, peer, req)
	if err != nil {
		return nil, err
	}

	n.learn(append(resp.Observed(), peer)...)
	return resp, nil
}

// forward sends req on behalf of a traversal. The branch gets at most
// RPCTimeout, and never the last HopReserve of the traversal, so a peer that
// stalls costs one branch while this node can still answer its own caller.
func (n *Node) forward(ctx context.Context, req *wire.Envelope, peer string) (*wire.Envelope, error) {
	now := time.Now()
	child := now.Add(n.config.RPCTimeout)
	if deadline, ok := ctx.Deadline(); ok {
		if reserved := deadline.Add(-n.config.HopReserve); reserved.Before(child) {
			child = reserved
		}
	}
	if !child.After(now) {
		return nil, fmt.Errorf("forward to %s: %w", peer, context.DeadlineExceeded)
	}
	ctx, cancel := context.WithDeadline(ctx, child)
	defer cancel()

	n.logger.Debug().
		Str("peer", peer).
		Str("request_id", req.ID).
		Str("kind", req.Kind().String()).
		Int("hops", len(req.Hops)).
		Msg("Forwarding request")

	return n.Send(ctx, req, peer)
}

// Learn merges addrs into the node's ring view. It returns the addresses
// that were new.
func (n *Node) Learn(addrs ...string) []string {
	return n.learn(addrs...)
}

func (n *Node) learn(addrs ...string) []string {
	added, err := n.members.Merge(addrs...)
	if err != nil {
		n.logger.Error().
			Err(err).
			Msg("Failed to rebuild finger table")
	}
	if len(added) == 0 {
		return nil
	}

	n.logger.Debug().
		Strs("added", added).
		Int("known", n.members.Len()).
		Int("fingers", n.members.Fingers().Len()).
		Msg("Learned ring members")

	n.emit(EventMemberLearned, fmt.Sprintf("learned %d member(s)", len(added)), added)
	if err == nil {
		n.emit(EventFingersRebuilt, "finger table rebuilt", n.members.Fingers().Addresses())
	}
	return added
}

// Discover joins the ring through bootstrap: it learns the address, probes
// the ring through it and then re-probes through its own fingers until the
// known set stops growing.
//
// An unresolvable bootstrap fails with pkg.ErrAddressResolution and an
// unreachable one with pkg.ErrConnection. Peers that fail further along are
// skipped.
func (n *Node) Discover(ctx context.Context, bootstrap string) error {
	if n.stopped.Load() {
		return pkg.ErrNodeStopped
	}

	peer, err := transport.ResolveAddress(ctx, bootstrap)
	if err != nil {
		return err
	}

	ctx, cancel := n.traversalContext(ctx)
	defer cancel()

	n.logger.Info().
		Str("bootstrap", peer).
		Msg("Discovering ring")

	if peer != n.address {
		n.learn(peer)

		req := wire.NewEnvelope(&wire.Probe{Addresses: []string{n.address}})
		req.Visit(n.address)

		resp, err := n.forward(ctx, req, peer)
		if err != nil {
			return fmt.Errorf("failed to probe bootstrap %s: %w", peer, err)
		}
		if _, err := wire.As[*wire.Probe](resp); err != nil {
			return fmt.Errorf("bootstrap %s answered the probe: %w", peer, err)
		}
	}

	announced := make(map[string]struct{})
	for {
		for {
			before := n.members.Len()
			if _, err := n.Probe(ctx); err != nil {
				return err
			}
			if n.members.Len() == before {
				break
			}
		}

		// A probe only follows fingers, so a member whose predecessor never
		// heard of it stays out of reach. Handing every member the full view
		// lets each of them find its true successor.
		var pending []string
		for _, addr := range n.members.Known() {
			if _, done := announced[addr]; !done {
				announced[addr] = struct{}{}
				pending = append(pending, addr)
			}
		}
		if len(pending) == 0 {
			break
		}
		n.announce(ctx, pending)
		if ctx.Err() != nil {
			break
		}
	}

	n.logger.Info().
		Int("known", n.members.Len()).
		Int("fingers", n.members.Fingers().Len()).
		Msg("Discovery completed")

	return nil
}

// announce sends the node's whole view to each peer as a probe that is
// already complete, so peers merge it without traversing further.
func (n *Node) announce(ctx context.Context, peers []string) {
	view := append(n.members.Known(), n.address)

	for _, peer := range peers {
		req := wire.NewEnvelope(&wire.Probe{Addresses: view})
		req.Visit(n.address)

		resp, err := n.forward(ctx, req, peer)
		if err == nil {
			_, err = wire.As[*wire.Probe](resp)
		}
		if err != nil {
			n.logger.Warn().
				Err(err).
				Str("peer", peer).
				Msg("Failed to share ring view")
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// Probe runs the finger-table traversal from this node and returns every
// ring member it reached, self included, in ascending order.
func (n *Node) Probe(ctx context.Context) ([]string, error) {
	ctx, cancel := n.traversalContext(ctx)
	defer cancel()

	resp := NewDispatcher(n, wire.NewEnvelope(&wire.Probe{})).Dispatch(ctx)
	probe, err := wire.As[*wire.Probe](resp)
	if err != nil {
		return nil, err
	}
	members := probe.Sorted()
	if err := ctx.Err(); err != nil {
		n.logger.Warn().
			Err(err).
			Int("members", len(members)).
			Msg("Probe ran out of time, returning partial result")
	}

	n.emit(EventProbeCompleted, fmt.Sprintf("probe reached %d member(s)", len(members)), members)
	return members, nil
}

// Broadcast runs the flat traversal through every known address and
// returns the nodes that processed it, self included, in ascending order.
func (n *Node) Broadcast(ctx context.Context) ([]string, error) {
	ctx, cancel := n.traversalContext(ctx)
	defer cancel()

	resp := NewDispatcher(n, wire.NewEnvelope(&wire.DiscoveryRequest{})).Dispatch(ctx)
	if _, err := wire.As[*wire.DiscoveryRequest](resp); err != nil {
		return nil, err
	}
	visited := (&wire.Probe{Addresses: resp.Hops}).Sorted()
	if err := ctx.Err(); err != nil {
		n.logger.Warn().
			Err(err).
			Int("visited", len(visited)).
			Msg("Broadcast ran out of time, returning partial result")
	}
	return visited, nil
}

// Echo asks peer to upper-case text.
func (n *Node) Echo(ctx context.Context, peer, text string) (string, error) {
	resp, err := n.Send(ctx, wire.NewEnvelope(&wire.Text{Value: text}), peer)
	if err != nil {
		return "", err
	}

	out, err := wire.As[*wire.Text](resp)
	if err != nil {
		return "", err
	}
	return out.Value, nil
}

// GetHash places the node's own address on ring under the given salt.
func (n *Node) GetHash(ring uint32) (hash.RingID, error) {
	id, err := hash.HashString(n.address, ring)
	if err != nil {
		return 0, fmt.Errorf("failed to hash %s on ring %d: %w", n.address, ring, err)
	}
	return id, nil
}

// Lookup returns the member responsible for key among this node and the
// addresses it knows: the successor of hash(key) on the address ring.
func (n *Node) Lookup(key string) (NodeAddress, hash.RingID, error) {
	target, err := hash.HashString(key, hash.AddressSalt)
	if err != nil {
		return NodeAddress{}, 0, err
	}

	members, err := RingOrder(append(n.members.Known(), n.address))
	if err != nil {
		return NodeAddress{}, 0, err
	}

	ids := make([]hash.RingID, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	owner, err := hash.FindSuccessor(target, ids)
	if err != nil {
		return NodeAddress{}, 0, err
	}

	for _, m := range members {
		if m.ID == owner {
			return m, target, nil
		}
	}
	return NodeAddress{}, 0, fmt.Errorf("%w: no member at %d", pkg.ErrEmptyRing, owner)
}

// KnownAddresses returns the known peers in ascending order, self excluded.
func (n *Node) KnownAddresses() []string {
	return n.members.Known()
}

// FingerTable returns the current finger table snapshot.
func (n *Node) FingerTable() *hash.FingerTable {
	return n.members.Fingers()
}

// Info returns a snapshot of the node's ring view.
func (n *Node) Info() (NodeInfo, error) {
	self := NodeAddress{ID: n.id, Address: n.address}

	known, err := RingOrder(n.members.Known())
	if err != nil {
		return NodeInfo{}, err
	}

	return NodeInfo{
		Self:    self,
		Known:   known,
		Fingers: n.members.Fingers().Entries(),
		Stopped: n.stopped.Load(),
	}, nil
}

func (n *Node) traversalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, n.config.TraversalTimeout)
}
