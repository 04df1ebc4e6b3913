package chord

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/corduroy/internal/config"
	"github.com/zde37/corduroy/internal/transport"
	"github.com/zde37/corduroy/internal/wire"
	"github.com/zde37/corduroy/pkg"
	"github.com/zde37/corduroy/pkg/hash"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.DialTimeout = 500 * time.Millisecond
	cfg.DialRetries = 0
	cfg.RPCTimeout = 2 * time.Second
	cfg.TraversalTimeout = 5 * time.Second
	cfg.HopReserve = 20 * time.Millisecond
	cfg.MaxHandlers = 16
	return cfg
}

// createTestNode binds a node on an ephemeral port without accepting.
func createTestNode(t *testing.T) *Node {
	t.Helper()

	node, err := NewNode(testConfig(), pkg.Nop())
	require.NoError(t, err)
	require.NotNil(t, node)

	t.Cleanup(func() {
		node.Stop()
		node.Wait()
	})
	return node
}

func startTestNode(t *testing.T) *Node {
	t.Helper()

	node := createTestNode(t)
	node.Start()
	return node
}

func startCluster(t *testing.T, n int) ([]*Node, []string) {
	t.Helper()

	nodes := make([]*Node, n)
	addrs := make([]string, n)
	for i := range nodes {
		nodes[i] = startTestNode(t)
		addrs[i] = nodes[i].Address()
	}
	sort.Strings(addrs)
	return nodes, addrs
}

func TestNewNode(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		node := createTestNode(t)

		host, port, err := transport.SplitAddress(node.Address())
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", host)
		assert.NotZero(t, port, "an ephemeral port is resolved at bind time")

		want, err := hash.HashAddress(node.Address())
		require.NoError(t, err)
		assert.Equal(t, want, node.ID())
		assert.True(t, node.ID().IsValid())

		assert.Empty(t, node.KnownAddresses())
		assert.Zero(t, node.FingerTable().Len())
		assert.False(t, node.IsStopped())
	})

	t.Run("advertised host", func(t *testing.T) {
		cfg := testConfig()
		cfg.Host = "0.0.0.0"
		cfg.AdvertiseHost = "localhost"

		node, err := NewNode(cfg, pkg.Nop())
		require.NoError(t, err)
		defer node.Stop()

		host, _, err := transport.SplitAddress(node.Address())
		require.NoError(t, err)
		assert.NotEqual(t, "localhost", host, "identity is canonicalized to an ip")
	})

	t.Run("nil config", func(t *testing.T) {
		node, err := NewNode(nil, pkg.Nop())
		assert.Error(t, err)
		assert.Nil(t, node)
		assert.Contains(t, err.Error(), "config cannot be nil")
	})

	t.Run("nil logger", func(t *testing.T) {
		node, err := NewNode(testConfig(), nil)
		assert.Error(t, err)
		assert.Nil(t, node)
		assert.Contains(t, err.Error(), "logger cannot be nil")
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig()
		cfg.Port = -1

		node, err := NewNode(cfg, pkg.Nop())
		assert.Error(t, err)
		assert.Nil(t, node)
		assert.Contains(t, err.Error(), "invalid config")
	})

	t.Run("port in use", func(t *testing.T) {
		first := createTestNode(t)
		_, port, err := transport.SplitAddress(first.Address())
		require.NoError(t, err)

		cfg := testConfig()
		cfg.Port = port
		node, err := NewNode(cfg, pkg.Nop())
		assert.Nil(t, node)
		assert.ErrorIs(t, err, pkg.ErrConnection)
	})
}

func TestNode_GetHash(t *testing.T) {
	node := createTestNode(t)

	id, err := node.GetHash(hash.AddressSalt)
	require.NoError(t, err)
	assert.Equal(t, node.ID(), id)

	other, err := node.GetHash(2)
	require.NoError(t, err)
	assert.True(t, other.IsValid())
	assert.NotEqual(t, id, other)
}

func TestNode_Echo(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)

	got, err := a.Echo(context.Background(), b.Address(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, "HELLO WORLD", got)

	assert.Equal(t, []string{b.Address()}, a.KnownAddresses(), "the responder is learned")
	assert.Empty(t, b.KnownAddresses(), "a text request carries no hops to learn from")
}

func TestNode_UnsupportedRequestOverTheWire(t *testing.T) {
	node := startTestNode(t)
	client := transport.NewClient(transport.ClientConfig{
		DialTimeout: time.Second,
		RPCTimeout:  time.Second,
	}, nil)

	resp, err := client.Send(context.Background(), node.Address(), wire.NewEnvelope(&wire.Unknown{Tag: 42}))
	require.NoError(t, err, "the connection is answered, not dropped")

	var remote *wire.RemoteError
	require.True(t, errors.As(resp.Err(), &remote))
	assert.Equal(t, wire.CodeUnsupported, remote.Code)
	assert.ErrorIs(t, resp.Err(), pkg.ErrProtocol)
}

func TestNode_ProbeAlone(t *testing.T) {
	node := startTestNode(t)

	members, err := node.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{node.Address()}, members)
}

func TestNode_ThreeNodeRing(t *testing.T) {
	nodes, all := startCluster(t, 3)
	ctx := context.Background()

	require.NoError(t, nodes[1].Discover(ctx, nodes[0].Address()))
	require.NoError(t, nodes[2].Discover(ctx, nodes[1].Address()))
	require.NoError(t, nodes[0].Discover(ctx, nodes[2].Address()))

	for _, node := range nodes {
		first, err := node.Probe(ctx)
		require.NoError(t, err)
		assert.Equal(t, all, first, "probe from %s", node.Address())

		second, err := node.Probe(ctx)
		require.NoError(t, err)
		assert.Equal(t, first, second, "a converged probe is idempotent")
	}
}

func TestNode_ChainedDiscoveryConverges(t *testing.T) {
	for _, size := range []int{4, 6, 8, 12} {
		t.Run(strconv.Itoa(size), func(t *testing.T) {
			nodes, all := startCluster(t, size)
			ctx := context.Background()

			for i := 1; i < size; i++ {
				require.NoError(t, nodes[i].Discover(ctx, nodes[i-1].Address()))
			}
			require.NoError(t, nodes[0].Discover(ctx, nodes[size-1].Address()))

			for _, node := range nodes {
				first, err := node.Probe(ctx)
				require.NoError(t, err)
				assert.Equal(t, all, first, "first traversal from %s", node.Address())
				assertUnique(t, first)

				second, err := node.Probe(ctx)
				require.NoError(t, err)
				assert.Equal(t, first, second, "repeating the traversal from %s", node.Address())
			}
		})
	}
}

func TestNode_DiscoverSharesViewWithEveryMember(t *testing.T) {
	nodes, all := startCluster(t, 5)
	ctx := context.Background()

	for i := 1; i < len(nodes); i++ {
		require.NoError(t, nodes[i].Discover(ctx, nodes[i-1].Address()))
	}

	for _, node := range nodes {
		known := append(node.KnownAddresses(), node.Address())
		assert.Equal(t, all, sortedOf(known...), "view of %s", node.Address())
	}
}

func TestNode_FullKnowledgeConverges(t *testing.T) {
	const size = 5
	nodes, all := startCluster(t, size)
	for _, node := range nodes {
		node.Learn(all...)
	}

	for _, node := range nodes {
		members, err := node.Probe(context.Background())
		require.NoError(t, err)
		assert.Equal(t, all, members)
	}
}

func TestNode_ProbeIsLoopFree(t *testing.T) {
	const size = 4
	nodes, all := startCluster(t, size)
	for _, node := range nodes {
		node.Learn(all...)
	}

	client := transport.NewClient(transport.ClientConfig{
		DialTimeout: time.Second,
		RPCTimeout:  5 * time.Second,
	}, nil)
	resp, err := client.Send(context.Background(), nodes[0].Address(), wire.NewEnvelope(&wire.Probe{}))
	require.NoError(t, err)

	probe, err := wire.As[*wire.Probe](resp)
	require.NoError(t, err)
	assert.Equal(t, all, probe.Sorted())
	assertUnique(t, probe.Addresses)

	assertUnique(t, resp.Hops)
	assert.LessOrEqual(t, len(resp.Hops), size, "every node processes the traversal at most once")
	assert.Subset(t, all, resp.Hops)
}

func TestNode_Broadcast(t *testing.T) {
	nodes, all := startCluster(t, 3)
	ctx := context.Background()

	// a chain: each node only knows its neighbour
	nodes[0].Learn(nodes[1].Address())
	nodes[1].Learn(nodes[2].Address())

	visited, err := nodes[0].Broadcast(ctx)
	require.NoError(t, err)
	assert.Equal(t, all, visited)
	assertUnique(t, visited)

	assert.ElementsMatch(t, []string{nodes[0].Address(), nodes[1].Address()}, nodes[2].KnownAddresses(),
		"the last hop learns every earlier one from the hop record")
}

func TestNode_UnreachablePeerIsSkipped(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)
	dead := createTestNode(t)
	deadAddr := dead.Address()
	require.NoError(t, dead.Stop())

	a.Learn(b.Address(), deadAddr)
	b.Learn(deadAddr)

	members, err := a.Probe(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, members, deadAddr)

	// the probe only follows fingers; b is reached when it holds one of a's slots
	want := []string{a.Address()}
	if a.FingerTable().Contains(b.Address()) {
		want = append(want, b.Address())
	}
	assert.Equal(t, sortedOf(want...), members)

	visited, err := a.Broadcast(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sortedOf(a.Address(), b.Address()), visited)
}

// holdListener accepts connections and never answers them.
func holdListener(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			conn.Close()
		}
	})
	return ln.Addr().String()
}

func TestNode_StalledPeerCostsOneBranch(t *testing.T) {
	cfg := testConfig()
	cfg.TraversalTimeout = 3 * time.Second
	cfg.RPCTimeout = 300 * time.Millisecond

	a, err := NewNode(cfg, pkg.Nop())
	require.NoError(t, err)
	a.Start()
	t.Cleanup(func() {
		a.Stop()
		a.Wait()
	})
	b := startTestNode(t)

	const stalled = 6
	for i := 0; i < stalled; i++ {
		a.Learn(holdListener(t))
	}
	a.Learn(b.Address())

	start := time.Now()
	members, err := a.Probe(context.Background())
	require.NoError(t, err)
	elapsed := time.Since(start)

	fingers := a.FingerTable().Len()
	assert.Less(t, elapsed, time.Duration(fingers)*cfg.RPCTimeout+time.Second,
		"each stalled finger costs at most one exchange timeout")
	assert.Less(t, elapsed, cfg.TraversalTimeout)

	want := []string{a.Address()}
	if a.FingerTable().Contains(b.Address()) {
		want = append(want, b.Address())
	}
	assert.Equal(t, sortedOf(want...), members)

	// the flat variant asks every known address, stalled ones included
	visited, err := a.Broadcast(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sortedOf(a.Address(), b.Address()), visited)
}

func TestNode_ServeEnvelopeCapsRequestDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.TraversalTimeout = time.Second
	cfg.RPCTimeout = 5 * time.Second

	node, err := NewNode(cfg, pkg.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		node.Stop()
		node.Wait()
	})
	node.Learn(holdListener(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	start := time.Now()
	resp := node.ServeEnvelope(ctx, wire.NewEnvelope(&wire.DiscoveryRequest{}))
	elapsed := time.Since(start)

	require.NoError(t, resp.Err())
	assert.Equal(t, []string{node.Address()}, resp.Hops)
	assert.Less(t, elapsed, 2*time.Second, "a far-off caller deadline is cut to the traversal timeout")
}

func TestNode_Discover(t *testing.T) {
	t.Run("unresolvable bootstrap", func(t *testing.T) {
		node := startTestNode(t)
		err := node.Discover(context.Background(), "not-an-address")
		assert.ErrorIs(t, err, pkg.ErrAddressResolution)
	})

	t.Run("unreachable bootstrap", func(t *testing.T) {
		node := startTestNode(t)
		dead := createTestNode(t)
		require.NoError(t, dead.Stop())

		err := node.Discover(context.Background(), dead.Address())
		assert.ErrorIs(t, err, pkg.ErrConnection)

		var connErr *transport.ConnError
		assert.True(t, errors.As(err, &connErr))
	})

	t.Run("self bootstrap", func(t *testing.T) {
		node := startTestNode(t)
		require.NoError(t, node.Discover(context.Background(), node.Address()))
		assert.Empty(t, node.KnownAddresses())
	})

	t.Run("hostname bootstrap", func(t *testing.T) {
		a := startTestNode(t)
		b := startTestNode(t)

		_, port, err := transport.SplitAddress(a.Address())
		require.NoError(t, err)

		require.NoError(t, b.Discover(context.Background(), "localhost:"+strconv.Itoa(port)))
		assert.Contains(t, b.KnownAddresses(), a.Address())
		assert.Contains(t, a.KnownAddresses(), b.Address())
	})
}

func TestNode_Stop(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)

	require.NoError(t, b.Stop())
	assert.True(t, b.IsStopped())
	assert.NoError(t, b.Stop(), "stop is idempotent")

	assert.ErrorIs(t, b.Listen(), pkg.ErrNodeStopped)
	assert.ErrorIs(t, b.Discover(context.Background(), a.Address()), pkg.ErrNodeStopped)

	_, err := a.Echo(context.Background(), b.Address(), "anyone there")
	assert.ErrorIs(t, err, pkg.ErrConnection)
}

func TestNode_Lookup(t *testing.T) {
	t.Run("alone", func(t *testing.T) {
		node := createTestNode(t)
		owner, _, err := node.Lookup("some-key")
		require.NoError(t, err)
		assert.Equal(t, node.Address(), owner.Address)
	})

	t.Run("successor of the key", func(t *testing.T) {
		node := createTestNode(t)
		node.Learn("127.0.0.1:9101", "127.0.0.1:9102", "127.0.0.1:9103")

		members, err := RingOrder(append(node.KnownAddresses(), node.Address()))
		require.NoError(t, err)
		ids := make([]hash.RingID, len(members))
		for i, m := range members {
			ids[i] = m.ID
		}

		for _, key := range []string{"alpha", "beta", "gamma", "delta"} {
			owner, target, err := node.Lookup(key)
			require.NoError(t, err)

			want, err := hash.FindSuccessor(target, ids)
			require.NoError(t, err)
			assert.Equal(t, want, owner.ID, key)
		}
	})
}

func TestNode_Info(t *testing.T) {
	node := createTestNode(t)
	node.Learn("127.0.0.1:9101", "127.0.0.1:9102")

	info, err := node.Info()
	require.NoError(t, err)
	assert.Equal(t, node.Address(), info.Self.Address)
	assert.Equal(t, node.ID(), info.Self.ID)
	assert.Len(t, info.Known, 2)
	assert.Equal(t, node.FingerTable().Entries(), info.Fingers)
	assert.False(t, info.Stopped)
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []RingUpdateEvent
}

func (r *recordingBroadcaster) BroadcastRingUpdate(update any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, update.(RingUpdateEvent))
	return nil
}

func (r *recordingBroadcaster) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func TestNode_RingEvents(t *testing.T) {
	node := startTestNode(t)
	rec := &recordingBroadcaster{}
	node.SetBroadcaster(rec)

	node.Learn("127.0.0.1:9101")
	node.Learn("127.0.0.1:9101")
	assert.Equal(t, []string{EventMemberLearned, EventFingersRebuilt}, rec.types(), "nothing new, no event")

	_, err := node.Probe(context.Background())
	require.NoError(t, err)
	assert.Contains(t, rec.types(), EventProbeCompleted)

	rec.mu.Lock()
	first := rec.events[0]
	rec.mu.Unlock()
	assert.Equal(t, node.Address(), first.Node)
	assert.Equal(t, []string{"127.0.0.1:9101"}, first.Addresses)
}

func assertUnique(t *testing.T, values []string) {
	t.Helper()
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		_, dup := seen[v]
		assert.False(t, dup, "%s appears twice", v)
		seen[v] = struct{}{}
	}
}

func sortedOf(addrs ...string) []string {
	sort.Strings(addrs)
	return addrs
}
