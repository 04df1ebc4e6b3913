package chord

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zde37/corduroy/internal/transport"
	"github.com/zde37/corduroy/pkg/hash"
)

// Membership is a node's view of the ring: the set of peer addresses it has
// heard of and the finger table derived from them.
//
// The known set only ever grows. The finger table is an immutable snapshot
// swapped through a single pointer, so readers never see a partial rebuild.
type Membership struct {
	self string

	mu    sync.Mutex // serializes merges and the rebuilds they trigger
	known map[string]struct{}

	fingers atomic.Pointer[hash.FingerTable]
}

// NewMembership returns an empty view for self.
func NewMembership(self string) (*Membership, error) {
	table, err := hash.EmptyFingerTable(self)
	if err != nil {
		return nil, fmt.Errorf("failed to create finger table: %w", err)
	}

	m := &Membership{
		self:  self,
		known: make(map[string]struct{}),
	}
	m.fingers.Store(table)
	return m, nil
}

// Self returns the owner address.
func (m *Membership) Self() string {
	return m.self
}

// Merge adds addrs to the known set and rebuilds the finger table when the
// set grew. Self, duplicates and strings that are not host:port are ignored.
// It returns the newly learned addresses in ascending order.
//
// The known set keeps what was added even if the rebuild fails; the previous
// finger table then stays in place and the error is returned.
func (m *Membership) Merge(addrs ...string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var added []string
	for _, addr := range addrs {
		if addr == m.self {
			continue
		}
		if _, ok := m.known[addr]; ok {
			continue
		}
		if _, _, err := transport.SplitAddress(addr); err != nil {
			continue
		}
		m.known[addr] = struct{}{}
		added = append(added, addr)
	}
	if len(added) == 0 {
		return nil, nil
	}
	sort.Strings(added)

	table, err := hash.BuildFingerTable(m.self, m.snapshotLocked())
	if err != nil {
		return added, fmt.Errorf("failed to rebuild finger table: %w", err)
	}
	m.fingers.Store(table)

	return added, nil
}

// Known returns the known peer addresses in ascending order.
func (m *Membership) Known() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.snapshotLocked()
}

// Contains reports whether addr is a known peer.
func (m *Membership) Contains(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.known[addr]
	return ok
}

// Len returns the number of known peers, self excluded.
func (m *Membership) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.known)
}

// Fingers returns the current finger table snapshot.
func (m *Membership) Fingers() *hash.FingerTable {
	return m.fingers.Load()
}

func (m *Membership) snapshotLocked() []string {
	out := make([]string, 0, len(m.known))
	for addr := range m.known {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}
