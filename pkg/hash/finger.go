package hash

import (
	"fmt"
	"sort"
)

// FingerCount is the number of finger slots. 32 probe points span the whole
// 31-bit ring; the last one wraps back onto the owner.
const FingerCount = 32

// FingerEntry is one occupied slot of a finger table.
type FingerEntry struct {
	Index   int    `json:"index"`   // 1-based finger index
	Start   RingID `json:"start"`   // (owner + 2^(Index-1)) mod 2^31
	ID      RingID `json:"id"`      // ring position of Address
	Address string `json:"address"` // successor of Start among the peers
}

// String returns a human-readable representation of the finger entry.
func (f FingerEntry) String() string {
	return fmt.Sprintf("FingerEntry{Index: %d, Start: %d, Node: %s(%d)}", f.Index, f.Start, f.Address, f.ID)
}

// FingerTable is an immutable snapshot of a node's routing links.
// Only occupied slots are stored, in ascending index order, and no address
// appears twice. Rebuild it with BuildFingerTable; never modify it.
type FingerTable struct {
	owner   string
	ownerID RingID
	entries []FingerEntry
}

// EmptyFingerTable returns a table with no links for owner.
func EmptyFingerTable(owner string) (*FingerTable, error) {
	id, err := HashAddress(owner)
	if err != nil {
		return nil, err
	}
	return &FingerTable{owner: owner, ownerID: id}, nil
}

// BuildFingerTable computes the finger table of self from a membership snapshot.
//
// self is removed from peers, the rest are placed on the ring, and for each
// index i in [1, FingerCount] the successor of ProbePoint(selfID, i) is
// recorded unless that address already holds a lower index.
func BuildFingerTable(self string, peers []string) (*FingerTable, error) {
	table, err := EmptyFingerTable(self)
	if err != nil {
		return nil, err
	}

	byID := make(map[RingID]string, len(peers))
	for _, addr := range peers {
		if addr == "" || addr == self {
			continue
		}
		id, err := HashAddress(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to hash peer %s: %w", addr, err)
		}
		// on a collision keep the smallest address so rebuilds are deterministic
		if existing, ok := byID[id]; !ok || addr < existing {
			byID[id] = addr
		}
	}
	if len(byID) == 0 {
		return table, nil
	}

	ids := make([]RingID, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	seen := make(map[string]struct{}, len(byID))
	for i := 1; i <= FingerCount; i++ {
		start := ProbePoint(table.ownerID, i)
		succ, err := FindSuccessor(start, ids)
		if err != nil {
			return nil, err
		}

		addr := byID[succ]
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		table.entries = append(table.entries, FingerEntry{
			Index:   i,
			Start:   start,
			ID:      succ,
			Address: addr,
		})
	}

	return table, nil
}

// Owner returns the address the table was built for.
func (t *FingerTable) Owner() string {
	if t == nil {
		return ""
	}
	return t.owner
}

// OwnerID returns the ring position of the owner.
func (t *FingerTable) OwnerID() RingID {
	if t == nil {
		return 0
	}
	return t.ownerID
}

// Len returns the number of occupied slots.
func (t *FingerTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Get returns the entry at a 1-based finger index. Slots deduplicated away
// report false.
func (t *FingerTable) Get(index int) (FingerEntry, bool) {
	if t == nil {
		return FingerEntry{}, false
	}
	for _, e := range t.entries {
		if e.Index == index {
			return e, true
		}
	}
	return FingerEntry{}, false
}

// Entries returns a copy of the occupied slots in index order.
func (t *FingerTable) Entries() []FingerEntry {
	if t == nil {
		return nil
	}
	out := make([]FingerEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Addresses returns the linked addresses in index order.
func (t *FingerTable) Addresses() []string {
	if t == nil {
		return nil
	}
	out := make([]string, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Address
	}
	return out
}

// Contains reports whether addr holds any slot.
func (t *FingerTable) Contains(addr string) bool {
	if t == nil {
		return false
	}
	for _, e := range t.entries {
		if e.Address == addr {
			return true
		}
	}
	return false
}
