package chord

import (
	"fmt"
	"sort"

	"github.com/zde37/corduroy/pkg/hash"
)

// NodeAddress is a ring member: its canonical address and ring position.
type NodeAddress struct {
	ID      hash.RingID `json:"id"`
	Address string      `json:"address"`
}

// NewNodeAddress places addr on the ring.
func NewNodeAddress(addr string) (NodeAddress, error) {
	id, err := hash.HashAddress(addr)
	if err != nil {
		return NodeAddress{}, err
	}
	return NodeAddress{ID: id, Address: addr}, nil
}

// String returns a human-readable representation of the node address.
func (n NodeAddress) String() string {
	return fmt.Sprintf("NodeAddress{ID: %d, Addr: %s}", n.ID, n.Address)
}

// RingOrder places every address on the ring and sorts the result by ring
// position, breaking ties by address.
func RingOrder(addrs []string) ([]NodeAddress, error) {
	out := make([]NodeAddress, 0, len(addrs))
	for _, addr := range addrs {
		na, err := NewNodeAddress(addr)
		if err != nil {
			return nil, err
		}
		out = append(out, na)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

// NodeInfo is a point-in-time description of a node.
type NodeInfo struct {
	Self    NodeAddress        `json:"self"`
	Known   []NodeAddress      `json:"known"`
	Fingers []hash.FingerEntry `json:"fingers"`
	Stopped bool               `json:"stopped"`
}
