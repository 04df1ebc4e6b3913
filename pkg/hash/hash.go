package hash

import (
	"crypto"
	_ "crypto/sha1" // registers crypto.SHA1
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/zde37/corduroy/pkg"
)

const (
	// Bits is the width of the ring identifier space (2^31 positions)
	Bits = 31

	// RingSize is 2^Bits, the number of positions on the ring
	RingSize = uint64(1) << Bits

	// AddressSalt is the salt used to place node addresses on the ring
	AddressSalt uint32 = 1

	// mask keeps the low Bits bits of a digest prefix
	mask = uint32(RingSize - 1)
)

// RingID is a position on the ring, always in [0, 2^31).
type RingID uint32

// digest is the hash function used for ring placement.
var digest = crypto.SHA1

// Hash places data on the ring under the given salt.
//
// The salt is appended as 4 big-endian bytes, the SHA-1 digest's first four
// bytes are read as a big-endian signed integer, and its absolute value is
// masked to 31 bits. Masking maps the most negative int32, whose absolute
// value is not representable, to 0.
func Hash(data []byte, salt uint32) (RingID, error) {
	if !digest.Available() {
		return 0, fmt.Errorf("%w: %s not linked into binary", pkg.ErrHashing, digest)
	}

	h := digest.New()
	var saltBytes [4]byte
	binary.BigEndian.PutUint32(saltBytes[:], salt)

	if _, err := h.Write(data); err != nil {
		return 0, fmt.Errorf("%w: %v", pkg.ErrHashing, err)
	}
	if _, err := h.Write(saltBytes[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", pkg.ErrHashing, err)
	}

	sum := h.Sum(nil)
	v := int32(binary.BigEndian.Uint32(sum[:4]))
	if v < 0 {
		v = -v
	}
	return RingID(uint32(v) & mask), nil
}

// HashString hashes a string under the given salt.
func HashString(s string, salt uint32) (RingID, error) {
	return Hash([]byte(s), salt)
}

// HashAddress places a host:port address on the ring.
func HashAddress(addr string) (RingID, error) {
	return HashString(addr, AddressSalt)
}

// IsValid reports whether id lies inside the ring.
func (id RingID) IsValid() bool {
	return uint64(id) < RingSize
}

// ProbePoint returns (self + 2^(index-1)) mod 2^31, the start of finger index.
// index is 1-based; index FingerCount wraps back onto self.
func ProbePoint(self RingID, index int) RingID {
	if index < 1 {
		return self
	}
	offset := uint64(1) << uint(index-1)
	return RingID((uint64(self) + offset) % RingSize)
}

// FindSuccessor returns the smallest id in sorted that is >= target,
// wrapping to the smallest id when target is past the last one.
// sorted must be in ascending order.
func FindSuccessor(target RingID, sorted []RingID) (RingID, error) {
	if len(sorted) == 0 {
		return 0, pkg.ErrEmptyRing
	}

	i := sort.Search(len(sorted), func(i int) bool {
		return sorted[i] >= target
	})
	if i == len(sorted) {
		return sorted[0], nil
	}
	return sorted[i], nil
}

// Distance computes the clockwise distance from start to end on the ring.
func Distance(start, end RingID) uint64 {
	return (uint64(end) + RingSize - uint64(start)) % RingSize
}
