package pkg

import "errors"

var (
	// ErrAddressResolution is returned when a host:port cannot be parsed or resolved
	ErrAddressResolution = errors.New("address resolution failed")

	// ErrHashing is returned when the ring digest cannot be computed
	ErrHashing = errors.New("hashing failed")

	// ErrConnection is returned for bind, accept, dial and socket I/O failures
	ErrConnection = errors.New("connection failed")

	// ErrProtocol is returned for unrecognized or mismatched payload variants
	ErrProtocol = errors.New("protocol error")

	// ErrEmptyRing is returned when a successor lookup has no candidates
	ErrEmptyRing = errors.New("empty ring")

	// ErrNodeStopped is returned when an operation needs a node that has been stopped
	ErrNodeStopped = errors.New("node stopped")
)
