// Package wire defines the envelope exchanged between ring nodes and its
// length-delimited protobuf encoding.
package wire

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/zde37/corduroy/pkg"
)

// Kind discriminates the payload variants an Envelope can carry.
type Kind uint32

const (
	KindUnspecified Kind = 0
	KindText        Kind = 1 // debug/liveness echo
	KindDiscovery   Kind = 2 // flat broadcast through all known addresses
	KindProbe       Kind = 3 // canonical finger-table traversal
	KindError       Kind = 4 // explicit failure answer
)

// String returns the variant name.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindDiscovery:
		return "discovery"
	case KindProbe:
		return "probe"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Payload is one case of the envelope's tagged union.
type Payload interface {
	Kind() Kind
	isPayload()
}

// Text is the echo payload.
type Text struct {
	Value string
}

// DiscoveryRequest asks for a flat broadcast; the traversal state lives in the hops.
type DiscoveryRequest struct{}

// Probe accumulates the addresses met while following finger-table links.
type Probe struct {
	Addresses []string
}

// ErrorCode classifies an Error payload.
type ErrorCode uint32

const (
	CodeUnspecified ErrorCode = 0
	CodeUnsupported ErrorCode = 1 // payload variant not handled
	CodeMalformed   ErrorCode = 2 // request could not be decoded
	CodeInternal    ErrorCode = 3 // handler failed
)

// String returns the code name.
func (c ErrorCode) String() string {
	switch c {
	case CodeUnsupported:
		return "unsupported request"
	case CodeMalformed:
		return "malformed request"
	case CodeInternal:
		return "internal error"
	default:
		return fmt.Sprintf("code(%d)", uint32(c))
	}
}

// Error is the answer to a request the peer could not serve.
type Error struct {
	Code    ErrorCode
	Message string
}

// Unknown holds a payload whose kind this build does not recognize.
type Unknown struct {
	Tag Kind
	Raw []byte
}

func (*Text) Kind() Kind             { return KindText }
func (*DiscoveryRequest) Kind() Kind { return KindDiscovery }
func (*Probe) Kind() Kind            { return KindProbe }
func (*Error) Kind() Kind            { return KindError }
func (u *Unknown) Kind() Kind        { return u.Tag }

func (*Text) isPayload()             {}
func (*DiscoveryRequest) isPayload() {}
func (*Probe) isPayload()            {}
func (*Error) isPayload()            {}
func (*Unknown) isPayload()          {}

// Contains reports whether addr has been recorded.
func (p *Probe) Contains(addr string) bool {
	return slices.Contains(p.Addresses, addr)
}

// Add records addr once. It reports whether addr was new.
func (p *Probe) Add(addr string) bool {
	if addr == "" || p.Contains(addr) {
		return false
	}
	p.Addresses = append(p.Addresses, addr)
	return true
}

// Sorted returns the recorded addresses in ascending order.
func (p *Probe) Sorted() []string {
	out := slices.Clone(p.Addresses)
	sort.Strings(out)
	return out
}

// RemoteError is returned when a peer answers with an Error payload.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: %s", e.Code)
	}
	return fmt.Sprintf("remote: %s: %s", e.Code, e.Message)
}

// Is lets errors.Is(err, pkg.ErrProtocol) match remote failures.
func (e *RemoteError) Is(target error) bool {
	return target == pkg.ErrProtocol
}

// Envelope wraps one payload with its traversal record. It is used for both
// requests and responses.
type Envelope struct {
	ID       string    // correlates a request with the logs of every hop
	Hops     []string  // addresses that already processed this request, no repeats
	Deadline time.Time // zero when the sender set no deadline

	payload Payload
}

// NewEnvelope binds payload to a fresh envelope. The variant tag is taken
// from the payload and cannot change afterwards.
func NewEnvelope(payload Payload) *Envelope {
	return &Envelope{
		ID:      uuid.NewString(),
		payload: payload,
	}
}

// Kind returns the variant tag of the payload.
func (e *Envelope) Kind() Kind {
	if e == nil || e.payload == nil {
		return KindUnspecified
	}
	return e.payload.Kind()
}

// Payload returns the raw payload for exhaustive type switches.
func (e *Envelope) Payload() Payload {
	return e.payload
}

// Reply builds a response envelope for the same request id, carrying the
// given payload and a copy of the hop record.
func (e *Envelope) Reply(payload Payload) *Envelope {
	return &Envelope{
		ID:       e.ID,
		Hops:     slices.Clone(e.Hops),
		Deadline: e.Deadline,
		payload:  payload,
	}
}

// Clone returns a copy whose hop record can be extended independently.
// The payload is shared.
func (e *Envelope) Clone() *Envelope {
	return e.Reply(e.payload)
}

// Visited reports whether addr is already in the hop record.
func (e *Envelope) Visited(addr string) bool {
	return slices.Contains(e.Hops, addr)
}

// Visit appends addr to the hop record unless it is already there.
func (e *Envelope) Visit(addr string) bool {
	if addr == "" || e.Visited(addr) {
		return false
	}
	e.Hops = append(e.Hops, addr)
	return true
}

// Err converts an Error payload into a *RemoteError; other payloads yield nil.
func (e *Envelope) Err() error {
	if p, ok := e.payload.(*Error); ok {
		return &RemoteError{Code: p.Code, Message: p.Message}
	}
	return nil
}

// Observed returns every address the envelope mentions: its hops and, for
// probes, the accumulated address set.
func (e *Envelope) Observed() []string {
	out := slices.Clone(e.Hops)
	if p, ok := e.payload.(*Probe); ok {
		for _, addr := range p.Addresses {
			if !slices.Contains(out, addr) {
				out = append(out, addr)
			}
		}
	}
	return out
}

// As returns the payload as T, failing with pkg.ErrProtocol when the
// envelope carries another variant. A peer's Error payload is returned as
// its *RemoteError.
func As[T Payload](e *Envelope) (T, error) {
	var zero T
	if e == nil {
		return zero, fmt.Errorf("%w: nil envelope", pkg.ErrProtocol)
	}
	if v, ok := e.payload.(T); ok {
		return v, nil
	}
	if err := e.Err(); err != nil {
		return zero, err
	}
	return zero, fmt.Errorf("%w: expected %T payload, got %s", pkg.ErrProtocol, zero, e.Kind())
}
