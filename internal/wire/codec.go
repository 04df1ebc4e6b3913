package wire

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/zde37/corduroy/pkg"
)

// Envelope field numbers.
const (
	fieldID      protowire.Number = 1
	fieldKind    protowire.Number = 2
	fieldPayload protowire.Number = 3
	fieldHops    protowire.Number = 4
	fieldBudget  protowire.Number = 5 // nanoseconds left before the sender's deadline
)

// Payload field numbers, scoped per variant.
const (
	fieldTextValue      protowire.Number = 1
	fieldProbeAddresses protowire.Number = 1
	fieldErrorCode      protowire.Number = 1
	fieldErrorMessage   protowire.Number = 2
)

// maxBudget caps a decoded budget so it cannot overflow time.Duration.
const maxBudget = 24 * time.Hour

// ErrMalformed reports bytes that are not a valid envelope.
var ErrMalformed = fmt.Errorf("%w: malformed envelope", pkg.ErrProtocol)

// Marshal encodes the envelope in protobuf wire format. The deadline travels
// as the time remaining, so peers with skewed clocks still agree on the budget.
func Marshal(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil envelope", pkg.ErrProtocol)
	}

	payload, err := marshalPayload(e.payload)
	if err != nil {
		return nil, err
	}

	var b []byte
	if e.ID != "" {
		b = protowire.AppendTag(b, fieldID, protowire.BytesType)
		b = protowire.AppendString(b, e.ID)
	}
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind()))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	for _, hop := range e.Hops {
		b = protowire.AppendTag(b, fieldHops, protowire.BytesType)
		b = protowire.AppendString(b, hop)
	}
	if !e.Deadline.IsZero() {
		// an expired deadline still travels, as the smallest budget
		budget := max(time.Until(e.Deadline), time.Nanosecond)
		b = protowire.AppendTag(b, fieldBudget, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(budget))
	}
	return b, nil
}

func marshalPayload(p Payload) ([]byte, error) {
	var b []byte
	switch v := p.(type) {
	case *Text:
		b = protowire.AppendTag(b, fieldTextValue, protowire.BytesType)
		b = protowire.AppendString(b, v.Value)
	case *DiscoveryRequest:
	case *Probe:
		for _, addr := range v.Addresses {
			b = protowire.AppendTag(b, fieldProbeAddresses, protowire.BytesType)
			b = protowire.AppendString(b, addr)
		}
	case *Error:
		b = protowire.AppendTag(b, fieldErrorCode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v.Code))
		if v.Message != "" {
			b = protowire.AppendTag(b, fieldErrorMessage, protowire.BytesType)
			b = protowire.AppendString(b, v.Message)
		}
	case *Unknown:
		b = append(b, v.Raw...)
	case nil:
		return nil, fmt.Errorf("%w: envelope has no payload", pkg.ErrProtocol)
	default:
		return nil, fmt.Errorf("%w: cannot encode payload %T", pkg.ErrProtocol, p)
	}
	return b, nil
}

// Unmarshal decodes an envelope. Unknown fields are skipped; an unknown
// payload kind decodes to *Unknown so the receiver can answer it.
func Unmarshal(b []byte) (*Envelope, error) {
	e := &Envelope{}
	var (
		kind       Kind
		rawPayload []byte
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldID && typ == protowire.BytesType:
			e.ID, n = protowire.ConsumeString(b)
		case num == fieldKind && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			kind = Kind(v)
		case num == fieldPayload && typ == protowire.BytesType:
			rawPayload, n = protowire.ConsumeBytes(b)
		case num == fieldHops && typ == protowire.BytesType:
			var hop string
			hop, n = protowire.ConsumeString(b)
			if n >= 0 {
				e.Visit(hop)
			}
		case num == fieldBudget && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if v != 0 {
				e.Deadline = time.Now().Add(time.Duration(min(v, uint64(maxBudget))))
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
	}

	payload, err := unmarshalPayload(kind, rawPayload)
	if err != nil {
		return nil, err
	}
	e.payload = payload
	return e, nil
}

func unmarshalPayload(kind Kind, b []byte) (Payload, error) {
	switch kind {
	case KindText:
		p := &Text{}
		err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
			if num == fieldTextValue && typ == protowire.BytesType {
				var n int
				p.Value, n = protowire.ConsumeString(b)
				return n, true
			}
			return 0, false
		})
		return p, err
	case KindDiscovery:
		return &DiscoveryRequest{}, consumeFields(b, nil)
	case KindProbe:
		p := &Probe{}
		err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
			if num == fieldProbeAddresses && typ == protowire.BytesType {
				addr, n := protowire.ConsumeString(b)
				if n >= 0 {
					p.Add(addr)
				}
				return n, true
			}
			return 0, false
		})
		return p, err
	case KindError:
		p := &Error{}
		err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
			switch {
			case num == fieldErrorCode && typ == protowire.VarintType:
				v, n := protowire.ConsumeVarint(b)
				p.Code = ErrorCode(v)
				return n, true
			case num == fieldErrorMessage && typ == protowire.BytesType:
				var n int
				p.Message, n = protowire.ConsumeString(b)
				return n, true
			}
			return 0, false
		})
		return p, err
	default:
		raw := make([]byte, len(b))
		copy(raw, b)
		return &Unknown{Tag: kind, Raw: raw}, nil
	}
}

// consumeFields walks a payload message. field reports the bytes it consumed
// and whether it recognized the field; unrecognized fields are skipped.
func consumeFields(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, bool)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: payload: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		handled := false
		if field != nil {
			n, handled = field(num, typ, b)
		}
		if !handled {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: payload field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}
