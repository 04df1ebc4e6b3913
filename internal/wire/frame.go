package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/zde37/corduroy/pkg"
)

// DefaultMaxFrameSize bounds a single envelope on the wire.
const DefaultMaxFrameSize = 4 * 1024 * 1024

// ErrFrameTooLarge is returned when a frame announces more than the allowed size.
var ErrFrameTooLarge = fmt.Errorf("%w: frame too large", pkg.ErrProtocol)

// WriteFrame writes e as uvarint(length) followed by its encoding, in one write.
func WriteFrame(w io.Writer, e *Envelope) error {
	body, err := Marshal(e)
	if err != nil {
		return err
	}

	frame := protowire.AppendVarint(make([]byte, 0, len(body)+binary.MaxVarintLen32), uint64(len(body)))
	frame = append(frame, body...)
	if _, err := w.Write(frame); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads exactly one frame from r and decodes it. It never reads
// past the end of the frame. maxSize <= 0 selects DefaultMaxFrameSize.
//
// I/O failures are returned as is; undecodable frames match pkg.ErrProtocol.
func ReadFrame(r io.Reader, maxSize int) (*Envelope, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	size, err := binary.ReadUvarint(byteReader{r})
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		// overflow of the length prefix
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if size > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFrameTooLarge, size, maxSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Unmarshal(body)
}

// byteReader reads one byte at a time so the length prefix never pulls in
// bytes that belong to the body.
type byteReader struct {
	r io.Reader
}

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
