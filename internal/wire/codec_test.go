package wire

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/zde37/corduroy/pkg"
)

func TestFrame_ProbeTraversalState(t *testing.T) {
	deadline := time.Now().Add(3 * time.Second)

	req := NewEnvelope(&Probe{Addresses: []string{"127.0.0.1:9001", "127.0.0.1:9002"}})
	req.Visit("127.0.0.1:9001")
	req.Visit("127.0.0.1:9002")
	req.Deadline = deadline

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, req))

	got, err := ReadFrame(&buf, 0)
	require.NoError(t, err)

	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, KindProbe, got.Kind())
	assert.Equal(t, req.Hops, got.Hops)
	assert.WithinDuration(t, deadline, got.Deadline, 250*time.Millisecond)

	probe, err := As[*Probe](got)
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:9001", "127.0.0.1:9002"}, probe.Addresses)
}

func TestMarshal_DeadlineTravelsAsBudget(t *testing.T) {
	req := NewEnvelope(&Text{Value: "hi"})
	req.Deadline = time.Now().Add(2 * time.Second)

	b, err := Marshal(req)
	require.NoError(t, err)

	// an absolute timestamp would be far larger than the remaining time
	var budget uint64
	require.NoError(t, consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		if num == fieldBudget && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			budget = v
			return n, true
		}
		return 0, false
	}))
	assert.Greater(t, budget, uint64(0))
	assert.LessOrEqual(t, budget, uint64(2*time.Second))
}

func TestMarshal_ExpiredDeadlineStaysExpired(t *testing.T) {
	req := NewEnvelope(&Text{Value: "hi"})
	req.Deadline = time.Now().Add(-time.Minute)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, req))
	got, err := ReadFrame(&buf, 0)
	require.NoError(t, err)

	require.False(t, got.Deadline.IsZero())
	assert.WithinDuration(t, time.Now(), got.Deadline, 100*time.Millisecond)
}

func TestUnmarshal_DuplicateHopsCollapse(t *testing.T) {
	b, err := Marshal(NewEnvelope(&DiscoveryRequest{}))
	require.NoError(t, err)
	for _, hop := range []string{"127.0.0.1:9001", "127.0.0.1:9002", "127.0.0.1:9001", "127.0.0.1:9002"} {
		b = protowire.AppendTag(b, fieldHops, protowire.BytesType)
		b = protowire.AppendString(b, hop)
	}

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:9001", "127.0.0.1:9002"}, got.Hops)
}

func TestFrame_ErrorPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, NewEnvelope(&Error{Code: CodeMalformed, Message: "bad frame"})))

	got, err := ReadFrame(&buf, 0)
	require.NoError(t, err)

	remote, ok := got.Err().(*RemoteError)
	require.True(t, ok)
	assert.Equal(t, CodeMalformed, remote.Code)
	assert.Equal(t, "bad frame", remote.Message)
}

func TestFrame_DiscoveryWithoutDeadline(t *testing.T) {
	var buf bytes.Buffer
	req := NewEnvelope(&DiscoveryRequest{})
	require.NoError(t, WriteFrame(&buf, req))

	got, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, KindDiscovery, got.Kind())
	assert.True(t, got.Deadline.IsZero())
	assert.Empty(t, got.Hops)
}

func TestUnmarshal_UnknownKindIsPreserved(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, 99)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{0x08, 0x01})
	b = protowire.AppendTag(b, fieldHops, protowire.BytesType)
	b = protowire.AppendString(b, "127.0.0.1:9003")

	e, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, Kind(99), e.Kind())
	assert.Equal(t, []string{"127.0.0.1:9003"}, e.Hops)

	unknown, ok := e.Payload().(*Unknown)
	require.True(t, ok)
	assert.Equal(t, []byte{0x08, 0x01}, unknown.Raw)
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	body, err := Marshal(NewEnvelope(&Text{Value: "hello"}))
	require.NoError(t, err)

	body = protowire.AppendTag(body, 15, protowire.BytesType)
	body = protowire.AppendString(body, "from a newer peer")

	e, err := Unmarshal(body)
	require.NoError(t, err)
	text, err := As[*Text](e)
	require.NoError(t, err)
	assert.Equal(t, "hello", text.Value)
}

func TestUnmarshal_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{name: "truncated tag", body: []byte{0x80}},
		{name: "truncated string", body: []byte{0x0a, 0x05, 'a'}},
		{name: "bad payload", body: func() []byte {
			var b []byte
			b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(KindProbe))
			b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
			return protowire.AppendBytes(b, []byte{0x0a, 0x09})
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.body)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.ErrorIs(t, err, pkg.ErrProtocol)
		})
	}
}

func TestMarshal_RequiresPayload(t *testing.T) {
	_, err := Marshal(&Envelope{ID: "x"})
	assert.ErrorIs(t, err, pkg.ErrProtocol)

	_, err = Marshal(nil)
	assert.ErrorIs(t, err, pkg.ErrProtocol)
}

func TestReadFrame_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, NewEnvelope(&Text{Value: string(make([]byte, 2048))})))

	_, err := ReadFrame(&buf, 1024)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.ErrorIs(t, err, pkg.ErrProtocol)
}

func TestReadFrame_Truncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, NewEnvelope(&Text{Value: "hello world"})))
	truncated := buf.Bytes()[:buf.Len()-3]

	_, err := ReadFrame(bytes.NewReader(truncated), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadFrame(bytes.NewReader(nil), 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrame_StopsAtFrameBoundary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, NewEnvelope(&Text{Value: "first"})))
	require.NoError(t, WriteFrame(&buf, NewEnvelope(&Text{Value: "second"})))

	first, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	second, err := ReadFrame(&buf, 0)
	require.NoError(t, err)

	a, _ := As[*Text](first)
	b, _ := As[*Text](second)
	assert.Equal(t, "first", a.Value)
	assert.Equal(t, "second", b.Value)
}
