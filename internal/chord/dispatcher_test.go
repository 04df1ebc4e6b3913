package chord

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/corduroy/internal/wire"
)

func TestDispatcher_Text(t *testing.T) {
	node := createTestNode(t)

	req := wire.NewEnvelope(&wire.Text{Value: "hello world"})
	d := NewDispatcher(node, req)
	assert.Equal(t, StateIdle, d.State())

	resp := d.Dispatch(context.Background())
	assert.Equal(t, StateCompleted, d.State())
	assert.Equal(t, req.ID, resp.ID)
	assert.Equal(t, []string{node.Address()}, resp.Hops, "the answering node records itself")

	text, err := wire.As[*wire.Text](resp)
	require.NoError(t, err)
	assert.Equal(t, "HELLO WORLD", text.Value)

	t.Run("second dispatch is refused", func(t *testing.T) {
		again := d.Dispatch(context.Background())

		var remote *wire.RemoteError
		require.True(t, errors.As(again.Err(), &remote))
		assert.Equal(t, wire.CodeInternal, remote.Code)
		assert.Equal(t, StateCompleted, d.State())
	})
}

func TestDispatcher_Unsupported(t *testing.T) {
	node := createTestNode(t)

	tests := []struct {
		name    string
		payload wire.Payload
	}{
		{name: "unknown kind", payload: &wire.Unknown{Tag: 42}},
		{name: "error as request", payload: &wire.Error{Code: wire.CodeInternal}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := NewDispatcher(node, wire.NewEnvelope(tt.payload)).Dispatch(context.Background())

			var remote *wire.RemoteError
			require.True(t, errors.As(resp.Err(), &remote))
			assert.Equal(t, wire.CodeUnsupported, remote.Code)
			assert.Contains(t, remote.Error(), "unsupported request")
			assert.True(t, resp.Visited(node.Address()))
		})
	}
}

func TestDispatcher_MergesObservedAddresses(t *testing.T) {
	node := createTestNode(t)

	req := wire.NewEnvelope(&wire.Probe{Addresses: []string{"127.0.0.1:1", node.Address()}})
	req.Visit("127.0.0.1:2")

	// the learned addresses are dead, so the probe skips them
	resp := NewDispatcher(node, req).Dispatch(context.Background())
	probe, err := wire.As[*wire.Probe](resp)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"127.0.0.1:1", node.Address()}, probe.Addresses)
	assert.ElementsMatch(t, []string{"127.0.0.1:1", "127.0.0.1:2"}, node.KnownAddresses())
}

func TestDispatcher_ProbeAddsSelfOnce(t *testing.T) {
	node := createTestNode(t)

	resp := NewDispatcher(node, wire.NewEnvelope(&wire.Probe{})).Dispatch(context.Background())
	probe, err := wire.As[*wire.Probe](resp)
	require.NoError(t, err)
	assert.Equal(t, []string{node.Address()}, probe.Addresses)

	resp = NewDispatcher(node, wire.NewEnvelope(&wire.Probe{Addresses: []string{node.Address()}})).Dispatch(context.Background())
	probe, err = wire.As[*wire.Probe](resp)
	require.NoError(t, err)
	assert.Equal(t, []string{node.Address()}, probe.Addresses)
}

func TestDispatchState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "dispatched", StateDispatched.String())
	assert.Equal(t, "completed", StateCompleted.String())
	assert.Equal(t, "state(9)", DispatchState(9).String())
}
