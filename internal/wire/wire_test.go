package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateDeltaRoundTrip(t *testing.T) {
	sd := &StateDelta{
		ContextID: [32]byte{1},
		Author:    [32]byte{2},
		DeltaID:   [32]byte{3},
		Parents:   [][32]byte{{4}, {5}},
		HLCPhysical: 123456789,
		HLCLogical:  7,
		RootHash:    [32]byte{6},
		Payload:     []byte("ciphertext-payload"),
		Nonce:       [24]byte{7},
	}

	got, err := DecodeStateDelta(EncodeStateDelta(sd))
	require.NoError(t, err)
	require.Equal(t, sd, got)
}

func TestStateDeltaRoundTripWithEvents(t *testing.T) {
	sd := &StateDelta{
		ContextID: [32]byte{1},
		Payload:   []byte("x"),
		HasEvents: true,
		Events:    []byte("event-log"),
	}

	got, err := DecodeStateDelta(EncodeStateDelta(sd))
	require.NoError(t, err)
	require.Equal(t, sd, got)
}

func TestStateDeltaEmptyParentsRoundTrips(t *testing.T) {
	sd := &StateDelta{Payload: []byte{}}
	got, err := DecodeStateDelta(EncodeStateDelta(sd))
	require.NoError(t, err)
	require.Empty(t, got.Parents)
}

func TestHashHeartbeatRoundTrip(t *testing.T) {
	hb := &HashHeartbeat{
		ContextID: [32]byte{9},
		RootHash:  [32]byte{8},
		Heads:     [][32]byte{{1}, {2}, {3}},
	}
	got, err := DecodeHashHeartbeat(EncodeHashHeartbeat(hb))
	require.NoError(t, err)
	require.Equal(t, hb, got)
}

func TestFrameRoundTrip(t *testing.T) {
	f := &Frame{
		SequenceID: 42,
		Nonce:      [24]byte{1, 2, 3},
		Ciphertext: []byte("sealed-bytes"),
	}
	got, err := DecodeFrame(EncodeFrame(f))
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestDecodeStateDeltaTruncatedFails(t *testing.T) {
	sd := &StateDelta{Payload: []byte("x")}
	encoded := EncodeStateDelta(sd)
	_, err := DecodeStateDelta(encoded[:len(encoded)-3])
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeFrameRejectsOversizedLengthPrefix(t *testing.T) {
	f := &Frame{Ciphertext: []byte("x")}
	encoded := EncodeFrame(f)
	// Corrupt the ciphertext length prefix (immediately after sequence_id
	// and nonce) to an absurd value.
	offset := 8 + 24
	encoded[offset] = 0xff
	encoded[offset+1] = 0xff
	encoded[offset+2] = 0xff
	encoded[offset+3] = 0xff
	_, err := DecodeFrame(encoded)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestEncodingIsDeterministicAcrossCalls(t *testing.T) {
	sd := &StateDelta{ContextID: [32]byte{1}, Payload: []byte("a")}
	a := EncodeStateDelta(sd)
	b := EncodeStateDelta(sd)
	require.Equal(t, a, b)
}
