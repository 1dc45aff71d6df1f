package protocol_test

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/YSDB/he-transformer-research/internal/protocol"
)

// TestMarshalUnmarshalHandshakeRoundTrip checks spec §4.6's
// EncryptionParameters/PublicKey/RelinearizationKey/GaloisKeys group of
// sub-messages survives an encode/decode cycle together.
func TestMarshalUnmarshalHandshakeRoundTrip(t *testing.T) {
	msg := protocol.Message{
		Type:                 protocol.TypeResponse,
		EncryptionParameters: []byte("params-blob"),
		PublicKey:            []byte("pk-blob"),
		RelinearizationKey:   []byte("rlk-blob"),
		GaloisKeys:           [][]byte{[]byte("gk0"), []byte("gk1")},
	}

	encoded, err := protocol.Marshal(msg)
	require.NoError(t, err)

	decoded, err := protocol.Unmarshal(encoded)
	require.NoError(t, err)

	require.Equal(t, msg.Type, decoded.Type)
	require.Equal(t, msg.EncryptionParameters, decoded.EncryptionParameters)
	require.Equal(t, msg.PublicKey, decoded.PublicKey)
	require.Equal(t, msg.RelinearizationKey, decoded.RelinearizationKey)
	require.Equal(t, msg.GaloisKeys, decoded.GaloisKeys)
}

// TestMarshalUnmarshalFunctionAndTensorsRoundTrip checks the offload
// request shape: a Function descriptor with params plus a batch of
// HETensor operands.
func TestMarshalUnmarshalFunctionAndTensorsRoundTrip(t *testing.T) {
	msg := protocol.Message{
		Type: protocol.TypeRequest,
		Function: &protocol.FunctionDescriptor{
			Function: "BoundedRelu",
			Params:   map[string]interface{}{"lower": -1.0, "upper": 1.0},
		},
		Tensors: []protocol.HETensor{
			{
				Name:   "x",
				Shape:  []uint64{2, 2},
				Packed: true,
				Offset: 3,
				Data:   [][]byte{[]byte("ct0"), []byte("ct1")},
			},
		},
	}

	encoded, err := protocol.Marshal(msg)
	require.NoError(t, err)

	decoded, err := protocol.Unmarshal(encoded)
	require.NoError(t, err)

	require.Equal(t, msg.Type, decoded.Type)
	require.Equal(t, msg.Function.Function, decoded.Function.Function)
	require.Equal(t, msg.Function.Params["lower"], decoded.Function.Params["lower"])
	require.Equal(t, msg.Function.Params["upper"], decoded.Function.Params["upper"])
	if diff := cmp.Diff(msg.Tensors, decoded.Tensors); diff != "" {
		t.Errorf("tensor round-trip mismatch (-want +got):\n%s", diff)
	}
}

// TestMarshalUnmarshalEmptyMessage checks the zero-value message (e.g.
// a bare UNKNOWN probe) round-trips without panicking on absent fields.
func TestMarshalUnmarshalEmptyMessage(t *testing.T) {
	msg := protocol.Message{Type: protocol.TypeUnknown}

	encoded, err := protocol.Marshal(msg)
	require.NoError(t, err)

	decoded, err := protocol.Unmarshal(encoded)
	require.NoError(t, err)
	require.Equal(t, msg, decoded)
}

// TestMarshalRejectsInvalidType checks Marshal refuses a message type
// outside the REQUEST/RESPONSE/UNKNOWN set.
func TestMarshalRejectsInvalidType(t *testing.T) {
	_, err := protocol.Marshal(protocol.Message{Type: protocol.MessageType(99)})
	require.Error(t, err)
}

// TestWriteFrameReadFrameRoundTrip checks the length-prefixed framing
// layer independently of the Message codec.
func TestWriteFrameReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("some opaque frame payload")

	require.NoError(t, protocol.WriteFrame(&buf, payload))

	got, err := protocol.ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

// TestReadFrameRejectsOversizedLength checks the MaxFrameSize guard
// against a hostile or corrupt length prefix.
func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [8]byte
	lenBuf[0] = 0xFF // absurdly large length, well past MaxFrameSize
	buf.Write(lenBuf[:])

	_, err := protocol.ReadFrame(&buf)
	require.Error(t, err)
}
