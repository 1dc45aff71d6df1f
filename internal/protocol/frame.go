// Package protocol implements the client protocol & session wire format
// of spec §4.6: a length-prefixed binary framing carrying tagged
// REQUEST/RESPONSE/UNKNOWN messages with optional sub-messages
// (EncryptionParameters, PublicKey, RelinearizationKey, Function,
// HETensor).
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/YSDB/he-transformer-research/internal/heerrors"
)

// MaxFrameSize bounds a single frame to guard against a malformed or
// hostile length prefix exhausting memory (spec §7 ClientProtocolError).
const MaxFrameSize = 256 << 20 // 256MiB

// WriteFrame writes payload as `u64 length (big-endian) || payload` on w
// (spec §4.6 "Framing").
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return heerrors.Wrap(heerrors.IOErr, "protocol.WriteFrame", "writing length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return heerrors.Wrap(heerrors.IOErr, "protocol.WriteFrame", "writing payload: %w", err)
	}
	return nil
}

// ReadFrame reads one `u64 length || payload` frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, heerrors.Wrap(heerrors.IOErr, "protocol.ReadFrame", "reading length prefix: %w", err)
	}
	n := binary.BigEndian.Uint64(lenBuf[:])
	if n > MaxFrameSize {
		return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "protocol.ReadFrame", "frame of %d bytes exceeds MaxFrameSize", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, heerrors.Wrap(heerrors.IOErr, "protocol.ReadFrame", "reading %d byte payload: %w", n, err)
	}
	return payload, nil
}

// MessageType is the REQUEST|RESPONSE|UNKNOWN tag of spec §4.6.
type MessageType uint8

const (
	TypeUnknown MessageType = iota
	TypeRequest
	TypeResponse
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypeResponse:
		return "RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// Message is the structured payload carried by one frame. The codec
// encodes whichever of the optional sub-message fields are set, in any
// combination: the key-exchange handshake messages carry the key fields
// together, and offload requests carry a Function together with Tensors.
type Message struct {
	Type MessageType

	EncryptionParameters []byte // spec §6 "Serialized EncryptionParameters (binary)"
	PublicKey            []byte
	RelinearizationKey   []byte
	GaloisKeys           [][]byte
	Function             *FunctionDescriptor
	Tensors              []HETensor
}

// FunctionDescriptor is spec §4.6's `Function {string function_descriptor}`
// JSON sub-message.
type FunctionDescriptor struct {
	Function string                 `json:"function"`
	Params   map[string]interface{} `json:"-"`
}

func validMessageType(t MessageType) bool {
	switch t {
	case TypeRequest, TypeResponse, TypeUnknown:
		return true
	default:
		return false
	}
}

func (m Message) validate() error {
	if !validMessageType(m.Type) {
		return heerrors.Wrap(heerrors.ClientProtocolErr, "protocol.Message.validate", "invalid message type %d", m.Type)
	}
	return nil
}

func (m Message) String() string {
	return fmt.Sprintf("Message{type=%v, fn=%v, tensors=%d}", m.Type, m.Function, len(m.Tensors))
}
