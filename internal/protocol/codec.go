package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/YSDB/he-transformer-research/internal/heerrors"
)

const (
	flagEncryptionParameters = 1 << 0
	flagPublicKey            = 1 << 1
	flagRelinearizationKey   = 1 << 2
	flagGaloisKeys           = 1 << 3
	flagFunction             = 1 << 4
	flagTensors              = 1 << 5
)

// Marshal encodes m into the binary payload carried inside one frame
// (spec §4.6). The encoding is a straightforward length-prefixed field
// layout, mirroring the MarshalBinary/BinarySize style the teacher uses
// for its own wire structures (core/rlwe/ciphertext.go).
func Marshal(m Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(m.Type))

	var flags byte
	if len(m.EncryptionParameters) > 0 {
		flags |= flagEncryptionParameters
	}
	if len(m.PublicKey) > 0 {
		flags |= flagPublicKey
	}
	if len(m.RelinearizationKey) > 0 {
		flags |= flagRelinearizationKey
	}
	if len(m.GaloisKeys) > 0 {
		flags |= flagGaloisKeys
	}
	if m.Function != nil {
		flags |= flagFunction
	}
	if len(m.Tensors) > 0 {
		flags |= flagTensors
	}
	buf.WriteByte(flags)

	if flags&flagEncryptionParameters != 0 {
		writeBytes(&buf, m.EncryptionParameters)
	}
	if flags&flagPublicKey != 0 {
		writeBytes(&buf, m.PublicKey)
	}
	if flags&flagRelinearizationKey != 0 {
		writeBytes(&buf, m.RelinearizationKey)
	}
	if flags&flagGaloisKeys != 0 {
		writeUint32(&buf, uint32(len(m.GaloisKeys)))
		for _, k := range m.GaloisKeys {
			writeBytes(&buf, k)
		}
	}
	if flags&flagFunction != 0 {
		fd, err := marshalFunctionDescriptor(m.Function)
		if err != nil {
			return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "protocol.Marshal", "%w", err)
		}
		writeBytes(&buf, fd)
	}
	if flags&flagTensors != 0 {
		writeUint32(&buf, uint32(len(m.Tensors)))
		for _, t := range m.Tensors {
			writeTensor(&buf, t)
		}
	}

	return buf.Bytes(), nil
}

// Unmarshal is the inverse of Marshal.
func Unmarshal(payload []byte) (Message, error) {
	r := bytes.NewReader(payload)

	typeByte, err := r.ReadByte()
	if err != nil {
		return Message{}, heerrors.Wrap(heerrors.ClientProtocolErr, "protocol.Unmarshal", "reading message type: %w", err)
	}
	m := Message{Type: MessageType(typeByte)}
	if !validMessageType(m.Type) {
		return Message{}, heerrors.Wrap(heerrors.ClientProtocolErr, "protocol.Unmarshal", "invalid message type %d", typeByte)
	}

	flags, err := r.ReadByte()
	if err != nil {
		return Message{}, heerrors.Wrap(heerrors.ClientProtocolErr, "protocol.Unmarshal", "reading flags: %w", err)
	}

	if flags&flagEncryptionParameters != 0 {
		if m.EncryptionParameters, err = readBytes(r); err != nil {
			return Message{}, err
		}
	}
	if flags&flagPublicKey != 0 {
		if m.PublicKey, err = readBytes(r); err != nil {
			return Message{}, err
		}
	}
	if flags&flagRelinearizationKey != 0 {
		if m.RelinearizationKey, err = readBytes(r); err != nil {
			return Message{}, err
		}
	}
	if flags&flagGaloisKeys != 0 {
		n, err := readUint32(r)
		if err != nil {
			return Message{}, err
		}
		m.GaloisKeys = make([][]byte, n)
		for i := range m.GaloisKeys {
			if m.GaloisKeys[i], err = readBytes(r); err != nil {
				return Message{}, err
			}
		}
	}
	if flags&flagFunction != 0 {
		raw, err := readBytes(r)
		if err != nil {
			return Message{}, err
		}
		fd, err := unmarshalFunctionDescriptor(raw)
		if err != nil {
			return Message{}, heerrors.Wrap(heerrors.ClientProtocolErr, "protocol.Unmarshal", "%w", err)
		}
		m.Function = fd
	}
	if flags&flagTensors != 0 {
		n, err := readUint32(r)
		if err != nil {
			return Message{}, err
		}
		m.Tensors = make([]HETensor, n)
		for i := range m.Tensors {
			if m.Tensors[i], err = readTensor(r); err != nil {
				return Message{}, err
			}
		}
	}

	return m, nil
}

func marshalFunctionDescriptor(fd *FunctionDescriptor) ([]byte, error) {
	aux := map[string]interface{}{"function": fd.Function}
	for k, v := range fd.Params {
		aux[k] = v
	}
	return json.Marshal(aux)
}

func unmarshalFunctionDescriptor(raw []byte) (*FunctionDescriptor, error) {
	var aux map[string]interface{}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return nil, err
	}
	fn, _ := aux["function"].(string)
	if fn == "" {
		return nil, fmt.Errorf("function descriptor missing \"function\" field")
	}
	delete(aux, "function")
	return &FunctionDescriptor{Function: fn, Params: aux}, nil
}

func writeTensor(buf *bytes.Buffer, t HETensor) {
	writeBytes(buf, []byte(t.Name))
	writeUint32(buf, uint32(len(t.Shape)))
	for _, d := range t.Shape {
		writeUint64(buf, d)
	}
	if t.Packed {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeUint64(buf, t.Offset)
	writeUint32(buf, uint32(len(t.Data)))
	for _, d := range t.Data {
		writeBytes(buf, d)
	}
}

func readTensor(r *bytes.Reader) (HETensor, error) {
	var t HETensor

	nameBytes, err := readBytes(r)
	if err != nil {
		return t, err
	}
	t.Name = string(nameBytes)

	shapeLen, err := readUint32(r)
	if err != nil {
		return t, err
	}
	t.Shape = make([]uint64, shapeLen)
	for i := range t.Shape {
		if t.Shape[i], err = readUint64(r); err != nil {
			return t, err
		}
	}

	packedByte, err := r.ReadByte()
	if err != nil {
		return t, heerrors.Wrap(heerrors.ClientProtocolErr, "protocol.readTensor", "reading packed flag: %w", err)
	}
	t.Packed = packedByte != 0

	if t.Offset, err = readUint64(r); err != nil {
		return t, err
	}

	dataLen, err := readUint32(r)
	if err != nil {
		return t, err
	}
	t.Data = make([][]byte, dataLen)
	for i := range t.Data {
		if t.Data[i], err = readBytes(r); err != nil {
			return t, err
		}
	}

	return t, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, heerrors.Wrap(heerrors.ClientProtocolErr, "protocol.readUint32", "%w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, heerrors.Wrap(heerrors.ClientProtocolErr, "protocol.readUint64", "%w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if int(n) > r.Len() {
		return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "protocol.readBytes", "declared length %d exceeds remaining buffer", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "protocol.readBytes", "%w", err)
	}
	return b, nil
}
