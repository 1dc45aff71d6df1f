package tensor

import (
	"github.com/YSDB/he-transformer-research/internal/hecrypto"
	"github.com/YSDB/he-transformer-research/internal/heerrors"
	"github.com/YSDB/he-transformer-research/internal/hetype"
	"github.com/YSDB/he-transformer-research/internal/protocol"
)

// ToWire serializes t into the protocol.HETensor wire message of spec
// §4.6, encoding plaintext slots as encoded plaintexts (so the peer can
// decode them without reconstructing context from floats) and
// ciphertext slots via the adapter's Save.
func (t *Tensor) ToWire(adapter hecrypto.Adapter, name string, offset uint64, level int, scale float64) (protocol.HETensor, error) {
	data := make([][]byte, len(t.Slots))
	for i, s := range t.Slots {
		var b []byte
		var err error
		switch {
		case s.IsCipher():
			b, err = adapter.Save(s.CipherValue())
		default:
			var pt *hecrypto.Plaintext
			pt, err = adapter.Encode(s.PlainValue(), level, scale)
			if err == nil {
				b, err = adapter.SavePlain(pt)
			}
		}
		if err != nil {
			return protocol.HETensor{}, heerrors.Wrap(heerrors.IOErr, "tensor.ToWire", "slot %d: %w", i, err)
		}
		data[i] = b
	}

	shape := make([]uint64, len(t.Shape))
	for i, d := range t.Shape {
		shape[i] = uint64(d)
	}

	return protocol.HETensor{
		Name:   name,
		Shape:  shape,
		Packed: t.Packed,
		Offset: offset,
		Data:   data,
	}, nil
}

// FromWireCipher reconstructs a Tensor whose slots are all ciphertexts,
// decoding each wire entry with the adapter's Load (used for tensors
// whose annotation declares them encrypted).
func FromWireCipher(wt protocol.HETensor, adapter hecrypto.Adapter, elemType ElementType, complexPacking bool) (*Tensor, error) {
	shape := make([]int, len(wt.Shape))
	for i, d := range wt.Shape {
		shape[i] = int(d)
	}
	slots := make([]hetype.HEType, len(wt.Data))
	for i, b := range wt.Data {
		ct, err := adapter.Load(b)
		if err != nil {
			return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "tensor.FromWireCipher", "slot %d: %w", i, err)
		}
		slots[i] = hetype.Cipher(ct, complexPacking)
	}
	return New(shape, elemType, wt.Packed, adapter.MaxSlots(), complexPacking, slots)
}

// FromWirePlain reconstructs a Tensor whose slots are all plaintexts,
// decoding each wire entry with the adapter's LoadPlain + Decode.
func FromWirePlain(wt protocol.HETensor, adapter hecrypto.Adapter, elemType ElementType, complexPacking bool) (*Tensor, error) {
	shape := make([]int, len(wt.Shape))
	for i, d := range wt.Shape {
		shape[i] = int(d)
	}
	slots := make([]hetype.HEType, len(wt.Data))
	for i, b := range wt.Data {
		pt, err := adapter.LoadPlain(b)
		if err != nil {
			return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "tensor.FromWirePlain", "slot %d: %w", i, err)
		}
		values, err := adapter.Decode(pt)
		if err != nil {
			return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "tensor.FromWirePlain", "slot %d: %w", i, err)
		}
		slots[i] = hetype.Plain(values, complexPacking)
	}
	return New(shape, elemType, wt.Packed, adapter.MaxSlots(), complexPacking, slots)
}
