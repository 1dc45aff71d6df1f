// Package tensor implements the multi-dimensional arrangement of HEType
// slots described in spec §3: a logical shape, an element type, a
// packed/unpacked batch axis, and the resulting array of
// batched_element_count HEType slots.
package tensor

import (
	"fmt"

	"github.com/YSDB/he-transformer-research/internal/hecrypto"
	"github.com/YSDB/he-transformer-research/internal/heerrors"
	"github.com/YSDB/he-transformer-research/internal/hetype"
)

// ElementType is the closed set of element types spec §7 allows
// (UnsupportedType is raised for anything else at compile time).
type ElementType int

const (
	F32 ElementType = iota
	F64
	I32
	I64
)

// ParseElementType parses the element_type string carried on a
// Parameter/Constant node or wire tensor ("f32", "f64", "i32", "i64")
// into the closed ElementType set. ok is false for anything else, the
// condition spec §7's UnsupportedType is raised for at compile time.
func ParseElementType(s string) (ElementType, bool) {
	switch s {
	case "f32":
		return F32, true
	case "f64":
		return F64, true
	case "i32":
		return I32, true
	case "i64":
		return I64, true
	default:
		return 0, false
	}
}

func (t ElementType) String() string {
	switch t {
	case F32:
		return "f32"
	case F64:
		return "f64"
	case I32:
		return "i32"
	case I64:
		return "i64"
	default:
		return "unknown"
	}
}

// Tensor is spec §3's Tensor type.
type Tensor struct {
	Shape     []int
	ElemType  ElementType
	Packed    bool
	BatchSize int
	Slots     []hetype.HEType
}

// ShapeSize returns the product of Shape.
func ShapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// BatchedElementCount returns shape_size(shape) / batch_size, the number
// of HEType slots a Tensor with this shape/batch_size carries (spec §3).
func BatchedElementCount(shape []int, batchSize int) int {
	if batchSize <= 0 {
		return ShapeSize(shape)
	}
	return ShapeSize(shape) / batchSize
}

// New validates and constructs a Tensor per spec §3's invariants:
//
//	(a) if packed, shape[0] == batch_size <= slot_count * (complex_packing ? 2 : 1)
//	(b) all slots share complex_packing
//	(c) tensor is "any-encrypted"/"all-plaintext" only by observation of slots
func New(shape []int, elemType ElementType, packed bool, slotCount int, complexPacking bool, slots []hetype.HEType) (*Tensor, error) {
	batchSize := 1
	if packed {
		if len(shape) == 0 {
			return nil, heerrors.Wrap(heerrors.ShapeMismatch, "tensor.New", "packed tensor must have rank >= 1")
		}
		batchSize = shape[0]
		maxBatch := slotCount
		if complexPacking {
			maxBatch *= 2
		}
		if batchSize > maxBatch {
			return nil, heerrors.Wrap(heerrors.ShapeMismatch, "tensor.New",
				"packed batch_size %d exceeds slot capacity %d", batchSize, maxBatch)
		}
	}

	want := BatchedElementCount(shape, batchSize)
	if len(slots) != want {
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "tensor.New",
			"expected %d slots for shape %v (batch_size=%d), got %d", want, shape, batchSize, len(slots))
	}
	for i, s := range slots {
		if s.ComplexPacking() != complexPacking {
			return nil, heerrors.Wrap(heerrors.TypeTagMismatch, "tensor.New",
				"slot %d complex_packing=%v disagrees with tensor complex_packing=%v", i, s.ComplexPacking(), complexPacking)
		}
	}

	return &Tensor{
		Shape:     append([]int(nil), shape...),
		ElemType:  elemType,
		Packed:    packed,
		BatchSize: batchSize,
		Slots:     slots,
	}, nil
}

// IsAnyEncrypted reports whether at least one slot is ciphertext-tagged
// (spec §3 note (c): this is determined purely by observing slots, there
// is no separate stored flag).
func (t *Tensor) IsAnyEncrypted() bool {
	for _, s := range t.Slots {
		if s.IsCipher() {
			return true
		}
	}
	return false
}

// IsAllPlaintext reports whether every slot is plaintext-tagged.
func (t *Tensor) IsAllPlaintext() bool {
	return !t.IsAnyEncrypted()
}

// ComplexPacking returns the complex_packing flag shared by all slots,
// or false for an empty tensor.
func (t *Tensor) ComplexPacking() bool {
	if len(t.Slots) == 0 {
		return false
	}
	return t.Slots[0].ComplexPacking()
}

// Clone deep-copies the tensor, cloning any ciphertext handles through
// the adapter (spec §9 ownership: ciphertexts are exclusively owned by
// one tensor slot, sharing requires an explicit clone).
func (t *Tensor) Clone(adapter hecrypto.Adapter) *Tensor {
	slots := make([]hetype.HEType, len(t.Slots))
	for i, s := range t.Slots {
		slots[i] = s.Clone(adapter)
	}
	return &Tensor{
		Shape:     append([]int(nil), t.Shape...),
		ElemType:  t.ElemType,
		Packed:    t.Packed,
		BatchSize: t.BatchSize,
		Slots:     slots,
	}
}

// EncryptInPlace encrypts every plaintext slot in place, per spec §4.4
// step 3 ("If the parameter's annotation declares encrypted but the
// bound tensor is plaintext, encrypt it in place"). Slots already
// ciphertext-tagged are left untouched.
func (t *Tensor) EncryptInPlace(adapter hecrypto.Adapter, level int, scale float64) error {
	for i, s := range t.Slots {
		if s.IsCipher() {
			continue
		}
		pt, err := adapter.Encode(s.PlainValue(), level, scale)
		if err != nil {
			return heerrors.Wrap(heerrors.InvalidParameters, "tensor.EncryptInPlace", "%w", err)
		}
		ct, err := adapter.Encrypt(pt)
		if err != nil {
			return heerrors.Wrap(heerrors.InvalidParameters, "tensor.EncryptInPlace", "%w", err)
		}
		t.Slots[i] = hetype.Cipher(ct, s.ComplexPacking())
	}
	return nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor{shape=%v, type=%v, packed=%v, batch=%d, slots=%d}",
		t.Shape, t.ElemType, t.Packed, t.BatchSize, len(t.Slots))
}
