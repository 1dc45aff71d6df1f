// Package hetype implements the tagged per-element value union of spec
// §3/§9: every Tensor slot is either an encoded plaintext batch or a
// CKKS ciphertext batch, never both and never neither.
package hetype

import (
	"fmt"

	"github.com/YSDB/he-transformer-research/internal/hecrypto"
)

// Tag discriminates the two HEType variants.
type Tag int

const (
	TagPlain Tag = iota
	TagCipher
)

func (t Tag) String() string {
	if t == TagCipher {
		return "cipher"
	}
	return "plain"
}

// HEType is the discriminated union {Plain(PlaintextVector),
// Cipher(CiphertextHandle)} plus the complex_packing bit that must match
// across operands in any binary op (spec §3). It is deliberately not
// modeled as a struct with both fields present: accessors panic on tag
// confusion instead of silently reading a zero value (spec §9).
type HEType struct {
	tag     Tag
	plain   []float64
	cipher  *hecrypto.Ciphertext
	complex bool
}

// Plain constructs a plaintext-tagged HEType. Per spec §3, size 0 is the
// additive identity and size 1 broadcasts as a scalar.
func Plain(values []float64, complexPacking bool) HEType {
	return HEType{tag: TagPlain, plain: values, complex: complexPacking}
}

// Cipher constructs a ciphertext-tagged HEType.
func Cipher(ct *hecrypto.Ciphertext, complexPacking bool) HEType {
	return HEType{tag: TagCipher, cipher: ct, complex: complexPacking}
}

func (h HEType) Tag() Tag { return h.tag }

func (h HEType) IsCipher() bool { return h.tag == TagCipher }

func (h HEType) IsPlain() bool { return h.tag == TagPlain }

func (h HEType) ComplexPacking() bool { return h.complex }

// PlainValue returns the plaintext payload. It panics if h is
// cipher-tagged: callers are expected to check IsPlain first, exactly as
// the teacher's Operand accessors assume the caller already resolved the
// tag (see core/rlwe operand accessors).
func (h HEType) PlainValue() []float64 {
	if h.tag != TagPlain {
		panic(fmt.Sprintf("hetype: PlainValue called on a %s-tagged HEType", h.tag))
	}
	return h.plain
}

// CipherValue returns the ciphertext handle. It panics if h is
// plain-tagged.
func (h HEType) CipherValue() *hecrypto.Ciphertext {
	if h.tag != TagCipher {
		panic(fmt.Sprintf("hetype: CipherValue called on a %s-tagged HEType", h.tag))
	}
	return h.cipher
}

// Clone returns a deep copy. Ciphertext handles are cloned through the
// adapter (spec §9 "sharing across tensors must go through an explicit
// clone"); plaintext vectors are copied directly.
func (h HEType) Clone(adapter hecrypto.Adapter) HEType {
	switch h.tag {
	case TagCipher:
		return Cipher(adapter.Clone(h.cipher), h.complex)
	default:
		cp := make([]float64, len(h.plain))
		copy(cp, h.plain)
		return Plain(cp, h.complex)
	}
}

// CheckComplexPacking enforces spec §3's HEType invariant: in any binary
// op, both operands' complex_packing flags must match.
func CheckComplexPacking(a, b HEType) error {
	if a.complex != b.complex {
		return errComplexPackingMismatch
	}
	return nil
}

// IsAdditiveIdentity reports whether a plaintext HEType is the spec §3
// additive identity (size 0, or size 1 holding exactly 0).
func (h HEType) IsAdditiveIdentity() bool {
	if h.tag != TagPlain {
		return false
	}
	if len(h.plain) == 0 {
		return true
	}
	return len(h.plain) == 1 && h.plain[0] == 0
}

// IsMultiplicativeIdentity reports whether a plaintext HEType is a
// scalar broadcast of exactly 1 or -1 (spec §4.3 multiply short-circuit).
func (h HEType) IsMultiplicativeIdentity() (value float64, ok bool) {
	if h.tag != TagPlain || len(h.plain) != 1 {
		return 0, false
	}
	if h.plain[0] == 1 || h.plain[0] == -1 {
		return h.plain[0], true
	}
	return 0, false
}
