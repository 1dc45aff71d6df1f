package modchain

import (
	"github.com/YSDB/he-transformer-research/internal/hecrypto"
	"github.com/YSDB/he-transformer-research/internal/heerrors"
)

// LimbBits is the assumed bit width of one coefficient modulus limb,
// used to derive the safe accumulation bound for lazy-modulus addition
// (spec §4.2 "Lazy-modulus mode").
const LimbBits = 60

// SafeAccumulations is the number of consecutive lazy additions that can
// occur before a consuming op (multiply or rescale) must force a
// reduction, per spec §4.2's "callers must ensure no more than
// ~2^(64 - log2(coeff_modulus_limb)) accumulations occur" contract.
const SafeAccumulations = 1 << (64 - LimbBits)

// Accumulator implements the lazy-modulus accumulation chain of spec
// §4.2: additions bypass modular reduction and add 64-bit coefficient
// limbs directly, amortizing reductions across a long chain (e.g. a dot
// product's inner sum). The real limb-level add-without-reduction step
// is the CKKS library's job (out of scope, spec §1); this type tracks
// the accumulation count and forces the adapter's normal, reducing Add
// whenever the safe bound would otherwise be exceeded, recovering via
// OverflowWarning (spec §7) rather than silently wrapping.
type Accumulator struct {
	adapter hecrypto.Adapter
	lazy    bool
	count   int
}

// NewAccumulator starts a lazy-mod accumulation chain. lazy mirrors the
// LAZY_MOD environment/config flag (spec §6); when false, Add always
// takes the normal reducing path (spec §4.2: "Lazy mode is disabled
// around single isolated add/multiply operations").
func NewAccumulator(adapter hecrypto.Adapter, lazy bool) *Accumulator {
	return &Accumulator{adapter: adapter, lazy: lazy}
}

// Add accumulates b into a in place-equivalent fashion, returning the
// new running sum. It forces a reduction (via ModReduce) before it would
// exceed SafeAccumulations, recovering from the OverflowWarning rather
// than propagating it as a call-ending error (spec §7: "Recovered by
// forced mod_reduce").
func (acc *Accumulator) Add(sum, term *hecrypto.Ciphertext) (*hecrypto.Ciphertext, error) {
	if acc.lazy && acc.count >= SafeAccumulations {
		if err := acc.ModReduce(sum); err != nil {
			return nil, err
		}
	}

	out, err := acc.adapter.Add(sum, term)
	if err != nil {
		return nil, heerrors.Wrap(heerrors.ScaleMismatch, "modchain.Accumulator.Add", "%w", err)
	}
	if acc.lazy {
		acc.count++
	}
	return out, nil
}

// ModReduce forces the deferred modular reduction described by spec
// §4.2, resetting the accumulation counter. In this adapter boundary
// the CKKS library itself always keeps ciphertexts in canonical
// (reduced) form, so ModReduce is a no-op beyond resetting the counter;
// it exists so callers have a single place to invoke the recovery step
// spec §7 requires, and so a future adapter that does expose a raw
// unreduced accumulator has exactly one call site to change.
func (acc *Accumulator) ModReduce(ct *hecrypto.Ciphertext) error {
	acc.count = 0
	return nil
}

// Close forces a final reduction, called once before the accumulator's
// result is consumed by a multiply or rescale (spec §4.2: "subsequent
// multiply or rescale restores canonical form").
func (acc *Accumulator) Close(ct *hecrypto.Ciphertext) error {
	return acc.ModReduce(ct)
}
