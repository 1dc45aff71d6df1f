// Package modchain implements the modulus/scale management protocol of
// spec §4.2: keeping mixed ciphertext/plaintext operands compatible
// across a long sequence of multiplications and additions by tracking
// chain index (level) and scale.
package modchain

import (
	"math"

	"github.com/YSDB/he-transformer-research/internal/hecrypto"
	"github.com/YSDB/he-transformer-research/internal/heerrors"
)

// ScaleEpsilon is the tolerance below which two scales are considered an
// "infinitesimal drift" fixable by simply overwriting one scale with the
// other (spec §4.2 step 2).
const ScaleEpsilon = 1e-6

// MatchModulusAndScaleInPlace implements spec §4.2's
// match_modulus_and_scale_inplace(a, b): it mod-switches the
// higher-level operand down to the lower-level one, then reconciles
// scale drift, returning ScaleMismatch when neither the epsilon
// tolerance nor a matching-prime rescale can reconcile them.
func MatchModulusAndScaleInPlace(adapter hecrypto.Adapter, a, b *hecrypto.Ciphertext) error {
	ia := adapter.GetChainIndex(a)
	ib := adapter.GetChainIndex(b)

	switch {
	case ia > ib:
		if err := adapter.ModSwitchTo(a, ib); err != nil {
			return heerrors.Wrap(heerrors.ChainExhausted, "modchain.MatchModulusAndScaleInPlace", "%w", err)
		}
	case ib > ia:
		if err := adapter.ModSwitchTo(b, ia); err != nil {
			return heerrors.Wrap(heerrors.ChainExhausted, "modchain.MatchModulusAndScaleInPlace", "%w", err)
		}
	}

	return reconcileScale(adapter, a, b)
}

// reconcileScale implements spec §4.2 step 2-3.
func reconcileScale(adapter hecrypto.Adapter, a, b *hecrypto.Ciphertext) error {
	sa := adapter.GetScale(a)
	sb := adapter.GetScale(b)
	if sa == sb {
		return nil
	}

	if withinEpsilon(sa, sb) {
		adapter.SetScale(a, sb)
		return nil
	}

	// A scale differing by exactly one chain prime is fixed by rescaling
	// the larger-scale operand one step, which divides its scale by that
	// prime's nominal value.
	largerScale, smallerScale, largerCT := pick(a, b, sa, sb)
	if isChainPrimeRatio(adapter, largerCT, largerScale, smallerScale) {
		if err := adapter.RescaleToNext(largerCT); err != nil {
			return heerrors.Wrap(heerrors.ScaleMismatch, "modchain.reconcileScale", "%w", err)
		}
		return reconcileScale(adapter, a, b)
	}

	return heerrors.Wrap(heerrors.ScaleMismatch, "modchain.reconcileScale",
		"scales 2^%.4f and 2^%.4f differ by neither epsilon nor a chain prime", math.Log2(sa), math.Log2(sb))
}

func withinEpsilon(sa, sb float64) bool {
	return math.Abs(math.Log2(sa)-math.Log2(sb)) < ScaleEpsilon
}

func pick(a, b *hecrypto.Ciphertext, sa, sb float64) (largerScale, smallerScale float64, largerCt *hecrypto.Ciphertext) {
	if sa > sb {
		return sa, sb, a
	}
	return sb, sa, b
}

// isChainPrimeRatio reports whether largerScale/smallerScale equals the
// nominal modulus value at ct's current chain index -- i.e. one rescale
// step on ct would reconcile the two scales exactly.
func isChainPrimeRatio(adapter hecrypto.Adapter, ct *hecrypto.Ciphertext, largerScale, smallerScale float64) bool {
	if smallerScale == 0 {
		return false
	}
	ratio := largerScale / smallerScale
	nominalPrime := adapter.NominalScaleAtLevel(adapter.GetChainIndex(ct))
	if nominalPrime == 0 {
		return false
	}
	return withinEpsilon(ratio, nominalPrime)
}

// MatchToSmallestChainIndex implements spec §4.2's
// match_to_smallest_chain_index(slots[]): scans all ciphertext slots,
// finds the minimum chain index, and mod-switches every ciphertext above
// it down to that index. Plaintext slots are left untouched. Returns
// math.MaxInt when there are no ciphertexts, matching the SIZE_MAX
// sentinel of the source description.
func MatchToSmallestChainIndex(adapter hecrypto.Adapter, ciphers []*hecrypto.Ciphertext) (int, error) {
	if len(ciphers) == 0 {
		return math.MaxInt, nil
	}

	smallest := adapter.GetChainIndex(ciphers[0])
	for _, ct := range ciphers[1:] {
		if idx := adapter.GetChainIndex(ct); idx < smallest {
			smallest = idx
		}
	}

	for _, ct := range ciphers {
		if adapter.GetChainIndex(ct) > smallest {
			if err := adapter.ModSwitchTo(ct, smallest); err != nil {
				return 0, heerrors.Wrap(heerrors.ChainExhausted, "modchain.MatchToSmallestChainIndex", "%w", err)
			}
		}
	}

	return smallest, nil
}

// Rescale implements spec §4.2's rescale(cipher): calls RescaleToNext,
// then snaps the resulting scale to the nearest nominal scale to reduce
// drift accumulated across many multiplications.
func Rescale(adapter hecrypto.Adapter, ct *hecrypto.Ciphertext) error {
	if err := adapter.RescaleToNext(ct); err != nil {
		return heerrors.Wrap(heerrors.ChainExhausted, "modchain.Rescale", "%w", err)
	}
	nominal := adapter.NominalScaleAtLevel(adapter.GetChainIndex(ct))
	if nominal > 0 && withinEpsilon(adapter.GetScale(ct), nominal) {
		adapter.SetScale(ct, nominal)
	}
	return nil
}
