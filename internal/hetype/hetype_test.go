package hetype_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/YSDB/he-transformer-research/internal/hetype"
)

// TestPlainValuePanicsOnCipherTaggedHEType checks spec §9's "accessors
// panic on tag confusion instead of silently reading a zero value".
func TestPlainValuePanicsOnCipherTaggedHEType(t *testing.T) {
	h := hetype.Cipher(nil, false)
	require.Panics(t, func() { h.PlainValue() })
}

// TestCipherValuePanicsOnPlainTaggedHEType is the mirror case.
func TestCipherValuePanicsOnPlainTaggedHEType(t *testing.T) {
	h := hetype.Plain([]float64{1}, false)
	require.Panics(t, func() { h.CipherValue() })
}

// TestCheckComplexPackingRejectsMismatch checks the binary-op precondition.
func TestCheckComplexPackingRejectsMismatch(t *testing.T) {
	a := hetype.Plain([]float64{1}, false)
	b := hetype.Plain([]float64{2}, true)
	require.Error(t, hetype.CheckComplexPacking(a, b))
	require.NoError(t, hetype.CheckComplexPacking(a, hetype.Plain([]float64{3}, false)))
}

// TestIsAdditiveIdentity checks spec §3's additive identity: empty or a
// single zero.
func TestIsAdditiveIdentity(t *testing.T) {
	require.True(t, hetype.Plain(nil, false).IsAdditiveIdentity())
	require.True(t, hetype.Plain([]float64{0}, false).IsAdditiveIdentity())
	require.False(t, hetype.Plain([]float64{1}, false).IsAdditiveIdentity())
	require.False(t, hetype.Plain([]float64{0, 0}, false).IsAdditiveIdentity())
	require.False(t, hetype.Cipher(nil, false).IsAdditiveIdentity())
}

// TestIsMultiplicativeIdentity checks spec §4.3's multiply short-circuit
// recognizes scalar +-1 broadcasts only.
func TestIsMultiplicativeIdentity(t *testing.T) {
	v, ok := hetype.Plain([]float64{1}, false).IsMultiplicativeIdentity()
	require.True(t, ok)
	require.Equal(t, 1.0, v)

	v, ok = hetype.Plain([]float64{-1}, false).IsMultiplicativeIdentity()
	require.True(t, ok)
	require.Equal(t, -1.0, v)

	_, ok = hetype.Plain([]float64{2}, false).IsMultiplicativeIdentity()
	require.False(t, ok)

	_, ok = hetype.Plain([]float64{1, 1}, false).IsMultiplicativeIdentity()
	require.False(t, ok)
}
