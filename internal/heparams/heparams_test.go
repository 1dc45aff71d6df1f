package heparams_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/YSDB/he-transformer-research/internal/heparams"
)

// TestFromLiteralRejectsUnsupportedDegree checks spec §6's closed
// poly_modulus_degree set.
func TestFromLiteralRejectsUnsupportedDegree(t *testing.T) {
	l := heparams.Default()
	l.PolyModulusDegree = 3000
	_, err := heparams.FromLiteral(l)
	require.Error(t, err)
}

// TestFromLiteralRejectsUnsupportedSecurityLevel checks spec §6's closed
// security_level set.
func TestFromLiteralRejectsUnsupportedSecurityLevel(t *testing.T) {
	l := heparams.Default()
	l.SecurityLevel = 64
	_, err := heparams.FromLiteral(l)
	require.Error(t, err)
}

// TestFromLiteralDerivesScaleWhenUnset checks the default parameters
// decode with a positive, finite scale when the literal leaves it zero.
func TestFromLiteralDerivesScaleWhenUnset(t *testing.T) {
	l := heparams.Default()
	l.Scale = 0
	p, err := heparams.FromLiteral(l)
	require.NoError(t, err)
	require.Greater(t, p.Scale, 0.0)
}

// TestSameContextIgnoresScaleAndSecurityLevel checks spec §9's
// documented SameContext behavior.
func TestSameContextIgnoresScaleAndSecurityLevel(t *testing.T) {
	a, err := heparams.FromLiteral(heparams.Default())
	require.NoError(t, err)

	bLit := heparams.Default()
	bLit.Scale = a.Scale * 2
	bLit.SecurityLevel = 128
	b, err := heparams.FromLiteral(bLit)
	require.NoError(t, err)

	require.True(t, a.SameContext(b))
}

// TestSameContextDiffersOnDegreeOrModulusChain checks the values
// SameContext does compare.
func TestSameContextDiffersOnDegreeOrModulusChain(t *testing.T) {
	a, err := heparams.FromLiteral(heparams.Default())
	require.NoError(t, err)

	bLit := heparams.Default()
	bLit.PolyModulusDegree = 2048
	b, err := heparams.FromLiteral(bLit)
	require.NoError(t, err)

	require.False(t, a.SameContext(b))

	cLit := heparams.Default()
	cLit.CoeffModulus = []int{30, 30, 30}
	c, err := heparams.FromLiteral(cLit)
	require.NoError(t, err)

	require.False(t, a.SameContext(c))
}

// TestMarshalUnmarshalSerializedRoundTrip checks spec §6's "Serialized
// EncryptionParameters (binary)" framing recovers scale, complex_packing
// and security_level around an opaque native blob.
func TestMarshalUnmarshalSerializedRoundTrip(t *testing.T) {
	p, err := heparams.FromLiteral(heparams.Default())
	require.NoError(t, err)
	p.ComplexPacking = true

	native := []byte("opaque-library-native-parameter-blob")
	framed := heparams.MarshalSerialized(p, native)

	scale, complexPacking, sec, blob, err := heparams.UnmarshalSerialized(framed)
	require.NoError(t, err)
	require.Equal(t, p.Scale, scale)
	require.True(t, complexPacking)
	require.Equal(t, p.SecurityLevel, sec)
	require.Equal(t, native, blob)
}

// TestUnmarshalSerializedRejectsShortBuffer checks the length guard.
func TestUnmarshalSerializedRejectsShortBuffer(t *testing.T) {
	_, _, _, _, err := heparams.UnmarshalSerialized([]byte{1, 2, 3})
	require.Error(t, err)
}

// TestLoadLiteralAcceptsRawJSON checks the "JSON string or path" config
// value's string branch.
func TestLoadLiteralAcceptsRawJSON(t *testing.T) {
	raw := `{"scheme_name":"HE_SEAL","poly_modulus_degree":4096,"security_level":0,"coeff_modulus":[30,30,30]}`
	l, err := heparams.LoadLiteral(raw)
	require.NoError(t, err)
	require.Equal(t, uint64(4096), l.PolyModulusDegree)
}
