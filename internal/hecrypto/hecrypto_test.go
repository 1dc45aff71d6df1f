package hecrypto_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/YSDB/he-transformer-research/internal/hecrypto"
	"github.com/YSDB/he-transformer-research/internal/heparams"
)

func newParams(t *testing.T) heparams.Parameters {
	t.Helper()
	p, err := heparams.FromLiteral(heparams.Default())
	require.NoError(t, err)
	return p
}

// TestEncryptDecryptRoundTrip checks spec §8 invariant 1: encoding,
// encrypting, decrypting and decoding a value recovers it within the
// CKKS scheme's approximation error.
func TestEncryptDecryptRoundTrip(t *testing.T) {
	adapter, err := hecrypto.NewLocalContext(newParams(t))
	require.NoError(t, err)

	level := adapter.MaxLevel()
	scale := adapter.NominalScaleAtLevel(level)
	pt, err := adapter.Encode([]float64{3.5, -1.25}, level, scale)
	require.NoError(t, err)
	ct, err := adapter.Encrypt(pt)
	require.NoError(t, err)

	decryptedPt, err := adapter.Decrypt(ct)
	require.NoError(t, err)
	values, err := adapter.Decode(decryptedPt)
	require.NoError(t, err)

	require.InDelta(t, 3.5, values[0], 1e-3)
	require.InDelta(t, -1.25, values[1], 1e-3)
}

// TestSaveLoadCiphertextRoundTrip checks spec §8 invariant 5: a
// ciphertext serialized with Save and parsed back with Load decrypts to
// the same values as the original.
func TestSaveLoadCiphertextRoundTrip(t *testing.T) {
	adapter, err := hecrypto.NewLocalContext(newParams(t))
	require.NoError(t, err)

	level := adapter.MaxLevel()
	scale := adapter.NominalScaleAtLevel(level)
	pt, err := adapter.Encode([]float64{7}, level, scale)
	require.NoError(t, err)
	ct, err := adapter.Encrypt(pt)
	require.NoError(t, err)

	raw, err := adapter.Save(ct)
	require.NoError(t, err)
	reloaded, err := adapter.Load(raw)
	require.NoError(t, err)

	decryptedPt, err := adapter.Decrypt(reloaded)
	require.NoError(t, err)
	values, err := adapter.Decode(decryptedPt)
	require.NoError(t, err)
	require.InDelta(t, 7, values[0], 1e-3)
}

// TestSavePlainLoadPlainRoundTrip exercises the plaintext counterpart of
// the Save/Load pair, used by the session when sending encoded-plaintext
// output slots to the client.
func TestSavePlainLoadPlainRoundTrip(t *testing.T) {
	adapter, err := hecrypto.NewLocalContext(newParams(t))
	require.NoError(t, err)

	level := adapter.MaxLevel()
	scale := adapter.NominalScaleAtLevel(level)
	pt, err := adapter.Encode([]float64{-9.5}, level, scale)
	require.NoError(t, err)

	raw, err := adapter.SavePlain(pt)
	require.NoError(t, err)
	reloaded, err := adapter.LoadPlain(raw)
	require.NoError(t, err)

	values, err := adapter.Decode(reloaded)
	require.NoError(t, err)
	require.InDelta(t, -9.5, values[0], 1e-3)
}

// TestMarshalParamsProducesNonEmptyBlob checks the parameter-handshake
// prerequisite internal/session relies on.
func TestMarshalParamsProducesNonEmptyBlob(t *testing.T) {
	adapter, err := hecrypto.NewServerContext(newParams(t))
	require.NoError(t, err)

	blob, err := adapter.MarshalParams()
	require.NoError(t, err)
	require.NotEmpty(t, blob)
}
