package kernel_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/YSDB/he-transformer-research/internal/graph"
	"github.com/YSDB/he-transformer-research/internal/hecrypto"
	"github.com/YSDB/he-transformer-research/internal/hetype"
	"github.com/YSDB/he-transformer-research/internal/kernel"
	"github.com/YSDB/he-transformer-research/internal/tensor"
)

// TestAddCipherCipherRealUnpacked checks the exact scenario:
// Add(shape=[2,3], cipher, cipher, real, unpacked) with a=[0..5],
// b[i] = (i%2==0) ? i : 1-i, expecting [0,0,4,-2,8,-4].
func TestAddCipherCipherRealUnpacked(t *testing.T) {
	adapter, err := hecrypto.NewLocalContext(newParams(t))
	require.NoError(t, err)
	ctx := &kernel.Context{Adapter: adapter, Parallel: 1}

	aVals := []float64{0, 1, 2, 3, 4, 5}
	bVals := make([]float64, 6)
	for i := range bVals {
		if i%2 == 0 {
			bVals[i] = float64(i)
		} else {
			bVals[i] = 1 - float64(i)
		}
	}

	a := cipherMatrix(t, []int{2, 3}, aVals, adapter)
	b := cipherMatrix(t, []int{2, 3}, bVals, adapter)

	node := graph.Node{ID: "add", Op: graph.OpAdd}
	out, err := kernel.Table[graph.OpAdd](ctx, node, []*tensor.Tensor{a, b}, []int{2, 3}, false, false)
	require.NoError(t, err)

	want := []float64{0, 0, 4, -2, 8, -4}
	for i, slot := range out.Slots {
		require.True(t, slot.IsCipher())
		pt, err := adapter.Decrypt(slot.CipherValue())
		require.NoError(t, err)
		vals, err := adapter.Decode(pt)
		require.NoError(t, err)
		require.InDelta(t, want[i], vals[0], 1e-3)
	}
}

// TestAddCipherPlainMixed checks the cipher x plain combination of spec
// §8 invariant 3.
func TestAddCipherPlainMixed(t *testing.T) {
	adapter, err := hecrypto.NewLocalContext(newParams(t))
	require.NoError(t, err)
	ctx := &kernel.Context{Adapter: adapter, Parallel: 1}

	a := cipherMatrix(t, []int{3}, []float64{1, 2, 3}, adapter)
	b := plainMatrix(t, []int{3}, []float64{10, 20, 30}, adapter)

	node := graph.Node{ID: "add", Op: graph.OpAdd}
	out, err := kernel.Table[graph.OpAdd](ctx, node, []*tensor.Tensor{a, b}, []int{3}, false, false)
	require.NoError(t, err)

	want := []float64{11, 22, 33}
	for i, slot := range out.Slots {
		require.True(t, slot.IsCipher())
		pt, err := adapter.Decrypt(slot.CipherValue())
		require.NoError(t, err)
		vals, err := adapter.Decode(pt)
		require.NoError(t, err)
		require.InDelta(t, want[i], vals[0], 1e-3)
	}
}

// TestAddPlainPlain checks the purely-plaintext combination, which must
// never touch the adapter's ciphertext path.
func TestAddPlainPlain(t *testing.T) {
	adapter := newAdapter(t)
	ctx := &kernel.Context{Adapter: adapter, Parallel: 1}

	a := plainMatrix(t, []int{3}, []float64{1, 2, 3}, adapter)
	b := plainMatrix(t, []int{3}, []float64{4, 5, 6}, adapter)

	node := graph.Node{ID: "add", Op: graph.OpAdd}
	out, err := kernel.Table[graph.OpAdd](ctx, node, []*tensor.Tensor{a, b}, []int{3}, false, false)
	require.NoError(t, err)

	want := []float64{5, 7, 9}
	got := flatValues(t, out)
	for i := range want {
		require.InDelta(t, want[i], got[i], 1e-9)
	}
}

func cipherMatrix(t *testing.T, shape []int, values []float64, adapter hecrypto.Adapter) *tensor.Tensor {
	t.Helper()
	slots := make([]hetype.HEType, len(values))
	for i, v := range values {
		slots[i] = hetype.Cipher(encryptOneVia(t, adapter, v), false)
	}
	tt, err := tensor.New(shape, tensor.F64, false, adapter.MaxSlots(), false, slots)
	require.NoError(t, err)
	return tt
}

func encryptOneVia(t *testing.T, adapter hecrypto.Adapter, v float64) *hecrypto.Ciphertext {
	t.Helper()
	level := adapter.MaxLevel()
	scale := adapter.NominalScaleAtLevel(level)
	pt, err := adapter.Encode([]float64{v}, level, scale)
	require.NoError(t, err)
	ct, err := adapter.Encrypt(pt)
	require.NoError(t, err)
	return ct
}
