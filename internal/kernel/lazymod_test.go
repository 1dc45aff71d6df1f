package kernel_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/YSDB/he-transformer-research/internal/graph"
	"github.com/YSDB/he-transformer-research/internal/kernel"
	"github.com/YSDB/he-transformer-research/internal/tensor"
)

// TestLazyModMatchesEagerModOnDotProduct checks spec §8 invariant 4: for
// a dot product with a safe-bound number of accumulations, results with
// LazyMod on and off agree within tolerance.
func TestLazyModMatchesEagerModOnDotProduct(t *testing.T) {
	adapter := newAdapter(t)

	a := cipherMatrix(t, []int{4}, []float64{1, 2, 3, 4}, adapter)
	b := cipherMatrix(t, []int{4}, []float64{5, 6, 7, 8}, adapter)
	node := graph.Node{ID: "dot", Op: graph.OpDot}

	eagerCtx := &kernel.Context{Adapter: adapter, Parallel: 1, LazyMod: false}
	eagerOut, err := kernel.Table[graph.OpDot](eagerCtx, node, []*tensor.Tensor{a, b}, []int{1}, false, false)
	require.NoError(t, err)

	a2 := cipherMatrix(t, []int{4}, []float64{1, 2, 3, 4}, adapter)
	b2 := cipherMatrix(t, []int{4}, []float64{5, 6, 7, 8}, adapter)
	lazyCtx := &kernel.Context{Adapter: adapter, Parallel: 1, LazyMod: true}
	lazyOut, err := kernel.Table[graph.OpDot](lazyCtx, node, []*tensor.Tensor{a2, b2}, []int{1}, false, false)
	require.NoError(t, err)

	eagerPt, err := adapter.Decrypt(eagerOut.Slots[0].CipherValue())
	require.NoError(t, err)
	eagerVals, err := adapter.Decode(eagerPt)
	require.NoError(t, err)

	lazyPt, err := adapter.Decrypt(lazyOut.Slots[0].CipherValue())
	require.NoError(t, err)
	lazyVals, err := adapter.Decode(lazyPt)
	require.NoError(t, err)

	require.InDelta(t, 70, eagerVals[0], 1e-2) // 1*5+2*6+3*7+4*8
	require.InDelta(t, eagerVals[0], lazyVals[0], 1e-2)
}
