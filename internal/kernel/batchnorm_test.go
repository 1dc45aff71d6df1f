package kernel_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/YSDB/he-transformer-research/internal/graph"
	"github.com/YSDB/he-transformer-research/internal/kernel"
	"github.com/YSDB/he-transformer-research/internal/tensor"
)

// TestBatchNormInferenceZeroesWhenInputEqualsMean checks the end-to-end
// scenario: with gamma=1, beta=0 and mean set to the input itself, every
// output element is zero regardless of variance.
func TestBatchNormInferenceZeroesWhenInputEqualsMean(t *testing.T) {
	adapter := newAdapter(t)
	ctx := &kernel.Context{Adapter: adapter, Parallel: 1}

	shape := []int{2, 1, 1} // C=2, H=1, W=1: one spatial element per channel
	in := plainMatrix(t, shape, []float64{1, 3}, adapter)
	gamma := plainMatrix(t, []int{2}, []float64{1, 1}, adapter)
	beta := plainMatrix(t, []int{2}, []float64{0, 0}, adapter)
	mean := plainMatrix(t, []int{2}, []float64{1, 3}, adapter) // equals the input exactly
	variance := plainMatrix(t, []int{2}, []float64{0.25, 0.25}, adapter)

	node := graph.Node{ID: "bn", Op: graph.OpBatchNormInference, Params: map[string]interface{}{"epsilon": 0.0}}
	out, err := kernel.Table[graph.OpBatchNormInference](ctx, node,
		[]*tensor.Tensor{in, gamma, beta, mean, variance}, shape, false, false)
	require.NoError(t, err)

	for _, v := range flatValues(t, out) {
		require.InDelta(t, 0, v, 1e-3)
	}
}
