package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/YSDB/he-transformer-research/internal/annotate"
	"github.com/YSDB/he-transformer-research/internal/graph"
	"github.com/YSDB/he-transformer-research/internal/hecrypto"
	"github.com/YSDB/he-transformer-research/internal/heparams"
	"github.com/YSDB/he-transformer-research/internal/hetype"
	"github.com/YSDB/he-transformer-research/internal/kernel"
	"github.com/YSDB/he-transformer-research/internal/tensor"
)

// TestLivenessFreesSlots verifies spec §8 invariant 7: once a node's
// liveness free list names a tensor id, that id is gone from the live
// slot map after the node runs.
func TestLivenessFreesSlots(t *testing.T) {
	params, err := heparams.FromLiteral(heparams.Default())
	require.NoError(t, err)
	adapter, err := hecrypto.NewLocalContext(params)
	require.NoError(t, err)

	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "a", Op: graph.OpParameter, Outputs: []graph.TensorID{"a"}, Params: map[string]interface{}{"shape": []interface{}{2.0}}},
			{
				ID: "neg", Op: graph.OpNegative,
				Inputs: []graph.TensorID{"a"}, Outputs: []graph.TensorID{"neg"},
				Params:           map[string]interface{}{"shape": []interface{}{2.0}},
				LivenessFreeList: []graph.TensorID{"a"},
			},
			{ID: "out", Op: graph.OpResult, Inputs: []graph.TensorID{"neg"}, Outputs: []graph.TensorID{"out"}},
		},
		Outputs: []graph.TensorID{"out"},
	}

	ann, err := annotate.Propagate(g, map[graph.TensorID]annotate.Annotation{"a": {}})
	require.NoError(t, err)

	kctx := &kernel.Context{Adapter: adapter, Parallel: 1}
	exec := New(g, ann, kctx, nil, false, nil)

	slots := make([]hetype.HEType, 2)
	slots[0] = hetype.Plain([]float64{1}, false)
	slots[1] = hetype.Plain([]float64{2}, false)
	in, err := tensor.New([]int{2}, tensor.F64, false, adapter.MaxSlots(), false, slots)
	require.NoError(t, err)

	_, err = exec.Call([]graph.TensorID{"out"}, map[graph.TensorID]*tensor.Tensor{"a": in})
	require.NoError(t, err)

	_, stillLive := exec.slots["a"]
	require.False(t, stillLive, "liveness free list should have removed %q from the slot map", "a")

	_, outLive := exec.slots["out"]
	require.True(t, outLive)
}
