package executor_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/YSDB/he-transformer-research/internal/annotate"
	"github.com/YSDB/he-transformer-research/internal/executor"
	"github.com/YSDB/he-transformer-research/internal/graph"
	"github.com/YSDB/he-transformer-research/internal/hecrypto"
	"github.com/YSDB/he-transformer-research/internal/heparams"
	"github.com/YSDB/he-transformer-research/internal/hetype"
	"github.com/YSDB/he-transformer-research/internal/kernel"
	"github.com/YSDB/he-transformer-research/internal/tensor"
)

func newAdapter(t *testing.T) hecrypto.Adapter {
	t.Helper()
	params, err := heparams.FromLiteral(heparams.Default())
	require.NoError(t, err)
	adapter, err := hecrypto.NewLocalContext(params)
	require.NoError(t, err)
	return adapter
}

func plainTensor(t *testing.T, shape []int, values []float64) *tensor.Tensor {
	t.Helper()
	slots := make([]hetype.HEType, len(values))
	for i, v := range values {
		slots[i] = hetype.Plain([]float64{v}, false)
	}
	tt, err := tensor.New(shape, tensor.F64, false, 512, false, slots)
	require.NoError(t, err)
	return tt
}

func shapeParam(dims ...int) map[string]interface{} {
	raw := make([]interface{}, len(dims))
	for i, d := range dims {
		raw[i] = float64(d)
	}
	return map[string]interface{}{"shape": raw}
}

// addGraph builds Parameter(a), Parameter(b) -> Add -> Result(out), the
// shape of a one-node compute graph the executor can schedule directly
// (spec §1's "graph arrives fully constructed" precondition).
func addGraph() *graph.Graph {
	return &graph.Graph{
		Nodes: []graph.Node{
			{ID: "a", Op: graph.OpParameter, Outputs: []graph.TensorID{"a"}, Params: shapeParam(2, 3)},
			{ID: "b", Op: graph.OpParameter, Outputs: []graph.TensorID{"b"}, Params: shapeParam(2, 3)},
			{
				ID: "sum", Op: graph.OpAdd,
				Inputs: []graph.TensorID{"a", "b"}, Outputs: []graph.TensorID{"sum"},
				Params:           shapeParam(2, 3),
				LivenessFreeList: []graph.TensorID{"a", "b"},
			},
			{ID: "out", Op: graph.OpResult, Inputs: []graph.TensorID{"sum"}, Outputs: []graph.TensorID{"out"}},
		},
		Outputs: []graph.TensorID{"out"},
	}
}

// TestCallAddEndToEnd exercises spec §8 scenario 1's shape (Add over an
// unpacked [2,3] tensor) entirely in plaintext, checking the executor's
// dispatch, shape resolution and output-gathering steps.
func TestCallAddEndToEnd(t *testing.T) {
	adapter := newAdapter(t)
	g := addGraph()

	ann, err := annotate.Propagate(g, map[graph.TensorID]annotate.Annotation{
		"a": {}, "b": {},
	})
	require.NoError(t, err)

	kctx := &kernel.Context{Adapter: adapter, Parallel: 1}
	exec := executor.New(g, ann, kctx, nil, false, nil)
	require.Equal(t, executor.StateBuilt, exec.State())

	aVals := []float64{0, 1, 2, 3, 4, 5}
	bVals := make([]float64, 6)
	for i := range bVals {
		if i%2 == 0 {
			bVals[i] = float64(i)
		} else {
			bVals[i] = 1 - float64(i)
		}
	}
	want := make([]float64, 6)
	for i := range want {
		want[i] = aVals[i] + bVals[i]
	}

	result, err := exec.Call([]graph.TensorID{"out"}, map[graph.TensorID]*tensor.Tensor{
		"a": plainTensor(t, []int{2, 3}, aVals),
		"b": plainTensor(t, []int{2, 3}, bVals),
	})
	require.NoError(t, err)
	require.Equal(t, executor.StateDone, exec.State())

	out, ok := result["out"]
	require.True(t, ok)
	require.Len(t, out.Slots, 6)
	for i, s := range out.Slots {
		require.True(t, s.IsPlain())
		require.InDelta(t, want[i], s.PlainValue()[0], 1e-6)
	}
}

// TestCallMissingOutputFails checks spec §4.4 step 6: requesting a tensor
// id no node ever produces is a ShapeMismatch, not a panic or a zero
// value.
func TestCallMissingOutputFails(t *testing.T) {
	adapter := newAdapter(t)
	g := addGraph()
	ann, err := annotate.Propagate(g, map[graph.TensorID]annotate.Annotation{"a": {}, "b": {}})
	require.NoError(t, err)

	kctx := &kernel.Context{Adapter: adapter, Parallel: 1}
	exec := executor.New(g, ann, kctx, nil, false, nil)

	_, err = exec.Call([]graph.TensorID{"nonexistent"}, map[graph.TensorID]*tensor.Tensor{
		"a": plainTensor(t, []int{2, 3}, []float64{0, 1, 2, 3, 4, 5}),
		"b": plainTensor(t, []int{2, 3}, []float64{0, 0, 2, -2, 4, -4}),
	})
	require.Error(t, err)
}

// TestCallMissingParameterFails checks step 3: a parameter with no bound
// input (client or server) fails the call rather than reading a nil
// tensor.
func TestCallMissingParameterFails(t *testing.T) {
	adapter := newAdapter(t)
	g := addGraph()
	ann, err := annotate.Propagate(g, map[graph.TensorID]annotate.Annotation{"a": {}, "b": {}})
	require.NoError(t, err)

	kctx := &kernel.Context{Adapter: adapter, Parallel: 1}
	exec := executor.New(g, ann, kctx, nil, false, nil)

	_, err = exec.Call([]graph.TensorID{"out"}, map[graph.TensorID]*tensor.Tensor{
		"a": plainTensor(t, []int{2, 3}, []float64{0, 1, 2, 3, 4, 5}),
	})
	require.Error(t, err)
}
