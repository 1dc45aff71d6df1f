package graph_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/YSDB/he-transformer-research/internal/graph"
	"github.com/YSDB/he-transformer-research/internal/heerrors"
	"github.com/YSDB/he-transformer-research/internal/tensor"
)

func validGraph() *graph.Graph {
	return &graph.Graph{
		Nodes: []graph.Node{
			{ID: "x", Op: graph.OpParameter, Outputs: []graph.TensorID{"x"}},
			{ID: "relu", Op: graph.OpRelu, Inputs: []graph.TensorID{"x"}, Outputs: []graph.TensorID{"relu_out"}},
		},
		Outputs: []graph.TensorID{"relu_out"},
	}
}

// TestValidateAcceptsWellFormedGraph checks the happy path.
func TestValidateAcceptsWellFormedGraph(t *testing.T) {
	require.NoError(t, validGraph().Validate())
}

// TestValidateRejectsUnsupportedOp checks spec §6's closed op set.
func TestValidateRejectsUnsupportedOp(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "x", Op: graph.OpID("TotallyMadeUp"), Outputs: []graph.TensorID{"x"}},
		},
		Outputs: []graph.TensorID{"x"},
	}
	err := g.Validate()
	require.Error(t, err)
}

// TestValidateRejectsOutOfOrderInput checks the topological-order
// precondition: a node consuming a tensor id not yet produced fails.
func TestValidateRejectsOutOfOrderInput(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "relu", Op: graph.OpRelu, Inputs: []graph.TensorID{"x"}, Outputs: []graph.TensorID{"relu_out"}},
			{ID: "x", Op: graph.OpParameter, Outputs: []graph.TensorID{"x"}},
		},
		Outputs: []graph.TensorID{"relu_out"},
	}
	err := g.Validate()
	require.Error(t, err)
}

// TestValidateRejectsUndeclaredOutput checks every declared graph
// output must actually be produced by some node.
func TestValidateRejectsUndeclaredOutput(t *testing.T) {
	g := validGraph()
	g.Outputs = append(g.Outputs, "never_produced")
	err := g.Validate()
	require.Error(t, err)
}

// TestValidateRejectsUnsupportedElementType checks spec §7: a Parameter
// node whose element_type Param is outside {f32, f64, i32, i64} fails
// with UnsupportedType, not a generic error.
func TestValidateRejectsUnsupportedElementType(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "x", Op: graph.OpParameter, Outputs: []graph.TensorID{"x"},
				Params: map[string]interface{}{"element_type": "complex256"}},
		},
		Outputs: []graph.TensorID{"x"},
	}
	err := g.Validate()
	require.Error(t, err)
	require.Equal(t, heerrors.UnsupportedType, heerrors.Of(err))
}

// TestNodeElementTypeDefaultsToF64 checks a node with no element_type
// Param -- the common case for graphs compiled before the field existed
// -- defaults to tensor.F64 rather than failing validation.
func TestNodeElementTypeDefaultsToF64(t *testing.T) {
	n := graph.Node{ID: "x", Op: graph.OpParameter, Outputs: []graph.TensorID{"x"}}
	et, ok := n.ElementType()
	require.True(t, ok)
	require.Equal(t, tensor.F64, et)
}

// TestNodeElementTypeParsesDeclaredValue checks a node that declares a
// valid element_type Param reports the matching tensor.ElementType.
func TestNodeElementTypeParsesDeclaredValue(t *testing.T) {
	n := graph.Node{ID: "w", Op: graph.OpParameter, Outputs: []graph.TensorID{"w"},
		Params: map[string]interface{}{"element_type": "i32"}}
	et, ok := n.ElementType()
	require.True(t, ok)
	require.Equal(t, tensor.I32, et)
}

// TestParametersAndResultsFilterByOp checks the two convenience
// accessors return nodes in declaration order.
func TestParametersAndResultsFilterByOp(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "x", Op: graph.OpParameter, Outputs: []graph.TensorID{"x"}},
			{ID: "w", Op: graph.OpParameter, Outputs: []graph.TensorID{"w"}},
			{ID: "dot", Op: graph.OpDot, Inputs: []graph.TensorID{"x", "w"}, Outputs: []graph.TensorID{"dot_out"}},
			{ID: "result", Op: graph.OpResult, Inputs: []graph.TensorID{"dot_out"}, Outputs: []graph.TensorID{"dot_out"}},
		},
		Outputs: []graph.TensorID{"dot_out"},
	}

	params := g.Parameters()
	require.Len(t, params, 2)
	require.Equal(t, "x", params[0].ID)
	require.Equal(t, "w", params[1].ID)

	results := g.Results()
	require.Len(t, results, 1)
	require.Equal(t, "result", results[0].ID)
}
