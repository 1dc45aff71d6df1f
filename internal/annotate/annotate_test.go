package annotate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/YSDB/he-transformer-research/internal/annotate"
	"github.com/YSDB/he-transformer-research/internal/graph"
)

func sampleGraph() *graph.Graph {
	return &graph.Graph{
		Nodes: []graph.Node{
			{ID: "x", Op: graph.OpParameter, Outputs: []graph.TensorID{"x"}},
			{ID: "w", Op: graph.OpParameter, Outputs: []graph.TensorID{"w"}},
			{ID: "dot", Op: graph.OpDot, Inputs: []graph.TensorID{"x", "w"}, Outputs: []graph.TensorID{"dot_out"}},
			{ID: "relu", Op: graph.OpRelu, Inputs: []graph.TensorID{"dot_out"}, Outputs: []graph.TensorID{"relu_out"}},
			{ID: "sum", Op: graph.OpSum, Inputs: []graph.TensorID{"relu_out"}, Outputs: []graph.TensorID{"sum_out"}},
		},
		Outputs: []graph.TensorID{"sum_out"},
	}
}

func seedAnnotations() map[graph.TensorID]annotate.Annotation {
	return map[graph.TensorID]annotate.Annotation{
		"x": {Encrypted: true, Packed: true, FromClient: false},
		"w": {Encrypted: false, Packed: false, FromClient: false},
	}
}

// TestPropagateSpreadsEncryptedButGatesPackedOnShapePreserving checks
// spec §3: `encrypted` spreads through every op that consumes an
// encrypted input, while `packed` only survives ops in the
// shape-preserving set — Dot is not one of them, so it resets.
func TestPropagateSpreadsEncryptedButGatesPackedOnShapePreserving(t *testing.T) {
	g := sampleGraph()
	set, err := annotate.Propagate(g, seedAnnotations())
	require.NoError(t, err)

	require.True(t, set["dot_out"].Encrypted)
	require.False(t, set["dot_out"].Packed, "Dot is not shape-preserving, packed must not propagate through it")

	require.True(t, set["relu_out"].Encrypted)
	require.False(t, set["relu_out"].Packed, "packed was already false by the time it reaches Relu")

	require.True(t, set["sum_out"].Encrypted)
}

// TestPropagatePacksThroughShapePreservingChain checks the packed bit
// does spread when every intervening op is shape-preserving.
func TestPropagatePacksThroughShapePreservingChain(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "x", Op: graph.OpParameter, Outputs: []graph.TensorID{"x"}},
			{ID: "relu", Op: graph.OpRelu, Inputs: []graph.TensorID{"x"}, Outputs: []graph.TensorID{"relu_out"}},
			{ID: "reshape", Op: graph.OpReshape, Inputs: []graph.TensorID{"relu_out"}, Outputs: []graph.TensorID{"reshape_out"}},
		},
		Outputs: []graph.TensorID{"reshape_out"},
	}
	seed := map[graph.TensorID]annotate.Annotation{
		"x": {Encrypted: true, Packed: true},
	}

	set, err := annotate.Propagate(g, seed)
	require.NoError(t, err)
	require.True(t, set["reshape_out"].Packed)
}

// TestPropagateIsIdempotent checks spec §8 invariant 6: calling
// Propagate twice on the same graph and seed annotations yields an
// identical Set.
func TestPropagateIsIdempotent(t *testing.T) {
	g := sampleGraph()
	seed := seedAnnotations()

	first, err := annotate.Propagate(g, seed)
	require.NoError(t, err)
	second, err := annotate.Propagate(g, seed)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

// TestPropagateFailsOnMissingSeedAnnotation checks that a parameter
// missing from the seed map surfaces as an error rather than a silent
// zero-value annotation.
func TestPropagateFailsOnMissingSeedAnnotation(t *testing.T) {
	g := sampleGraph()
	incomplete := map[graph.TensorID]annotate.Annotation{
		"x": {Encrypted: true},
		// "w" intentionally omitted
	}

	_, err := annotate.Propagate(g, incomplete)
	require.Error(t, err)
}
