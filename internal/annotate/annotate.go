// Package annotate implements the annotation propagation of spec §3/§4.4/§9:
// flowing the {encrypted, packed, from_client} bits from graph parameters
// through to every internal node before execution.
package annotate

import (
	"github.com/YSDB/he-transformer-research/internal/graph"
	"github.com/YSDB/he-transformer-research/internal/heerrors"
)

// Annotation is spec §3's per-node triple.
type Annotation struct {
	Encrypted  bool
	Packed     bool
	FromClient bool
}

// Set is the per-tensor annotation table the executor consults before
// allocating output tensors (spec §4.4 step 4/5).
type Set map[graph.TensorID]Annotation

// shapePreserving is the set of ops under which the `packed` bit
// propagates (spec §3: "packed spreads under shape-preserving ops").
var shapePreserving = map[graph.OpID]bool{
	graph.OpAdd: true, graph.OpSubtract: true, graph.OpMultiply: true,
	graph.OpDivide: true, graph.OpMinimum: true, graph.OpNegative: true,
	graph.OpRelu: true, graph.OpBoundedRelu: true, graph.OpBatchNormInference: true,
	graph.OpReshape: true, graph.OpBroadcast: true, graph.OpPad: true,
	graph.OpSlice: true, graph.OpReverse: true, graph.OpConcat: true,
	graph.OpExp: true, graph.OpPower: true, graph.OpSoftmax: true, graph.OpMax: true,
}

// Propagate computes a Set covering every tensor id produced in g,
// seeded by paramAnnotations (assigned externally to graph parameters,
// per spec §3 Annotation lifecycle). `encrypted` spreads downward under
// any op whose inputs include an encrypted tensor (spec §3); `packed`
// spreads only under shape-preserving ops; `from_client` is a parameter
// property that does not itself propagate beyond the parameter tensor
// it names.
//
// Propagate is idempotent (spec §8 invariant 6): calling it twice on the
// same graph and seed annotations produces the same Set, since it is a
// pure forward pass with no hidden state.
func Propagate(g *graph.Graph, paramAnnotations map[graph.TensorID]Annotation) (Set, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	out := make(Set, len(g.Nodes))
	for id, ann := range paramAnnotations {
		out[id] = ann
	}

	for _, n := range g.Nodes {
		if n.Op == graph.OpParameter {
			continue
		}

		var encrypted, packed bool
		for _, in := range n.Inputs {
			ann, ok := out[in]
			if !ok {
				return nil, heerrors.Wrap(heerrors.ShapeMismatch, "annotate.Propagate",
					"node %q: input %q has no annotation (graph not validated or seed incomplete)", n.ID, in)
			}
			if ann.Encrypted {
				encrypted = true
			}
			if ann.Packed && shapePreserving[n.Op] {
				packed = true
			}
		}

		for _, outID := range n.Outputs {
			out[outID] = Annotation{Encrypted: encrypted, Packed: packed}
		}
	}

	return out, nil
}
