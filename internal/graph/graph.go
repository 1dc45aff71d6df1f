// Package graph models the closed, pre-compiled computation graph the
// executor consumes. The graph-building frontend itself (node
// construction, shape inference, axis bookkeeping) is out of scope
// (spec §1): nodes, shapes and axes "arrive fully constructed". This
// package only defines the data model and the structural checks the
// executor needs before it can schedule the graph.
package graph

import (
	"fmt"

	"github.com/YSDB/he-transformer-research/internal/heerrors"
	"github.com/YSDB/he-transformer-research/internal/tensor"
)

// TensorID identifies one tensor slot in the executor's slot map
// (spec §3 "Execution Context").
type TensorID string

// OpID is the closed set of supported operators (spec §6). Any id
// outside this set fails UnsupportedOp at compile time.
type OpID string

const (
	OpAdd                OpID = "Add"
	OpAvgPool            OpID = "AvgPool"
	OpBatchNormInference OpID = "BatchNormInference"
	OpBoundedRelu        OpID = "BoundedRelu"
	OpBroadcast          OpID = "Broadcast"
	OpConcat             OpID = "Concat"
	OpConstant           OpID = "Constant"
	OpConvolution        OpID = "Convolution"
	OpDivide             OpID = "Divide"
	OpDot                OpID = "Dot"
	OpExp                OpID = "Exp"
	OpMax                OpID = "Max"
	OpMaxPool            OpID = "MaxPool"
	OpMinimum            OpID = "Minimum"
	OpMultiply           OpID = "Multiply"
	OpNegative           OpID = "Negative"
	OpPad                OpID = "Pad"
	OpParameter          OpID = "Parameter"
	OpPower              OpID = "Power"
	OpRelu               OpID = "Relu"
	OpReshape            OpID = "Reshape"
	OpResult             OpID = "Result"
	OpReverse            OpID = "Reverse"
	OpSlice              OpID = "Slice"
	OpSoftmax            OpID = "Softmax"
	OpSubtract           OpID = "Subtract"
	OpSum                OpID = "Sum"
)

// SupportedOps is the closed dispatch set of spec §6.
var SupportedOps = map[OpID]bool{
	OpAdd: true, OpAvgPool: true, OpBatchNormInference: true, OpBoundedRelu: true,
	OpBroadcast: true, OpConcat: true, OpConstant: true, OpConvolution: true,
	OpDivide: true, OpDot: true, OpExp: true, OpMax: true, OpMaxPool: true,
	OpMinimum: true, OpMultiply: true, OpNegative: true, OpPad: true,
	OpParameter: true, OpPower: true, OpRelu: true, OpReshape: true, OpResult: true,
	OpReverse: true, OpSlice: true, OpSoftmax: true, OpSubtract: true, OpSum: true,
}

// Node is one operation in the pre-compiled graph.
type Node struct {
	ID     string
	Op     OpID
	Inputs []TensorID
	// Outputs maps each of the node's logical output slots (usually just
	// one) to the tensor id the executor should bind the kernel's output
	// to.
	Outputs []TensorID
	// Params carries op-specific parameters (e.g. convolution stride,
	// pad mode, reduction axes) as an untyped map; internal/kernel
	// type-asserts the keys it expects for its OpID.
	Params map[string]interface{}
	// LivenessFreeList names the tensor ids that are no longer referenced
	// by any later node once this node completes (spec §3 "Lifecycles",
	// §4.4 step 5, §8 invariant 7).
	LivenessFreeList []TensorID
}

// Graph is the closed, topologically-ordered node list the executor
// iterates (spec §4.4 step 5). Ordering is a precondition checked by
// Validate, not recomputed here: topological sorting is part of the
// out-of-scope graph-building frontend.
type Graph struct {
	Nodes   []Node
	Outputs []TensorID
}

// Validate checks the structural preconditions spec §4.4 step 1 and §7
// require before scheduling: every op id is in the supported set, every
// node's inputs are produced by an earlier node or are a Parameter, and
// nodes are listed in a topological order (every input tensor id is
// either a Parameter/Constant output or produced strictly before its
// consumer).
func (g *Graph) Validate() error {
	produced := make(map[TensorID]bool)

	for i, n := range g.Nodes {
		if !SupportedOps[n.Op] {
			return heerrors.Wrap(heerrors.UnsupportedOp, "graph.Validate", "node %q: op %q is not in the supported set", n.ID, n.Op)
		}
		if n.Op == OpParameter || n.Op == OpConstant {
			if _, ok := n.ElementType(); !ok {
				return heerrors.Wrap(heerrors.UnsupportedType, "graph.Validate",
					"node %q: element_type %v is not in {f32, f64, i32, i64}", n.ID, n.Params["element_type"])
			}
		}
		if n.Op != OpParameter && n.Op != OpConstant {
			for _, in := range n.Inputs {
				if !produced[in] {
					return heerrors.Wrap(heerrors.ShapeMismatch, "graph.Validate",
						"node %q (index %d): input %q is not produced by an earlier node", n.ID, i, in)
				}
			}
		}
		for _, out := range n.Outputs {
			produced[out] = true
		}
	}

	for _, out := range g.Outputs {
		if !produced[out] {
			return heerrors.Wrap(heerrors.ShapeMismatch, "graph.Validate", "declared output %q is never produced", out)
		}
	}

	return nil
}

// Parameters returns the graph's Parameter nodes in declaration order.
func (g *Graph) Parameters() []Node {
	var params []Node
	for _, n := range g.Nodes {
		if n.Op == OpParameter {
			params = append(params, n)
		}
	}
	return params
}

// Results returns the graph's Result nodes in declaration order.
func (g *Graph) Results() []Node {
	var results []Node
	for _, n := range g.Nodes {
		if n.Op == OpResult {
			results = append(results, n)
		}
	}
	return results
}

func (n Node) String() string {
	return fmt.Sprintf("%s(%s) <- %v", n.ID, n.Op, n.Inputs)
}

// ElementType returns the node's declared element_type Param (spec §3's
// Tensor.element_type field, carried on Parameter and Constant nodes).
// A node with no element_type defaults to tensor.F64, matching this
// repo's pre-existing behavior for graphs compiled before the field
// existed. ok is false when element_type is present but not one of the
// closed set tensor.ParseElementType accepts; Validate turns that into
// an UnsupportedType error.
func (n Node) ElementType() (tensor.ElementType, bool) {
	raw, present := n.Params["element_type"]
	if !present {
		return tensor.F64, true
	}
	s, isString := raw.(string)
	if !isString {
		return 0, false
	}
	return tensor.ParseElementType(s)
}
