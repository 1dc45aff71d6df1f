package kernel

import (
	"github.com/YSDB/he-transformer-research/internal/graph"
	"github.com/YSDB/he-transformer-research/internal/heerrors"
	"github.com/YSDB/he-transformer-research/internal/hetype"
	"github.com/YSDB/he-transformer-research/internal/tensor"
)

// reshapeKernel implements spec §6 Reshape: a pure relabeling of shape
// metadata over the same row-major slot sequence, optionally permuting
// axes first via node.Params["input_order"] ([]float64 permutation).
func reshapeKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "kernel.reshapeKernel", "node %q: expected 1 input", node.ID)
	}
	in := inputs[0]
	slots := in.Slots

	if order, ok := node.Params["input_order"].([]interface{}); ok && len(order) > 0 {
		perm := make([]int, len(order))
		for i, v := range order {
			f, _ := v.(float64)
			perm[i] = int(f)
		}
		permuted := make([]hetype.HEType, len(slots))
		permutedShape := make([]int, len(perm))
		for i, axis := range perm {
			permutedShape[i] = in.Shape[axis]
		}
		for idx := range slots {
			coord := unflatten(idx, in.Shape)
			newCoord := make([]int, len(perm))
			for i, axis := range perm {
				newCoord[i] = coord[axis]
			}
			permuted[flatten(newCoord, permutedShape)] = slots[idx]
		}
		slots = permuted
	}

	if tensor.ShapeSize(outShape) != len(slots) {
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "kernel.reshapeKernel", "node %q: output shape %v does not match %d slots", node.ID, outShape, len(slots))
	}
	return tensor.New(outShape, in.ElemType, outPacked, ctx.Adapter.MaxSlots(), outComplex, slots)
}

// broadcastKernel implements spec §6 Broadcast: replicating a smaller
// tensor's slots across the new axes named in node.Params["axes"].
func broadcastKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "kernel.broadcastKernel", "node %q: expected 1 input", node.ID)
	}
	in := inputs[0]
	newAxes := axisSet(node.Params["axes"])

	out := make([]hetype.HEType, tensor.ShapeSize(outShape))
	for idx := range out {
		coord := unflatten(idx, outShape)
		srcCoord := dropAxes(coord, newAxes)
		si := flatten(srcCoord, in.Shape)
		out[idx] = in.Slots[si]
	}
	return tensor.New(outShape, in.ElemType, outPacked, ctx.Adapter.MaxSlots(), outComplex, out)
}

// padKernel implements spec §6 Pad: constant-mode or edge-mode padding
// along every axis, per node.Params["padding_below"]/["padding_above"]
// (per-axis []float64) and node.Params["pad_mode"] ("constant" or "edge";
// constant is the default and uses node.Params["pad_value"], default 0).
func padKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "kernel.padKernel", "node %q: expected 1 input", node.ID)
	}
	in := inputs[0]
	below := axisInts(node.Params["padding_below"], len(in.Shape))
	mode, _ := node.Params["pad_mode"].(string)
	padValue := 0.0
	if v, ok := node.Params["pad_value"].(float64); ok {
		padValue = v
	}
	padSlot := hetype.Plain([]float64{padValue}, outComplex)

	out := make([]hetype.HEType, tensor.ShapeSize(outShape))
	for idx := range out {
		coord := unflatten(idx, outShape)
		srcCoord := make([]int, len(coord))
		inBounds := true
		for i, c := range coord {
			sc := c - below[i]
			if mode == "edge" {
				if sc < 0 {
					sc = 0
				}
				if sc >= in.Shape[i] {
					sc = in.Shape[i] - 1
				}
			} else if sc < 0 || sc >= in.Shape[i] {
				inBounds = false
			}
			srcCoord[i] = sc
		}
		if inBounds {
			out[idx] = in.Slots[flatten(srcCoord, in.Shape)]
		} else {
			out[idx] = padSlot
		}
	}
	return tensor.New(outShape, in.ElemType, outPacked, ctx.Adapter.MaxSlots(), outComplex, out)
}

func axisInts(raw interface{}, rank int) []int {
	out := make([]int, rank)
	items, _ := raw.([]interface{})
	for i := 0; i < rank && i < len(items); i++ {
		if f, ok := items[i].(float64); ok {
			out[i] = int(f)
		}
	}
	return out
}

// sliceKernel implements spec §6 Slice: node.Params["lower_bounds"] and
// ["upper_bounds"] (per-axis []float64, half-open ranges), and an optional
// ["strides"] (per-axis []float64, default 1).
func sliceKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "kernel.sliceKernel", "node %q: expected 1 input", node.ID)
	}
	in := inputs[0]
	lower := axisInts(node.Params["lower_bounds"], len(in.Shape))
	strideVals := node.Params["strides"]
	stride := make([]int, len(in.Shape))
	for i := range stride {
		stride[i] = 1
	}
	if items, ok := strideVals.([]interface{}); ok {
		for i := 0; i < len(stride) && i < len(items); i++ {
			if f, ok := items[i].(float64); ok && f != 0 {
				stride[i] = int(f)
			}
		}
	}

	out := make([]hetype.HEType, tensor.ShapeSize(outShape))
	for idx := range out {
		coord := unflatten(idx, outShape)
		srcCoord := make([]int, len(coord))
		for i, c := range coord {
			srcCoord[i] = lower[i] + c*stride[i]
		}
		out[idx] = in.Slots[flatten(srcCoord, in.Shape)]
	}
	return tensor.New(outShape, in.ElemType, outPacked, ctx.Adapter.MaxSlots(), outComplex, out)
}

// reverseKernel implements spec §6 Reverse: flips the axes named in
// node.Params["axes"].
func reverseKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "kernel.reverseKernel", "node %q: expected 1 input", node.ID)
	}
	in := inputs[0]
	axes := axisSet(node.Params["axes"])

	out := make([]hetype.HEType, len(in.Slots))
	for idx := range out {
		coord := unflatten(idx, in.Shape)
		srcCoord := make([]int, len(coord))
		for i, c := range coord {
			if axes[i] {
				srcCoord[i] = in.Shape[i] - 1 - c
			} else {
				srcCoord[i] = c
			}
		}
		out[idx] = in.Slots[flatten(srcCoord, in.Shape)]
	}
	return tensor.New(outShape, in.ElemType, outPacked, ctx.Adapter.MaxSlots(), outComplex, out)
}

// concatKernel implements spec §6 Concat: joins inputs along
// node.Params["axis"] (float64).
func concatKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "kernel.concatKernel", "node %q: expected at least 1 input", node.ID)
	}
	axisF, _ := node.Params["axis"].(float64)
	axis := int(axisF)

	out := make([]hetype.HEType, tensor.ShapeSize(outShape))
	offset := 0
	for _, in := range inputs {
		for idx, s := range in.Slots {
			coord := unflatten(idx, in.Shape)
			coord[axis] += offset
			out[flatten(coord, outShape)] = s
		}
		offset += in.Shape[axis]
	}
	return tensor.New(outShape, inputs[0].ElemType, outPacked, ctx.Adapter.MaxSlots(), outComplex, out)
}

// constantKernel implements spec §6 Constant: the node's literal values
// are carried directly in node.Params["value"] ([]float64) and encoded as
// a plaintext-tagged tensor; constants are never ciphertext (spec §3:
// "the graph's builder never marks a Constant encrypted").
func constantKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	raw, _ := node.Params["value"].([]interface{})
	values := make([]float64, len(raw))
	for i, v := range raw {
		f, _ := v.(float64)
		values[i] = f
	}
	n := tensor.BatchedElementCount(outShape, outBatchSize(outShape, outPacked))
	slots := make([]hetype.HEType, n)
	for i := range slots {
		if len(values) == 1 {
			slots[i] = hetype.Plain([]float64{values[0]}, outComplex)
		} else {
			slots[i] = hetype.Plain([]float64{values[i]}, outComplex)
		}
	}
	return tensor.New(outShape, tensor.F64, outPacked, ctx.Adapter.MaxSlots(), outComplex, slots)
}

// parameterKernel and resultKernel are not in Table: the executor binds
// Parameter tensors directly from caller input (spec §4.4 step 3) and
// reads Result tensors directly as call outputs (spec §4.4 step 6), so
// neither needs a dispatch-table kernel.
