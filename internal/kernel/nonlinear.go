package kernel

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/YSDB/he-transformer-research/internal/graph"
	"github.com/YSDB/he-transformer-research/internal/hecrypto"
	"github.com/YSDB/he-transformer-research/internal/heerrors"
	"github.com/YSDB/he-transformer-research/internal/hetype"
	"github.com/YSDB/he-transformer-research/internal/tensor"
)

// offloadElementwise applies fn to every plaintext slot of in directly,
// and ships every ciphertext slot to the attached client in one batched
// Offload call (spec §4.5: "ciphertexts needing the same function are
// batched into one request"), per spec §6 "Relu / BoundedRelu / MaxPool
// must be offloaded; Exp / Power / Softmax / Max are not
// privacy-preserving without a client and emit a warning."
func offloadElementwise(ctx *Context, op string, node graph.Node, in *tensor.Tensor, params map[string]interface{}, fn func(x float64) float64, warnIfOffloaded bool) (*tensor.Tensor, error) {
	out := make([]hetype.HEType, len(in.Slots))
	var cipherIdx []int
	var cipherVals []*hecrypto.Ciphertext

	for i, s := range in.Slots {
		if s.IsPlain() {
			v := s.PlainValue()
			pv := make([]float64, len(v))
			for j, x := range v {
				pv[j] = fn(x)
			}
			out[i] = hetype.Plain(pv, s.ComplexPacking())
			continue
		}
		cipherIdx = append(cipherIdx, i)
		cipherVals = append(cipherVals, s.CipherValue())
	}

	if len(cipherVals) == 0 {
		return tensor.New(in.Shape, in.ElemType, in.Packed, ctx.Adapter.MaxSlots(), in.ComplexPacking(), out)
	}

	if !ctx.Offload.Attached() {
		return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "kernel."+op, "node %q: %s on ciphertext operands requires an attached client", node.ID, op)
	}
	if warnIfOffloaded {
		logrus.WithField("op", op).WithField("node", node.ID).Warn("evaluating non-polynomial function on ciphertext data via client offload; this leaks the operand distribution to the client")
	}

	results, err := ctx.Offload.Offload(op, params, cipherVals)
	if err != nil {
		return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "kernel."+op, "node %q: %w", node.ID, err)
	}
	if len(results) != len(cipherIdx) {
		return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "kernel."+op, "node %q: offload returned %d results for %d requests", node.ID, len(results), len(cipherIdx))
	}
	for k, idx := range cipherIdx {
		out[idx] = hetype.Cipher(results[k], in.Slots[idx].ComplexPacking())
	}

	return tensor.New(in.Shape, in.ElemType, in.Packed, ctx.Adapter.MaxSlots(), in.ComplexPacking(), out)
}

func expKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "kernel.expKernel", "node %q: expected 1 input", node.ID)
	}
	return offloadElementwise(ctx, "Exp", node, inputs[0], nil, math.Exp, true)
}

func reluKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "kernel.reluKernel", "node %q: expected 1 input", node.ID)
	}
	relu := func(x float64) float64 {
		if x < 0 {
			return 0
		}
		return x
	}
	return offloadElementwise(ctx, "Relu", node, inputs[0], nil, relu, false)
}

func boundedReluKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "kernel.boundedReluKernel", "node %q: expected 1 input", node.ID)
	}
	bound, _ := node.Params["bound"].(float64)
	boundedRelu := func(x float64) float64 {
		if x < 0 {
			return 0
		}
		if x > bound {
			return bound
		}
		return x
	}
	return offloadElementwise(ctx, "BoundedRelu", node, inputs[0], map[string]interface{}{"bound": bound}, boundedRelu, false)
}

// maxKernel implements spec §6 Max: reduction over node.Params["axes"].
// A window with any ciphertext member is offloaded as a "maximize list"
// exactly like MaxPool (spec §4.5): the per-window kind of reduction is
// identical, only the axis-grouping differs.
func maxKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "kernel.maxKernel", "node %q: expected 1 input", node.ID)
	}
	in := inputs[0]
	axes := axisSet(node.Params["axes"])

	groups := map[int][]hetype.HEType{}
	order := []int{}
	for idx, s := range in.Slots {
		coord := unflatten(idx, in.Shape)
		outCoord := dropAxes(coord, axes)
		oi := flatten(outCoord, outShape)
		if _, ok := groups[oi]; !ok {
			order = append(order, oi)
		}
		groups[oi] = append(groups[oi], s)
	}

	out := make([]hetype.HEType, tensor.ShapeSize(outShape))
	var cellIdx []int
	var cipherCells [][]*hecrypto.Ciphertext

	for _, oi := range order {
		cell := groups[oi]
		if allPlain(cell) {
			out[oi] = hetype.Plain([]float64{maxOf(cell)}, outComplex)
			continue
		}
		if !ctx.Offload.Attached() {
			return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "kernel.maxKernel", "node %q: Max on ciphertext operands requires an attached client", node.ID)
		}
		logrus.WithField("node", node.ID).Warn("evaluating Max on ciphertext data via client offload")
		cellIdx = append(cellIdx, oi)
		cipherCells = append(cipherCells, cipherCellValues(ctx, cell))
	}

	if len(cipherCells) > 0 {
		results, err := ctx.Offload.OffloadMaxPool(cipherCells)
		if err != nil {
			return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "kernel.maxKernel", "node %q: %w", node.ID, err)
		}
		for k, oi := range cellIdx {
			out[oi] = hetype.Cipher(results[k], outComplex)
		}
	}

	return tensor.New(outShape, in.ElemType, outPacked, ctx.Adapter.MaxSlots(), outComplex, out)
}

func allPlain(cell []hetype.HEType) bool {
	for _, s := range cell {
		if s.IsCipher() {
			return false
		}
	}
	return true
}

func maxOf(cell []hetype.HEType) float64 {
	m := math.Inf(-1)
	for _, s := range cell {
		for _, v := range s.PlainValue() {
			if v > m {
				m = v
			}
		}
	}
	return m
}

// cipherCellValues re-encrypts any plaintext member of a mixed cell so
// every element can be shipped in one "maximize list" (spec §4.5's
// MaxPool offload assumes a uniform list of ciphertexts); a plaintext
// constant inside a pooling window is rare but not disallowed by spec §6.
func cipherCellValues(ctx *Context, cell []hetype.HEType) []*hecrypto.Ciphertext {
	out := make([]*hecrypto.Ciphertext, len(cell))
	for i, s := range cell {
		if s.IsCipher() {
			out[i] = s.CipherValue()
			continue
		}
		level := ctx.Adapter.MaxLevel()
		pt, err := ctx.Adapter.Encode(s.PlainValue(), level, ctx.Adapter.NominalScaleAtLevel(level))
		if err != nil {
			continue
		}
		ct, err := ctx.Adapter.Encrypt(pt)
		if err != nil {
			continue
		}
		out[i] = ct
	}
	return out
}

// maxPoolKernel implements spec §6 MaxPool: windowed max over the spatial
// axes of a [C,H,W] input. A window whose members are all plaintext is
// evaluated locally; every other window becomes one "maximize list" (spec
// §4.5), and all such windows go to the client in one OffloadMaxPool call.
func maxPoolKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "kernel.maxPoolKernel", "node %q: expected 1 input", node.ID)
	}
	in := inputs[0]
	if len(in.Shape) != 3 {
		return nil, heerrors.Wrap(heerrors.UnsupportedOp, "kernel.maxPoolKernel", "node %q: expected rank-3 [C,H,W] input", node.ID)
	}
	c, h, w := in.Shape[0], in.Shape[1], in.Shape[2]
	winH, winW := paramPair(node.Params["window_shape"], 1, 1)
	strideH, strideW := paramPair(node.Params["strides"], winH, winW)
	outH, outW := outShape[1], outShape[2]

	out := make([]hetype.HEType, c*outH*outW)
	var cellIdx []int
	var cells [][]*hecrypto.Ciphertext

	for ch := 0; ch < c; ch++ {
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				var cell []hetype.HEType
				for fy := 0; fy < winH; fy++ {
					iy := oy*strideH + fy
					if iy >= h {
						continue
					}
					for fx := 0; fx < winW; fx++ {
						ix := ox*strideW + fx
						if ix >= w {
							continue
						}
						cell = append(cell, in.Slots[ch*h*w+iy*w+ix])
					}
				}
				oi := ch*outH*outW + oy*outW + ox
				if allPlain(cell) {
					out[oi] = hetype.Plain([]float64{maxOf(cell)}, outComplex)
					continue
				}
				if !ctx.Offload.Attached() {
					return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "kernel.maxPoolKernel", "node %q: MaxPool requires an attached client", node.ID)
				}
				cellIdx = append(cellIdx, oi)
				cells = append(cells, cipherCellValues(ctx, cell))
			}
		}
	}

	if len(cells) > 0 {
		results, err := ctx.Offload.OffloadMaxPool(cells)
		if err != nil {
			return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "kernel.maxPoolKernel", "node %q: %w", node.ID, err)
		}
		for k, oi := range cellIdx {
			out[oi] = hetype.Cipher(results[k], outComplex)
		}
	}

	return tensor.New(outShape, in.ElemType, outPacked, ctx.Adapter.MaxSlots(), outComplex, out)
}

// softmaxKernel implements spec §6 Softmax over node.Params["axes"]. A
// window containing only plaintext slots is evaluated locally; a window
// touching ciphertext data is shipped to the client in full (spec §4.5:
// "functions that are not a single scalar nonlinearity, such as Softmax,
// are offloaded as one request per reduction window, carrying every
// element of the window").
func softmaxKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "kernel.softmaxKernel", "node %q: expected 1 input", node.ID)
	}
	in := inputs[0]
	axes := axisSet(node.Params["axes"])

	groups := map[int][]int{}
	var order []int
	for idx := range in.Slots {
		coord := unflatten(idx, in.Shape)
		outCoord := dropAxes(coord, axes)
		oi := flatten(outCoord, outShape)
		if _, ok := groups[oi]; !ok {
			order = append(order, oi)
		}
		groups[oi] = append(groups[oi], idx)
	}

	out := make([]hetype.HEType, len(in.Slots))
	for _, oi := range order {
		members := groups[oi]
		cell := make([]hetype.HEType, len(members))
		for i, idx := range members {
			cell[i] = in.Slots[idx]
		}
		if allPlain(cell) {
			vals := make([]float64, len(cell))
			for i, s := range cell {
				vals[i] = s.PlainValue()[0]
			}
			softmaxInPlace(vals)
			for i, idx := range members {
				out[idx] = hetype.Plain([]float64{vals[i]}, outComplex)
			}
			continue
		}
		if !ctx.Offload.Attached() {
			return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "kernel.softmaxKernel", "node %q: Softmax requires an attached client", node.ID)
		}
		logrus.WithField("node", node.ID).Warn("evaluating Softmax on ciphertext data via client offload")
		results, err := ctx.Offload.Offload("Softmax", nil, cipherCellValues(ctx, cell))
		if err != nil {
			return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "kernel.softmaxKernel", "node %q: %w", node.ID, err)
		}
		for i, idx := range members {
			out[idx] = hetype.Cipher(results[i], outComplex)
		}
	}

	return tensor.New(in.Shape, in.ElemType, in.Packed, ctx.Adapter.MaxSlots(), outComplex, out)
}

func softmaxInPlace(vals []float64) {
	max := math.Inf(-1)
	for _, v := range vals {
		if v > max {
			max = v
		}
	}
	sum := 0.0
	for i, v := range vals {
		e := math.Exp(v - max)
		vals[i] = e
		sum += e
	}
	for i := range vals {
		vals[i] /= sum
	}
}

// offloadPairwiseMin implements the ciphertext path of spec §6 Minimum:
// min(x, y) = -max(-x, -y), evaluated as a 2-element "maximize list" per
// element pair (spec §4.5), then negated.
func offloadPairwiseMin(ctx *Context, node graph.Node, a, b *tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	n := tensor.BatchedElementCount(outShape, outBatchSize(outShape, outPacked))
	out := make([]hetype.HEType, n)
	var cellIdx []int
	var cells [][]*hecrypto.Ciphertext

	for i := 0; i < n; i++ {
		av, bv := pairAt(a, b, i)
		if av.IsPlain() && bv.IsPlain() {
			out[i] = hetype.Plain([]float64{math.Min(av.PlainValue()[0], bv.PlainValue()[0])}, outComplex)
			continue
		}
		negA, err := negateOne(ctx, av)
		if err != nil {
			return nil, err
		}
		negB, err := negateOne(ctx, bv)
		if err != nil {
			return nil, err
		}
		cellIdx = append(cellIdx, i)
		cells = append(cells, cipherCellValues(ctx, []hetype.HEType{negA, negB}))
	}

	if len(cells) > 0 {
		results, err := ctx.Offload.OffloadMaxPool(cells)
		if err != nil {
			return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "kernel.offloadPairwiseMin", "node %q: %w", node.ID, err)
		}
		for k, idx := range cellIdx {
			negated, err := ctx.Adapter.Negate(results[k])
			if err != nil {
				return nil, err
			}
			out[idx] = hetype.Cipher(negated, outComplex)
		}
	}

	return tensor.New(outShape, a.ElemType, outPacked, ctx.Adapter.MaxSlots(), outComplex, out)
}

func negateOne(ctx *Context, h hetype.HEType) (hetype.HEType, error) {
	if h.IsPlain() {
		v := h.PlainValue()
		nv := make([]float64, len(v))
		for i, x := range v {
			nv[i] = -x
		}
		return hetype.Plain(nv, h.ComplexPacking()), nil
	}
	out, err := ctx.Adapter.Negate(h.CipherValue())
	if err != nil {
		return hetype.HEType{}, err
	}
	return hetype.Cipher(out, h.ComplexPacking()), nil
}
