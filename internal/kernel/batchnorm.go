package kernel

import (
	"math"

	"github.com/YSDB/he-transformer-research/internal/graph"
	"github.com/YSDB/he-transformer-research/internal/heerrors"
	"github.com/YSDB/he-transformer-research/internal/hetype"
	"github.com/YSDB/he-transformer-research/internal/tensor"
)

// batchNormInferenceKernel implements spec §6 BatchNormInference. Its four
// statistic inputs (gamma, beta, mean, variance) are always plaintext
// constants baked in at graph-construction time, so the kernel precomputes
// the per-channel affine form `out = input*scale + shift` once in
// plaintext and applies it with a single ciphertext-plaintext multiply and
// add per element, rather than evaluating the textbook five-input formula
// against a live reciprocal-sqrt on ciphertext data.
func batchNormInferenceKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	if len(inputs) != 5 {
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "kernel.batchNormInferenceKernel", "node %q: expected [input, gamma, beta, mean, variance]", node.ID)
	}
	in, gamma, beta, mean, variance := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]
	if gamma.IsAnyEncrypted() || beta.IsAnyEncrypted() || mean.IsAnyEncrypted() || variance.IsAnyEncrypted() {
		return nil, heerrors.Wrap(heerrors.UnsupportedOp, "kernel.batchNormInferenceKernel", "node %q: BatchNormInference statistics must be plaintext", node.ID)
	}
	if len(in.Shape) != 3 {
		return nil, heerrors.Wrap(heerrors.UnsupportedOp, "kernel.batchNormInferenceKernel", "node %q: expected rank-3 [C,H,W] input", node.ID)
	}
	c, h, w := in.Shape[0], in.Shape[1], in.Shape[2]

	eps := 1e-5
	if e, ok := node.Params["epsilon"].(float64); ok {
		eps = e
	}

	scale := make([]float64, c)
	shift := make([]float64, c)
	for ch := 0; ch < c; ch++ {
		g := gamma.Slots[ch].PlainValue()[0]
		b := beta.Slots[ch].PlainValue()[0]
		m := mean.Slots[ch].PlainValue()[0]
		v := variance.Slots[ch].PlainValue()[0]
		s := g / math.Sqrt(v+eps)
		scale[ch] = s
		shift[ch] = b - m*s
	}

	out := make([]hetype.HEType, c*h*w)
	err := forEach(ctx, c, func(ch int) error {
		scaleHE := hetype.Plain([]float64{scale[ch]}, outComplex)
		shiftHE := hetype.Plain([]float64{shift[ch]}, outComplex)
		for i := 0; i < h*w; i++ {
			idx := ch*h*w + i
			scaled, err := mulHE(ctx, in.Slots[idx], scaleHE)
			if err != nil {
				return err
			}
			shifted, err := addHE(ctx, nil, scaled, shiftHE)
			if err != nil {
				return err
			}
			out[idx] = shifted
		}
		return nil
	})
	if err != nil {
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "kernel.batchNormInferenceKernel", "node %q: %w", node.ID, err)
	}

	return tensor.New(outShape, in.ElemType, outPacked, ctx.Adapter.MaxSlots(), outComplex, out)
}
