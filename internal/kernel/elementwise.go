package kernel

import (
	"math"

	"github.com/YSDB/he-transformer-research/internal/graph"
	"github.com/YSDB/he-transformer-research/internal/hecrypto"
	"github.com/YSDB/he-transformer-research/internal/heerrors"
	"github.com/YSDB/he-transformer-research/internal/hetype"
	"github.com/YSDB/he-transformer-research/internal/modchain"
	"github.com/YSDB/he-transformer-research/internal/tensor"
)

// broadcastIndex returns the value of a binary operand at batched index i,
// respecting spec §3's broadcast rule: a plaintext operand of length 0 is
// the additive identity (never reached here, callers short-circuit it
// first), length 1 broadcasts to every index, and any other length must
// equal the output's batched_element_count.
func broadcastIndex(n, i int) int {
	if n == 1 {
		return 0
	}
	return i
}

// pairAt extracts the i'th logical element from a and b for an
// elementwise binary kernel, applying broadcast semantics on length.
func pairAt(a, b *tensor.Tensor, i int) (hetype.HEType, hetype.HEType) {
	return a.Slots[broadcastIndex(len(a.Slots), i)], b.Slots[broadcastIndex(len(b.Slots), i)]
}

// binaryElementwise implements the common shape of spec §4.3's "Scalar
// dispatch for binary elementwise ops": given the op's plaintext function
// and its cipher-producing function (cipher⊕cipher and cipher⊕plain,
// commuted as needed), it dispatches per-slot across the tag
// cross-product and runs the fork-join parallel-for over the output's
// batched element axis.
func binaryElementwise(
	ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool,
	plainOp func(a, b float64) float64,
	cipherCipherOp func(a, b *hecrypto.Ciphertext) (*hecrypto.Ciphertext, error),
	cipherPlainOp func(a *hecrypto.Ciphertext, b *hecrypto.Plaintext) (*hecrypto.Ciphertext, error),
	multiplicative bool,
) (*tensor.Tensor, error) {
	if len(inputs) != 2 {
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "kernel.binaryElementwise", "node %q: expected 2 inputs, got %d", node.ID, len(inputs))
	}
	a, b := inputs[0], inputs[1]
	if err := hetype.CheckComplexPacking(a.Slots[0], b.Slots[0]); err != nil {
		return nil, heerrors.Wrap(heerrors.TypeTagMismatch, "kernel.binaryElementwise", "node %q: %w", node.ID, err)
	}

	n := tensor.BatchedElementCount(outShape, outBatchSize(outShape, outPacked))
	slots := make([]hetype.HEType, n)

	err := forEach(ctx, n, func(i int) error {
		av, bv := pairAt(a, b, i)
		out, err := dispatchPair(ctx, av, bv, plainOp, cipherCipherOp, cipherPlainOp, multiplicative)
		if err != nil {
			return heerrors.Wrap(heerrors.ShapeMismatch, "kernel.binaryElementwise", "node %q slot %d: %w", node.ID, i, err)
		}
		slots[i] = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	out, err := tensor.New(outShape, a.ElemType, outPacked, ctx.Adapter.MaxSlots(), outComplex, slots)
	if err != nil {
		return nil, err
	}
	if multiplicative {
		if err := rescaleAll(ctx, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func outBatchSize(shape []int, packed bool) int {
	if !packed || len(shape) == 0 {
		return 1
	}
	return shape[0]
}

// dispatchPair resolves one pair of operands across the {plain,cipher}
// cross product. For a non-multiplicative op, a ciphertext-first pair
// whose plaintext operand is the additive identity (spec §4.3) returns the
// ciphertext unchanged; the multiplicative +-1 short-circuit is applied
// per tensor by multiplyKernel before this point.
func dispatchPair(
	ctx *Context, a, b hetype.HEType,
	plainOp func(a, b float64) float64,
	cc func(a, b *hecrypto.Ciphertext) (*hecrypto.Ciphertext, error),
	cp func(a *hecrypto.Ciphertext, b *hecrypto.Plaintext) (*hecrypto.Ciphertext, error),
	multiplicative bool,
) (hetype.HEType, error) {
	switch {
	case a.IsPlain() && b.IsPlain():
		return dispatchPlainPlain(a, b, plainOp)

	case a.IsCipher() && b.IsCipher():
		if err := modchain.MatchModulusAndScaleInPlace(ctx.Adapter, a.CipherValue(), b.CipherValue()); err != nil {
			return hetype.HEType{}, err
		}
		out, err := cc(a.CipherValue(), b.CipherValue())
		if err != nil {
			return hetype.HEType{}, err
		}
		return hetype.Cipher(out, a.ComplexPacking()), nil

	case a.IsCipher() && b.IsPlain():
		if b.IsAdditiveIdentity() && !multiplicative {
			return a, nil
		}
		pt, err := encodeAt(ctx, a.CipherValue(), b)
		if err != nil {
			return hetype.HEType{}, err
		}
		out, err := cp(a.CipherValue(), pt)
		if err != nil {
			return hetype.HEType{}, err
		}
		return hetype.Cipher(out, a.ComplexPacking()), nil

	default: // a.IsPlain() && b.IsCipher()
		pt, err := encodeAt(ctx, b.CipherValue(), a)
		if err != nil {
			return hetype.HEType{}, err
		}
		out, err := cp(b.CipherValue(), pt)
		if err != nil {
			return hetype.HEType{}, err
		}
		return hetype.Cipher(out, b.ComplexPacking()), nil
	}
}

func dispatchPlainPlain(a, b hetype.HEType, plainOp func(a, b float64) float64) (hetype.HEType, error) {
	av, bv := a.PlainValue(), b.PlainValue()
	switch {
	case len(av) == 0:
		return hetype.Plain(bv, a.ComplexPacking()), nil
	case len(bv) == 0:
		return hetype.Plain(av, a.ComplexPacking()), nil
	}
	n := len(av)
	if len(bv) > n {
		n = len(bv)
	}
	out := make([]float64, n)
	for i := range out {
		x := av[broadcastIndex(len(av), i)]
		y := bv[broadcastIndex(len(bv), i)]
		out[i] = plainOp(x, y)
	}
	return hetype.Plain(out, a.ComplexPacking()), nil
}

func encodeAt(ctx *Context, ct *hecrypto.Ciphertext, plain hetype.HEType) (*hecrypto.Plaintext, error) {
	return ctx.Adapter.Encode(plain.PlainValue(), ctx.Adapter.GetChainIndex(ct), ctx.Adapter.GetScale(ct))
}

func addKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	return binaryElementwise(ctx, node, inputs, outShape, outPacked, outComplex,
		func(a, b float64) float64 { return a + b },
		ctx.Adapter.Add, ctx.Adapter.AddPlain, false)
}

func subtractKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	a, b := inputs[0], inputs[1]
	if a.IsAllPlaintext() && b.IsAnyEncrypted() {
		// cipher - plain has a direct adapter method; plain - cipher does
		// not, so negate then add: plain - cipher = -(cipher - plain).
		negated, err := binaryElementwise(ctx, node, []*tensor.Tensor{b, a}, outShape, outPacked, outComplex,
			func(x, y float64) float64 { return x - y },
			ctx.Adapter.Subtract, ctx.Adapter.SubtractPlain, false)
		if err != nil {
			return nil, err
		}
		return negateTensor(ctx, negated)
	}
	return binaryElementwise(ctx, node, inputs, outShape, outPacked, outComplex,
		func(a, b float64) float64 { return a - b },
		ctx.Adapter.Subtract, ctx.Adapter.SubtractPlain, false)
}

func multiplyKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	a, b := inputs[0], inputs[1]
	if v, ok := identityScalar(a, b); ok {
		return scaleTensor(ctx, identitySource(a, b), v)
	}
	return binaryElementwise(ctx, node, inputs, outShape, outPacked, outComplex,
		func(a, b float64) float64 { return a * b },
		ctx.Adapter.Multiply, ctx.Adapter.MultiplyPlain, true)
}

// identityScalar reports whether one side is a scalar plaintext
// multiplicative identity (+-1), per spec §4.3's multiply short-circuit,
// and if so returns its value.
func identityScalar(a, b *tensor.Tensor) (float64, bool) {
	if a.IsAllPlaintext() && len(a.Slots) == 1 {
		if v, ok := a.Slots[0].IsMultiplicativeIdentity(); ok {
			return v, true
		}
	}
	if b.IsAllPlaintext() && len(b.Slots) == 1 {
		if v, ok := b.Slots[0].IsMultiplicativeIdentity(); ok {
			return v, true
		}
	}
	return 0, false
}

func identitySource(a, b *tensor.Tensor) *tensor.Tensor {
	if a.IsAllPlaintext() && len(a.Slots) == 1 {
		if _, ok := a.Slots[0].IsMultiplicativeIdentity(); ok {
			return b
		}
	}
	return a
}

// scaleTensor clones src and negates it if v == -1 (identity short-circuit
// result), or returns an unmodified clone if v == 1.
func scaleTensor(ctx *Context, src *tensor.Tensor, v float64) (*tensor.Tensor, error) {
	if v == 1 {
		return src.Clone(ctx.Adapter), nil
	}
	return negateTensor(ctx, src)
}

func divideKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	// CKKS has no native ciphertext division: the divisor must be
	// plaintext (a graph constant), evaluated as multiplication by its
	// reciprocal (spec §4.3's "Divide lowers to multiply by reciprocal
	// when the divisor is plaintext").
	b := inputs[1]
	if b.IsAnyEncrypted() {
		return nil, heerrors.Wrap(heerrors.UnsupportedOp, "kernel.divideKernel", "node %q: Divide requires a plaintext divisor under CKKS", node.ID)
	}
	recip := make([]hetype.HEType, len(b.Slots))
	for i, s := range b.Slots {
		vals := s.PlainValue()
		rv := make([]float64, len(vals))
		for j, v := range vals {
			rv[j] = 1.0 / v
		}
		recip[i] = hetype.Plain(rv, s.ComplexPacking())
	}
	reciprocal := &tensor.Tensor{Shape: b.Shape, ElemType: b.ElemType, Packed: b.Packed, BatchSize: b.BatchSize, Slots: recip}
	return multiplyKernel(ctx, node, []*tensor.Tensor{inputs[0], reciprocal}, outShape, outPacked, outComplex)
}

func minimumKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	a, b := inputs[0], inputs[1]
	if a.IsAllPlaintext() && b.IsAllPlaintext() {
		return binaryElementwise(ctx, node, inputs, outShape, outPacked, outComplex, math.Min, nil, nil, false)
	}
	// min(x, y) is not an affine function of its ciphertext operands;
	// like Relu/MaxPool it is not privacy-preserving without a client
	// (spec §4.5) and is offloaded as a pairwise "maximize list" of size 2
	// with the sign flipped (min(x,y) = -max(-x,-y)).
	if !ctx.Offload.Attached() {
		return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "kernel.minimumKernel", "node %q: Minimum on ciphertext operands requires an attached client", node.ID)
	}
	return offloadPairwiseMin(ctx, node, a, b, outShape, outPacked, outComplex)
}

func negativeKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "kernel.negativeKernel", "node %q: expected 1 input", node.ID)
	}
	return negateTensor(ctx, inputs[0])
}

func negateTensor(ctx *Context, t *tensor.Tensor) (*tensor.Tensor, error) {
	slots := make([]hetype.HEType, len(t.Slots))
	err := forEach(ctx, len(t.Slots), func(i int) error {
		s := t.Slots[i]
		if s.IsPlain() {
			v := s.PlainValue()
			nv := make([]float64, len(v))
			for j, x := range v {
				nv[j] = -x
			}
			slots[i] = hetype.Plain(nv, s.ComplexPacking())
			return nil
		}
		out, err := ctx.Adapter.Negate(s.CipherValue())
		if err != nil {
			return err
		}
		slots[i] = hetype.Cipher(out, s.ComplexPacking())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &tensor.Tensor{Shape: t.Shape, ElemType: t.ElemType, Packed: t.Packed, BatchSize: t.BatchSize, Slots: slots}, nil
}

// powerKernel implements spec §4.3/§6 Power. Plaintext inputs are raised
// with math.Pow; a ciphertext base with a non-negative integer exponent is
// evaluated by repeated multiplication. A ciphertext base with a
// non-integer or negative exponent is not representable as a finite
// product of CKKS multiplications and is offloaded to the attached client.
func powerKernel(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked, outComplex bool) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "kernel.powerKernel", "node %q: expected 1 input", node.ID)
	}
	expF, ok := node.Params["exponent"].(float64)
	if !ok {
		return nil, heerrors.Wrap(heerrors.InvalidParameters, "kernel.powerKernel", "node %q: missing numeric \"exponent\" param", node.ID)
	}
	in := inputs[0]
	if in.IsAllPlaintext() {
		slots := make([]hetype.HEType, len(in.Slots))
		for i, s := range in.Slots {
			v := s.PlainValue()
			pv := make([]float64, len(v))
			for j, x := range v {
				pv[j] = math.Pow(x, expF)
			}
			slots[i] = hetype.Plain(pv, s.ComplexPacking())
		}
		return &tensor.Tensor{Shape: in.Shape, ElemType: in.ElemType, Packed: in.Packed, BatchSize: in.BatchSize, Slots: slots}, nil
	}

	exp := int(expF)
	if float64(exp) != expF || exp < 0 {
		// A non-integer or negative exponent cannot be realized as a
		// finite product of CKKS multiplications; fall back to the
		// client-aided path like Exp/Softmax/Max (spec §6).
		return offloadElementwise(ctx, "Power", node, in, map[string]interface{}{"exponent": expF}, func(x float64) float64 { return math.Pow(x, expF) }, true)
	}
	slots := make([]hetype.HEType, len(in.Slots))
	err := forEach(ctx, len(in.Slots), func(i int) error {
		out, err := ciphertextPow(ctx, in.Slots[i].CipherValue(), exp)
		if err != nil {
			return err
		}
		slots[i] = hetype.Cipher(out, in.Slots[i].ComplexPacking())
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := &tensor.Tensor{Shape: in.Shape, ElemType: in.ElemType, Packed: in.Packed, BatchSize: in.BatchSize, Slots: slots}
	return out, rescaleAll(ctx, out)
}

func ciphertextPow(ctx *Context, base *hecrypto.Ciphertext, exp int) (*hecrypto.Ciphertext, error) {
	if exp == 0 {
		return ctx.Adapter.Encrypt(mustEncodeOne(ctx, base))
	}
	result := ctx.Adapter.Clone(base)
	for i := 1; i < exp; i++ {
		var err error
		result, err = ctx.Adapter.Multiply(result, base)
		if err != nil {
			return nil, err
		}
		if err := modchain.Rescale(ctx.Adapter, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func mustEncodeOne(ctx *Context, like *hecrypto.Ciphertext) *hecrypto.Plaintext {
	ones := make([]float64, ctx.Adapter.MaxSlots())
	for i := range ones {
		ones[i] = 1
	}
	pt, _ := ctx.Adapter.Encode(ones, ctx.Adapter.GetChainIndex(like), ctx.Adapter.GetScale(like))
	return pt
}
