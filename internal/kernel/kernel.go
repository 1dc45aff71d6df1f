// Package kernel implements the Kernel Set of spec §4.3: one kernel per
// supported graph operation, dispatching on the {cipher, plain} tag
// cross-product of its operands and applying rescale after every
// multiplicative output.
package kernel

import (
	"golang.org/x/sync/errgroup"

	"github.com/YSDB/he-transformer-research/internal/graph"
	"github.com/YSDB/he-transformer-research/internal/hecrypto"
	"github.com/YSDB/he-transformer-research/internal/heerrors"
	"github.com/YSDB/he-transformer-research/internal/modchain"
	"github.com/YSDB/he-transformer-research/internal/tensor"
)

// Offloader is the narrow interface the executor's client-aided session
// satisfies (spec §4.5); kernels for Relu/BoundedRelu/MaxPool call into
// it for any ciphertext slot they cannot evaluate locally. It is defined
// here, not in internal/session, so this package never imports the
// session/protocol stack -- only the reverse.
type Offloader interface {
	// Offload ships values (one per ciphertext slot needing the
	// function) to the client and returns one result ciphertext per
	// input, in the same order (spec §4.5 step 3-5).
	Offload(function string, params map[string]interface{}, values []*hecrypto.Ciphertext) ([]*hecrypto.Ciphertext, error)
	// OffloadMaxPool ships one "maximize list" request per output cell
	// (spec §4.5 "MaxPool offload") and returns one ciphertext per cell.
	OffloadMaxPool(cells [][]*hecrypto.Ciphertext) ([]*hecrypto.Ciphertext, error)
	// Attached reports whether a client is attached (enable_client=True,
	// spec §6); when false, nonlinear kernels on ciphertext operands
	// cannot be evaluated and return an error rather than silently
	// approximating.
	Attached() bool
}

// Context carries everything a kernel needs to run: the CKKS adapter,
// whether lazy-mod accumulation is enabled (spec §4.2/§6 LAZY_MOD), the
// nonlinear offload bridge, and a concurrency cap for the per-kernel
// fork-join parallel-for (spec §4.3, §5, §9).
type Context struct {
	Adapter  hecrypto.Adapter
	LazyMod  bool
	Offload  Offloader
	Parallel int // max goroutines per kernel parallel-for; <=1 disables parallelism
}

// Func is the signature every kernel implements: spec §4.3's
// K(args, out, op_params, type, batch_size, context).
type Func func(ctx *Context, node graph.Node, inputs []*tensor.Tensor, outShape []int, outPacked bool, outComplex bool) (*tensor.Tensor, error)

// Table is the closed dispatch table keyed by OpID (spec §4.4 "Dispatch
// table"). Unknown ids are UnsupportedOp, checked earlier by
// graph.Validate; Table covers every op in graph.SupportedOps except
// Parameter and Result, which the executor handles itself.
var Table = map[graph.OpID]Func{
	graph.OpAdd:                addKernel,
	graph.OpSubtract:           subtractKernel,
	graph.OpMultiply:           multiplyKernel,
	graph.OpDivide:             divideKernel,
	graph.OpMinimum:            minimumKernel,
	graph.OpNegative:           negativeKernel,
	graph.OpPower:              powerKernel,
	graph.OpDot:                dotKernel,
	graph.OpConvolution:        convolutionKernel,
	graph.OpSum:                sumKernel,
	graph.OpAvgPool:            avgPoolKernel,
	graph.OpBatchNormInference: batchNormInferenceKernel,
	graph.OpPad:                padKernel,
	graph.OpReshape:            reshapeKernel,
	graph.OpBroadcast:          broadcastKernel,
	graph.OpSlice:              sliceKernel,
	graph.OpReverse:            reverseKernel,
	graph.OpConcat:             concatKernel,
	graph.OpConstant:           constantKernel,
	graph.OpSoftmax:            softmaxKernel,
	graph.OpExp:                expKernel,
	graph.OpMax:                maxKernel,
	graph.OpRelu:               reluKernel,
	graph.OpBoundedRelu:        boundedReluKernel,
	graph.OpMaxPool:            maxPoolKernel,
}

// forEach runs f(i) for i in [0, n) across up to ctx.Parallel goroutines
// using golang.org/x/sync/errgroup, implementing the "fork-join
// parallel-for across the batched_element_count axis" of spec §4.3/§5/§9.
// Kernels must not share mutable state across iterations other than
// writing to disjoint slices, matching spec §9's "kernels must not share
// mutable state across iterations".
func forEach(ctx *Context, n int, f func(i int) error) error {
	if ctx.Parallel <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			if err := f(i); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(ctx.Parallel)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error { return f(i) })
	}
	return g.Wait()
}

// rescaleAll applies modchain.Rescale to every ciphertext slot of out,
// per spec §4.3's common kernel contract: "for multiplicative kernels,
// apply rescale to every output slot after the kernel completes".
func rescaleAll(ctx *Context, out *tensor.Tensor) error {
	for i, s := range out.Slots {
		if !s.IsCipher() {
			continue
		}
		if err := modchainRescale(ctx, s); err != nil {
			return heerrors.Wrap(heerrors.ScaleMismatch, "kernel.rescaleAll", "slot %d: %w", i, err)
		}
	}
	return nil
}

func modchainRescale(ctx *Context, s interface{ CipherValue() *hecrypto.Ciphertext }) error {
	return modchain.Rescale(ctx.Adapter, s.CipherValue())
}
