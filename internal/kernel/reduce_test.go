package kernel_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/YSDB/he-transformer-research/internal/graph"
	"github.com/YSDB/he-transformer-research/internal/hecrypto"
	"github.com/YSDB/he-transformer-research/internal/hetype"
	"github.com/YSDB/he-transformer-research/internal/kernel"
	"github.com/YSDB/he-transformer-research/internal/tensor"
)

// TestConvolutionSingleChannelIdentityFilter checks the end-to-end
// scenario: a 1x1 identity filter over a [1,2,2] input with stride 1
// and no padding reproduces the input exactly.
func TestConvolutionSingleChannelIdentityFilter(t *testing.T) {
	adapter := newAdapter(t)
	ctx := &kernel.Context{Adapter: adapter, Parallel: 1}

	in := plainMatrix(t, []int{1, 2, 2}, []float64{1, 2, 3, 4}, adapter)
	filter := plainMatrix(t, []int{1, 1, 1, 1}, []float64{1}, adapter)

	node := graph.Node{
		ID: "conv", Op: graph.OpConvolution,
		Params: map[string]interface{}{
			"strides":       []interface{}{1.0, 1.0},
			"padding_below": []interface{}{0.0, 0.0},
		},
	}
	out, err := kernel.Table[graph.OpConvolution](ctx, node, []*tensor.Tensor{in, filter}, []int{1, 2, 2}, false, false)
	require.NoError(t, err)

	got := flatValues(t, out)
	want := []float64{1, 2, 3, 4}
	for i := range want {
		require.InDelta(t, want[i], got[i], 1e-6)
	}
}

// TestConvolutionSumsAcrossInputChannels checks a 2-input-channel, 1x1
// filter sums contributions from both channels.
func TestConvolutionSumsAcrossInputChannels(t *testing.T) {
	adapter := newAdapter(t)
	ctx := &kernel.Context{Adapter: adapter, Parallel: 1}

	// shape [C_in=2, H=1, W=1]
	in := plainMatrix(t, []int{2, 1, 1}, []float64{3, 5}, adapter)
	// filter shape [C_out=1, C_in=2, KH=1, KW=1]
	filter := plainMatrix(t, []int{1, 2, 1, 1}, []float64{2, 4}, adapter)

	node := graph.Node{
		ID: "conv", Op: graph.OpConvolution,
		Params: map[string]interface{}{
			"strides":       []interface{}{1.0, 1.0},
			"padding_below": []interface{}{0.0, 0.0},
		},
	}
	out, err := kernel.Table[graph.OpConvolution](ctx, node, []*tensor.Tensor{in, filter}, []int{1, 1, 1}, false, false)
	require.NoError(t, err)

	got := flatValues(t, out)
	require.InDelta(t, 26, got[0], 1e-6) // 3*2 + 5*4
}

// TestConvolution3x3Over5x5CipherMatchesReference checks the exact
// scenario: one 3x3 kernel over a 5x5 all-cipher input, stride 1, no
// padding, matches a plain floating-point reference convolution within
// tolerance.
func TestConvolution3x3Over5x5CipherMatchesReference(t *testing.T) {
	adapter, err := hecrypto.NewLocalContext(newParams(t))
	require.NoError(t, err)
	ctx := &kernel.Context{Adapter: adapter, Parallel: 1}

	inVals := make([]float64, 25)
	for i := range inVals {
		inVals[i] = float64(i%7) - 3 // mix of positive/negative values
	}
	filterVals := []float64{1, 0, -1, 1, 0, -1, 1, 0, -1} // a 3x3 edge filter

	inSlots := make([]hetype.HEType, 25)
	for i, v := range inVals {
		inSlots[i] = hetype.Cipher(encryptOneVia(t, adapter, v), false)
	}
	in, err := tensor.New([]int{1, 5, 5}, tensor.F64, false, adapter.MaxSlots(), false, inSlots)
	require.NoError(t, err)
	filter := plainMatrix(t, []int{1, 1, 3, 3}, filterVals, adapter)

	node := graph.Node{
		ID: "conv", Op: graph.OpConvolution,
		Params: map[string]interface{}{
			"strides":       []interface{}{1.0, 1.0},
			"padding_below": []interface{}{0.0, 0.0},
		},
	}
	out, err := kernel.Table[graph.OpConvolution](ctx, node, []*tensor.Tensor{in, filter}, []int{1, 3, 3}, false, false)
	require.NoError(t, err)

	want := referenceConv2D(inVals, 5, 5, filterVals, 3, 3)
	for i, slot := range out.Slots {
		require.True(t, slot.IsCipher())
		pt, err := adapter.Decrypt(slot.CipherValue())
		require.NoError(t, err)
		vals, err := adapter.Decode(pt)
		require.NoError(t, err)
		require.InDelta(t, want[i], vals[0], 1e-3)
	}
}

// referenceConv2D is an independent plain floating-point convolution
// reference (stride 1, no padding), used only to check the ciphertext
// kernel's output.
func referenceConv2D(in []float64, h, w int, filt []float64, kh, kw int) []float64 {
	outH, outW := h-kh+1, w-kw+1
	out := make([]float64, outH*outW)
	for oy := 0; oy < outH; oy++ {
		for ox := 0; ox < outW; ox++ {
			var sum float64
			for fy := 0; fy < kh; fy++ {
				for fx := 0; fx < kw; fx++ {
					sum += in[(oy+fy)*w+(ox+fx)] * filt[fy*kw+fx]
				}
			}
			out[oy*outW+ox] = sum
		}
	}
	return out
}

// TestAvgPoolWindowMean checks the end-to-end scenario: a 2x2 window
// with stride 2 over a [1,2,2] input averages all four elements.
func TestAvgPoolWindowMean(t *testing.T) {
	adapter := newAdapter(t)
	ctx := &kernel.Context{Adapter: adapter, Parallel: 1}

	in := plainMatrix(t, []int{1, 2, 2}, []float64{1, 2, 3, 4}, adapter)

	node := graph.Node{
		ID: "avgpool", Op: graph.OpAvgPool,
		Params: map[string]interface{}{
			"window_shape": []interface{}{2.0, 2.0},
			"strides":      []interface{}{2.0, 2.0},
		},
	}
	out, err := kernel.Table[graph.OpAvgPool](ctx, node, []*tensor.Tensor{in}, []int{1, 1, 1}, false, false)
	require.NoError(t, err)

	got := flatValues(t, out)
	require.InDelta(t, 2.5, got[0], 1e-6) // (1+2+3+4)/4
}
