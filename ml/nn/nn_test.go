package nn

import (
	"math"
	"math/rand/v2"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func meanAndStdDev(values []float32) (mean, stddev float64) {
	for _, v := range values {
		mean += float64(v)
	}
	mean /= float64(len(values))
	for _, v := range values {
		d := float64(v) - mean
		stddev += d * d
	}
	stddev = math.Sqrt(stddev / float64(len(values)))
	return
}

func TestParamsTags(t *testing.T) {
	ctx := context.New()
	params := NewParams()
	b := NewBuilder(ctx.In("model"), params, rand.NewPCG(1, 2))
	conv := NewConv2D(b.In("conv"), 3, 4, 3, 1, true)
	bn := NewBatchNorm(b.In("bn"), 4)
	dense := NewDense(b.In("dense"), 8, 2, true)

	assert.Equal(t, "/model/conv/weights", conv.Weights.Name())
	assert.Equal(t, Convolutional, conv.Weights.Kind)
	assert.Equal(t, Bias, conv.Biases.Role)
	assert.Equal(t, Normalization, bn.Scale.Kind)
	assert.Equal(t, Statistic, bn.Mean.Role)
	assert.False(t, bn.Variance.Var.Trainable)
	assert.Equal(t, Other, dense.Weights.Kind)

	assert.Equal(t, 8, params.Len())
	assert.Len(t, params.Trainable(), 6)
	assert.Equal(t, 3*3*3*4+4+4+4+8*2+2, params.NumValues())
	assert.Same(t, bn.Offset, params.Get("/model/bn/offset"))
	assert.Equal(t, map[Kind]int{Convolutional: 2, Normalization: 4, Other: 2}, params.ByKind())
}

func TestApplyInitRule(t *testing.T) {
	ctx := context.New()
	params := NewParams()
	b := NewBuilder(ctx, params, rand.NewPCG(3, 4))
	conv := NewConv2D(b.In("conv"), 16, 64, 3, 2, true)
	bn := NewBatchNorm(b.In("bn"), 8192)
	dense := NewDense(b.In("dense"), 32, 16, true)
	denseBefore := tensors.CopyFlatData[float32](dense.Weights.Var.Value())

	// Make the values visibly different from what the rule sets.
	bn.Offset.Var.SetValue(tensors.FromFlatDataAndDimensions(make([]float32, 8192), 8192))
	require.NoError(t, ApplyInitRule(params, rand.NewPCG(5, 6)))

	mean, stddev := meanAndStdDev(tensors.CopyFlatData[float32](conv.Weights.Var.Value()))
	assert.InDelta(t, 0.0, mean, 0.005)
	assert.InDelta(t, InitStdDev, stddev, 0.003)
	for _, v := range tensors.CopyFlatData[float32](conv.Biases.Var.Value()) {
		assert.Equal(t, float32(0), v)
	}

	mean, stddev = meanAndStdDev(tensors.CopyFlatData[float32](bn.Scale.Var.Value()))
	assert.InDelta(t, 1.0, mean, 0.005)
	assert.InDelta(t, InitStdDev, stddev, 0.003)
	for _, v := range tensors.CopyFlatData[float32](bn.Offset.Var.Value()) {
		require.Equal(t, float32(0), v)
	}
	for _, v := range tensors.CopyFlatData[float32](bn.Variance.Var.Value()) {
		require.Equal(t, float32(1), v)
	}

	assert.Equal(t, denseBefore, tensors.CopyFlatData[float32](dense.Weights.Var.Value()))
}

func TestUpsample2x(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := NewExec(backend, Upsample2x)
	input := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 1, 2, 2, 1)
	output := exec.Call(input)[0]
	assert.Equal(t, []int{1, 4, 4, 1}, output.Shape().Dimensions)
	assert.Equal(t, []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}, tensors.CopyFlatData[float32](output))
}

func TestBatchNorm(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	params := NewParams()
	bn := NewBatchNorm(NewBuilder(ctx.In("bn"), params, rand.NewPCG(7, 8)), 2)
	input := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 4, 2)

	frozen := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return bn.Apply(x, TrainFrozenStats)
	})
	out := tensors.CopyFlatData[float32](frozen.Call(input)[0])
	assert.InDelta(t, -3/math.Sqrt(5+1e-5), out[0], 1e-4)
	assert.Equal(t, []float32{0, 0}, tensors.CopyFlatData[float32](bn.Mean.Var.Value()))

	train := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return bn.Apply(x, Train)
	})
	train.Call(input)
	assert.InDeltaSlice(t, []float32{0.4, 0.5}, tensors.CopyFlatData[float32](bn.Mean.Var.Value()), 1e-5)
	wantVar := float32(0.9 + 0.1*5*4/3.0)
	assert.InDeltaSlice(t, []float32{wantVar, wantVar}, tensors.CopyFlatData[float32](bn.Variance.Var.Value()), 1e-5)

	eval := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return bn.Apply(x, Eval)
	})
	out = tensors.CopyFlatData[float32](eval.Call(input)[0])
	assert.InDelta(t, (1-0.4)/math.Sqrt(float64(wantVar)+1e-5), out[0], 1e-4)
}

func TestLeakyReLU(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := NewExec(backend, func(x *Node) *Node { return LeakyReLU(x, 0.2) })
	out := exec.Call([]float32{-10, 0, 3})[0]
	assert.InDeltaSlice(t, []float32{-2, 0, 3}, tensors.CopyFlatData[float32](out), 1e-6)
}
