package nn

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// InitStdDev is the standard deviation used by ApplyInitRule for convolutional weights
// and normalization scales.
const InitStdDev = 0.02

// Builder creates tagged variables under a context scope, with host-side initial values.
type Builder struct {
	ctx    *context.Context
	params *Params
	src    rand.Source
}

// NewBuilder returns a Builder that registers the variables it creates in params.
// The initial values are drawn from src.
func NewBuilder(ctx *context.Context, params *Params, src rand.Source) *Builder {
	return &Builder{ctx: ctx, params: params, src: src}
}

// In returns a Builder for a sub-scope.
func (b *Builder) In(scope string) *Builder {
	return &Builder{ctx: b.ctx.In(scope), params: b.params, src: b.src}
}

// Inf returns a Builder for a formatted sub-scope.
func (b *Builder) Inf(format string, args ...any) *Builder {
	return &Builder{ctx: b.ctx.Inf(format, args...), params: b.params, src: b.src}
}

// Params returns the parameter set the builder registers variables in.
func (b *Builder) Params() *Params { return b.params }

func (b *Builder) variable(name string, values []float32, dims []int, kind Kind, role Role) *Param {
	v := b.ctx.VariableWithValue(name, tensors.FromFlatDataAndDimensions(values, dims...))
	return b.params.Add(v, kind, role)
}

// glorot creates a weight with Glorot (Xavier) uniform values.
func (b *Builder) glorot(name string, fanIn, fanOut int, dims []int, kind Kind) *Param {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	dist := distuv.Uniform{Min: -limit, Max: limit, Src: b.src}
	values := make([]float32, product(dims))
	for i := range values {
		values[i] = float32(dist.Rand())
	}
	return b.variable(name, values, dims, kind, Weight)
}

// constant creates a parameter filled with value.
func (b *Builder) constant(name string, value float32, dims []int, kind Kind, role Role) *Param {
	values := make([]float32, product(dims))
	for i := range values {
		values[i] = value
	}
	return b.variable(name, values, dims, kind, role)
}

func product(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// ApplyInitRule re-initializes the parameters according to their kind:
//
//   - Convolutional weights are drawn from N(0, 0.02).
//   - Normalization weights are drawn from N(1, 0.02), and normalization biases are set to 0.
//   - Everything else (including running statistics) is left unchanged.
func ApplyInitRule(params *Params, src rand.Source) error {
	for _, p := range params.All() {
		var values []float32
		switch p.Kind {
		case Convolutional:
			if p.Role != Weight {
				continue
			}
			values = normalValues(p.Var.Shape().Size(), 0, InitStdDev, src)
		case Normalization:
			switch p.Role {
			case Weight:
				values = normalValues(p.Var.Shape().Size(), 1, InitStdDev, src)
			case Bias:
				values = make([]float32, p.Var.Shape().Size())
			default:
				continue
			}
		case Other:
			continue
		default:
			return errors.Errorf("parameter %q has unknown kind %s", p.Name(), p.Kind)
		}
		if p.Var.Shape().DType != dtypes.Float32 {
			return errors.Errorf("parameter %q has dtype %s, only float32 parameters can be initialized",
				p.Name(), p.Var.Shape().DType)
		}
		p.Var.SetValue(tensors.FromFlatDataAndDimensions(values, p.Var.Shape().Dimensions...))
	}
	return nil
}

func normalValues(n int, mean, stddev float64, src rand.Source) []float32 {
	dist := distuv.Normal{Mu: mean, Sigma: stddev, Src: src}
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(dist.Rand())
	}
	return values
}
