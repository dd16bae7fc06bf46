package optimizers

import (
	"fmt"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/jdecid/FaceGen/ml/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quadraticSetup(t *testing.T, config *AdamConfig) (*context.Context, *context.Variable, *context.Exec, *AdamOptimizer) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	params := nn.NewParams()
	w := ctx.In("model").VariableWithValue("w", float32(0))
	params.Add(w, nn.Other, nn.Weight)
	opt := config.Done(ctx, params)
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		loss := Square(AddScalar(w.ValueGraph(g), -3))
		opt.UpdateGraph(g, loss)
		return loss
	})
	require.NotNil(t, exec)
	return ctx, w, exec, opt
}

func TestAdamFirstStep(t *testing.T) {
	_, w, exec, opt := quadraticSetup(t, Adam().LearningRate(0.1))
	exec.Call()
	// On the first step the debiased update is lr * g / |g|.
	assert.InDelta(t, 0.1, tensors.ToScalar[float32](w.Value()), 1e-6)
	assert.Equal(t, int64(1), opt.Steps())
}

func TestAdamConverges(t *testing.T) {
	_, w, exec, opt := quadraticSetup(t, Adam().LearningRate(0.1).Betas(0.5, 0.999))
	var loss float32
	for range 500 {
		loss = tensors.ToScalar[float32](exec.Call()[0])
	}
	fmt.Printf("\tloss after 500 steps: %g\n", loss)
	assert.InDelta(t, 3.0, tensors.ToScalar[float32](w.Value()), 0.05)
	assert.Equal(t, int64(500), opt.Steps())
}

func TestAdamScopes(t *testing.T) {
	ctx := context.New()
	gParams, dParams := nn.NewParams(), nn.NewParams()
	gParams.Add(ctx.In("generator").VariableWithValue("w", float32(1)), nn.Other, nn.Weight)
	dParams.Add(ctx.In("discriminator").VariableWithValue("w", float32(1)), nn.Other, nn.Weight)
	Adam().Scope("generator").Done(ctx, gParams)
	Adam().Scope("discriminator").Done(ctx, dParams)

	for _, path := range []string{"/optimizers/generator/generator", "/optimizers/discriminator/discriminator"} {
		assert.NotNil(t, ctx.InspectVariable(path, "w_1st_moment"), path)
		assert.NotNil(t, ctx.InspectVariable(path, "w_2nd_moment"), path)
	}
	assert.NotNil(t, ctx.InspectVariable("/optimizers/generator", AdamStepVariableName))
}

func TestAdamVariations(t *testing.T) {
	// Adamax: on the first step moment2 = |g|, so the update is also lr * g / |g|.
	_, w, exec, _ := quadraticSetup(t, Adam().LearningRate(0.1).With(AdamSettings{Adamax: true}))
	exec.Call()
	assert.InDelta(t, 0.1, tensors.ToScalar[float32](w.Value()), 1e-5)

	// AdamW: the decay term is proportional to the current value, so it only shows from the second step on.
	_, wAdam, execAdam, _ := quadraticSetup(t, Adam().LearningRate(0.1))
	_, wDecay, execDecay, _ := quadraticSetup(t, Adam().LearningRate(0.1).With(AdamSettings{WeightDecay: 0.5}))
	execAdam.Call()
	execDecay.Call()
	assert.InDelta(t, tensors.ToScalar[float32](wAdam.Value()), tensors.ToScalar[float32](wDecay.Value()), 1e-6)
	execAdam.Call()
	execDecay.Call()
	adamValue, decayValue := tensors.ToScalar[float32](wAdam.Value()), tensors.ToScalar[float32](wDecay.Value())
	// The second step moves w by an extra -lr * weightDecay * w, with w ~= 0.1.
	assert.InDelta(t, adamValue-0.1*0.5*0.1, decayValue, 1e-4)

	require.Panics(t, func() { quadraticSetup(t, Adam().WeightDecay(-1)) })
	require.Panics(t, func() { quadraticSetup(t, Adam().Epsilon(0)) })
}
