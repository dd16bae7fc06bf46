package gan

import (
	"math/rand/v2"
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

func TestGeneratorAndDiscriminatorShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	config := Config{ImageSize: 8, Channels: 3, LatentDim: 5, Filters: []int{4, 8}}
	src := rand.NewPCG(1, 2)
	generator, err := NewGenerator(ctx.In("generator"), config, src)
	require.NoError(t, err)
	discriminator, err := NewDiscriminator(ctx.In("discriminator"), config, src)
	require.NoError(t, err)

	// Parameter sets do not overlap.
	for _, p := range generator.Params.All() {
		assert.Nil(t, discriminator.Params.Get(p.Name()), p.Name())
	}
	assert.Positive(t, discriminator.Params.ByKind()[nn.Convolutional])

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, z *Node) []*Node {
		fake := generator.Apply(z, nn.TrainFrozenStats)
		return []*Node{fake, discriminator.Apply(fake, nn.TrainFrozenStats)}
	})
	z := tensors.FromFlatDataAndDimensions([]float32{
		0.1, -0.2, 0.3, 1, -1,
		2, 0, -0.5, 0.7, 0.2,
		-1, 1, 0.5, -0.3, 0.9,
	}, 3, 5)
	results := exec.Call(z)
	require.Equal(t, []int{3, 8, 8, 3}, results[0].Shape().Dimensions)
	require.Equal(t, []int{3}, results[1].Shape().Dimensions)
	for _, v := range tensors.CopyFlatData[float32](results[0]) {
		require.True(t, v >= -1 && v <= 1, "generated value %g out of [-1, 1]", v)
	}
	for _, p := range tensors.CopyFlatData[float32](results[1]) {
		require.True(t, p >= 0 && p <= 1, "probability %g out of [0, 1]", p)
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{ImageSize: 16, Channels: 3, LatentDim: 2, Filters: []int{2, 2, 2}}.Validate())
	assert.Error(t, Config{ImageSize: 12, Channels: 3, LatentDim: 2, Filters: []int{2, 2, 2}}.Validate())
	assert.Error(t, Config{ImageSize: 16, Channels: 0, LatentDim: 2, Filters: []int{2}}.Validate())
}
