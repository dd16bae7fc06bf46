package variational

import (
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/jdecid/FaceGen/ml/checkpoints"
	"github.com/jdecid/FaceGen/ml/data"
	"github.com/jdecid/FaceGen/ml/device"
	"github.com/jdecid/FaceGen/ml/models/vae"
	"github.com/jdecid/FaceGen/ml/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const imageSize = 8

func testConfig(seed int64) Config {
	config := DefaultConfig()
	config.Model = vae.Config{ImageSize: imageSize, Channels: 3, LatentDim: 3, HiddenDim: 6, Filters: []int{4, 8}}
	config.Seed = seed
	config.RunTag = "2024-05-06-07-08-09.123456_1"
	return config
}

func randomDataset(t *testing.T, name string, numExamples, batchSize int, seed uint64) *data.InMemory {
	rng := rand.New(rand.NewPCG(seed, seed))
	values := make([]float32, numExamples*imageSize*imageSize*3)
	for i := range values {
		values[i] = float32(2*rng.Float64() - 1)
	}
	ds, err := data.NewInMemory(name, values, nil, imageSize, imageSize, 3)
	require.NoError(t, err)
	return ds.BatchSize(batchSize, true)
}

type scalarsSink struct {
	train.NoSink
	scalars map[string][]map[string]float64
}

func (s *scalarsSink) AddScalars(name string, values map[string]float64, _ int) {
	if s.scalars == nil {
		s.scalars = make(map[string][]map[string]float64)
	}
	s.scalars[name] = append(s.scalars[name], values)
}

func newStrategy(t *testing.T, config Config, sink train.MetricSink, store *checkpoints.Store) *Strategy {
	s, err := New(config, randomDataset(t, "validation", 4, 2, 99), sink, store)
	require.NoError(t, err)
	require.NoError(t, s.InitModel(device.FromBackend(graphtest.BuildTestBackend())))
	return s
}

func TestUpdateAndSample(t *testing.T) {
	sink := &scalarsSink{}
	s := newStrategy(t, testConfig(1), sink, nil)
	assert.Equal(t, Family, s.Name())
	trainDS := randomDataset(t, "train", 4, 2, 1)
	for iteration := range 2 {
		batch := must.M1(trainDS.Yield())
		stop, err := s.Update(batch, iteration)
		require.NoError(t, err)
		assert.Nil(t, stop)
	}
	require.Len(t, sink.scalars[LossMetricName], 2)
	for _, values := range sink.scalars[LossMetricName] {
		assert.Contains(t, values, "Train")
		assert.Contains(t, values, "Validation")
		assert.False(t, math.IsNaN(values["Validation"]))
	}
	require.Len(t, sink.scalars[LossTermsMetricName], 2)

	// Sampling runs in evaluation mode: no parameter, including the batch normalization
	// running statistics, changes.
	before := must.M1(checkpoints.FromParams(Family, "", 0, s.config.Model, s.model.Params))
	sample, err := s.Sample()
	require.NoError(t, err)
	assert.Equal(t, []int{9, imageSize, imageSize, 3}, sample.Shape().Dimensions)
	for _, v := range tensors.CopyFlatData[float32](sample) {
		require.True(t, v >= 0 && v <= 1, "sample value %g out of [0, 1]", v)
	}
	after := must.M1(checkpoints.FromParams(Family, "", 0, s.config.Model, s.model.Params))
	assert.Equal(t, before.Weights, after.Weights)

	// The next update is back in training mode and changes them.
	trainDS.Reset()
	_, err = s.Update(must.M1(trainDS.Yield()), 2)
	require.NoError(t, err)
	after = must.M1(checkpoints.FromParams(Family, "", 0, s.config.Model, s.model.Params))
	assert.NotEqual(t, before.Weights, after.Weights)
}

func TestNotInitialized(t *testing.T) {
	s, err := New(testConfig(1), randomDataset(t, "validation", 2, 2, 1), nil, nil)
	require.NoError(t, err)
	_, err = s.Update(must.M1(randomDataset(t, "train", 2, 2, 1).Yield()), 0)
	assert.Error(t, err)
	_, err = s.Sample()
	assert.Error(t, err)
	assert.Error(t, s.SaveCheckpoint(0))
}

func TestInferenceOnly(t *testing.T) {
	s, err := New(testConfig(1), nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.InitModel(device.FromBackend(graphtest.BuildTestBackend())))
	_, err = s.Sample()
	require.NoError(t, err)
	_, err = s.Update(must.M1(randomDataset(t, "train", 2, 2, 1).Yield()), 0)
	assert.Error(t, err)
}

func TestNonFiniteLoss(t *testing.T) {
	s := newStrategy(t, testConfig(1), nil, nil)
	values := make([]float32, 2*imageSize*imageSize*3)
	values[0] = float32(math.NaN())
	batch := train.Batch{Images: tensors.FromFlatDataAndDimensions(values, 2, imageSize, imageSize, 3)}
	_, err := s.Update(batch, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "iteration 0")
}

// Restoring a checkpoint into a freshly built model gives identical outputs.
func TestCheckpointRoundTrip(t *testing.T) {
	store := checkpoints.NewStore(t.TempDir())
	s := newStrategy(t, testConfig(1), nil, store)
	trainDS := randomDataset(t, "train", 4, 2, 1)
	for iteration := range 2 {
		_, err := s.Update(must.M1(trainDS.Yield()), iteration)
		require.NoError(t, err)
	}
	require.NoError(t, s.SaveCheckpoint(1))
	path := filepath.Join(store.Root, "VAE_"+s.config.RunTag, "1.ckpt")
	_, err := os.Stat(path)
	require.NoError(t, err)

	fresh := newStrategy(t, testConfig(2), nil, nil)
	z := tensors.FromFlatDataAndDimensions([]float32{0.5, -1, 2, 0, 0.1, -0.3}, 2, 3)
	before := tensors.CopyFlatData[float32](must.M1(fresh.Decode(z)))
	want := tensors.CopyFlatData[float32](must.M1(s.Decode(z)))
	assert.NotEqual(t, want, before)

	ckpt, err := store.Load(path)
	require.NoError(t, err)
	var config vae.Config
	require.NoError(t, ckpt.DecodeConfig(&config))
	assert.Equal(t, s.config.Model, config)
	require.NoError(t, fresh.Restore(ckpt))
	assert.Equal(t, want, tensors.CopyFlatData[float32](must.M1(fresh.Decode(z))))
}

func TestEarlyStopInLoop(t *testing.T) {
	config := testConfig(3)
	config.Patience = 1
	config.LearningRate = 1e-9
	s, err := New(config, randomDataset(t, "validation", 2, 2, 5), nil, nil)
	require.NoError(t, err)
	loop := train.NewLoop(s, randomDataset(t, "train", 4, 2, 1), device.FromBackend(graphtest.BuildTestBackend()), nil)
	// The validation loss is noisy (the latent is sampled), so it can't decrease strictly for 40 iterations.
	outcome, err := loop.Run(20, 0, 0)
	require.NoError(t, err)
	require.Equal(t, train.StoppedEarly, outcome.Status)
	require.NotNil(t, outcome.Stop)
	assert.Equal(t, 1, outcome.Stop.Patience)
	assert.Equal(t, outcome.Stop.Iteration+1, outcome.Iterations)
	assert.Equal(t, 1, s.EarlyStopping().Stall())
}
