package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/jdecid/FaceGen/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTag(t *testing.T) {
	now := time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC)
	assert.Equal(t, "2024-05-06-07-08-09.123456_42", RunTag(now, 42))
	assert.Equal(t, int64(42), Seed(42, now))
	assert.Positive(t, Seed(0, now))
}

func TestPathsValidate(t *testing.T) {
	var configErr *ConfigurationError
	err := Paths{}.Validate()
	require.True(t, errors.As(err, &configErr))
	assert.Equal(t, []string{EnvDatasetPath, EnvCheckpointDir}, configErr.Missing)

	err = Paths{Data: filepath.Join(t.TempDir(), "missing"), Checkpoints: t.TempDir()}.Validate()
	require.True(t, errors.As(err, &configErr))
	require.Len(t, configErr.Missing, 1)
	assert.Contains(t, configErr.Error(), EnvDatasetPath)

	assert.NoError(t, Paths{Data: t.TempDir(), Checkpoints: "ckpt"}.Validate())
}

func TestPathsFromEnvAndLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte(EnvDatasetPath+"=/data/faces\n"+EnvCheckpointDir+"=/data/ckpt\n"), 0644))
	t.Setenv(EnvDatasetPath, "")
	t.Setenv(EnvCheckpointDir, "/from/env")
	require.NoError(t, os.Unsetenv(EnvDatasetPath))

	require.NoError(t, LoadEnv(envFile, filepath.Join(dir, "missing.env")))
	paths := PathsFromEnv("", "")
	assert.Equal(t, "/data/faces", paths.Data)
	// Variables already set take precedence over the file.
	assert.Equal(t, "/from/env", paths.Checkpoints)

	paths = PathsFromEnv("/flag/data", "/flag/ckpt")
	assert.Equal(t, Paths{Data: "/flag/data", Checkpoints: "/flag/ckpt"}, paths)
}

func TestDefaultContext(t *testing.T) {
	ctx := CreateDefaultContext()
	training, err := TrainingFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModelVAE, training.Model)
	assert.Equal(t, training.BatchSize, training.ValidationSize)
	assert.Equal(t, dtypes.Float32, training.CheckpointDType)

	vaeConfig := Variational(ctx, 7, "tag")
	require.NoError(t, vaeConfig.Model.Validate())
	assert.Equal(t, []int{32, 64, 128, 256}, vaeConfig.Model.Filters)
	assert.Equal(t, 2e-3, vaeConfig.LearningRate)
	assert.Equal(t, int64(7), vaeConfig.Seed)
	assert.Equal(t, optimizers.AdamSettings{Epsilon: 1e-8}, vaeConfig.Adam)

	ctx.SetParams(map[string]any{"gan_channels": 8, "image_size": 32, "checkpoint_dtype": "float16", "model": ModelGAN,
		"adam_weight_decay": 0.01, "adamax": true})
	training, err = TrainingFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float16, training.CheckpointDType)
	ganConfig := Adversarial(ctx, 7, "tag")
	require.NoError(t, ganConfig.Model.Validate())
	assert.Equal(t, []int{8, 16, 32, 64}, ganConfig.Model.Filters)
	assert.Equal(t, 32, ganConfig.Model.ImageSize)
	assert.True(t, ganConfig.Checkpoints)
	assert.Equal(t, 0.5, ganConfig.Beta1)
	assert.Equal(t, optimizers.AdamSettings{Epsilon: 1e-8, WeightDecay: 0.01, Adamax: true}, ganConfig.Adam)

	ctx.SetParam("model", "diffusion")
	_, err = TrainingFromContext(ctx)
	assert.Error(t, err)
	ctx.SetParams(map[string]any{"model": ModelVAE, "checkpoint_dtype": "bfloat16"})
	_, err = TrainingFromContext(ctx)
	assert.Error(t, err)
}
