package checkpoints

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/jdecid/FaceGen/ml/nn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Channels int `json:"channels"`
}

// buildParams creates a small convolution followed by a batch normalization, in its own context.
func buildParams(seed uint64, outChannels int) *nn.Params {
	ctx := context.New()
	params := nn.NewParams()
	b := nn.NewBuilder(ctx.In("model"), params, rand.NewPCG(seed, seed))
	nn.NewConv2D(b.In("conv"), 2, outChannels, 3, 1, true)
	nn.NewBatchNorm(b.In("norm"), outChannels)
	return params
}

func values(p *nn.Param) []float32 {
	return tensors.CopyFlatData[float32](p.Var.Value())
}

func TestSaveLoadRestore(t *testing.T) {
	src := buildParams(1, 3)
	require.NoError(t, nn.ApplyInitRule(src, rand.NewPCG(7, 7)))
	mean := src.Get("/model/norm/mean")
	require.NotNil(t, mean)
	mean.Var.SetValue(tensors.FromFlatDataAndDimensions([]float32{0.25, -1, 3}, 3))

	store := NewStore(filepath.Join(t.TempDir(), "ckpts"))
	ckpt, err := FromParams("VAE", "2024-01-02-03-04-05.000006_42", 3, testConfig{Channels: 3}, src)
	require.NoError(t, err)
	path, err := store.Save(ckpt)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.Root, "VAE_2024-01-02-03-04-05.000006_42", "3.ckpt"), path)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, ckpt.Session, "Save must not modify the checkpoint")

	loaded, err := store.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "VAE", loaded.Family)
	assert.Equal(t, 3, loaded.Epoch)
	assert.Equal(t, store.Session, loaded.Session)
	assert.Equal(t, ckpt.Created.UnixNano(), loaded.Created.UnixNano())
	var config testConfig
	require.NoError(t, loaded.DecodeConfig(&config))
	assert.Equal(t, 3, config.Channels)

	dst := buildParams(2, 3)
	assert.NotEqual(t, values(src.All()[0]), values(dst.All()[0]))
	require.NoError(t, loaded.Restore(dst))
	for i, p := range src.All() {
		q := dst.All()[i]
		assert.Equal(t, p.Name(), q.Name())
		assert.Equal(t, values(p), values(q), "variable %s", p.Name())
	}
	w := loaded.Get("/model/conv/weights")
	require.NotNil(t, w)
	assert.Equal(t, nn.Convolutional, w.Kind)
	assert.Equal(t, nn.Weight, w.Role)
	assert.Equal(t, nn.Statistic, loaded.Get("/model/norm/variance").Role)

	epochs, err := Epochs(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, []int{3}, epochs)
	latest, err := Resolve(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, path, latest)
}

func TestRestoreShapeMismatch(t *testing.T) {
	ckpt, err := FromParams("GAN", "tag", 0, nil, buildParams(1, 3))
	require.NoError(t, err)
	blob, err := Encode(ckpt, dtypes.Float32)
	require.NoError(t, err)
	loaded, err := Decode(blob)
	require.NoError(t, err)

	dst := buildParams(1, 4)
	before := values(dst.All()[0])
	err = loaded.Restore(dst)
	require.Error(t, err)
	var mismatch *ShapeMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "/model/conv/weights", mismatch.Name)
	assert.Equal(t, []int{3, 3, 2, 4}, mismatch.Want)
	assert.Equal(t, []int{3, 3, 2, 3}, mismatch.Got)
	// Nothing was modified.
	assert.Equal(t, before, values(dst.All()[0]))
}

func TestRestoreMissingAndUnknown(t *testing.T) {
	ckpt, err := FromParams("VAE", "tag", 0, nil, buildParams(1, 3))
	require.NoError(t, err)

	// A parameter set with an extra variable.
	ctx := context.New()
	params := nn.NewParams()
	b := nn.NewBuilder(ctx.In("model"), params, rand.NewPCG(1, 1))
	nn.NewConv2D(b.In("conv"), 2, 3, 3, 1, true)
	nn.NewBatchNorm(b.In("norm"), 3)
	nn.NewDense(b.In("extra"), 2, 2, false)
	require.ErrorContains(t, ckpt.Restore(params), "missing")

	// A parameter set with fewer variables.
	params = nn.NewParams()
	b = nn.NewBuilder(context.New().In("model"), params, rand.NewPCG(1, 1))
	nn.NewConv2D(b.In("conv"), 2, 3, 3, 1, true)
	require.ErrorContains(t, ckpt.Restore(params), "unknown variable")
}

func TestFloat16Encoding(t *testing.T) {
	src := buildParams(3, 2)
	ckpt, err := FromParams("VAE", "tag", 1, nil, src)
	require.NoError(t, err)
	blob32, err := Encode(ckpt, dtypes.Float32)
	require.NoError(t, err)
	blob16, err := Encode(ckpt, dtypes.Float16)
	require.NoError(t, err)
	assert.Less(t, len(blob16), len(blob32))

	loaded, err := Decode(blob16)
	require.NoError(t, err)
	for _, w := range ckpt.Weights {
		got := loaded.Get(w.Name)
		require.NotNil(t, got)
		assert.Equal(t, w.Dims, got.Dims)
		assert.InDeltaSlice(t, w.Values, got.Values, 1e-3, "variable %s", w.Name)
	}

	_, err = Encode(ckpt, dtypes.Int32)
	assert.Error(t, err)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte("not a checkpoint"))
	assert.Error(t, err)
	_, err = Decode(append([]byte(Magic), 0xff))
	assert.Error(t, err)
}

func TestSaveRenameFailure(t *testing.T) {
	store := NewStore(t.TempDir())
	ckpt, err := FromParams("GAN", "x", 5, nil, buildParams(1, 2))
	require.NoError(t, err)
	dir, err := store.RunDir("GAN", "x")
	require.NoError(t, err)
	// A non-empty directory under the final name can't be replaced.
	path := filepath.Join(dir, FileName(5))
	require.NoError(t, os.MkdirAll(filepath.Join(path, "occupied"), 0700))

	_, err = store.Save(ckpt)
	require.Error(t, err)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestRunDirOverFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, RunDirName("GAN", "x")), []byte("x"), 0600))
	_, err := NewStore(root).RunDir("GAN", "x")
	assert.Error(t, err)
}
