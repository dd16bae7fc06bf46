package commandline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/jdecid/FaceGen/ml/device"
	"github.com/jdecid/FaceGen/ml/train"
	"github.com/jdecid/FaceGen/ui/sinks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func createTestContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		"learning_rate": 2e-3,
		"batch_size":    128,
		"checkpoints":   true,
		"model":         "vae",
		"filters":       []int{},
		"betas":         []float64{},
		"names":         []string{},
	})
	return ctx
}

func TestParseContextSettings(t *testing.T) {
	ctx := createTestContext()

	paramsSet, err := ParseContextSettings(ctx,
		"learning_rate=1e-4;/generator/checkpoints=false;/generator/a/batch_size=3;model=gan;filters=1,3,7;betas=0.5, 0.999;names=a,b;")
	require.NoError(t, err)
	require.Equal(t, []string{"learning_rate", "/generator/checkpoints", "/generator/a/batch_size", "model", "filters", "betas", "names"}, paramsSet)
	assert.Equal(t, 1e-4, context.GetParamOr(ctx, "learning_rate", 0.0))
	assert.Equal(t, 128, context.GetParamOr(ctx, "batch_size", 0))
	assert.Equal(t, 128, context.GetParamOr(ctx.In("generator"), "batch_size", 0))
	assert.Equal(t, 3, context.GetParamOr(ctx.In("generator").In("a"), "batch_size", 0))
	assert.True(t, context.GetParamOr(ctx, "checkpoints", false))
	assert.False(t, context.GetParamOr(ctx.In("generator"), "checkpoints", true))
	assert.Equal(t, "gan", context.GetParamOr(ctx, "model", ""))
	assert.Equal(t, []int{1, 3, 7}, context.GetParamOr(ctx, "filters", []int{}))
	assert.Equal(t, []float64{0.5, 0.999}, context.GetParamOr(ctx, "betas", []float64{}))
	assert.Equal(t, []string{"a", "b"}, context.GetParamOr(ctx, "names", []string{}))

	modified := SprintModifiedContextSettings(ctx, append(paramsSet, "model"))
	assert.Equal(t, 1, strings.Count(modified, "model"))
	assert.Contains(t, modified, "/generator/a/batch_size")
	assert.Empty(t, SprintModifiedContextSettings(ctx, nil))

	// Integers accept "_" as separator.
	_, err = ParseContextSettings(ctx, "batch_size=1_024")
	require.NoError(t, err)
	assert.Equal(t, 1024, context.GetParamOr(ctx, "batch_size", 0))

	// Unknown parameter, also when it is known in a sub-scope only.
	_, err = ParseContextSettings(ctx, "q=3")
	require.Error(t, err)
	ctx.In("c").SetParam("q", 13)
	_, err = ParseContextSettings(ctx, "q=3")
	require.Error(t, err)

	// Wrong type of value.
	_, err = ParseContextSettings(ctx, "batch_size=3.14")
	require.Error(t, err)

	// Scope not absolute.
	_, err = ParseContextSettings(ctx, "a/batch_size=3")
	require.Error(t, err)

	// Malformed.
	_, err = ParseContextSettings(ctx, "batch_size")
	require.Error(t, err)
}

func TestParseContextSettingsFile(t *testing.T) {
	ctx := createTestContext()
	filePath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("# Comment\nbatch_size=16\n\nmodel=gan;learning_rate=0.5\n"), 0644))
	paramsSet, err := ParseContextSettings(ctx, "file:"+filePath+";checkpoints=false")
	require.NoError(t, err)
	assert.Equal(t, []string{"batch_size", "model", "learning_rate", "checkpoints"}, paramsSet)
	assert.Equal(t, 16, context.GetParamOr(ctx, "batch_size", 0))
	assert.Equal(t, 0.5, context.GetParamOr(ctx, "learning_rate", 0.0))

	_, err = ParseContextSettings(ctx, "file:"+filePath+".missing")
	require.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23ms", FormatDuration(1234567*time.Nanosecond))
	assert.Equal(t, "1m30.25s", FormatDuration(90*time.Second+251*time.Millisecond))
	assert.Equal(t, "500ns", FormatDuration(500*time.Nanosecond))
}

// constantStrategy reports the iteration as its loss.
type constantStrategy struct {
	sink train.MetricSink
}

func (s *constantStrategy) Name() string                      { return "constant" }
func (s *constantStrategy) InitModel(_ *device.Context) error { return nil }
func (s *constantStrategy) Sample() (*tensors.Tensor, error)  { return nil, nil }
func (s *constantStrategy) SaveCheckpoint(_ int) error        { return nil }

func (s *constantStrategy) Update(_ train.Batch, iteration int) (*train.EarlyStop, error) {
	s.sink.AddScalar("Loss", float64(iteration), iteration)
	return nil, nil
}

// batchesDataset yields n empty batches per epoch.
type batchesDataset struct{ n, next int }

func (ds *batchesDataset) Name() string { return "batches" }
func (ds *batchesDataset) Reset()       { ds.next = 0 }

func (ds *batchesDataset) Yield() (train.Batch, error) {
	if ds.next >= ds.n {
		return train.Batch{}, io.EOF
	}
	ds.next++
	return train.Batch{}, nil
}

func TestAttachLogger(t *testing.T) {
	var lines []string
	logf = func(format string, args ...any) { lines = append(lines, fmt.Sprintf(format, args...)) }
	defer func() { logf = klog.Infof }()

	latest := sinks.NewLatest()
	assert.Empty(t, SprintLatest(latest))
	loop := train.NewLoop(&constantStrategy{sink: latest}, &batchesDataset{n: 5}, nil, latest)
	AttachLogger(loop, latest, 2)
	_, err := loop.Run(1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"iteration 2 (epoch 0): Loss=1",
		"iteration 4 (epoch 0): Loss=3",
	}, lines)
}
