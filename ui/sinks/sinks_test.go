package sinks

import (
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/jdecid/FaceGen/ml/train"
	"github.com/jdecid/FaceGen/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMetrics(sink train.MetricSink) {
	sink.AddScalar("Generator Loss", 0.5, 0)
	sink.AddScalars("Loss values", map[string]float64{"Validation": 2, "Train": 1}, 1)
	sink.AddScalar("Generator Loss", 0.25, 1)
}

func TestLatest(t *testing.T) {
	latest := NewLatest()
	points, iteration := latest.Snapshot()
	assert.Empty(t, points)
	assert.Equal(t, -1, iteration)

	writeMetrics(Multi{&Log{}, latest})
	points, iteration = latest.Snapshot()
	assert.Equal(t, 1, iteration)
	require.Len(t, points, 3)
	assert.Equal(t, "Generator Loss", points[0].Name())
	assert.Equal(t, 0.25, points[0].Value)
	assert.Equal(t, "Loss values/Train", points[1].Name())
	assert.Equal(t, "Loss values/Validation", points[2].Name())
}

func TestPoints(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, plots.TrainingPlotFileName)
	sink := must.M1(NewPoints(filePath))
	writeMetrics(sink)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Err())

	points := sink.Points()
	require.Len(t, points, 4)
	assert.Equal(t, "Train", points[1].Series)
	assert.Equal(t, "Validation", points[2].Series)
	for _, p := range points {
		assert.Equal(t, sink.Session, p.Session)
	}
	loaded := must.M1(plots.LoadPoints(filePath))
	assert.Equal(t, points, loaded)

	csvPath := filepath.Join(dir, "metrics.csv")
	require.NoError(t, sink.WriteCSV(csvPath))
	lines := strings.Split(strings.TrimSpace(string(must.M1(os.ReadFile(csvPath)))), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "metric,series,step,value,session", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "Generator Loss,"))

	empty := must.M1(NewPoints(""))
	assert.Error(t, empty.WriteCSV(filepath.Join(dir, "empty.csv")))
	assert.NoError(t, empty.Close())
}

func TestImageDir(t *testing.T) {
	sink := must.M1(NewImageDir(filepath.Join(t.TempDir(), "samples")))
	values := make([]float32, 5*4*3*3)
	for i := range values {
		values[i] = float32(i%7) / 6
	}
	sink.AddImages(train.SamplesMetricName, tensors.FromFlatDataAndDimensions(values, 5, 4, 3, 3), 12)
	require.NoError(t, sink.Err())
	saved := sink.Saved()
	require.Len(t, saved, 1)
	assert.Equal(t, "samples_0000012.png", filepath.Base(saved[0]))

	f := must.M1(os.Open(saved[0]))
	defer func() { _ = f.Close() }()
	img := must.M1(png.Decode(f))
	// 5 images of 3x4 laid out in 3 columns and 2 rows.
	assert.Equal(t, 3*(3+GridPadding)+GridPadding, img.Bounds().Dx())
	assert.Equal(t, 2*(4+GridPadding)+GridPadding, img.Bounds().Dy())

	sink.AddImages("bad", tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2), 13)
	assert.Error(t, sink.Err())
	assert.Len(t, sink.Saved(), 1)
}

func TestSaveImages(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	paths, err := SaveImages(tensors.FromFlatDataAndDimensions(make([]float32, 2*2*2*1), 2, 2, 2, 1), dir, "vae")
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, "vae_0001.png", filepath.Base(paths[1]))
	_, err = os.Stat(paths[1])
	assert.NoError(t, err)
}
