package plots

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPoints() []Point {
	return []Point{
		{Metric: "Loss values", Series: "Train", Step: 1, Value: 2.5},
		{Metric: "Loss values", Series: "Validation", Step: 1, Value: 3},
		{Metric: "Loss values", Series: "Train", Step: 0, Value: 4},
		{Metric: "Generator Loss", Step: 0, Value: 0.7},
	}
}

func TestPointsFileAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), TrainingPlotFileName)
	pf, err := CreatePointsFile(path)
	require.NoError(t, err)
	points := testPoints()
	require.NoError(t, pf.Write(points[:1]...))
	require.NoError(t, pf.Write(points[1:]...))
	require.NoError(t, pf.Close())
	require.NoError(t, pf.Close())
	assert.Error(t, pf.Write(points...))

	loaded, err := LoadPointsFromDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, testPoints(), loaded)
}

func TestPoints(t *testing.T) {
	points := NewPoints(testPoints())
	assert.Equal(t, []string{"Generator Loss", "Loss values/Train", "Loss values/Validation"}, points.Names())
	extracted := points.Extract()
	require.Len(t, extracted, 4)
	assert.Equal(t, 0, extracted[0].Step)
	assert.Equal(t, 1, extracted[3].Step)

	table := points.TableForMetrics("Loss values/Train")
	assert.True(t, strings.Contains(table, "2.500000"))
	assert.False(t, strings.Contains(table, "0.700000"))

	points.Filter(func(p Point) bool { return p.Series != "Train" })
	assert.Equal(t, []string{"Generator Loss", "Loss values/Validation"}, points.Names())
}

func TestSaveLossPlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loss.png")
	require.NoError(t, SaveLossPlot(testPoints(), "Loss values", path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
	assert.Error(t, SaveLossPlot(testPoints(), "Unknown", path))
}
