package plots

import (
	"image/color"
	"math"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Size of the plots saved by SaveLossPlot.
var (
	PlotWidth  = 8 * vg.Inch
	PlotHeight = 5 * vg.Inch
)

// SaveLossPlot draws one line per series of metric over the steps, and saves it to filePath.
// The format is given by the file extension: ".png", ".svg", ".pdf", ...
//
// Non-finite values are skipped.
func SaveLossPlot(points []Point, metric, filePath string) error {
	bySeries := make(map[string]plotter.XYs)
	for _, p := range points {
		if p.Metric != metric || math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			continue
		}
		bySeries[p.Series] = append(bySeries[p.Series], plotter.XY{X: float64(p.Step), Y: p.Value})
	}
	if len(bySeries) == 0 {
		return errors.Errorf("no points for metric %q", metric)
	}

	p := plot.New()
	p.Title.Text = metric
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Loss"
	p.Add(plotter.NewGrid())
	p.Legend.Top = true

	series := make([]string, 0, len(bySeries))
	for name := range bySeries {
		series = append(series, name)
	}
	slices.Sort(series)
	for i, name := range series {
		xys := bySeries[name]
		slices.SortFunc(xys, func(a, b plotter.XY) int {
			switch {
			case a.X < b.X:
				return -1
			case a.X > b.X:
				return 1
			}
			return 0
		})
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "failed to create line for %q", name)
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		p.Add(line)
		label := name
		if label == "" {
			label = metric
		}
		p.Legend.Add(label, line)
	}
	p.BackgroundColor = color.White
	if err := p.Save(PlotWidth, PlotHeight, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	return nil
}
