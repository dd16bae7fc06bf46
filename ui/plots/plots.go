// Package plots stores the metric points collected during training, and renders them.
//
// Points are appended, one JSON object per line, to a file in the run's checkpoint directory
// (TrainingPlotFileName), so they can be loaded and plotted after (or during) training.
package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrainingPlotFileName is the default file name within a run directory to store
// plot points collected during training.
const TrainingPlotFileName = "training_plot_points.json"

// Point represents a training plot point. It is used to save/load plots.
type Point struct {
	// Metric name of this point, e.g. "Loss values".
	Metric string `json:"metric" dataframe:"metric"`

	// Series within the metric, e.g. "Train" or "Validation". Empty for single valued metrics.
	Series string `json:"series,omitempty" dataframe:"series"`

	// Step is the iteration this metric was measured.
	Step int `json:"step" dataframe:"step"`

	// Value is the metric captured.
	Value float64 `json:"value" dataframe:"value"`

	// Session identifies the process that recorded the point.
	Session string `json:"session,omitempty" dataframe:"session"`
}

// Name returns the metric name, qualified by the series if there is one: "Loss values/Train".
func (p Point) Name() string {
	if p.Series == "" {
		return p.Metric
	}
	return p.Metric + "/" + p.Series
}

// LoadPointsFromDir loads all plot points saved during training in file [TrainingPlotFileName]
// in a run directory.
func LoadPointsFromDir(dir string) ([]Point, error) {
	return LoadPoints(filepath.Join(dir, TrainingPlotFileName))
}

// LoadPoints parses all plot points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plot points file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding plot points file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// PointsFile appends points to a file, one JSON object per line.
type PointsFile struct {
	path string
	f    *os.File
	enc  *json.Encoder
}

// CreatePointsFile opens filePath for appending points, creating it if needed.
func CreatePointsFile(filePath string) (*PointsFile, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open plot points file %q for append", filePath)
	}
	return &PointsFile{path: filePath, f: f, enc: json.NewEncoder(f)}, nil
}

// Path of the file being written.
func (pf *PointsFile) Path() string { return pf.path }

// Write appends the points to the file. They are written to the operating system before it returns.
func (pf *PointsFile) Write(points ...Point) error {
	if pf.f == nil {
		return errors.Errorf("plot points file %q already closed", pf.path)
	}
	for _, point := range points {
		if err := pf.enc.Encode(point); err != nil {
			return errors.Wrapf(err, "failed to encode point %v to %q", point, pf.path)
		}
	}
	return nil
}

// Close the file. It is safe to call it more than once.
func (pf *PointsFile) Close() error {
	if pf.f == nil {
		return nil
	}
	err := pf.f.Close()
	pf.f = nil
	if err != nil {
		klog.Errorf("closing plot points file %q: %v", pf.path, err)
		return errors.Wrapf(err, "failed to close plot points file %q", pf.path)
	}
	return nil
}

// Points is a collection of Point objects organized by their Step value.
// It's a `map[int][]Point` with several utility methods.
type Points map[int][]Point

// NewPoints create a Points object from a collection of individual `Point`.
func NewPoints(rawPoints []Point) (points Points) {
	points = make(Points)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Map executes the given function on all individual points, in `Step` order.
// Note that if `p.Step` change, it is not re-indexed.
func (points Points) Map(fn func(p *Point)) {
	for _, step := range slices.Sorted(maps.Keys(points)) {
		stepPoints := points[step]
		for ii := range stepPoints {
			fn(&stepPoints[ii])
		}
	}
}

// Filter only keeps those points for which `fn` returns true, removing the other ones.
func (points Points) Filter(fn func(p Point) bool) {
	for step, stepPoints := range points {
		newStepPoints := slices.DeleteFunc(slices.Clone(stepPoints), func(p Point) bool { return !fn(p) })
		if len(newStepPoints) == 0 {
			delete(points, step)
		} else {
			points[step] = newStepPoints
		}
	}
}

// Extract converts the [Points] structure back to a list of individual points, sorted by [Point.Step].
func (points Points) Extract() (rawPoints []Point) {
	points.Map(func(p *Point) {
		rawPoints = append(rawPoints, *p)
	})
	return
}

// Names return the list of qualified metric names (see Point.Name) in the whole collection, sorted alphabetically.
func (points Points) Names() []string {
	names := make(map[string]bool)
	points.Map(func(p *Point) {
		names[p.Name()] = true
	})
	return slices.Sorted(maps.Keys(names))
}

// TableForMetrics returns a table with the first column being the `Step` followed
// by the columns given by the qualified metric names.
// If `names` is empty, it will include all metrics in the table.
func (points Points) TableForMetrics(names ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	if len(names) == 0 {
		names = points.Names()
	}
	table.Headers(append([]string{"Step"}, names...)...)
	for _, step := range slices.Sorted(maps.Keys(points)) {
		row := make([]string, 1+len(names))
		row[0] = fmt.Sprintf("%d", step)
		for _, pt := range points[step] {
			if idx := slices.Index(names, pt.Name()); idx != -1 {
				row[idx+1] = fmt.Sprintf("%f", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}
