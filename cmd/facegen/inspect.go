package main

import (
	"flag"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/jdecid/FaceGen/ml/checkpoints"
	"github.com/jdecid/FaceGen/ml/data"
	"github.com/jdecid/FaceGen/ui/plots"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).PaddingLeft(1).PaddingRight(1)
	evenRowStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).PaddingLeft(1).PaddingRight(1)
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

func formatCount[I int | int64](n I) string {
	return humanize.Comma(int64(n))
}

// lossPlotFileName returns the file name of the plot of metric, e.g. "loss_values.png".
func lossPlotFileName(metric string) string {
	return strings.ReplaceAll(strings.ToLower(metric), " ", "_") + ".png"
}

func runInspect(args []string) error {
	flagVars := flag.Bool("vars", false, "List the variables with statistics of their values.")
	flagMetrics := flag.Bool("metrics", false, fmt.Sprintf("List the metrics saved in %q in the run directory.", plots.TrainingPlotFileName))
	flagNames := flag.String("metrics_names", "", "Comma-separated list of metric names (as in the table header) to include in the metrics report.")
	if err := flag.CommandLine.Parse(args); err != nil {
		return err
	}
	if flag.NArg() != 1 {
		return errors.New("inspect requires exactly one checkpoint file or run directory")
	}
	path, err := checkpoints.Resolve(flag.Arg(0))
	if err != nil {
		return err
	}
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable()
	table.Row("checkpoint", path)
	table.Row("family", ckpt.Family)
	table.Row("run", ckpt.RunTag)
	table.Row("epoch", formatCount(ckpt.Epoch))
	table.Row("session", ckpt.Session)
	table.Row("created", ckpt.Created.Format("2006-01-02 15:04:05"))
	table.Row("config", string(ckpt.Config))
	table.Row("# variables", formatCount(len(ckpt.Weights)))
	table.Row("# parameters", formatCount(ckpt.NumValues()))
	fmt.Println(table.Render())

	if *flagVars {
		listWeights(ckpt)
	}
	if *flagMetrics {
		return listMetrics(filepath.Dir(path), *flagNames)
	}
	return nil
}

// listWeights prints the weights with MAV (mean absolute value), RMS (root mean square) and
// MaxAV (max absolute value) of their values.
func listWeights(ckpt *checkpoints.Checkpoint) {
	fmt.Println(titleStyle.Render("Variables"))
	table := newPlainTable().Headers("Name", "Kind", "Role", "Shape", "Size", "MAV", "RMS", "MaxAV")
	for _, w := range ckpt.Weights {
		values := make([]float64, len(w.Values))
		for i, v := range w.Values {
			values[i] = float64(v)
		}
		var mav, rms, maxAV string
		if n := float64(len(values)); n > 0 {
			mav = fmt.Sprintf("%.3g", floats.Norm(values, 1)/n)
			rms = fmt.Sprintf("%.3g", floats.Norm(values, 2)/math.Sqrt(n))
			maxAV = fmt.Sprintf("%.3g", floats.Norm(values, math.Inf(1)))
		}
		table.Row(w.Name, w.Kind.String(), w.Role.String(), fmt.Sprintf("%v", w.Dims),
			formatCount(len(w.Values)), mav, rms, maxAV)
	}
	fmt.Println(table.Render())
}

func listMetrics(runDir, names string) error {
	rawPoints, err := plots.LoadPointsFromDir(runDir)
	if err != nil {
		return err
	}
	if len(rawPoints) == 0 {
		return errors.Errorf("no metrics found in %q", runDir)
	}
	var metricsNames []string
	if names != "" {
		metricsNames = strings.Split(names, ",")
	}
	fmt.Println(titleStyle.Render("Metrics"))
	fmt.Println(plots.NewPoints(rawPoints).TableForMetrics(metricsNames...))
	if exists, _ := data.FileExists(filepath.Join(runDir, metricsCSVFileName)); exists {
		fmt.Printf("Full table in %q\n", filepath.Join(runDir, metricsCSVFileName))
	}
	return nil
}
