// Package commandline contains the terminal tools used while training: a progress bar with a table
// of the latest metrics, hyperparameter overrides from flags, and reports.
package commandline

import (
	"fmt"
	"strings"

	"github.com/jdecid/FaceGen/ml/train"
	"github.com/jdecid/FaceGen/ui/sinks"
	"k8s.io/klog/v2"
)

// LoggerName is the name of the hook registered by AttachLogger.
const LoggerName = "metrics logger"

// logf is where AttachLogger writes.
var logf = klog.Infof

// ReportOutcome prints the outcome of a training run and the last value of every metric.
func ReportOutcome(outcome train.Outcome, latest *sinks.Latest) {
	fmt.Printf("Training %s\n", outcome)
	if latest == nil {
		return
	}
	points, iteration := latest.Snapshot()
	if len(points) == 0 {
		return
	}
	rows := make([][]string, 0, len(points))
	for _, p := range points {
		rows = append(rows, []string{p.Name(), fmt.Sprintf("%.5g", p.Value)})
	}
	fmt.Printf("Metrics at iteration %d:\n%s\n", iteration, twoColumnTable("Metric", "Value", rows))
}

// SprintLatest formats the latest metrics in one line, e.g. "Loss values/Train=0.1234, Loss values/Validation=0.2345".
func SprintLatest(latest *sinks.Latest) string {
	points, _ := latest.Snapshot()
	parts := make([]string, 0, len(points))
	for _, p := range points {
		parts = append(parts, fmt.Sprintf("%s=%.5g", p.Name(), p.Value))
	}
	return strings.Join(parts, ", ")
}

// AttachLogger logs the latest metrics every n iterations. It is used instead of the progress bar
// when the output is not an interactive terminal.
func AttachLogger(loop *train.Loop, latest *sinks.Latest, n int) {
	if n <= 0 {
		return
	}
	train.EveryNSteps(loop, n, LoggerName, 0, func(loop *train.Loop) error {
		if metrics := SprintLatest(latest); metrics != "" {
			logf("iteration %d (epoch %d): %s", loop.Iteration, loop.Epoch, metrics)
		}
		return nil
	})
}
