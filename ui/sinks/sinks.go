// Package sinks implements train.MetricSink destinations: the log, a points file with CSV export,
// a directory of sample grids, and the latest values used by the progress bar.
//
// A MetricSink can't return errors: sinks log failures with klog and remember the first one,
// returned by their Err or Close methods.
package sinks

import (
	"maps"
	"slices"
	"sync"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/jdecid/FaceGen/ml/train"
	"github.com/jdecid/FaceGen/ui/plots"
	"k8s.io/klog/v2"
)

// Log writes scalars to the log, at verbosity level Verbosity.
type Log struct {
	Verbosity klog.Level
}

var _ train.MetricSink = (*Log)(nil)

// AddScalar implements train.MetricSink.
func (l *Log) AddScalar(name string, value float64, iteration int) {
	klog.V(l.Verbosity).Infof("[%d] %s=%.5g", iteration, name, value)
}

// AddScalars implements train.MetricSink.
func (l *Log) AddScalars(name string, values map[string]float64, iteration int) {
	for _, series := range slices.Sorted(maps.Keys(values)) {
		klog.V(l.Verbosity).Infof("[%d] %s/%s=%.5g", iteration, name, series, values[series])
	}
}

// AddImages implements train.MetricSink.
func (l *Log) AddImages(name string, images *tensors.Tensor, iteration int) {
	klog.V(l.Verbosity+1).Infof("[%d] %s: %s", iteration, name, images.Shape())
}

// Multi fans out every write to all its sinks, in order.
type Multi []train.MetricSink

var _ train.MetricSink = Multi(nil)

// AddScalar implements train.MetricSink.
func (m Multi) AddScalar(name string, value float64, iteration int) {
	for _, s := range m {
		s.AddScalar(name, value, iteration)
	}
}

// AddScalars implements train.MetricSink.
func (m Multi) AddScalars(name string, values map[string]float64, iteration int) {
	for _, s := range m {
		s.AddScalars(name, values, iteration)
	}
}

// AddImages implements train.MetricSink.
func (m Multi) AddImages(name string, images *tensors.Tensor, iteration int) {
	for _, s := range m {
		s.AddImages(name, images, iteration)
	}
}

// Latest keeps the most recent value of each scalar. It is safe for concurrent use: the
// progress bar reads it from its own goroutine.
type Latest struct {
	train.NoSink

	mu        sync.Mutex
	values    map[string]plots.Point
	iteration int
}

var _ train.MetricSink = (*Latest)(nil)

// NewLatest creates an empty Latest sink.
func NewLatest() *Latest {
	return &Latest{values: make(map[string]plots.Point), iteration: -1}
}

// AddScalar implements train.MetricSink.
func (l *Latest) AddScalar(name string, value float64, iteration int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.set(plots.Point{Metric: name, Step: iteration, Value: value})
}

// AddScalars implements train.MetricSink.
func (l *Latest) AddScalars(name string, values map[string]float64, iteration int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for series, value := range values {
		l.set(plots.Point{Metric: name, Series: series, Step: iteration, Value: value})
	}
}

func (l *Latest) set(p plots.Point) {
	l.values[p.Name()] = p
	l.iteration = max(l.iteration, p.Step)
}

// Snapshot returns the latest points sorted by name, and the highest iteration seen (-1 if none).
func (l *Latest) Snapshot() (points []plots.Point, iteration int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, name := range slices.Sorted(maps.Keys(l.values)) {
		points = append(points, l.values[name])
	}
	return points, l.iteration
}
