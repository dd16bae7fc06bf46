package sinks

import (
	"cmp"
	"os"
	"slices"
	"sync"

	"github.com/go-gota/gota/dataframe"
	"github.com/google/uuid"
	"github.com/jdecid/FaceGen/ml/train"
	"github.com/jdecid/FaceGen/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Points collects every scalar as a plots.Point, tagged with the session id, and appends them
// to a points file if one is given.
type Points struct {
	train.NoSink

	// Session identifies this process in the points written.
	Session string

	mu     sync.Mutex
	file   *plots.PointsFile
	points []plots.Point
	err    error
}

var _ train.MetricSink = (*Points)(nil)

// NewPoints creates a Points sink appending to filePath. If filePath is empty the points are only
// kept in memory.
func NewPoints(filePath string) (*Points, error) {
	s := &Points{Session: uuid.NewString()}
	if filePath != "" {
		var err error
		s.file, err = plots.CreatePointsFile(filePath)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AddScalar implements train.MetricSink.
func (s *Points) AddScalar(name string, value float64, iteration int) {
	s.add(plots.Point{Metric: name, Step: iteration, Value: value, Session: s.Session})
}

// AddScalars implements train.MetricSink.
func (s *Points) AddScalars(name string, values map[string]float64, iteration int) {
	points := make([]plots.Point, 0, len(values))
	for series, value := range values {
		points = append(points, plots.Point{Metric: name, Series: series, Step: iteration, Value: value, Session: s.Session})
	}
	slices.SortFunc(points, func(a, b plots.Point) int { return cmp.Compare(a.Series, b.Series) })
	s.add(points...)
}

func (s *Points) add(points ...plots.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, points...)
	if s.file == nil || s.err != nil {
		return
	}
	if err := s.file.Write(points...); err != nil {
		klog.Errorf("metric points sink: %v", err)
		s.err = err
	}
}

// Points returns a copy of all the points collected so far.
func (s *Points) Points() []plots.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.points)
}

// Err returns the first error writing the points file, if any.
func (s *Points) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close the points file. It returns the first error seen writing it.
func (s *Points) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		if err := s.file.Close(); err != nil && s.err == nil {
			s.err = err
		}
	}
	return s.err
}

// WriteCSV exports all the points collected to a CSV file, one row per point sorted by step,
// with the columns metric, series, step, value and session.
func (s *Points) WriteCSV(filePath string) error {
	points := s.Points()
	if len(points) == 0 {
		return errors.Errorf("no metric points to write to %q", filePath)
	}
	slices.SortStableFunc(points, func(a, b plots.Point) int { return cmp.Compare(a.Step, b.Step) })
	df := dataframe.LoadStructs(points)
	if df.Err != nil {
		return errors.Wrap(df.Err, "failed to build metrics table")
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write metrics table to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}
