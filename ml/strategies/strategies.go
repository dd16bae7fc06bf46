// Package strategies holds what the model family strategies (variational and adversarial) share:
// running compiled graphs with errors instead of panics, and reading scalar results.
package strategies

import (
	"io"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/jdecid/FaceGen/ml/train"
	"github.com/pkg/errors"
)

// DefaultNumSamples is the number of images synthesized by Sample.
const DefaultNumSamples = 9

// Call executes exec with args, converting a panic raised by the graph building or
// execution into an error.
func Call(exec *context.Exec, args ...any) (results []*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		results = exec.Call(args...)
	})
	return
}

// Try runs fn, converting a panic carrying an error (the way gomlx reports failures while
// building or compiling graphs) into a returned error.
func Try(fn func()) error {
	return exceptions.TryCatch[error](fn)
}

// Scalar returns the value of a scalar tensor of a float dtype as a float64.
func Scalar(t *tensors.Tensor) (float64, error) {
	if !t.Shape().IsScalar() {
		return 0, errors.Errorf("expected a scalar, got shape %s", t.Shape())
	}
	switch t.DType() {
	case dtypes.Float32:
		return float64(tensors.ToScalar[float32](t)), nil
	case dtypes.Float64:
		return tensors.ToScalar[float64](t), nil
	}
	return 0, errors.Errorf("expected a float scalar, got dtype %s", t.DType())
}

// CheckFinite returns an error if value is NaN or infinite.
func CheckFinite(name string, value float64, iteration int) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return errors.Errorf("%s is %g at iteration %d", name, value, iteration)
	}
	return nil
}

// NextCycling returns the next batch of ds, restarting it when the epoch ends.
func NextCycling(ds train.Dataset) (train.Batch, error) {
	batch, err := ds.Yield()
	if err == io.EOF {
		ds.Reset()
		batch, err = ds.Yield()
		if err == io.EOF {
			return batch, errors.Errorf("dataset %q yields no batches", ds.Name())
		}
	}
	if err != nil {
		return batch, errors.WithMessagef(err, "while reading dataset %q", ds.Name())
	}
	return batch, nil
}
