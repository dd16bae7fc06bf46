// Package train implements the training loop shared by every model family.
//
// The Loop drives epochs and iterations over a Dataset and delegates everything
// model specific (device placement, weight initialization, one-batch update, sample
// synthesis and checkpoint writing) to a Strategy.
package train

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/jdecid/FaceGen/ml/device"
)

// Batch is one batch of training examples.
type Batch struct {
	// Images are float32 shaped [batchSize, height, width, channels], with values in [-1, 1].
	Images *tensors.Tensor

	// Labels are optional int32 shaped [batchSize]. Nil if the dataset has no labels.
	Labels *tensors.Tensor
}

// Size returns the number of examples in the batch.
func (b Batch) Size() int {
	if b.Images == nil {
		return 0
	}
	return b.Images.Shape().Dimensions[0]
}

// Dataset yields batches for one epoch, until it returns io.EOF. Reset restarts it for the next epoch.
type Dataset interface {
	// Name identifies the dataset in logs and errors.
	Name() string

	// Yield returns the next batch, or io.EOF at the end of the epoch.
	Yield() (Batch, error)

	// Reset restarts the dataset. The Loop calls it at the end of every epoch.
	Reset()
}

// MetricSink records values tagged by iteration. Writes are synchronous and assumed durable on return.
type MetricSink interface {
	// AddScalar records a single named value.
	AddScalar(name string, value float64, iteration int)

	// AddScalars records a group of values, one per sub-series, under a shared name.
	AddScalars(name string, values map[string]float64, iteration int)

	// AddImages records a batch of images shaped [n, height, width, channels] with values in [0, 1].
	AddImages(name string, images *tensors.Tensor, iteration int)
}

// Strategy implements the model family specific part of training.
//
// A Strategy exclusively owns its models, their optimizer state and the random number
// generator state: it is used from a single goroutine.
type Strategy interface {
	// Name of the model family, e.g. "VAE" or "GAN". It namespaces the checkpoints.
	Name() string

	// InitModel places the models on the device, sets them to train mode and applies the
	// weight initialization rule. The Loop calls it exactly once, before the first epoch.
	InitModel(dev *device.Context) error

	// Update trains on one batch.
	//
	// A non-nil *EarlyStop requests that training stop cleanly: it is not an error, and the update
	// for the batch has already been applied. Any error is fatal to the run.
	Update(batch Batch, iteration int) (*EarlyStop, error)

	// Sample synthesizes a fixed-size batch of images, shaped [n, height, width, channels] with values in [0, 1].
	Sample() (*tensors.Tensor, error)

	// SaveCheckpoint persists the model parameters for the given epoch.
	SaveCheckpoint(epoch int) error
}

// NoSink is a MetricSink that discards everything.
type NoSink struct{}

var _ MetricSink = NoSink{}

// AddScalar implements MetricSink.
func (NoSink) AddScalar(string, float64, int) {}

// AddScalars implements MetricSink.
func (NoSink) AddScalars(string, map[string]float64, int) {}

// AddImages implements MetricSink.
func (NoSink) AddImages(string, *tensors.Tensor, int) {}
