package data

import (
	"io"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/jdecid/FaceGen/ml/train"
	"github.com/pkg/errors"
)

// InMemory is a train.Dataset of images held in host memory, yielded in batches.
//
// Images are stored flat, channels-last: [numExamples, height, width, channels].
type InMemory struct {
	mu sync.Mutex

	name                    string
	images                  []float32
	labels                  []int32
	height, width, channels int
	numExamples             int

	batchSize           int
	dropIncompleteBatch bool
	rng                 *rand.Rand
	shuffle             []int
	flipProbability     float64

	next int
}

var _ train.Dataset = (*InMemory)(nil)

// NewInMemory creates a dataset from flat channels-last images. labels can be nil, otherwise
// there must be one per example.
//
// By default, it yields one example at a time, in order.
func NewInMemory(name string, images []float32, labels []int32, height, width, channels int) (*InMemory, error) {
	exampleSize := height * width * channels
	if exampleSize <= 0 {
		return nil, errors.Errorf("dataset %q: invalid image dimensions %dx%dx%d", name, height, width, channels)
	}
	if len(images)%exampleSize != 0 {
		return nil, errors.Errorf("dataset %q: %d values is not a multiple of the image size %d",
			name, len(images), exampleSize)
	}
	numExamples := len(images) / exampleSize
	if labels != nil && len(labels) != numExamples {
		return nil, errors.Errorf("dataset %q: %d labels for %d examples", name, len(labels), numExamples)
	}
	return &InMemory{
		name:        name,
		images:      images,
		labels:      labels,
		height:      height,
		width:       width,
		channels:    channels,
		numExamples: numExamples,
		batchSize:   1,
		rng:         rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}, nil
}

// Name implements train.Dataset.
func (ds *InMemory) Name() string { return ds.name }

// NumExamples returns the number of examples in the dataset.
func (ds *InMemory) NumExamples() int { return ds.numExamples }

// BatchSize configures the dataset to return batches of the given size. If dropIncompleteBatch is set to true,
// the last batch of an epoch is dropped if there are not enough examples to fill it.
//
// It returns the modified dataset, so calls can be cascaded.
func (ds *InMemory) BatchSize(n int, dropIncompleteBatch bool) *InMemory {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.batchSize = max(n, 1)
	ds.dropIncompleteBatch = dropIncompleteBatch
	return ds
}

// WithRand sets the random number generator used for shuffling and augmentation,
// for reproducible runs. The default is seeded randomly.
func (ds *InMemory) WithRand(rng *rand.Rand) *InMemory {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.rng = rng
	if ds.shuffle != nil {
		ds.shuffleLocked()
	}
	return ds
}

// Shuffle configures the dataset to yield examples in a random order, reshuffled at every Reset.
func (ds *InMemory) Shuffle() *InMemory {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.shuffleLocked()
	return ds
}

func (ds *InMemory) shuffleLocked() {
	if ds.shuffle == nil {
		ds.shuffle = make([]int, ds.numExamples)
		for i := range ds.shuffle {
			ds.shuffle[i] = i
		}
	}
	ds.rng.Shuffle(len(ds.shuffle), func(i, j int) {
		ds.shuffle[i], ds.shuffle[j] = ds.shuffle[j], ds.shuffle[i]
	})
}

// RandomFlips configures the dataset to mirror each yielded image horizontally with the given probability.
func (ds *InMemory) RandomFlips(probability float64) *InMemory {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.flipProbability = probability
	return ds
}

// Reset implements train.Dataset.
func (ds *InMemory) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	if ds.shuffle != nil {
		ds.shuffleLocked()
	}
}

// indicesNextYield returns the example indices of the next batch, or nil at the end of the epoch.
func (ds *InMemory) indicesNextYield() []int {
	if ds.next >= ds.numExamples {
		return nil
	}
	indices := make([]int, 0, ds.batchSize)
	for ds.next < ds.numExamples && len(indices) < ds.batchSize {
		if ds.shuffle != nil {
			indices = append(indices, ds.shuffle[ds.next])
		} else {
			indices = append(indices, ds.next)
		}
		ds.next++
	}
	if len(indices) < ds.batchSize && ds.dropIncompleteBatch {
		ds.next = ds.numExamples
		return nil
	}
	return indices
}

// Yield implements train.Dataset. It returns io.EOF at the end of the epoch.
func (ds *InMemory) Yield() (train.Batch, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	indices := ds.indicesNextYield()
	if len(indices) == 0 {
		return train.Batch{}, io.EOF
	}
	exampleSize := ds.height * ds.width * ds.channels
	images := make([]float32, 0, len(indices)*exampleSize)
	for _, idx := range indices {
		example := ds.images[idx*exampleSize : (idx+1)*exampleSize]
		start := len(images)
		images = append(images, example...)
		if ds.flipProbability > 0 && ds.rng.Float64() < ds.flipProbability {
			flipHorizontal(images[start:], ds.height, ds.width, ds.channels)
		}
	}
	batch := train.Batch{
		Images: tensors.FromFlatDataAndDimensions(images, len(indices), ds.height, ds.width, ds.channels),
	}
	if ds.labels != nil {
		labels := make([]int32, len(indices))
		for i, idx := range indices {
			labels[i] = ds.labels[idx]
		}
		batch.Labels = tensors.FromFlatDataAndDimensions(labels, len(indices))
	}
	return batch, nil
}

// flipHorizontal mirrors one channels-last image in place.
func flipHorizontal(image []float32, height, width, channels int) {
	for y := range height {
		row := image[y*width*channels : (y+1)*width*channels]
		for left, right := 0, width-1; left < right; left, right = left+1, right-1 {
			for c := range channels {
				row[left*channels+c], row[right*channels+c] = row[right*channels+c], row[left*channels+c]
			}
		}
	}
}

// Split returns two datasets: the first with all but the last n examples, the second with the last n.
// Both inherit the batch size, but not shuffling or augmentation. Each gets its own random number
// generator, seeded from the dataset's one.
//
// If the dataset is shuffled, the examples are taken in the current shuffled order.
func (ds *InMemory) Split(n int) (rest, split *InMemory, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if n <= 0 || n >= ds.numExamples {
		return nil, nil, errors.Errorf("dataset %q: cannot split %d out of %d examples", ds.name, n, ds.numExamples)
	}
	order := ds.shuffle
	if order == nil {
		order = make([]int, ds.numExamples)
		for i := range order {
			order[i] = i
		}
	}
	exampleSize := ds.height * ds.width * ds.channels
	build := func(name string, indices []int) *InMemory {
		part := &InMemory{
			name:        name,
			images:      make([]float32, 0, len(indices)*exampleSize),
			height:      ds.height,
			width:       ds.width,
			channels:    ds.channels,
			numExamples: len(indices),
			batchSize:   ds.batchSize,
			rng:         rand.New(rand.NewPCG(ds.rng.Uint64(), ds.rng.Uint64())),

			dropIncompleteBatch: ds.dropIncompleteBatch,
		}
		for _, idx := range indices {
			part.images = append(part.images, ds.images[idx*exampleSize:(idx+1)*exampleSize]...)
			if ds.labels != nil {
				part.labels = append(part.labels, ds.labels[idx])
			}
		}
		return part
	}
	cut := ds.numExamples - n
	return build(ds.name+" [train]", order[:cut]), build(ds.name+" [validation]", order[cut:]), nil
}
