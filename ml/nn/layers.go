package nn

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// Mode selects how layers with batch statistics behave.
type Mode int

const (
	// Eval uses the running statistics and leaves them untouched.
	Eval Mode = iota

	// Train uses the batch statistics and updates the running averages.
	Train

	// TrainFrozenStats uses the batch statistics but does not update the running averages.
	// It is used when a model is evaluated more than once on the same batch within one update.
	TrainFrozenStats
)

// Training reports whether batch statistics are used.
func (m Mode) Training() bool { return m != Eval }

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Eval:
		return "Eval"
	case Train:
		return "Train"
	case TrainFrozenStats:
		return "TrainFrozenStats"
	}
	return "Mode(?)"
}

// Conv2D is a 2D convolution over channels-last images.
type Conv2D struct {
	Weights, Biases *Param
	Stride          int
}

// NewConv2D creates a convolution with a square kernel and "same" padding.
// The weights have shape [kernelSize, kernelSize, inChannels, outChannels].
func NewConv2D(b *Builder, inChannels, outChannels, kernelSize, stride int, useBias bool) *Conv2D {
	dims := []int{kernelSize, kernelSize, inChannels, outChannels}
	receptive := kernelSize * kernelSize
	c := &Conv2D{
		Weights: b.glorot("weights", receptive*inChannels, receptive*outChannels, dims, Convolutional),
		Stride:  stride,
	}
	if useBias {
		c.Biases = b.constant("biases", 0, []int{outChannels}, Convolutional, Bias)
	}
	return c
}

// Apply the convolution to x, shaped [batch, height, width, channels].
func (c *Conv2D) Apply(x *Node) *Node {
	g := x.Graph()
	if x.Rank() != 4 {
		Panicf("Conv2D expects input of rank 4 (channels-last images), got %s", x.Shape())
	}
	out := Convolve(x, c.Weights.Var.ValueGraph(g)).Strides(c.Stride).PadSame().Done()
	if c.Biases != nil {
		numChannels := out.Shape().Dimensions[3]
		out = Add(out, Reshape(c.Biases.Var.ValueGraph(g), 1, 1, 1, numChannels))
	}
	return out
}

// Dense is a fully connected layer.
type Dense struct {
	Weights, Biases *Param
}

// NewDense creates a [inputs, outputs] linear layer, with Glorot initialized weights.
func NewDense(b *Builder, inputs, outputs int, useBias bool) *Dense {
	d := &Dense{Weights: b.glorot("weights", inputs, outputs, []int{inputs, outputs}, Other)}
	if useBias {
		d.Biases = b.constant("biases", 0, []int{outputs}, Other, Bias)
	}
	return d
}

// Apply the layer to x, shaped [batch, inputs].
func (d *Dense) Apply(x *Node) *Node {
	g := x.Graph()
	out := Dot(x, d.Weights.Var.ValueGraph(g))
	if d.Biases != nil {
		out = Add(out, Reshape(d.Biases.Var.ValueGraph(g), 1, out.Shape().Dimensions[1]))
	}
	return out
}

// BatchNorm normalizes over every axis but the last (feature) one.
//
// The running averages follow the exponential moving average with Momentum, and the
// running variance is the unbiased batch variance.
type BatchNorm struct {
	Scale, Offset  *Param
	Mean, Variance *Param
	Momentum       float64
	Epsilon        float64
}

// NewBatchNorm creates a batch normalization layer for the given number of features.
func NewBatchNorm(b *Builder, features int) *BatchNorm {
	dims := []int{features}
	return &BatchNorm{
		Scale:    b.constant("scale", 1, dims, Normalization, Weight),
		Offset:   b.constant("offset", 0, dims, Normalization, Bias),
		Mean:     b.constant("mean", 0, dims, Normalization, Statistic),
		Variance: b.constant("variance", 1, dims, Normalization, Statistic),
		Momentum: 0.1,
		Epsilon:  1e-5,
	}
}

// Apply normalizes x. See Mode for how the running statistics are used.
func (bn *BatchNorm) Apply(x *Node, mode Mode) *Node {
	g := x.Graph()
	rank := x.Rank()
	features := x.Shape().Dimensions[rank-1]
	reduceAxes := make([]int, rank-1)
	for i := range reduceAxes {
		reduceAxes[i] = i
	}
	broadcastDims := make([]int, rank)
	for i := range broadcastDims {
		broadcastDims[i] = 1
	}
	broadcastDims[rank-1] = features
	asBroadcast := func(n *Node) *Node { return Reshape(n, broadcastDims...) }

	var mean, variance *Node
	if mode.Training() {
		mean = ReduceAndKeep(x, ReduceMean, reduceAxes...)
		variance = ReduceAndKeep(Square(Sub(x, mean)), ReduceMean, reduceAxes...)
		if mode == Train {
			bn.updateRunningStats(x, mean, variance, features)
		}
	} else {
		mean = asBroadcast(bn.Mean.Var.ValueGraph(g))
		variance = asBroadcast(bn.Variance.Var.ValueGraph(g))
	}
	normalized := Div(Sub(x, mean), Sqrt(AddScalar(variance, bn.Epsilon)))
	normalized = Mul(normalized, asBroadcast(bn.Scale.Var.ValueGraph(g)))
	return Add(normalized, asBroadcast(bn.Offset.Var.ValueGraph(g)))
}

func (bn *BatchNorm) updateRunningStats(x, mean, variance *Node, features int) {
	g := x.Graph()
	count := x.Shape().Size() / features
	unbiased := Reshape(StopGradient(variance), features)
	if count > 1 {
		unbiased = MulScalar(unbiased, float64(count)/float64(count-1))
	}
	batchMean := Reshape(StopGradient(mean), features)
	m := bn.Momentum
	runningMean := bn.Mean.Var.ValueGraph(g)
	runningVar := bn.Variance.Var.ValueGraph(g)
	bn.Mean.Var.SetValueGraph(Add(MulScalar(runningMean, 1-m), MulScalar(batchMean, m)))
	bn.Variance.Var.SetValueGraph(Add(MulScalar(runningVar, 1-m), MulScalar(unbiased, m)))
}

// LeakyReLU returns max(x, alpha*x), for 0 <= alpha < 1.
func LeakyReLU(x *Node, alpha float64) *Node {
	return Max(x, MulScalar(x, alpha))
}

// ReLU returns max(x, 0).
func ReLU(x *Node) *Node {
	return Max(x, ZerosLike(x))
}

// Upsample2x doubles the spatial dimensions of channels-last images with nearest-neighbour repetition.
func Upsample2x(x *Node) *Node {
	dims := x.Shape().Dimensions
	if len(dims) != 4 {
		Panicf("Upsample2x expects input of rank 4 (channels-last images), got %s", x.Shape())
	}
	batch, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	x = Reshape(x, batch, height, 1, width, 1, channels)
	x = BroadcastToDims(x, batch, height, 2, width, 2, channels)
	return Reshape(x, batch, 2*height, 2*width, channels)
}

// Flatten reshapes x to [batch, -1].
func Flatten(x *Node) *Node {
	batch := x.Shape().Dimensions[0]
	return Reshape(x, batch, x.Shape().Size()/batch)
}
