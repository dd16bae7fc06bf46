// Package losses implements the losses used to train the FaceGen models.
//
// Differently from per-example losses, all the functions here return an already reduced
// scalar, ready to be differentiated.
package losses

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	Epsilon16 = 1e-4
	Epsilon32 = 1e-7
	Epsilon64 = 1e-8
)

func epsilonForDType(dtype dtypes.DType) float64 {
	switch dtype {
	case dtypes.Float64:
		return Epsilon64
	case dtypes.Float32:
		return Epsilon32
	case dtypes.Float16, dtypes.BFloat16:
		return Epsilon16
	default:
		Panicf("losses: cannot take epsilon for dtype %s", dtype)
	}
	return 0
}

func checkSameShape(name string, labels, predictions *Node) {
	if !labels.Shape().Equal(predictions.Shape()) {
		Panicf("%s: labels (%s) and predictions (%s) must have same shape", name, labels.Shape(), predictions.Shape())
	}
}

// MeanSquaredError returns the mean of the squared differences, over all elements.
func MeanSquaredError(labels, predictions *Node) *Node {
	checkSameShape("MeanSquaredError", labels, predictions)
	diff := Sub(labels, predictions)
	return ReduceAllMean(Mul(diff, diff))
}

// BinaryCrossentropy returns the mean over all elements of `-(l*log(p) + (1-l)*log(1-p))`.
//
// labels can be soft (any value in [0, 1]) and are converted to the predictions dtype.
// predictions are probabilities, and are clipped to [epsilon, 1-epsilon] to keep the logs finite.
func BinaryCrossentropy(labels, predictions *Node) *Node {
	labels = ConvertDType(labels, predictions.DType())
	checkSameShape("BinaryCrossentropy", labels, predictions)
	epsilon := epsilonForDType(predictions.DType())
	predictions = ClipScalar(predictions, epsilon, 1-epsilon)
	losses := Neg(Add(
		Mul(labels, Log(predictions)),
		Mul(OneMinus(labels), Log(OneMinus(predictions)))))
	return ReduceAllMean(losses)
}

// nonBatchAxes returns the axes 1..rank-1.
func nonBatchAxes(x *Node) []int {
	if x.Rank() < 2 {
		Panicf("losses: expected a batch of examples with rank >= 2, got shape %s", x.Shape())
	}
	axes := make([]int, x.Rank()-1)
	for i := range axes {
		axes[i] = i + 1
	}
	return axes
}

// ReconstructionError returns the squared error summed over each example and averaged over the batch (axis 0).
func ReconstructionError(target, reconstruction *Node) *Node {
	checkSameShape("ReconstructionError", target, reconstruction)
	exampleSize := 1
	for _, axis := range nonBatchAxes(target) {
		exampleSize *= target.Shape().Dimensions[axis]
	}
	return MulScalar(MeanSquaredError(target, reconstruction), float64(exampleSize))
}

// KLDivergence returns the Kullback-Leibler divergence between N(mu, exp(logVar)) and N(0, 1),
// `-0.5 * sum(1 + logVar - mu^2 - exp(logVar))`, summed over the latent axes and averaged over the batch.
func KLDivergence(mu, logVar *Node) *Node {
	checkSameShape("KLDivergence", mu, logVar)
	terms := Sub(Sub(OnePlus(logVar), Square(mu)), Exp(logVar))
	perExample := MulScalar(ReduceSum(terms, nonBatchAxes(terms)...), -0.5)
	return ReduceAllMean(perExample)
}

// MSEKLD is the variational autoencoder loss: ReconstructionError + klWeight * KLDivergence.
// It also returns the two components, for reporting.
func MSEKLD(target, reconstruction, mu, logVar *Node, klWeight float64) (total, reconstructionError, kld *Node) {
	reconstructionError = ReconstructionError(target, reconstruction)
	kld = KLDivergence(mu, logVar)
	total = Add(reconstructionError, MulScalar(kld, klWeight))
	return
}
