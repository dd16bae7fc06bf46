// Package optimizers implements the optimizers used to train FaceGen models.
//
// Each optimizer is bound to one model's parameter set (nn.Params) and keeps its state
// (moments, step counter) as non-trainable variables under its own scope in the same
// context.Context that holds the model. Two models trained by the same context (like
// the generator and the discriminator) therefore never share optimizer state.
package optimizers

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/jdecid/FaceGen/ml/nn"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// UpdateGraph builds the graph to update the trainable parameters of the bound model
	// for one training step of the given scalar loss.
	//
	// Variable values are updated with Variable.SetValueGraph: the context.Exec running
	// the graph materializes the new values at the end of the execution.
	UpdateGraph(g *Graph, loss *Node)

	// ApplyGradients is like UpdateGraph, but takes the already computed gradients,
	// one per trainable parameter, in nn.Params.Trainable order.
	ApplyGradients(g *Graph, grads []*Node)
}

// Scope reserved for optimizers in the context.
const Scope = "optimizers"

// GradientsGraph returns the gradients of the scalar loss with respect to each of the
// trainable params, in the same order.
func GradientsGraph(loss *Node, params []*nn.Param) []*Node {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	if len(params) == 0 {
		Panicf("no trainable parameters to take the gradient against")
	}
	g := loss.Graph()
	values := make([]*Node, len(params))
	for i, p := range params {
		values[i] = p.Var.ValueGraph(g)
	}
	return Gradient(loss, values...)
}

// SumGradients adds up element-wise two lists of gradients for the same parameters.
func SumGradients(a, b []*Node) []*Node {
	if len(a) != len(b) {
		Panicf("SumGradients: got %d and %d gradients", len(a), len(b))
	}
	sum := make([]*Node, len(a))
	for i := range a {
		sum[i] = Add(a[i], b[i])
	}
	return sum
}
