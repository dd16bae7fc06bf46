package optimizers

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/jdecid/FaceGen/ml/nn"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001

	// AdamStepVariableName is the name of the int64 counter of steps taken, stored under the optimizer scope.
	AdamStepVariableName = "adam_step"
)

// Adam optimization is a stochastic gradient descent method that is based on adaptive estimation of first-order and
// second-order moments, see [Kingma et al., 2014](http://arxiv.org/abs/1412.6980).
//
// It returns a configuration object that can be used to set its parameters. Once configured call Done with the
// model parameters it should train.
func Adam() *AdamConfig {
	return &AdamConfig{
		scopeName:    "adam",
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
	}
}

// AdamConfig holds the configuration for an Adam optimizer, created with Adam().
type AdamConfig struct {
	scopeName    string
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	adamax       bool    // Works as Adamax.
	weightDecay  float64 // Works as AdamW.
}

// Scope sets the name of the scope, under optimizers.Scope, where the moments and the step counter are stored.
// Each model trained in the same context needs its own scope.
func (c *AdamConfig) Scope(name string) *AdamConfig {
	c.scopeName = name
	return c
}

// LearningRate sets the learning rate. Default is AdamDefaultLearningRate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability. Default is 1e-8.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configures Adam to use a L-infinity (== max, which gives the name) for
// the second moment, instead of L2, as described in the same Adam paper.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// WeightDecay configures the optimizer to work as AdamW, with the given static weight decay.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// AdamSettings are the optional variations of Adam, set from the training hyperparameters.
// Zero values keep the defaults.
type AdamSettings struct {
	Epsilon     float64
	WeightDecay float64
	Adamax      bool
}

// With applies the settings to the configuration.
func (c *AdamConfig) With(settings AdamSettings) *AdamConfig {
	if settings.Epsilon > 0 {
		c.Epsilon(settings.Epsilon)
	}
	if settings.WeightDecay > 0 {
		c.WeightDecay(settings.WeightDecay)
	}
	if settings.Adamax {
		c.Adamax()
	}
	return c
}

// Done creates the optimizer for the trainable parameters in params.
//
// The moments (zero initialized) and the step counter are created immediately in ctx,
// under "/optimizers/<scope>".
func (c *AdamConfig) Done(ctx *context.Context, params *nn.Params) *AdamOptimizer {
	if c.learningRate <= 0 {
		Panicf("Adam learning rate must be positive, got %g", c.learningRate)
	}
	if c.epsilon <= 0 || c.weightDecay < 0 {
		Panicf("Adam epsilon must be positive and weight decay non-negative, got %g and %g", c.epsilon, c.weightDecay)
	}
	o := &AdamOptimizer{config: *c, params: params.Trainable()}
	scopePath := fmt.Sprintf("%s%s%s%s", context.ScopeSeparator, Scope, context.ScopeSeparator, c.scopeName)
	o.stepVar = ctx.InAbsPath(scopePath).Checked(false).
		VariableWithValue(AdamStepVariableName, int64(0)).SetTrainable(false)
	for _, p := range o.params {
		m1, m2 := momentVariables(ctx, scopePath, p.Var)
		o.moment1 = append(o.moment1, m1)
		o.moment2 = append(o.moment2, m2)
	}
	return o
}

// AdamOptimizer implements Interface for one parameter set.
type AdamOptimizer struct {
	config           AdamConfig
	params           []*nn.Param
	moment1, moment2 []*context.Variable
	stepVar          *context.Variable
}

var _ Interface = (*AdamOptimizer)(nil)

// Params returns the trainable parameters updated by the optimizer.
func (o *AdamOptimizer) Params() []*nn.Param { return o.params }

// Steps returns the number of update steps executed so far.
func (o *AdamOptimizer) Steps() int64 {
	return tensors.ToScalar[int64](o.stepVar.Value())
}

// UpdateGraph implements Interface.
func (o *AdamOptimizer) UpdateGraph(g *Graph, loss *Node) {
	o.ApplyGradients(g, GradientsGraph(loss, o.params))
}

// ApplyGradients implements Interface.
func (o *AdamOptimizer) ApplyGradients(g *Graph, grads []*Node) {
	if len(grads) != len(o.params) {
		Panicf("Adam(%q) bound to %d trainable parameters, got %d gradients", o.config.scopeName, len(o.params), len(grads))
	}
	dtype := grads[0].DType()
	step := AddScalar(o.stepVar.ValueGraph(g), 1)
	o.stepVar.SetValueGraph(step)
	stepF := ConvertDType(step, dtype)

	learningRate := Scalar(g, dtype, o.config.learningRate)
	beta1 := Scalar(g, dtype, o.config.beta1)
	beta2 := Scalar(g, dtype, o.config.beta2)
	debiasTermBeta1 := Inverse(OneMinus(Pow(beta1, stepF)))
	debiasTermBeta2 := Inverse(OneMinus(Pow(beta2, stepF)))
	epsilon := Scalar(g, dtype, o.config.epsilon)

	for i, p := range o.params {
		o.applyAdamGraph(g, i, p.Var, grads[i], learningRate, beta1, debiasTermBeta1, beta2, debiasTermBeta2, epsilon)
	}
}

// applyAdamGraph calculates variable and its 1st and 2nd order moments updates.
// If adamax is set, moment2 stores instead the L-infinity (the max) of the gradient.
func (o *AdamOptimizer) applyAdamGraph(g *Graph, idx int, v *context.Variable, grad *Node,
	learningRate, beta1, debiasTermBeta1, beta2, debiasTermBeta2, epsilon *Node) {
	m1Var, m2Var := o.moment1[idx], o.moment2[idx]
	moment1, moment2 := m1Var.ValueGraph(g), m2Var.ValueGraph(g)

	moment1 = Add(Mul(beta1, moment1), Mul(OneMinus(beta1), grad))
	m1Var.SetValueGraph(moment1)
	debiasedMoment1 := Mul(moment1, debiasTermBeta1)

	var denominator *Node
	if o.config.adamax {
		moment2 = Max(Mul(beta2, moment2), Abs(grad))
		m2Var.SetValueGraph(moment2)
		denominator = Add(moment2, epsilon)
	} else {
		moment2 = Add(Mul(beta2, moment2), Mul(OneMinus(beta2), Square(grad)))
		m2Var.SetValueGraph(moment2)
		debiasedMoment2 := Mul(moment2, debiasTermBeta2)
		denominator = Add(Sqrt(debiasedMoment2), epsilon)
	}

	value := v.ValueGraph(g)
	stepDirection := Div(debiasedMoment1, denominator)
	if o.config.weightDecay > 0 {
		stepDirection = Add(stepDirection, MulScalar(value, o.config.weightDecay))
	}
	v.SetValueGraph(Sub(value, Mul(learningRate, stepDirection)))
}

// momentVariables creates the zero initialized moment variables for the trainable variable.
func momentVariables(ctx *context.Context, scopePath string, trainable *context.Variable) (m1, m2 *context.Variable) {
	momentCtx := ctx.InAbsPath(scopePath + trainable.Scope()).Checked(false)
	shape := trainable.Shape()
	m1 = momentCtx.VariableWithValue(trainable.Name()+"_1st_moment", tensors.FromShape(shape)).SetTrainable(false)
	m2 = momentCtx.VariableWithValue(trainable.Name()+"_2nd_moment", tensors.FromShape(shape)).SetTrainable(false)
	return
}
