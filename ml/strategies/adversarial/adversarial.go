// Package adversarial implements the train.Strategy of the generative adversarial network.
//
// Each Update first trains the discriminator on a real batch (with smoothed labels and
// instance noise) and on a generated batch, in one step, and then trains the generator to
// make the updated discriminator classify the same generated batch as real.
package adversarial

import (
	"math/rand/v2"

	"github.com/dustin/go-humanize"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/jdecid/FaceGen/ml/checkpoints"
	"github.com/jdecid/FaceGen/ml/device"
	"github.com/jdecid/FaceGen/ml/models/gan"
	"github.com/jdecid/FaceGen/ml/nn"
	"github.com/jdecid/FaceGen/ml/strategies"
	"github.com/jdecid/FaceGen/ml/train"
	"github.com/jdecid/FaceGen/ml/train/losses"
	"github.com/jdecid/FaceGen/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Family names the model family, used to namespace checkpoints.
const Family = "GAN"

// Names of the metrics written to the sink.
const (
	GeneratorLossMetricName     = "Generator Loss"
	DiscriminatorLossMetricName = "Discriminator Loss"
)

// Config of the strategy.
type Config struct {
	Model gan.Config

	GeneratorLearningRate     float64
	DiscriminatorLearningRate float64
	Beta1, Beta2              float64
	Adam                      optimizers.AdamSettings

	// LabelStdDev is the standard deviation of the smoothed labels.
	LabelStdDev float64

	// InstanceNoise is the standard deviation of the noise added to the discriminator inputs.
	InstanceNoise float64

	NumSamples int

	// Checkpoints enables SaveCheckpoint. If false, SaveCheckpoint does nothing.
	Checkpoints bool

	// Seed of the random number generators: host-side initialization and in-graph noise.
	Seed int64

	// RunTag identifies the run in checkpoint paths.
	RunTag string
}

// DefaultConfig returns the default configuration for 64x64 RGB images.
func DefaultConfig() Config {
	return Config{
		Model: gan.Config{
			ImageSize: 64,
			Channels:  3,
			LatentDim: 100,
			Filters:   []int{64, 128, 256, 512},
		},
		GeneratorLearningRate:     2.5e-4,
		DiscriminatorLearningRate: 1e-4,
		Beta1:                     0.5,
		Beta2:                     0.999,
		LabelStdDev:               0.2,
		InstanceNoise:             0.05,
		NumSamples:                strategies.DefaultNumSamples,
		Checkpoints:               true,
	}
}

// Strategy trains a generator and a discriminator jointly.
type Strategy struct {
	config Config

	ctx           *context.Context
	generator     *gan.Generator
	discriminator *gan.Discriminator
	optG, optD    *optimizers.AdamOptimizer
	src           rand.Source

	sink  train.MetricSink
	store *checkpoints.Store

	device                                                *device.Context
	discriminatorExec, generatorExec, sampleExec, genExec *context.Exec
}

var _ train.Strategy = (*Strategy)(nil)

// New creates both models and their optimizer states.
//
// sink receives the losses and store the checkpoints; store can be nil if checkpoints are disabled.
func New(config Config, sink train.MetricSink, store *checkpoints.Store) (*Strategy, error) {
	if config.GeneratorLearningRate <= 0 || config.DiscriminatorLearningRate <= 0 {
		return nil, errors.Errorf("invalid learning rates: generator=%g, discriminator=%g",
			config.GeneratorLearningRate, config.DiscriminatorLearningRate)
	}
	if config.LabelStdDev < 0 || config.InstanceNoise < 0 {
		return nil, errors.Errorf("label and instance noise standard deviations must be >= 0, got %g and %g",
			config.LabelStdDev, config.InstanceNoise)
	}
	if config.Checkpoints && store == nil {
		return nil, errors.New("adversarial strategy with checkpoints enabled requires a checkpoint store")
	}
	if config.NumSamples <= 0 {
		config.NumSamples = strategies.DefaultNumSamples
	}
	if sink == nil {
		sink = train.NoSink{}
	}
	s := &Strategy{
		config: config,
		ctx:    context.New(),
		src:    rand.NewPCG(uint64(config.Seed), 0x6a7),
		sink:   sink,
		store:  store,
	}
	s.ctx.RngStateFromSeed(config.Seed)
	var err error
	if s.generator, err = gan.NewGenerator(s.ctx.In("generator"), config.Model, s.src); err != nil {
		return nil, err
	}
	if s.discriminator, err = gan.NewDiscriminator(s.ctx.In("discriminator"), config.Model, s.src); err != nil {
		return nil, err
	}
	err = strategies.Try(func() {
		s.optG = optimizers.Adam().Scope("generator").LearningRate(config.GeneratorLearningRate).
			Betas(config.Beta1, config.Beta2).With(config.Adam).Done(s.ctx, s.generator.Params)
		s.optD = optimizers.Adam().Scope("discriminator").LearningRate(config.DiscriminatorLearningRate).
			Betas(config.Beta1, config.Beta2).With(config.Adam).Done(s.ctx, s.discriminator.Params)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create GAN optimizers")
	}
	return s, nil
}

// Name implements train.Strategy.
func (s *Strategy) Name() string { return Family }

// Generator returns the generator model.
func (s *Strategy) Generator() *gan.Generator { return s.generator }

// Discriminator returns the discriminator model.
func (s *Strategy) Discriminator() *gan.Discriminator { return s.discriminator }

// InitModel implements train.Strategy. It applies the weight initialization rule to both
// models and compiles the graphs for the device.
func (s *Strategy) InitModel(dev *device.Context) error {
	if err := dev.Validate(); err != nil {
		return err
	}
	if s.device != nil {
		return errors.Errorf("%s models already initialized on %s", Family, s.device)
	}
	for _, params := range []*nn.Params{s.generator.Params, s.discriminator.Params} {
		if err := nn.ApplyInitRule(params, s.src); err != nil {
			return errors.WithMessagef(err, "failed to initialize %s models", Family)
		}
	}
	err := strategies.Try(func() {
		backend := dev.Backend
		s.discriminatorExec = context.NewExec(backend, s.ctx, s.discriminatorStepGraph)
		s.generatorExec = context.NewExec(backend, s.ctx, s.generatorStepGraph)
		s.sampleExec = context.NewExec(backend, s.ctx, s.sampleGraph)
		s.genExec = context.NewExec(backend, s.ctx, s.generateGraph)
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to create %s graphs", Family)
	}
	s.device = dev
	klog.Infof("%s: generator with %s trainable values, discriminator with %s, on %s", Family,
		humanize.Comma(int64(s.generator.Params.NumValues())),
		humanize.Comma(int64(s.discriminator.Params.NumValues())), dev)
	return nil
}

// SmoothedLabels returns the labels of a batch of real and of fake examples, each shaped [batchSize]:
// real labels are drawn from N(1, stdDev²) and clamped to at most 1, fake labels are drawn from
// N(0, stdDev²) and clamped to at least 0.
func SmoothedLabels(ctx *context.Context, g *Graph, batchSize int, stdDev float64) (realLabels, fakeLabels *Node) {
	shape := shapes.Make(dtypes.Float32, batchSize)
	realLabels = MinScalar(AddScalar(MulScalar(ctx.RandomNormal(g, shape), stdDev), 1), 1)
	fakeLabels = MaxScalar(MulScalar(ctx.RandomNormal(g, shape), stdDev), 0)
	return
}

// instanceNoise returns N(0, stdDev²) noise of the given shape.
func instanceNoise(ctx *context.Context, g *Graph, shape shapes.Shape, stdDev float64) *Node {
	return MulScalar(ctx.RandomNormal(g, shape), stdDev)
}

// discriminatorStepGraph trains the discriminator on the real batch and on a generated one.
// It returns the discriminator loss and what the generator step reuses: the latent z, the
// instance noise added to the generated batch and the real labels.
func (s *Strategy) discriminatorStepGraph(ctx *context.Context, images *Node) []*Node {
	g := images.Graph()
	batchSize := images.Shape().Dimensions[0]
	realLabels, fakeLabels := SmoothedLabels(ctx, g, batchSize, s.config.LabelStdDev)

	noisyReal := Add(images, instanceNoise(ctx, g, images.Shape(), s.config.InstanceNoise))
	lossReal := losses.BinaryCrossentropy(realLabels, s.discriminator.Apply(noisyReal, nn.Train))
	gradsReal := optimizers.GradientsGraph(lossReal, s.optD.Params())

	z := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, batchSize, s.config.Model.LatentDim))
	fake := s.generator.Apply(z, nn.TrainFrozenStats)
	fakeNoise := instanceNoise(ctx, g, fake.Shape(), s.config.InstanceNoise)
	noisyFake := Add(StopGradient(fake), fakeNoise)
	lossFake := losses.BinaryCrossentropy(fakeLabels, s.discriminator.Apply(noisyFake, nn.Train))
	gradsFake := optimizers.GradientsGraph(lossFake, s.optD.Params())

	s.optD.ApplyGradients(g, optimizers.SumGradients(gradsReal, gradsFake))
	return []*Node{Add(lossReal, lossFake), z, fakeNoise, realLabels}
}

// generatorStepGraph trains the generator against the (already updated) discriminator, whose
// running statistics are left untouched.
func (s *Strategy) generatorStepGraph(_ *context.Context, z, fakeNoise, realLabels *Node) *Node {
	fake := Add(s.generator.Apply(z, nn.Train), fakeNoise)
	loss := losses.BinaryCrossentropy(realLabels, s.discriminator.Apply(fake, nn.TrainFrozenStats))
	s.optG.UpdateGraph(z.Graph(), loss)
	return loss
}

func (s *Strategy) sampleGraph(ctx *context.Context, g *Graph) *Node {
	z := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, s.config.NumSamples, s.config.Model.LatentDim))
	return NormalizeSamples(s.generator.Apply(z, nn.Eval))
}

func (s *Strategy) generateGraph(_ *context.Context, z *Node) *Node {
	return NormalizeSamples(s.generator.Apply(z, nn.Eval))
}

// NormalizeSamples min-max normalizes each example of x (axis 0 is the batch) to [0, 1].
// A constant example maps to 0.
func NormalizeSamples(x *Node) *Node {
	axes := make([]int, x.Rank()-1)
	for i := range axes {
		axes[i] = i + 1
	}
	minValue := ReduceAndKeep(x, ReduceMin, axes...)
	maxValue := ReduceAndKeep(x, ReduceMax, axes...)
	valueRange := MaxScalar(Sub(maxValue, minValue), 1e-12)
	return Div(Sub(x, minValue), valueRange)
}

func (s *Strategy) checkInitialized() error {
	if s.device == nil {
		return errors.Errorf("%s models not initialized, InitModel must be called first", Family)
	}
	return nil
}

// DiscriminatorStepResult holds the outputs of DiscriminatorStep needed by GeneratorStep.
type DiscriminatorStepResult struct {
	// Loss of the discriminator: the sum of the losses on the real and on the generated batch.
	Loss float64

	z, fakeNoise, realLabels *tensors.Tensor
}

// DiscriminatorStep takes one Adam step on the discriminator. The generator is not modified.
func (s *Strategy) DiscriminatorStep(batch train.Batch) (*DiscriminatorStepResult, error) {
	if err := s.checkInitialized(); err != nil {
		return nil, err
	}
	results, err := strategies.Call(s.discriminatorExec, batch.Images)
	if err != nil {
		return nil, err
	}
	loss, err := strategies.Scalar(results[0])
	if err != nil {
		return nil, err
	}
	return &DiscriminatorStepResult{Loss: loss, z: results[1], fakeNoise: results[2], realLabels: results[3]}, nil
}

// GeneratorStep takes one Adam step on the generator, reusing the latent, the instance noise and the
// real labels of the discriminator step. It returns the generator loss. The discriminator is not modified.
func (s *Strategy) GeneratorStep(d *DiscriminatorStepResult) (float64, error) {
	if err := s.checkInitialized(); err != nil {
		return 0, err
	}
	results, err := strategies.Call(s.generatorExec, d.z, d.fakeNoise, d.realLabels)
	if err != nil {
		return 0, err
	}
	return strategies.Scalar(results[0])
}

// Update implements train.Strategy. It never requests an early stop.
func (s *Strategy) Update(batch train.Batch, iteration int) (*train.EarlyStop, error) {
	d, err := s.DiscriminatorStep(batch)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s discriminator step failed at iteration %d", Family, iteration)
	}
	lossG, err := s.GeneratorStep(d)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s generator step failed at iteration %d", Family, iteration)
	}
	s.sink.AddScalar(GeneratorLossMetricName, lossG, iteration)
	s.sink.AddScalar(DiscriminatorLossMetricName, d.Loss, iteration)
	return nil, nil
}

// Sample implements train.Strategy: it generates NumSamples images from latents drawn from N(0, 1),
// each normalized to [0, 1].
func (s *Strategy) Sample() (*tensors.Tensor, error) {
	if err := s.checkInitialized(); err != nil {
		return nil, err
	}
	results, err := strategies.Call(s.sampleExec)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s sampling failed", Family)
	}
	return results[0], nil
}

// Generate maps latent vectors z, shaped [n, LatentDim], to images normalized to [0, 1], with the
// generator in evaluation mode.
func (s *Strategy) Generate(z *tensors.Tensor) (*tensors.Tensor, error) {
	if err := s.checkInitialized(); err != nil {
		return nil, err
	}
	results, err := strategies.Call(s.genExec, z)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s generation failed", Family)
	}
	return results[0], nil
}

// SaveCheckpoint implements train.Strategy: it writes <root>/GAN_<tag>/<epoch>.ckpt with the
// parameters of both models. It does nothing if checkpoints are disabled.
func (s *Strategy) SaveCheckpoint(epoch int) error {
	if !s.config.Checkpoints {
		klog.V(1).Infof("%s: checkpoints disabled, epoch %d not saved", Family, epoch)
		return nil
	}
	ckpt, err := checkpoints.FromParams(Family, s.config.RunTag, epoch, s.config.Model,
		s.generator.Params, s.discriminator.Params)
	if err != nil {
		return err
	}
	_, err = s.store.Save(ckpt)
	return err
}

// Restore loads the parameters of both models from a checkpoint of the same architecture.
func (s *Strategy) Restore(ckpt *checkpoints.Checkpoint) error {
	if ckpt.Family != Family {
		return errors.Errorf("cannot restore a %s checkpoint into %s models", ckpt.Family, Family)
	}
	return ckpt.Restore(s.generator.Params, s.discriminator.Params)
}
