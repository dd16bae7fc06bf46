// Package variational implements the train.Strategy of the variational autoencoder.
//
// Each Update takes one Adam step on the reconstruction plus KL divergence loss, then
// evaluates the loss on the next validation batch and feeds it to early stopping.
package variational

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
	"github.com/jdecid/FaceGen/ml/models/vae"
	"github.com/jdecid/FaceGen/ml/nn"
	"github.com/jdecid/FaceGen/ml/strategies"
	"github.com/jdecid/FaceGen/ml/train"
	"github.com/jdecid/FaceGen/ml/train/losses"
	"github.com/jdecid/FaceGen/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Family names the model family, used to namespace checkpoints.
const Family = "VAE"

// Names of the metrics written to the sink.
const (
	LossMetricName      = "Loss values"
	LossTermsMetricName = "VAE loss terms"
)

// Config of the strategy.
type Config struct {
	Model vae.Config

	LearningRate float64
	Adam         optimizers.AdamSettings
	Patience     int
	KLWeight     float64
	NumSamples   int

	// Seed of the random number generators: host-side initialization and in-graph noise.
	Seed int64

	// RunTag identifies the run in checkpoint paths.
	RunTag string
}

// DefaultConfig returns the default configuration for 64x64 RGB images.
func DefaultConfig() Config {
	return Config{
		Model: vae.Config{
			ImageSize: 64,
			Channels:  3,
			LatentDim: 128,
			HiddenDim: 512,
			Filters:   []int{32, 64, 128, 256},
		},
		LearningRate: 2e-3,
		Patience:     50,
		KLWeight:     1,
		NumSamples:   strategies.DefaultNumSamples,
	}
}

// Strategy trains a variational autoencoder.
type Strategy struct {
	config Config

	ctx           *context.Context
	model         *vae.Model
	optimizer     *optimizers.AdamOptimizer
	earlyStopping *train.EarlyStopping
	src           rand.Source

	validation train.Dataset
	sink       train.MetricSink
	store      *checkpoints.Store

	device                                      *device.Context
	trainExec, evalExec, sampleExec, decodeExec *context.Exec
}

var _ train.Strategy = (*Strategy)(nil)

// New creates the model and its optimizer state.
//
// validation is cycled through, one batch per Update. If it is nil the strategy can only be used
// for inference (Sample, Decode and Restore), and Update fails. sink receives the losses and
// store the checkpoints; store can be nil if no checkpoints are saved.
func New(config Config, validation train.Dataset, sink train.MetricSink, store *checkpoints.Store) (*Strategy, error) {
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("invalid learning rate %g", config.LearningRate)
	}
	if config.Patience <= 0 {
		return nil, errors.Errorf("early stopping patience must be positive, got %d", config.Patience)
	}
	if config.NumSamples <= 0 {
		config.NumSamples = strategies.DefaultNumSamples
	}
	if sink == nil {
		sink = train.NoSink{}
	}
	s := &Strategy{
		config:        config,
		ctx:           context.New(),
		earlyStopping: train.NewEarlyStopping(config.Patience),
		src:           rand.NewPCG(uint64(config.Seed), 0x5ae),
		validation:    validation,
		sink:          sink,
		store:         store,
	}
	s.ctx.RngStateFromSeed(config.Seed)
	var err error
	s.model, err = vae.New(s.ctx.In("vae"), config.Model, s.src)
	if err != nil {
		return nil, err
	}
	err = strategies.Try(func() {
		s.optimizer = optimizers.Adam().Scope("vae").LearningRate(config.LearningRate).With(config.Adam).
			Done(s.ctx, s.model.Params)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create VAE optimizer")
	}
	return s, nil
}

// Name implements train.Strategy.
func (s *Strategy) Name() string { return Family }

// Model returns the trained model.
func (s *Strategy) Model() *vae.Model { return s.model }

// EarlyStopping returns the early stopping state.
func (s *Strategy) EarlyStopping() *train.EarlyStopping { return s.earlyStopping }

// InitModel implements train.Strategy. It applies the weight initialization rule and
// compiles the graphs for the device.
func (s *Strategy) InitModel(dev *device.Context) error {
	if err := dev.Validate(); err != nil {
		return err
	}
	if s.device != nil {
		return errors.Errorf("%s model already initialized on %s", Family, s.device)
	}
	if err := nn.ApplyInitRule(s.model.Params, s.src); err != nil {
		return errors.WithMessagef(err, "failed to initialize %s model", Family)
	}
	err := strategies.Try(func() {
		backend := dev.Backend
		s.trainExec = context.NewExec(backend, s.ctx, s.trainStepGraph)
		s.evalExec = context.NewExec(backend, s.ctx, s.evalStepGraph)
		s.sampleExec = context.NewExec(backend, s.ctx, s.sampleGraph)
		s.decodeExec = context.NewExec(backend, s.ctx, s.decodeGraph)
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to create %s graphs", Family)
	}
	s.device = dev
	klog.Infof("%s: %s trainable values (%d variables) on %s", Family,
		humanize.Comma(int64(s.model.Params.NumValues())), s.model.Params.Len(), dev)
	return nil
}

func (s *Strategy) trainStepGraph(ctx *context.Context, images *Node) []*Node {
	reconstruction, mu, logVar := s.model.Forward(ctx, images, nn.Train)
	loss, reconstructionError, kld := losses.MSEKLD(images, reconstruction, mu, logVar, s.config.KLWeight)
	s.optimizer.UpdateGraph(images.Graph(), loss)
	return []*Node{loss, reconstructionError, kld}
}

func (s *Strategy) evalStepGraph(ctx *context.Context, images *Node) *Node {
	reconstruction, mu, logVar := s.model.Forward(ctx, images, nn.Eval)
	loss, _, _ := losses.MSEKLD(images, reconstruction, mu, logVar, s.config.KLWeight)
	return StopGradient(loss)
}

func (s *Strategy) sampleGraph(ctx *context.Context, g *Graph) *Node {
	z := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, s.config.NumSamples, s.config.Model.LatentDim))
	return s.decodeGraph(ctx, z)
}

// decodeGraph decodes z in evaluation mode, mapping the images to [0, 1].
func (s *Strategy) decodeGraph(_ *context.Context, z *Node) *Node {
	return MulScalar(OnePlus(s.model.Decode(z, nn.Eval)), 0.5)
}

func (s *Strategy) checkInitialized() error {
	if s.device == nil {
		return errors.Errorf("%s model not initialized, InitModel must be called first", Family)
	}
	return nil
}

// Update implements train.Strategy.
func (s *Strategy) Update(batch train.Batch, iteration int) (*train.EarlyStop, error) {
	if err := s.checkInitialized(); err != nil {
		return nil, err
	}
	if s.validation == nil {
		return nil, errors.Errorf("%s strategy created without a validation dataset can't be trained", Family)
	}
	results, err := strategies.Call(s.trainExec, batch.Images)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s training step failed at iteration %d", Family, iteration)
	}
	var values [3]float64
	for i := range values {
		if values[i], err = strategies.Scalar(results[i]); err != nil {
			return nil, err
		}
	}
	trainLoss := values[0]
	if err = strategies.CheckFinite("VAE training loss", trainLoss, iteration); err != nil {
		return nil, err
	}

	validBatch, err := strategies.NextCycling(s.validation)
	if err != nil {
		return nil, err
	}
	validLoss, err := s.evaluate(validBatch)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s validation failed at iteration %d", Family, iteration)
	}

	s.sink.AddScalars(LossMetricName, map[string]float64{"Train": trainLoss, "Validation": validLoss}, iteration)
	s.sink.AddScalars(LossTermsMetricName, map[string]float64{"Reconstruction": values[1], "KLD": values[2]}, iteration)
	return s.earlyStopping.Observe(validLoss, iteration), nil
}

// evaluate returns the loss on the batch, with the model in evaluation mode.
func (s *Strategy) evaluate(batch train.Batch) (float64, error) {
	results, err := strategies.Call(s.evalExec, batch.Images)
	if err != nil {
		return 0, err
	}
	return strategies.Scalar(results[0])
}

// Sample implements train.Strategy: it decodes NumSamples latent vectors drawn from N(0, 1).
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

// Decode maps latent vectors z, shaped [n, LatentDim], to images in [0, 1], in evaluation mode.
func (s *Strategy) Decode(z *tensors.Tensor) (*tensors.Tensor, error) {
	if err := s.checkInitialized(); err != nil {
		return nil, err
	}
	results, err := strategies.Call(s.decodeExec, z)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s decoding failed", Family)
	}
	return results[0], nil
}

// SaveCheckpoint implements train.Strategy: it writes <root>/VAE_<tag>/<epoch>.ckpt.
func (s *Strategy) SaveCheckpoint(epoch int) error {
	if s.store == nil {
		return errors.Errorf("%s strategy has no checkpoint store", Family)
	}
	ckpt, err := checkpoints.FromParams(Family, s.config.RunTag, epoch, s.config.Model, s.model.Params)
	if err != nil {
		return err
	}
	_, err = s.store.Save(ckpt)
	return err
}

// Restore loads the model parameters from a checkpoint of the same architecture.
func (s *Strategy) Restore(ckpt *checkpoints.Checkpoint) error {
	if ckpt.Family != Family {
		return errors.Errorf("cannot restore a %s checkpoint into a %s model", ckpt.Family, Family)
	}
	return ckpt.Restore(s.model.Params)
}
