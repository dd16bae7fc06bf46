// Package vae implements the convolutional variational autoencoder.
//
// The encoder is a stack of stride-2 convolutions (each followed by batch normalization and
// a leaky ReLU) and a dense hidden layer, with dense heads for the latent mean and
// log-variance. The decoder mirrors it with nearest-neighbour upsampling followed by
// convolutions, and ends in a tanh, so reconstructions are in [-1, 1].
//
// Images are channels-last: [batch, height, width, channels].
package vae

import (
	"math/rand/v2"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/jdecid/FaceGen/ml/nn"
	"github.com/pkg/errors"
)

// LeakyReLUAlpha is the negative slope of the leaky ReLUs.
const LeakyReLUAlpha = 0.2

// Config of the architecture. It is stored in checkpoints, so a model can be rebuilt for generation.
type Config struct {
	ImageSize int   `json:"image_size"`
	Channels  int   `json:"channels"`
	LatentDim int   `json:"latent_dim"`
	HiddenDim int   `json:"hidden_dim"`
	Filters   []int `json:"filters"`
}

// Validate checks the configuration is consistent.
func (c Config) Validate() error {
	if c.ImageSize <= 0 || c.Channels <= 0 || c.LatentDim <= 0 || c.HiddenDim <= 0 {
		return errors.Errorf("vae.Config: image size, channels, latent and hidden dimensions must be positive: %+v", c)
	}
	if len(c.Filters) == 0 {
		return errors.Errorf("vae.Config: at least one convolution filter count is required")
	}
	factor := 1 << len(c.Filters)
	if c.ImageSize%factor != 0 {
		return errors.Errorf("vae.Config: image size %d must be divisible by 2^%d=%d (one halving per filter entry)",
			c.ImageSize, len(c.Filters), factor)
	}
	return nil
}

// BaseSize is the spatial size at the bottleneck.
func (c Config) BaseSize() int {
	return c.ImageSize >> len(c.Filters)
}

// Model is the variational autoencoder. Its parameters live in the context it was created with.
type Model struct {
	Config Config
	Params *nn.Params

	encoderConvs []*nn.Conv2D
	encoderNorms []*nn.BatchNorm
	hidden       *nn.Dense
	hiddenNorm   *nn.BatchNorm
	muHead       *nn.Dense
	logVarHead   *nn.Dense

	latentDense  *nn.Dense
	latentNorm   *nn.BatchNorm
	decoderConvs []*nn.Conv2D
	decoderNorms []*nn.BatchNorm
	outputConv   *nn.Conv2D
}

// New creates the model variables under ctx, with initial values drawn from src.
func New(ctx *context.Context, config Config, src rand.Source) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	m := &Model{Config: config, Params: nn.NewParams()}
	b := nn.NewBuilder(ctx, m.Params, src)

	enc := b.In("encoder")
	inChannels := config.Channels
	for i, filters := range config.Filters {
		m.encoderConvs = append(m.encoderConvs, nn.NewConv2D(enc.Inf("%03d_conv", i), inChannels, filters, 3, 2, false))
		m.encoderNorms = append(m.encoderNorms, nn.NewBatchNorm(enc.Inf("%03d_norm", i), filters))
		inChannels = filters
	}
	base := config.BaseSize()
	lastFilters := config.Filters[len(config.Filters)-1]
	flat := base * base * lastFilters
	m.hidden = nn.NewDense(enc.In("hidden"), flat, config.HiddenDim, false)
	m.hiddenNorm = nn.NewBatchNorm(enc.In("hidden_norm"), config.HiddenDim)
	m.muHead = nn.NewDense(enc.In("mu"), config.HiddenDim, config.LatentDim, true)
	m.logVarHead = nn.NewDense(enc.In("log_var"), config.HiddenDim, config.LatentDim, true)

	dec := b.In("decoder")
	m.latentDense = nn.NewDense(dec.In("latent"), config.LatentDim, flat, false)
	m.latentNorm = nn.NewBatchNorm(dec.In("latent_norm"), flat)
	for i := len(config.Filters) - 1; i >= 1; i-- {
		idx := len(m.decoderConvs)
		m.decoderConvs = append(m.decoderConvs,
			nn.NewConv2D(dec.Inf("%03d_conv", idx), config.Filters[i], config.Filters[i-1], 3, 1, false))
		m.decoderNorms = append(m.decoderNorms, nn.NewBatchNorm(dec.Inf("%03d_norm", idx), config.Filters[i-1]))
	}
	m.outputConv = nn.NewConv2D(dec.In("output"), config.Filters[0], config.Channels, 3, 1, true)
	return m, nil
}

// Encode returns the latent mean and log-variance, both shaped [batch, LatentDim].
func (m *Model) Encode(images *Node, mode nn.Mode) (mu, logVar *Node) {
	x := images
	for i, conv := range m.encoderConvs {
		x = conv.Apply(x)
		x = m.encoderNorms[i].Apply(x, mode)
		x = nn.LeakyReLU(x, LeakyReLUAlpha)
	}
	x = nn.Flatten(x)
	x = m.hidden.Apply(x)
	x = m.hiddenNorm.Apply(x, mode)
	x = nn.ReLU(x)
	return m.muHead.Apply(x), m.logVarHead.Apply(x)
}

// Decode maps latent vectors [batch, LatentDim] to images in [-1, 1].
func (m *Model) Decode(z *Node, mode nn.Mode) *Node {
	batch := z.Shape().Dimensions[0]
	base := m.Config.BaseSize()
	x := m.latentDense.Apply(z)
	x = m.latentNorm.Apply(x, mode)
	x = nn.LeakyReLU(x, LeakyReLUAlpha)
	x = Reshape(x, batch, base, base, m.Config.Filters[len(m.Config.Filters)-1])
	for i, conv := range m.decoderConvs {
		x = nn.Upsample2x(x)
		x = conv.Apply(x)
		x = m.decoderNorms[i].Apply(x, mode)
		x = nn.LeakyReLU(x, LeakyReLUAlpha)
	}
	x = nn.Upsample2x(x)
	return Tanh(m.outputConv.Apply(x))
}

// Forward runs encode, reparametrize and decode. The noise of the reparametrization is
// drawn from the random number generator state of ctx.
func (m *Model) Forward(ctx *context.Context, images *Node, mode nn.Mode) (reconstruction, mu, logVar *Node) {
	mu, logVar = m.Encode(images, mode)
	z := Reparametrize(ctx, mu, logVar)
	reconstruction = m.Decode(z, mode)
	return
}

// Reparametrize returns z = mu + exp(0.5*logVar) * eps, with eps ~ N(0, 1) freshly drawn from ctx's
// random number generator every time the graph is executed.
func Reparametrize(ctx *context.Context, mu, logVar *Node) *Node {
	eps := ctx.RandomNormal(mu.Graph(), mu.Shape())
	return ReparametrizeWithNoise(mu, logVar, eps)
}

// ReparametrizeWithNoise returns z = mu + exp(0.5*logVar) * eps.
//
// It is differentiable with respect to mu and logVar, while eps is treated as a constant sample.
func ReparametrizeWithNoise(mu, logVar, eps *Node) *Node {
	std := Exp(MulScalar(logVar, 0.5))
	return Add(mu, Mul(std, StopGradient(eps)))
}
