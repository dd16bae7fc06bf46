// Package gan implements the generator and discriminator of the adversarial model.
//
// The generator maps latent vectors to channels-last images in [-1, 1], upsampling from a
// small base resolution. The discriminator is a stack of stride-2 convolutions ending in a
// dense layer and a sigmoid, returning the probability that each image is real.
package gan

import (
	"math/rand/v2"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/jdecid/FaceGen/ml/nn"
	"github.com/pkg/errors"
)

// LeakyReLUAlpha is the negative slope of the discriminator leaky ReLUs.
const LeakyReLUAlpha = 0.2

// Config of the generator and discriminator architectures.
type Config struct {
	ImageSize int   `json:"image_size"`
	Channels  int   `json:"channels"`
	LatentDim int   `json:"latent_dim"`
	Filters   []int `json:"filters"`
}

// Validate checks the configuration is consistent.
func (c Config) Validate() error {
	if c.ImageSize <= 0 || c.Channels <= 0 || c.LatentDim <= 0 {
		return errors.Errorf("gan.Config: image size, channels and latent dimension must be positive: %+v", c)
	}
	if len(c.Filters) == 0 {
		return errors.Errorf("gan.Config: at least one convolution filter count is required")
	}
	factor := 1 << len(c.Filters)
	if c.ImageSize%factor != 0 {
		return errors.Errorf("gan.Config: image size %d must be divisible by 2^%d=%d", c.ImageSize, len(c.Filters), factor)
	}
	return nil
}

// BaseSize is the generator's starting spatial size.
func (c Config) BaseSize() int {
	return c.ImageSize >> len(c.Filters)
}

// Generator maps latent vectors to images.
type Generator struct {
	Config Config
	Params *nn.Params

	latent     *nn.Dense
	latentNorm *nn.BatchNorm
	convs      []*nn.Conv2D
	norms      []*nn.BatchNorm
	output     *nn.Conv2D
}

// NewGenerator creates the generator variables under ctx.
func NewGenerator(ctx *context.Context, config Config, src rand.Source) (*Generator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	g := &Generator{Config: config, Params: nn.NewParams()}
	b := nn.NewBuilder(ctx, g.Params, src)
	base := config.BaseSize()
	last := config.Filters[len(config.Filters)-1]
	g.latent = nn.NewDense(b.In("latent"), config.LatentDim, base*base*last, false)
	g.latentNorm = nn.NewBatchNorm(b.In("latent_norm"), base*base*last)
	for i := len(config.Filters) - 1; i >= 1; i-- {
		idx := len(g.convs)
		g.convs = append(g.convs, nn.NewConv2D(b.Inf("%03d_conv", idx), config.Filters[i], config.Filters[i-1], 3, 1, false))
		g.norms = append(g.norms, nn.NewBatchNorm(b.Inf("%03d_norm", idx), config.Filters[i-1]))
	}
	g.output = nn.NewConv2D(b.In("output"), config.Filters[0], config.Channels, 3, 1, true)
	return g, nil
}

// Apply maps z, shaped [batch, LatentDim], to images shaped [batch, ImageSize, ImageSize, Channels] in [-1, 1].
func (g *Generator) Apply(z *Node, mode nn.Mode) *Node {
	batch := z.Shape().Dimensions[0]
	base := g.Config.BaseSize()
	x := g.latent.Apply(z)
	x = g.latentNorm.Apply(x, mode)
	x = nn.ReLU(x)
	x = Reshape(x, batch, base, base, g.Config.Filters[len(g.Config.Filters)-1])
	for i, conv := range g.convs {
		x = nn.Upsample2x(x)
		x = conv.Apply(x)
		x = g.norms[i].Apply(x, mode)
		x = nn.ReLU(x)
	}
	x = nn.Upsample2x(x)
	return Tanh(g.output.Apply(x))
}

// Discriminator estimates the probability of images being real.
type Discriminator struct {
	Config Config
	Params *nn.Params

	convs []*nn.Conv2D
	norms []*nn.BatchNorm // norms[0] is nil: the first block has no normalization.
	dense *nn.Dense
}

// NewDiscriminator creates the discriminator variables under ctx.
func NewDiscriminator(ctx *context.Context, config Config, src rand.Source) (*Discriminator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	d := &Discriminator{Config: config, Params: nn.NewParams()}
	b := nn.NewBuilder(ctx, d.Params, src)
	inChannels := config.Channels
	for i, filters := range config.Filters {
		d.convs = append(d.convs, nn.NewConv2D(b.Inf("%03d_conv", i), inChannels, filters, 3, 2, i == 0))
		if i == 0 {
			d.norms = append(d.norms, nil)
		} else {
			d.norms = append(d.norms, nn.NewBatchNorm(b.Inf("%03d_norm", i), filters))
		}
		inChannels = filters
	}
	base := config.BaseSize()
	d.dense = nn.NewDense(b.In("output"), base*base*inChannels, 1, true)
	return d, nil
}

// Apply returns the probabilities, shaped [batch], that the images are real.
func (d *Discriminator) Apply(images *Node, mode nn.Mode) *Node {
	batch := images.Shape().Dimensions[0]
	x := images
	for i, conv := range d.convs {
		x = conv.Apply(x)
		if d.norms[i] != nil {
			x = d.norms[i].Apply(x, mode)
		}
		x = nn.LeakyReLU(x, LeakyReLUAlpha)
	}
	x = d.dense.Apply(nn.Flatten(x))
	return Reshape(Logistic(x), batch)
}
