// Package config holds the run configuration of facegen: the paths from the environment,
// the run tag, and the hyperparameters, stored as context parameters so they can be overridden
// from the command line.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/jdecid/FaceGen/ml/data"
	"github.com/jdecid/FaceGen/ml/models/gan"
	"github.com/jdecid/FaceGen/ml/models/vae"
	"github.com/jdecid/FaceGen/ml/strategies/adversarial"
	"github.com/jdecid/FaceGen/ml/strategies/variational"
	"github.com/jdecid/FaceGen/ml/train/optimizers"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Environment variables read for the paths.
const (
	EnvDatasetPath   = "DATASET_PATH"
	EnvCheckpointDir = "CKPT_DIR"
)

// Model families selectable with the "model" hyperparameter.
const (
	ModelVAE = "vae"
	ModelGAN = "gan"
)

// LoadEnv loads environment variables from the given files, ".env" by default.
// Variables already set are not overridden, and missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		exists, err := data.FileExists(file)
		if err != nil {
			return err
		}
		if !exists {
			klog.V(1).Infof("no environment file %q", file)
			continue
		}
		if err = godotenv.Load(file); err != nil {
			return errors.Wrapf(err, "failed to load environment file %q", file)
		}
		klog.V(1).Infof("loaded environment from %q", file)
	}
	return nil
}

// ConfigurationError is returned when required configuration is missing. It is reported
// before any training starts.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("missing configuration: %s", strings.Join(e.Missing, ", "))
}

// Paths of the dataset and of the checkpoints root directory.
type Paths struct {
	Data        string
	Checkpoints string
}

// PathsFromEnv returns the given paths, falling back to the environment for the empty ones.
// "~" is expanded to the home directory.
func PathsFromEnv(dataPath, checkpointsPath string) Paths {
	if dataPath == "" {
		dataPath = os.Getenv(EnvDatasetPath)
	}
	if checkpointsPath == "" {
		checkpointsPath = os.Getenv(EnvCheckpointDir)
	}
	return Paths{Data: data.ReplaceTildeInDir(dataPath), Checkpoints: data.ReplaceTildeInDir(checkpointsPath)}
}

// Validate returns a *ConfigurationError if a path is not set, or if the dataset directory doesn't exist.
// The checkpoints directory is created when the first checkpoint is saved.
func (p Paths) Validate() error {
	var missing []string
	if p.Data == "" {
		missing = append(missing, EnvDatasetPath)
	} else if info, err := os.Stat(p.Data); err != nil || !info.IsDir() {
		missing = append(missing, fmt.Sprintf("%s (%q is not a directory)", EnvDatasetPath, p.Data))
	}
	if p.Checkpoints == "" {
		missing = append(missing, EnvCheckpointDir)
	}
	if len(missing) > 0 {
		return &ConfigurationError{Missing: missing}
	}
	return nil
}

// RunTag identifies a training run: the wall-clock time with microseconds, followed by the seed,
// e.g. "2024-05-06-07-08-09.123456_42".
func RunTag(now time.Time, seed int64) string {
	return fmt.Sprintf("%s_%d", now.Format("2006-01-02-15-04-05.000000"), seed)
}

// Seed returns seed, or one derived from the clock if it is 0.
func Seed(seed int64, now time.Time) int64 {
	if seed != 0 {
		return seed
	}
	return now.UnixNano() & 0x7fff_ffff
}

// CreateDefaultContext returns a context with all hyperparameters set to their default values.
func CreateDefaultContext() *context.Context {
	vaeDefaults := variational.DefaultConfig()
	ganDefaults := adversarial.DefaultConfig()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		"model":               ModelVAE,
		"num_epochs":          100,
		"batch_size":          128,
		"image_size":          64,
		"validation_size":     0, // 0 means batch_size.
		"checkpoint_interval": 1,
		"sample_interval":     100,
		"checkpoint_dtype":    "float32",
		"num_samples":         vaeDefaults.NumSamples,
		"random_flips":        0.5,
		"adam_epsilon":        1e-8,
		"adam_weight_decay":   0.0,
		"adamax":              false,

		"vae_learning_rate": vaeDefaults.LearningRate,
		"vae_patience":      vaeDefaults.Patience,
		"vae_kl_weight":     vaeDefaults.KLWeight,
		"vae_latent_dim":    vaeDefaults.Model.LatentDim,
		"vae_channels":      vaeDefaults.Model.Filters[0],
		"vae_hidden_dim":    vaeDefaults.Model.HiddenDim,

		"gan_latent_dim":                  ganDefaults.Model.LatentDim,
		"gan_generator_learning_rate":     ganDefaults.GeneratorLearningRate,
		"gan_discriminator_learning_rate": ganDefaults.DiscriminatorLearningRate,
		"gan_beta1":                       ganDefaults.Beta1,
		"gan_label_std":                   ganDefaults.LabelStdDev,
		"gan_instance_noise":              ganDefaults.InstanceNoise,
		"gan_channels":                    ganDefaults.Model.Filters[0],
		"gan_checkpoints":                 ganDefaults.Checkpoints,
	})
	return ctx
}

// NumConvLayers is the number of convolutions of the encoder and discriminator: the filters double
// at each layer, starting from the "vae_channels" or "gan_channels" hyperparameter.
const NumConvLayers = 4

func doublingFilters(base int) []int {
	filters := make([]int, NumConvLayers)
	for i := range filters {
		filters[i] = base << i
	}
	return filters
}

// Training hyperparameters shared by all model families.
type Training struct {
	Model              string
	NumEpochs          int
	BatchSize          int
	ImageSize          int
	ValidationSize     int
	CheckpointInterval int
	SampleInterval     int
	CheckpointDType    dtypes.DType
	RandomFlips        float64
}

// TrainingFromContext extracts the Training hyperparameters from ctx.
func TrainingFromContext(ctx *context.Context) (Training, error) {
	t := Training{
		Model:              context.GetParamOr(ctx, "model", ModelVAE),
		NumEpochs:          context.GetParamOr(ctx, "num_epochs", 100),
		BatchSize:          context.GetParamOr(ctx, "batch_size", 128),
		ImageSize:          context.GetParamOr(ctx, "image_size", 64),
		ValidationSize:     context.GetParamOr(ctx, "validation_size", 0),
		CheckpointInterval: context.GetParamOr(ctx, "checkpoint_interval", 1),
		SampleInterval:     context.GetParamOr(ctx, "sample_interval", 100),
		RandomFlips:        context.GetParamOr(ctx, "random_flips", 0.5),
	}
	if t.Model != ModelVAE && t.Model != ModelGAN {
		return t, errors.Errorf("unknown model %q, valid values are %q and %q", t.Model, ModelVAE, ModelGAN)
	}
	if t.NumEpochs <= 0 || t.BatchSize <= 0 || t.ImageSize <= 0 {
		return t, errors.Errorf("num_epochs, batch_size and image_size must be positive: %+v", t)
	}
	if t.ValidationSize <= 0 {
		t.ValidationSize = t.BatchSize
	}
	switch dtype := context.GetParamOr(ctx, "checkpoint_dtype", "float32"); dtype {
	case "float32":
		t.CheckpointDType = dtypes.Float32
	case "float16":
		t.CheckpointDType = dtypes.Float16
	default:
		return t, errors.Errorf("checkpoint_dtype must be \"float32\" or \"float16\", got %q", dtype)
	}
	return t, nil
}

func adamSettings(ctx *context.Context) optimizers.AdamSettings {
	return optimizers.AdamSettings{
		Epsilon:     context.GetParamOr(ctx, "adam_epsilon", 1e-8),
		WeightDecay: context.GetParamOr(ctx, "adam_weight_decay", 0.0),
		Adamax:      context.GetParamOr(ctx, "adamax", false),
	}
}

// Variational returns the configuration of the variational strategy from the hyperparameters in ctx.
func Variational(ctx *context.Context, seed int64, runTag string) variational.Config {
	defaults := variational.DefaultConfig()
	return variational.Config{
		Model: vae.Config{
			ImageSize: context.GetParamOr(ctx, "image_size", defaults.Model.ImageSize),
			Channels:  data.Channels,
			LatentDim: context.GetParamOr(ctx, "vae_latent_dim", defaults.Model.LatentDim),
			HiddenDim: context.GetParamOr(ctx, "vae_hidden_dim", defaults.Model.HiddenDim),
			Filters:   doublingFilters(context.GetParamOr(ctx, "vae_channels", defaults.Model.Filters[0])),
		},
		LearningRate: context.GetParamOr(ctx, "vae_learning_rate", defaults.LearningRate),
		Adam:         adamSettings(ctx),
		Patience:     context.GetParamOr(ctx, "vae_patience", defaults.Patience),
		KLWeight:     context.GetParamOr(ctx, "vae_kl_weight", defaults.KLWeight),
		NumSamples:   context.GetParamOr(ctx, "num_samples", defaults.NumSamples),
		Seed:         seed,
		RunTag:       runTag,
	}
}

// Adversarial returns the configuration of the adversarial strategy from the hyperparameters in ctx.
func Adversarial(ctx *context.Context, seed int64, runTag string) adversarial.Config {
	defaults := adversarial.DefaultConfig()
	return adversarial.Config{
		Model: gan.Config{
			ImageSize: context.GetParamOr(ctx, "image_size", defaults.Model.ImageSize),
			Channels:  data.Channels,
			LatentDim: context.GetParamOr(ctx, "gan_latent_dim", defaults.Model.LatentDim),
			Filters:   doublingFilters(context.GetParamOr(ctx, "gan_channels", defaults.Model.Filters[0])),
		},
		GeneratorLearningRate:     context.GetParamOr(ctx, "gan_generator_learning_rate", defaults.GeneratorLearningRate),
		DiscriminatorLearningRate: context.GetParamOr(ctx, "gan_discriminator_learning_rate", defaults.DiscriminatorLearningRate),
		Beta1:                     context.GetParamOr(ctx, "gan_beta1", defaults.Beta1),
		Beta2:                     defaults.Beta2,
		Adam:                      adamSettings(ctx),
		LabelStdDev:               context.GetParamOr(ctx, "gan_label_std", defaults.LabelStdDev),
		InstanceNoise:             context.GetParamOr(ctx, "gan_instance_noise", defaults.InstanceNoise),
		NumSamples:                context.GetParamOr(ctx, "num_samples", defaults.NumSamples),
		Checkpoints:               context.GetParamOr(ctx, "gan_checkpoints", defaults.Checkpoints),
		Seed:                      seed,
		RunTag:                    runTag,
	}
}
