package main

import (
	"flag"
	"math/rand/v2"
	"strings"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/jdecid/FaceGen/ml/checkpoints"
	"github.com/jdecid/FaceGen/ml/device"
	"github.com/jdecid/FaceGen/ml/strategies/adversarial"
	"github.com/jdecid/FaceGen/ml/strategies/variational"
	"github.com/jdecid/FaceGen/ui/sinks"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"
)

func runGenerate(args []string) error {
	flagCheckpoint := flag.String("checkpoint", "", "Checkpoint file, or run directory to use its latest checkpoint.")
	flagNum := flag.Int("n", 16, "Number of images to generate.")
	flagOut := flag.String("out", "generated", "Output directory of the images.")
	flagSeed := flag.Int64("seed", 1, "Random seed of the latent vectors.")
	flagBackend := flag.String("backend", "", "Backend configuration, e.g. \"xla:cuda\". Defaults to $GOMLX_BACKEND.")
	flagGrid := flag.Bool("grid", false, "Also save all the images in one grid image.")
	if err := flag.CommandLine.Parse(args); err != nil {
		return err
	}
	if *flagCheckpoint == "" {
		return errors.New("missing -checkpoint")
	}
	if *flagNum <= 0 {
		return errors.Errorf("-n must be positive, got %d", *flagNum)
	}

	path, err := checkpoints.Resolve(*flagCheckpoint)
	if err != nil {
		return err
	}
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return err
	}
	klog.Infof("loaded %s: %s values", ckpt, formatCount(ckpt.NumValues()))
	dev, err := device.New(*flagBackend)
	if err != nil {
		return err
	}

	var generate func(z *tensors.Tensor) (*tensors.Tensor, error)
	var latentDim int
	switch ckpt.Family {
	case variational.Family:
		config := variational.DefaultConfig()
		if err = ckpt.DecodeConfig(&config.Model); err != nil {
			return err
		}
		s, err := variational.New(config, nil, nil, nil)
		if err != nil {
			return err
		}
		if err = restore(s.InitModel, s.Restore, dev, ckpt); err != nil {
			return err
		}
		generate, latentDim = s.Decode, config.Model.LatentDim

	case adversarial.Family:
		config := adversarial.DefaultConfig()
		if err = ckpt.DecodeConfig(&config.Model); err != nil {
			return err
		}
		config.Checkpoints = false
		s, err := adversarial.New(config, nil, nil)
		if err != nil {
			return err
		}
		if err = restore(s.InitModel, s.Restore, dev, ckpt); err != nil {
			return err
		}
		generate, latentDim = s.Generate, config.Model.LatentDim

	default:
		return errors.Errorf("checkpoint %q has unknown model family %q", path, ckpt.Family)
	}

	images, err := generate(latents(*flagNum, latentDim, *flagSeed))
	if err != nil {
		return err
	}
	prefix := strings.ToLower(ckpt.Family)
	paths, err := sinks.SaveImages(images, *flagOut, prefix)
	if err != nil {
		return err
	}
	klog.Infof("saved %d images to %q", len(paths), *flagOut)
	if *flagGrid {
		return sinks.SaveGrid(images, strings.TrimSuffix(*flagOut, "/")+"_grid.png")
	}
	return nil
}

func restore(initModel func(*device.Context) error, restore func(*checkpoints.Checkpoint) error,
	dev *device.Context, ckpt *checkpoints.Checkpoint) error {
	if err := initModel(dev); err != nil {
		return err
	}
	return errors.WithMessagef(restore(ckpt), "restoring %s", ckpt)
}

// latents draws n latent vectors from N(0, 1).
func latents(n, latentDim int, seed int64) *tensors.Tensor {
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(uint64(seed), 0x1a7e)}
	values := make([]float32, n*latentDim)
	for i := range values {
		values[i] = float32(normal.Rand())
	}
	return tensors.FromFlatDataAndDimensions(values, n, latentDim)
}
