package sinks

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/jdecid/FaceGen/ml/data"
	"github.com/jdecid/FaceGen/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GridPadding is the number of pixels between images in a grid.
var GridPadding = 2

// ImageDir saves every batch of images it receives as one PNG grid in Dir, named
// "<name>_<iteration>.png".
type ImageDir struct {
	train.NoSink

	Dir string

	mu    sync.Mutex
	err   error
	saved []string
}

var _ train.MetricSink = (*ImageDir)(nil)

// NewImageDir creates an ImageDir sink, creating dir if needed.
func NewImageDir(dir string) (*ImageDir, error) {
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, errors.Wrapf(err, "failed to create images directory %q", dir)
	}
	return &ImageDir{Dir: dir}, nil
}

// AddImages implements train.MetricSink.
func (s *ImageDir) AddImages(name string, images *tensors.Tensor, iteration int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fileName := fmt.Sprintf("%s_%07d.png", strings.ReplaceAll(strings.ToLower(name), " ", "_"), iteration)
	path := filepath.Join(s.Dir, fileName)
	if err := SaveGrid(images, path); err != nil {
		klog.Errorf("image sink: %v", err)
		if s.err == nil {
			s.err = err
		}
		return
	}
	s.saved = append(s.saved, path)
	klog.V(1).Infof("saved %q", path)
}

// Saved returns the paths of the grids saved so far.
func (s *ImageDir) Saved() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.saved...)
}

// Err returns the first error saving a grid, if any.
func (s *ImageDir) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ToImages converts a float32 tensor shaped [n, height, width, channels] with values in [0, 1] to n images.
func ToImages(images *tensors.Tensor) ([]*image.NRGBA, error) {
	if images == nil {
		return nil, errors.New("nil images tensor")
	}
	shape := images.Shape()
	if shape.DType != dtypes.Float32 || shape.Rank() != 4 {
		return nil, errors.Errorf("images must be float32 shaped [n, height, width, channels], got %s", shape)
	}
	n, height, width, channels := shape.Dimensions[0], shape.Dimensions[1], shape.Dimensions[2], shape.Dimensions[3]
	values := tensors.CopyFlatData[float32](images)
	exampleSize := height * width * channels
	imgs := make([]*image.NRGBA, n)
	for i := range n {
		imgs[i] = data.ValuesToImage(values[i*exampleSize:(i+1)*exampleSize], height, width, channels)
	}
	return imgs, nil
}

// SaveGrid arranges the images in a square-ish grid on a black background and saves it to path.
// The format is given by the extension of path.
func SaveGrid(images *tensors.Tensor, path string) error {
	imgs, err := ToImages(images)
	if err != nil {
		return err
	}
	if len(imgs) == 0 {
		return errors.Errorf("no images to save in %q", path)
	}
	cols := int(math.Ceil(math.Sqrt(float64(len(imgs)))))
	rows := (len(imgs) + cols - 1) / cols
	bounds := imgs[0].Bounds()
	cellW, cellH := bounds.Dx()+GridPadding, bounds.Dy()+GridPadding
	grid := imaging.New(cols*cellW+GridPadding, rows*cellH+GridPadding, color.Black)
	for i, img := range imgs {
		pos := image.Pt(GridPadding+(i%cols)*cellW, GridPadding+(i/cols)*cellH)
		grid = imaging.Paste(grid, img, pos)
	}
	return errors.Wrapf(imaging.Save(grid, path), "failed to save image grid")
}

// SaveImages saves each image to dir as "<prefix>_<index>.png", and returns the paths.
func SaveImages(images *tensors.Tensor, dir, prefix string) ([]string, error) {
	imgs, err := ToImages(images)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(dir, 0770); err != nil {
		return nil, errors.Wrapf(err, "failed to create %q", dir)
	}
	paths := make([]string, 0, len(imgs))
	for i, img := range imgs {
		path := filepath.Join(dir, fmt.Sprintf("%s_%04d.png", prefix, i))
		if err = imaging.Save(img, path); err != nil {
			return paths, errors.Wrapf(err, "failed to save %q", path)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
