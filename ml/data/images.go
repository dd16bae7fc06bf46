package data

import (
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/jdecid/FaceGen/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Channels of the images loaded by LoadImageFolder: RGB.
const Channels = 3

// Mean and standard deviation used to normalize pixel values from [0, 1] to [-1, 1].
const (
	NormalizationMean   = 0.5
	NormalizationStdDev = 0.5
)

// ImageExtensions are the file extensions (lower case) read by LoadImageFolder.
var ImageExtensions = []string{".jpg", ".jpeg", ".png"}

// LoadImageFolder reads all images under root, recursively, into an InMemory dataset of RGB images
// of size x size pixels, normalized to [-1, 1].
//
// Each image is resized so its smallest side is size (preserving ratio), and then cropped at the center.
//
// If every image is inside a subdirectory of root, the index of the (sorted) subdirectory is used as
// the label of the image. Otherwise, the dataset has no labels.
//
// Files that cannot be decoded are skipped with a warning.
func LoadImageFolder(root string, size int) (*InMemory, error) {
	root = ReplaceTildeInDir(root)
	if size <= 0 {
		return nil, errors.Errorf("invalid image size %d", size)
	}
	var paths []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if slices.Contains(ImageExtensions, strings.ToLower(filepath.Ext(path))) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images in %q", root)
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images (%s) found in %q", strings.Join(ImageExtensions, ", "), root)
	}
	slices.Sort(paths)
	labels, err := subdirectoryLabels(root, paths)
	if err != nil {
		return nil, err
	}

	exampleSize := size * size * Channels
	decoded := make([][]float32, len(paths))
	var numFailed int
	var mu sync.Mutex
	pool := workerspool.New(0)
	for i, path := range paths {
		pool.Go(func() {
			values, err := loadImage(path, size)
			if err != nil {
				klog.Warningf("skipping image %q: %v", path, err)
				mu.Lock()
				numFailed++
				mu.Unlock()
				return
			}
			decoded[i] = values
		})
	}
	pool.Wait()

	images := make([]float32, 0, (len(paths)-numFailed)*exampleSize)
	var keptLabels []int32
	for i, values := range decoded {
		if values == nil {
			continue
		}
		images = append(images, values...)
		if labels != nil {
			keptLabels = append(keptLabels, labels[i])
		}
	}
	if len(images) == 0 {
		return nil, errors.Errorf("none of the %d images in %q could be read", len(paths), root)
	}
	ds, err := NewInMemory(filepath.Base(root), images, keptLabels, size, size, Channels)
	if err != nil {
		return nil, err
	}
	klog.Infof("loaded %s images of %dx%d from %q (%s)", humanize.Comma(int64(ds.NumExamples())), size, size, root,
		humanize.Bytes(uint64(4*len(images))))
	return ds, nil
}

// subdirectoryLabels returns the index of the first level subdirectory of each path, or nil if any
// of the paths is directly under root.
func subdirectoryLabels(root string, paths []string) ([]int32, error) {
	dirs := make([]string, len(paths))
	for i, path := range paths {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil, errors.Wrapf(err, "image %q is not under %q", path, root)
		}
		parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
		if len(parts) < 2 {
			return nil, nil
		}
		dirs[i] = parts[0]
	}
	classes := slices.Clone(dirs)
	slices.Sort(classes)
	classes = slices.Compact(classes)
	labels := make([]int32, len(paths))
	for i, dir := range dirs {
		idx, _ := slices.BinarySearch(classes, dir)
		labels[i] = int32(idx)
	}
	return labels, nil
}

// loadImage decodes the image file and returns its size x size center crop, normalized, channels-last.
func loadImage(path string, size int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open")
	}
	defer func() { _ = f.Close() }()
	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode")
	}
	return ImageToValues(imaging.Fill(img, size, size, imaging.Center, imaging.Linear)), nil
}

// ImageToValues converts an image to channels-last RGB values normalized to [-1, 1].
func ImageToValues(img image.Image) []float32 {
	nrgba := imaging.Clone(img)
	bounds := nrgba.Bounds()
	values := make([]float32, 0, bounds.Dx()*bounds.Dy()*Channels)
	for y := range bounds.Dy() {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+bounds.Dx()*4]
		for x := range bounds.Dx() {
			for c := range Channels {
				v := float32(row[4*x+c]) / 255
				values = append(values, (v-NormalizationMean)/NormalizationStdDev)
			}
		}
	}
	return values
}

// ValuesToImage converts channels-last values in [0, 1] (RGB or grayscale) to an image.
// Values out of range are clipped.
func ValuesToImage(values []float32, height, width, channels int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			pixel := values[(y*width+x)*channels:]
			offset := y*img.Stride + 4*x
			for c := range 3 {
				v := pixel[min(c, channels-1)]
				img.Pix[offset+c] = uint8(min(max(v, 0), 1)*255 + 0.5)
			}
			img.Pix[offset+3] = 255
		}
	}
	return img
}
