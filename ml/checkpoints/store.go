package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// FilePermMode is the permission (before umask) of checkpoint files.
	FilePermMode = os.FileMode(0660)
)

// Extension of checkpoint files.
const Extension = ".ckpt"

// Store saves and loads checkpoints under a root directory.
type Store struct {
	// Root directory, where one subdirectory per run is created.
	Root string

	// DType used to encode values: dtypes.Float32 (default) or dtypes.Float16.
	DType dtypes.DType

	// Session identifies the process that wrote the checkpoints.
	Session string
}

// NewStore creates a Store under root, with a new session id.
// The root directory itself is only created when the first run directory is needed.
func NewStore(root string) *Store {
	return &Store{Root: root, DType: dtypes.Float32, Session: uuid.NewString()}
}

// WithDType sets the encoding dtype of saved values and returns the store.
func (s *Store) WithDType(dtype dtypes.DType) *Store {
	s.DType = dtype
	return s
}

// RunDirName returns the name of the directory of a run, "<family>_<runTag>".
func RunDirName(family, runTag string) string {
	return family + "_" + runTag
}

// FileName returns the file name of the checkpoint of the given epoch.
func FileName(epoch int) string {
	return strconv.Itoa(epoch) + Extension
}

// RunDir returns the directory of the run, creating it (and the root) if absent.
func (s *Store) RunDir(family, runTag string) (string, error) {
	if s.Root == "" {
		return "", errors.New("checkpoint store has no root directory")
	}
	dir := filepath.Join(s.Root, RunDirName(family, runTag))
	fi, err := os.Stat(dir)
	if err == nil {
		if !fi.IsDir() {
			return "", errors.Errorf("checkpoint path %q exists but it's a normal file, not a directory", dir)
		}
		return dir, nil
	}
	if !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "failed to os.Stat(%q)", dir)
	}
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		return "", errors.Wrapf(err, "trying to create dir %q", dir)
	}
	klog.V(1).Infof("created checkpoint directory %q", dir)
	return dir, nil
}

// Save writes the checkpoint to <root>/<family>_<runTag>/<epoch>.ckpt and returns its path.
// The file is first written to a temporary name and then renamed, so a partial checkpoint is never
// left under the final name.
func (s *Store) Save(c *Checkpoint) (string, error) {
	dir, err := s.RunDir(c.Family, c.RunTag)
	if err != nil {
		return "", err
	}
	if c.Session == "" {
		stamped := *c
		stamped.Session = s.Session
		c = &stamped
	}
	blob, err := Encode(c, s.DType)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName(c.Epoch))
	tmpPath := path + ".tmp"
	if err = os.WriteFile(tmpPath, blob, FilePermMode); err != nil {
		return "", errors.Wrapf(err, "failed to write checkpoint to %q", tmpPath)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", errors.Wrapf(err, "failed to rename %q to %q", tmpPath, path)
	}
	klog.Infof("checkpoint %s (%s values, %s)", path,
		humanize.Comma(int64(c.NumValues())), humanize.Bytes(uint64(len(blob))))
	return path, nil
}

// Load reads the checkpoint file at path.
func (s *Store) Load(path string) (*Checkpoint, error) {
	return Load(path)
}

// Load reads the checkpoint file at path.
func Load(path string) (*Checkpoint, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint %q", path)
	}
	c, err := Decode(blob)
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", path)
	}
	klog.V(1).Infof("loaded %s checkpoint %q: epoch %d, %d variables", c.Family, path, c.Epoch, len(c.Weights))
	return c, nil
}

// Epochs lists the epochs with a checkpoint in the run directory dir, in increasing order.
func Epochs(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list checkpoints in %q", dir)
	}
	var epochs []int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, Extension) {
			continue
		}
		epoch, err := strconv.Atoi(strings.TrimSuffix(name, Extension))
		if err != nil {
			continue
		}
		epochs = append(epochs, epoch)
	}
	slices.Sort(epochs)
	return epochs, nil
}

// Resolve returns the checkpoint file for path: path itself if it is a file, or the
// checkpoint of the latest epoch if it is a run directory.
func Resolve(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrapf(err, "checkpoint %q", path)
	}
	if !fi.IsDir() {
		return path, nil
	}
	epochs, err := Epochs(path)
	if err != nil {
		return "", err
	}
	if len(epochs) == 0 {
		return "", errors.Errorf("no checkpoints in %q", path)
	}
	return filepath.Join(path, FileName(epochs[len(epochs)-1])), nil
}

// String implements fmt.Stringer.
func (c *Checkpoint) String() string {
	return fmt.Sprintf("%s/%s", RunDirName(c.Family, c.RunTag), FileName(c.Epoch))
}
