// Package data loads the face image datasets and serves them in batches.
//
// LoadImageFolder decodes a directory of images into an InMemory dataset, which implements
// train.Dataset with batching, shuffling, random horizontal flips and a train/validation Split.
package data

import (
	"os"
	"os/user"
	"path"

	"github.com/pkg/errors"
)

// FileExists returns true if file or directory exists.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to os.Stat(%q)", path)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
func ReplaceTildeInDir(dir string) string {
	if len(dir) == 0 || dir[0] != '~' {
		return dir
	}
	usr, err := user.Current()
	if err != nil {
		return dir
	}
	return path.Join(usr.HomeDir, dir[1:])
}
