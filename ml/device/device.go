// Package device holds the compute device handle passed explicitly to the model strategies.
package device

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context is the compute device a model is placed on: all computation graphs of a
// strategy are compiled and executed by its backend.
type Context struct {
	Backend backends.Backend
}

// New creates a device Context for the backend configuration, e.g. "xla:cpu" or "xla:cuda".
//
// If config is empty, the GOMLX_BACKEND environment variable is used, and if that is not set either
// the default backend is chosen.
func New(config string) (*Context, error) {
	var backend backends.Backend
	var err error
	if caught := exceptions.TryCatch[error](func() {
		if config == "" {
			backend = backends.New()
			return
		}
		backend, err = backends.NewWithConfig(config)
	}); caught != nil {
		err = caught
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend for config %q", config)
	}
	klog.V(1).Infof("device: %s", backend.Description())
	return &Context{Backend: backend}, nil
}

// FromBackend wraps an already created backend.
func FromBackend(backend backends.Backend) *Context {
	return &Context{Backend: backend}
}

// String returns the backend description.
func (d *Context) String() string {
	if d == nil || d.Backend == nil {
		return "<no device>"
	}
	return d.Backend.Description()
}

// Validate returns an error if the device has no backend.
func (d *Context) Validate() error {
	if d == nil || d.Backend == nil {
		return errors.New("device.Context has no backend")
	}
	return nil
}
