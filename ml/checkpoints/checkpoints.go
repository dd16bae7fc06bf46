// Package checkpoints implements saving and loading of model parameters.
//
// A Checkpoint is an immutable snapshot of one or more parameter sets (nn.Params), running
// statistics included, tagged by model family, run tag and epoch. Checkpoints are written
// by a Store under
//
//	<root>/<family>_<run-tag>/<epoch>.ckpt
//
// and never modified or evicted afterwards.
//
// Example: save at the end of an epoch, and later restore into a freshly built model.
//
//	store := checkpoints.NewStore(*flagCheckpoints)
//	ckpt, err := checkpoints.FromParams("VAE", runTag, epoch, model.Config, model.Params)
//	if err != nil { … }
//	path, err := store.Save(ckpt)
//	…
//	loaded, err := store.Load(path)
//	err = loaded.Restore(freshModel.Params)
package checkpoints

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/jdecid/FaceGen/ml/nn"
	"github.com/pkg/errors"
)

// Weight is the saved value of one variable.
type Weight struct {
	Name string
	Kind nn.Kind
	Role nn.Role
	Dims []int

	// Values in row-major order. They are always held as float32 in memory: the encoding dtype
	// (float32 or float16) is chosen by the Store.
	Values []float32
}

// Checkpoint is a snapshot of model parameters.
type Checkpoint struct {
	Family  string
	RunTag  string
	Epoch   int
	Session string
	Created time.Time

	// Config is the JSON encoded model configuration, used to rebuild the model for generation.
	Config json.RawMessage

	Weights []*Weight
}

// ShapeMismatchError is returned by Checkpoint.Restore when a saved variable and the model variable
// with the same name have different shapes.
type ShapeMismatchError struct {
	Name      string
	Want, Got []int
}

// Error implements error.
func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("checkpoint variable %q has shape %v, model expects %v", e.Name, e.Got, e.Want)
}

// FromParams copies the current values of the parameter sets into a new Checkpoint.
//
// config is JSON encoded into the checkpoint, it can be nil.
func FromParams(family, runTag string, epoch int, config any, params ...*nn.Params) (*Checkpoint, error) {
	ckpt := &Checkpoint{
		Family:  family,
		RunTag:  runTag,
		Epoch:   epoch,
		Created: time.Now(),
	}
	if config != nil {
		blob, err := json.Marshal(config)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode model config for %s checkpoint", family)
		}
		ckpt.Config = blob
	}
	seen := make(map[string]bool)
	for _, ps := range params {
		for _, p := range ps.All() {
			name := p.Name()
			if seen[name] {
				return nil, errors.Errorf("variable %q appears in more than one parameter set", name)
			}
			seen[name] = true
			shape := p.Var.Shape()
			if shape.DType != dtypes.Float32 {
				return nil, errors.Errorf("variable %q has dtype %s, only float32 variables can be checkpointed",
					name, shape.DType)
			}
			ckpt.Weights = append(ckpt.Weights, &Weight{
				Name:   name,
				Kind:   p.Kind,
				Role:   p.Role,
				Dims:   slices.Clone(shape.Dimensions),
				Values: tensors.CopyFlatData[float32](p.Var.Value()),
			})
		}
	}
	return ckpt, nil
}

// Get returns the saved weight with the given variable name, or nil.
func (c *Checkpoint) Get(name string) *Weight {
	for _, w := range c.Weights {
		if w.Name == name {
			return w
		}
	}
	return nil
}

// NumValues returns the total number of scalar values saved.
func (c *Checkpoint) NumValues() int {
	var total int
	for _, w := range c.Weights {
		total += len(w.Values)
	}
	return total
}

// DecodeConfig unmarshals the saved model configuration into config.
func (c *Checkpoint) DecodeConfig(config any) error {
	if len(c.Config) == 0 {
		return errors.Errorf("%s checkpoint for epoch %d has no model config", c.Family, c.Epoch)
	}
	if err := json.Unmarshal(c.Config, config); err != nil {
		return errors.Wrapf(err, "failed to decode model config of %s checkpoint", c.Family)
	}
	return nil
}

// Restore copies the saved values into the variables of the parameter sets, matching them by name.
//
// Every variable of params must be in the checkpoint and every saved weight must be used, otherwise
// an error is returned. A variable whose shape differs from the saved one returns a *ShapeMismatchError.
// Nothing is modified if an error is returned.
func (c *Checkpoint) Restore(params ...*nn.Params) error {
	type assignment struct {
		param  *nn.Param
		weight *Weight
	}
	var assignments []assignment
	used := make(map[string]bool, len(c.Weights))
	for _, ps := range params {
		for _, p := range ps.All() {
			name := p.Name()
			w := c.Get(name)
			if w == nil {
				return errors.Errorf("variable %q missing from %s checkpoint (epoch %d)", name, c.Family, c.Epoch)
			}
			want := p.Var.Shape().Dimensions
			if !slices.Equal(want, w.Dims) {
				return &ShapeMismatchError{Name: name, Want: slices.Clone(want), Got: slices.Clone(w.Dims)}
			}
			used[name] = true
			assignments = append(assignments, assignment{p, w})
		}
	}
	for _, w := range c.Weights {
		if !used[w.Name] {
			return errors.Errorf("%s checkpoint has unknown variable %q", c.Family, w.Name)
		}
	}
	for _, a := range assignments {
		a.param.Var.SetValue(tensors.FromFlatDataAndDimensions(slices.Clone(a.weight.Values), a.weight.Dims...))
	}
	return nil
}
