// Package nn holds the building blocks of the FaceGen networks: parameters tagged with
// their kind at construction time, the layers that create them, and the weight
// initialization rule that dispatches on those tags.
//
// Variables are created eagerly (at construction) in a gomlx context.Context, so they
// can be enumerated, initialized and checkpointed before any graph is built.
package nn

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

// Kind of parameter group, assigned when a layer is constructed.
type Kind int

const (
	Other Kind = iota
	Convolutional
	Normalization
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Other:
		return "Other"
	case Convolutional:
		return "Convolutional"
	case Normalization:
		return "Normalization"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Role of a parameter within its layer.
type Role int

const (
	Weight Role = iota
	Bias
	// Statistic is a non-trainable running value, like batch normalization averages.
	Statistic
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case Weight:
		return "Weight"
	case Bias:
		return "Bias"
	case Statistic:
		return "Statistic"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Param is a model variable with its kind and role tags.
type Param struct {
	Var  *context.Variable
	Kind Kind
	Role Role
}

// Name returns the absolute scoped name of the variable, e.g. "/vae/encoder/000_conv/weights".
func (p *Param) Name() string {
	return VariableName(p.Var)
}

// Trainable reports whether the optimizer updates this parameter.
func (p *Param) Trainable() bool {
	return p.Role != Statistic
}

// VariableName returns the absolute scoped name of v.
func VariableName(v *context.Variable) string {
	scope := v.Scope()
	if scope == context.RootScope {
		return scope + v.Name()
	}
	return scope + context.ScopeSeparator + v.Name()
}

// Params is the ordered set of parameters of one model.
//
// The order is the order of creation, and it is stable across runs for the same architecture.
type Params struct {
	list   []*Param
	byName map[string]*Param
}

// NewParams creates an empty parameter set.
func NewParams() *Params {
	return &Params{byName: make(map[string]*Param)}
}

// Add registers v with the given tags. It panics if a variable with the same name was already added.
func (ps *Params) Add(v *context.Variable, kind Kind, role Role) *Param {
	p := &Param{Var: v, Kind: kind, Role: role}
	name := p.Name()
	if _, found := ps.byName[name]; found {
		panic(errors.Errorf("nn.Params: variable %q registered twice", name))
	}
	if role == Statistic {
		v.SetTrainable(false)
	}
	ps.list = append(ps.list, p)
	ps.byName[name] = p
	return p
}

// All returns all parameters, including statistics, in creation order.
func (ps *Params) All() []*Param {
	return slices.Clone(ps.list)
}

// Trainable returns the parameters updated by the optimizer, in creation order.
func (ps *Params) Trainable() []*Param {
	trainable := make([]*Param, 0, len(ps.list))
	for _, p := range ps.list {
		if p.Trainable() {
			trainable = append(trainable, p)
		}
	}
	return trainable
}

// Get returns the parameter with the given absolute name, or nil.
func (ps *Params) Get(name string) *Param {
	return ps.byName[name]
}

// Len returns the number of parameters (variables) in the set.
func (ps *Params) Len() int {
	return len(ps.list)
}

// NumValues returns the total number of scalar values held by trainable parameters.
func (ps *Params) NumValues() int {
	var total int
	for _, p := range ps.list {
		if p.Trainable() {
			total += p.Var.Shape().Size()
		}
	}
	return total
}

// ByKind counts the parameters of each kind.
func (ps *Params) ByKind() map[Kind]int {
	counts := make(map[Kind]int)
	for _, p := range ps.list {
		counts[p.Kind]++
	}
	return counts
}
