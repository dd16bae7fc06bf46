package train

import "fmt"

// Status of a finished Loop.Run.
type Status int

const (
	Completed Status = iota
	StoppedEarly
	Failed
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Completed:
		return "Completed"
	case StoppedEarly:
		return "StoppedEarly"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Outcome of a Loop.Run.
type Outcome struct {
	Status Status

	// Epochs started during the run, and Iterations (batches) executed.
	Epochs, Iterations int

	// Stop is set when Status is StoppedEarly.
	Stop *EarlyStop

	// Err is set when Status is Failed. It is the same error returned by Loop.Run.
	Err error
}

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o.Status {
	case StoppedEarly:
		return fmt.Sprintf("%s after %d epochs / %d iterations: %s", o.Status, o.Epochs, o.Iterations, o.Stop)
	case Failed:
		return fmt.Sprintf("%s after %d epochs / %d iterations: %v", o.Status, o.Epochs, o.Iterations, o.Err)
	}
	return fmt.Sprintf("%s after %d epochs / %d iterations", o.Status, o.Epochs, o.Iterations)
}
