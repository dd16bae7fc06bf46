package train

import (
	"fmt"
	"math"
)

// EarlyStop is the signal a Strategy returns to stop training cleanly.
//
// It is not an error: the Loop reports it as an Outcome with status StoppedEarly.
type EarlyStop struct {
	// Iteration at which the stop was triggered.
	Iteration int

	// BestLoss is the best validation loss seen.
	BestLoss float64

	// Patience is the number of consecutive non-improving evaluations that triggered the stop.
	Patience int
}

// String implements fmt.Stringer.
func (s *EarlyStop) String() string {
	return fmt.Sprintf("early stopping at iteration %d (best at %d, loss=%g)",
		s.Iteration, s.Iteration-s.Patience, s.BestLoss)
}

// EarlyStopping tracks the best validation loss and the number of consecutive evaluations without improvement.
type EarlyStopping struct {
	// Patience is the number of consecutive non-improving evaluations tolerated.
	Patience int

	best    float64
	hasBest bool
	stall   int
}

// NewEarlyStopping creates an EarlyStopping with the given patience.
func NewEarlyStopping(patience int) *EarlyStopping {
	return &EarlyStopping{Patience: patience}
}

// Observe records the validation loss of the given iteration.
//
// A loss strictly lower than the best recorded (or the first loss) becomes the new best and resets the
// stall count to 0. Otherwise, the stall count is incremented, and once it reaches Patience an *EarlyStop
// is returned. A NaN loss never improves.
func (es *EarlyStopping) Observe(loss float64, iteration int) *EarlyStop {
	if !math.IsNaN(loss) && (!es.hasBest || loss < es.best) {
		es.best = loss
		es.hasBest = true
		es.stall = 0
		return nil
	}
	es.stall++
	if es.stall >= es.Patience {
		return &EarlyStop{Iteration: iteration, BestLoss: es.best, Patience: es.Patience}
	}
	return nil
}

// Best returns the best loss recorded, and whether there is one.
func (es *EarlyStopping) Best() (float64, bool) { return es.best, es.hasBest }

// Stall returns the number of consecutive evaluations without improvement.
func (es *EarlyStopping) Stall() int { return es.stall }
