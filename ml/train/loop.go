package train

import (
	"io"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/jdecid/FaceGen/ml/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SamplesMetricName is the name under which the Loop forwards samples to the MetricSink.
const SamplesMetricName = "Samples"

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks, called after each Strategy.Update.
type OnStepFn func(loop *Loop) error

// OnEndFn is the type of OnEnd hooks. They are called for every outcome, including failures.
type OnEndFn func(loop *Loop, outcome Outcome) error

// Loop runs the epochs and iterations of training, delegating each batch to the Strategy.
//
// Sampling and checkpointing are scheduled by Run itself. Other tools (progress bar,
// metric flushing) attach through the OnStart, OnStep and OnEnd hooks.
//
// The public attributes are meant for reading only, don't change them.
type Loop struct {
	Strategy Strategy
	Dataset  Dataset
	Device   *device.Context
	Sink     MetricSink

	// Epoch being executed in the current Run, starting from 0.
	Epoch int

	// Iteration is the index of the next batch. It increases monotonically across epochs and runs.
	Iteration int

	// StartIteration is the value of Iteration at the start of the current Run.
	StartIteration int

	// EndIteration is the estimated one-past-last iteration of the current Run, or -1 while unknown
	// (before the first epoch finishes).
	EndIteration int

	// MaxEpochs of the current Run.
	MaxEpochs int

	// StepDurations of the updates in the current Run.
	StepDurations []time.Duration

	initialized bool

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a training loop. sink can be nil, in which case samples are discarded.
func NewLoop(strategy Strategy, ds Dataset, dev *device.Context, sink MetricSink) *Loop {
	if sink == nil {
		sink = NoSink{}
	}
	return &Loop{
		Strategy:     strategy,
		Dataset:      ds,
		Device:       dev,
		Sink:         sink,
		EndIteration: -1,
		onStart:      newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:       newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:        newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// Run trains for maxEpochs epochs.
//
// Before the first epoch of the first Run, it calls Strategy.InitModel. For each batch it calls
// Strategy.Update, and after it, if sampleInterval > 0 and the iteration is a multiple of sampleInterval,
// it forwards Strategy.Sample to the MetricSink. At the end of each epoch, if checkpointInterval > 0 and
// the epoch is a multiple of checkpointInterval, it calls Strategy.SaveCheckpoint.
//
// An *EarlyStop returned by Update ends the run immediately, with status StoppedEarly and a nil error.
// Any other failure ends the run with status Failed, and the error is also returned.
func (loop *Loop) Run(maxEpochs, checkpointInterval, sampleInterval int) (outcome Outcome, err error) {
	loop.StartIteration = loop.Iteration
	loop.EndIteration = -1
	loop.MaxEpochs = maxEpochs
	loop.Epoch = 0
	loop.StepDurations = nil
	defer func() {
		outcome.Iterations = loop.Iteration - loop.StartIteration
		if err != nil {
			outcome.Status = Failed
			outcome.Err = err
		}
		endErr := loop.end(outcome)
		if endErr != nil {
			if err == nil {
				err = errors.WithMessagef(endErr, "Loop.Run(%d epochs): failed end (Iteration=%d)", maxEpochs, loop.Iteration)
				outcome.Status = Failed
				outcome.Err = err
			} else {
				klog.Errorf("Loop.Run: after failure, end hooks also failed: %+v", endErr)
			}
		}
	}()

	if maxEpochs < 0 {
		err = errors.Errorf("Loop.Run: invalid number of epochs %d", maxEpochs)
		return
	}
	if !loop.initialized {
		if err = loop.Strategy.InitModel(loop.Device); err != nil {
			err = errors.WithMessagef(err, "Loop.Run: failed %s.InitModel(%s)", loop.Strategy.Name(), loop.Device)
			return
		}
		loop.initialized = true
	}
	if err = loop.start(); err != nil {
		return
	}

	for loop.Epoch = 0; loop.Epoch < maxEpochs; loop.Epoch++ {
		outcome.Epochs = loop.Epoch + 1
		var stop *EarlyStop
		stop, err = loop.runEpoch(sampleInterval)
		if err != nil {
			err = errors.WithMessagef(err, "Loop.Run(%d epochs): epoch %d", maxEpochs, loop.Epoch)
			return
		}
		if stop != nil {
			klog.Infof("%s: %s", loop.Strategy.Name(), stop)
			outcome.Status = StoppedEarly
			outcome.Stop = stop
			return
		}
		if checkpointInterval > 0 && loop.Epoch%checkpointInterval == 0 {
			if err = loop.Strategy.SaveCheckpoint(loop.Epoch); err != nil {
				err = errors.WithMessagef(err, "Loop.Run: failed %s.SaveCheckpoint(epoch=%d)", loop.Strategy.Name(), loop.Epoch)
				return
			}
		}
	}
	outcome.Status = Completed
	return
}

// runEpoch consumes the dataset until io.EOF, and resets it.
func (loop *Loop) runEpoch(sampleInterval int) (*EarlyStop, error) {
	defer loop.Dataset.Reset()
	yieldsPerEpoch := 0
	for {
		batch, err := loop.Dataset.Yield()
		if err == io.EOF {
			// End of epoch: estimate the end iteration.
			loop.EndIteration = loop.Iteration + yieldsPerEpoch*(loop.MaxEpochs-loop.Epoch-1)
			return nil, nil
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "failed reading from dataset %q (Iteration=%d)", loop.Dataset.Name(), loop.Iteration)
		}
		yieldsPerEpoch++
		stop, err := loop.step(batch, sampleInterval)
		if err != nil || stop != nil {
			return stop, err
		}
	}
}

// step runs one update, the periodic sample and the OnStep hooks.
func (loop *Loop) step(batch Batch, sampleInterval int) (*EarlyStop, error) {
	iteration := loop.Iteration
	startTime := time.Now()
	stop, err := loop.Strategy.Update(batch, iteration)
	loop.StepDurations = append(loop.StepDurations, time.Since(startTime))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed %s.Update(iteration=%d)", loop.Strategy.Name(), iteration)
	}
	loop.Iteration++
	if stop != nil {
		return stop, nil
	}

	if sampleInterval > 0 && iteration%sampleInterval == 0 {
		var sample *tensors.Tensor
		sample, err = loop.Strategy.Sample()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed %s.Sample() (iteration=%d)", loop.Strategy.Name(), iteration)
		}
		klog.V(1).Infof("%s: sample %s at iteration %d", loop.Strategy.Name(), sample.Shape(), iteration)
		loop.Sink.AddImages(SamplesMetricName, sample, iteration)
	}

	loop.onStep.Enumerate(func(hook *hookWithName[OnStepFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop)
		if err != nil {
			err = errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	})
	return nil, err
}

// start of a run. It calls the OnStart hooks.
func (loop *Loop) start() (err error) {
	loop.onStart.Enumerate(func(hook *hookWithName[OnStartFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop)
		if err != nil {
			err = errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	})
	return
}

// end of a run. It calls the OnEnd hooks.
func (loop *Loop) end(outcome Outcome) (err error) {
	loop.onEnd.Enumerate(func(hook *hookWithName[OnEndFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop, outcome)
		if err != nil {
			err = errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	})
	return
}

// MedianStepDuration returns the median duration of the updates of the current run. It returns 1 millisecond
// if no update was recorded (to avoid potential division by 0).
func (loop *Loop) MedianStepDuration() time.Duration {
	if len(loop.StepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.StepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a run.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{
		name: name,
		fn:   fn,
	})
}

// OnStep adds a hook with given priority and name (for error reporting) called after each update.
// It is not called for the update that returned an *EarlyStop.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{
		name: name,
		fn:   fn,
	})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a run.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{
		name: name,
		fn:   fn,
	})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate will call fn for all registered hooks in priority order.
func (h *priorityHooks[H]) Enumerate(fn func(hook H)) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i] < keys[j]
	})
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}
