// Package workerspool runs independent tasks (like decoding image files) with bounded parallelism.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers. A Pool is used for one batch of tasks: start them with Go and wait for all with Wait.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int
	wg             sync.WaitGroup
}

// New returns a new Pool with the given parallelism. If maxParallelism <= 0, runtime.NumCPU() is used.
func New(maxParallelism int) *Pool {
	if maxParallelism <= 0 {
		maxParallelism = runtime.NumCPU()
	}
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism returns the limit of tasks running at the same time.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// Go waits until there is a worker available and runs the task in a separate goroutine.
func (w *Pool) Go(task func()) {
	w.mu.Lock()
	for w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	w.numRunning++
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// Wait blocks until all tasks started with Go have finished.
func (w *Pool) Wait() {
	w.wg.Wait()
}
