package workerspool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolLimitsParallelism(t *testing.T) {
	const maxParallelism = 3
	pool := New(maxParallelism)
	assert.Equal(t, maxParallelism, pool.MaxParallelism())

	var running, peak, done atomic.Int32
	for range 50 {
		pool.Go(func() {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			running.Add(-1)
			done.Add(1)
		})
	}
	pool.Wait()
	assert.Equal(t, int32(50), done.Load())
	assert.LessOrEqual(t, peak.Load(), int32(maxParallelism))
}

func TestPoolDefaultParallelism(t *testing.T) {
	assert.Positive(t, New(0).MaxParallelism())
}
