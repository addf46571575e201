package ta

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineDoRunsJob(t *testing.T) {
	e := NewEngine(2)
	defer e.Close()

	ran := false
	err := e.Do(context.Background(), func() { ran = true })
	require.NoError(t, err)
	assert.True(t, ran)
}

// 池大小限制同时在跑的计算数
func TestEngineBoundsConcurrency(t *testing.T) {
	e := NewEngine(2)
	defer e.Close()

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Do(context.Background(), func() {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

// ctx 到期后调用方提前返回，在跑的计算不受影响
func TestEngineDoCancelledContext(t *testing.T) {
	e := NewEngine(1)

	release := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := e.Do(ctx, func() { <-release })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	e.Close()
}
