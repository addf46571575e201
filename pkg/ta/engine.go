// pkg/ta/engine.go
// 指标计算的有界工作池。策略求值 goroutine 把 CPU 密集的指标
// 计算丢给池子并阻塞等待结果，行情接收和网关轮询不经过这里，
// 不会被计算挤占。
package ta

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// DefaultWorkers 是默认并发计算 worker 数。
const DefaultWorkers = 4

// Engine 把指标计算约束在固定大小的 goroutine 池上。
type Engine struct {
	p *pool.Pool
}

// NewEngine 创建计算引擎，workers <= 0 时取默认值。
func NewEngine(workers int) *Engine {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Engine{p: pool.New().WithMaxGoroutines(workers)}
}

// Do 在池上执行 job 并等待完成。调用方在此挂起，
// 池满时提交本身也会阻塞。ctx 取消则提前返回，
// 已提交的 job 仍会跑完但结果被丢弃。
func (e *Engine) Do(ctx context.Context, job func()) error {
	done := make(chan struct{})
	e.p.Go(func() {
		defer close(done)
		job()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 等待所有在途计算结束。
func (e *Engine) Close() {
	e.p.Wait()
}
