// internal/execution/executor.go
// 执行器边界。策略主循环只依赖这个接口，
// 实盘和模拟盘在边界两侧互换。
package execution

import (
	"context"

	"futures-script-trader/internal/model"
)

// Executor 接收风控收敛后的订单指令并执行。
type Executor interface {
	// Execute 执行一笔开仓指令 (含止损止盈挂单)。
	Execute(ctx context.Context, instr model.OrderInstruction) error
	// Account 返回当前账户资金状态。
	Account(ctx context.Context) (model.AccountState, error)
	// Positions 返回当前全部非零持仓。
	Positions(ctx context.Context) ([]model.Position, error)
}
