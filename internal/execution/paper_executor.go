// internal/execution/paper_executor.go
// 模拟盘执行器：按指令的参考价格立即成交，仓位和资金都在内存里。
// 每根新 K 线调用 Mark 检查止损/止盈是否被扫到。
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"futures-script-trader/internal/model"
	"futures-script-trader/internal/service"

	"go.uber.org/zap"
)

// PaperExecutor 无外部副作用，回测和干跑模式共用。
type PaperExecutor struct {
	logger *zap.Logger

	mu      sync.Mutex
	now     func() time.Time
	balance float64
	open    *paperPosition
	trades  []model.TradeRecord
}

type paperPosition struct {
	instr     model.OrderInstruction
	entryTime time.Time
}

// NewPaperExecutor 创建模拟执行器，initialBalance 是起始资金。
func NewPaperExecutor(initialBalance float64, logger *zap.Logger) *PaperExecutor {
	return &PaperExecutor{
		now:     func() time.Time { return time.Now().UTC() },
		balance: initialBalance,
		logger:  logger.With(zap.String("component", "paper")),
	}
}

// SetClock 覆盖成交时间来源，回测用历史 K 线时间替代墙钟。
func (x *PaperExecutor) SetClock(now func() time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.now = now
}

// Execute 以指令里的参考入场价立即成交。
// 同一时刻只允许一个持仓，已有持仓时拒绝。
func (x *PaperExecutor) Execute(ctx context.Context, instr model.OrderInstruction) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.open != nil {
		return fmt.Errorf("paper position already open on %s: %w", x.open.instr.Symbol, model.ErrRejected)
	}
	x.open = &paperPosition{instr: instr, entryTime: x.now()}
	service.MtxOrders.WithLabelValues("paper", string(instr.Side)).Inc()
	x.logger.Info("Paper position opened", zap.String("instruction", instr.String()))
	return nil
}

// Mark 用一根新的收盘 K 线驱动持仓：
// 最低价触及止损按止损价成交，最高价触及止盈按止盈价成交。
// 同一根 K 线同时扫过两边时按止损处理 (保守假设)。
func (x *PaperExecutor) Mark(candle model.Candle) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.open == nil {
		return
	}
	instr := x.open.instr

	hitSL, hitTP := false, false
	if instr.Side == model.SideBuy {
		hitSL = candle.Low <= instr.StopPrice
		hitTP = candle.High >= instr.TakeProfitPrice
	} else {
		hitSL = candle.High >= instr.StopPrice
		hitTP = candle.Low <= instr.TakeProfitPrice
	}

	switch {
	case hitSL:
		x.closeLocked(instr.StopPrice, candle.OpenAt(), "SL")
	case hitTP:
		x.closeLocked(instr.TakeProfitPrice, candle.OpenAt(), "TP")
	}
}

// CloseAll 以给定价格强平持仓 (回测收尾用)。
func (x *PaperExecutor) CloseAll(price float64, at time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.open != nil {
		x.closeLocked(price, at, "End")
	}
}

// closeLocked 结算并记录一笔平仓，调用方必须持有锁。
func (x *PaperExecutor) closeLocked(exitPrice float64, at time.Time, reason string) {
	instr := x.open.instr
	pnl := (exitPrice - instr.EntryPrice) * instr.Quantity
	if instr.Side == model.SideSell {
		pnl = -pnl
	}
	x.balance += pnl
	service.MtxEquity.Set(x.balance)

	x.trades = append(x.trades, model.TradeRecord{
		Symbol:      instr.Symbol,
		Side:        instr.Side,
		Quantity:    instr.Quantity,
		EntryTime:   x.open.entryTime,
		ExitTime:    at,
		EntryPrice:  instr.EntryPrice,
		ExitPrice:   exitPrice,
		RealizedPnL: pnl,
		ExitReason:  reason,
	})
	x.logger.Info("Paper position closed",
		zap.String("symbol", instr.Symbol),
		zap.String("reason", reason),
		zap.Float64("pnl", pnl),
		zap.Float64("balance", x.balance))
	x.open = nil
}

// Account 返回模拟账户资金。
func (x *PaperExecutor) Account(context.Context) (model.AccountState, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return model.AccountState{
		AvailableBalance:   x.balance,
		TotalMarginBalance: x.balance,
	}, nil
}

// Positions 返回模拟持仓 (至多一个)。
func (x *PaperExecutor) Positions(context.Context) ([]model.Position, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.open == nil {
		return nil, nil
	}
	return []model.Position{{
		Symbol:     x.open.instr.Symbol,
		Side:       x.open.instr.Side,
		Quantity:   x.open.instr.Quantity,
		EntryPrice: x.open.instr.EntryPrice,
		EntryTime:  x.open.entryTime,
	}}, nil
}

// Balance 返回当前模拟资金。
func (x *PaperExecutor) Balance() float64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.balance
}

// Trades 返回全部已平仓记录的副本。
func (x *PaperExecutor) Trades() []model.TradeRecord {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]model.TradeRecord, len(x.trades))
	copy(out, x.trades)
	return out
}

// HasOpenPosition 返回是否有在途持仓。
func (x *PaperExecutor) HasOpenPosition() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.open != nil
}

var _ Executor = (*PaperExecutor)(nil)
var _ Executor = (*LiveExecutor)(nil)
