// internal/execution/live_executor.go
// 实盘执行器：通过网关下单。
// 开仓流程: 查重 -> 逐仓 -> 设杠杆 -> 市价入场 -> 止损/止盈条件单。
package execution

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"futures-script-trader/internal/gateway"
	"futures-script-trader/internal/model"
	"futures-script-trader/internal/service"

	"go.uber.org/zap"
)

// LiveExecutor 把订单指令转换成交易所请求。
type LiveExecutor struct {
	gw     *gateway.Client
	logger *zap.Logger

	// 同一时刻只允许一笔开仓流程在途，避免重复触发
	mu sync.Mutex
}

// NewLiveExecutor 创建实盘执行器。
func NewLiveExecutor(gw *gateway.Client, logger *zap.Logger) *LiveExecutor {
	return &LiveExecutor{gw: gw, logger: logger.With(zap.String("component", "executor"))}
}

// Execute 执行开仓指令。入场成功后止损单失败会立即撤单止损，
// 不让裸仓位留在场上。
func (x *LiveExecutor) Execute(ctx context.Context, instr model.OrderInstruction) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	positions, err := x.gw.FetchPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch positions before entry: %w", err)
	}
	for _, p := range positions {
		if p.Symbol == instr.Symbol && sameDirection(p.PositionAmt, instr.Side) {
			return fmt.Errorf("already holding a %s position on %s: %w", instr.Side, instr.Symbol, model.ErrRejected)
		}
	}

	if err := x.gw.SetMarginType(ctx, instr.Symbol, "ISOLATED"); err != nil {
		return fmt.Errorf("set margin type: %w", err)
	}
	if err := x.gw.SetLeverage(ctx, instr.Symbol, int(instr.Leverage)); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}

	entry := url.Values{}
	entry.Set("symbol", instr.Symbol)
	entry.Set("side", string(instr.Side))
	entry.Set("type", "MARKET")
	entry.Set("quantity", formatQty(instr.Quantity))
	orderID, err := x.gw.PlaceOrder(ctx, entry)
	if err != nil {
		return fmt.Errorf("market entry: %w", err)
	}

	closeSide := model.SideSell
	if instr.Side == model.SideSell {
		closeSide = model.SideBuy
	}

	sl := url.Values{}
	sl.Set("symbol", instr.Symbol)
	sl.Set("side", string(closeSide))
	sl.Set("type", "STOP_MARKET")
	sl.Set("stopPrice", formatQty(instr.StopPrice))
	sl.Set("closePosition", "true")
	if _, err := x.gw.PlaceOrder(ctx, sl); err != nil {
		// 止损挂不上就不能持仓，立刻市价平掉
		x.logger.Error("Stop loss order failed, flattening position",
			zap.String("symbol", instr.Symbol), zap.Error(err))
		x.flatten(ctx, instr.Symbol, closeSide, instr.Quantity)
		return fmt.Errorf("stop loss order: %w", err)
	}

	tp := url.Values{}
	tp.Set("symbol", instr.Symbol)
	tp.Set("side", string(closeSide))
	tp.Set("type", "TAKE_PROFIT_MARKET")
	tp.Set("stopPrice", formatQty(instr.TakeProfitPrice))
	tp.Set("closePosition", "true")
	if _, err := x.gw.PlaceOrder(ctx, tp); err != nil {
		x.logger.Warn("Take profit order failed, position keeps stop loss only",
			zap.String("symbol", instr.Symbol), zap.Error(err))
	}

	service.MtxOrders.WithLabelValues("live", string(instr.Side)).Inc()
	x.logger.Info("Position opened",
		zap.Int64("order_id", orderID),
		zap.String("instruction", instr.String()))
	return nil
}

// flatten 市价反向平仓并撤掉该合约的全部挂单，失败只能记日志人工介入。
func (x *LiveExecutor) flatten(ctx context.Context, symbol string, side model.Side, qty float64) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", formatQty(qty))
	params.Set("reduceOnly", "true")
	if _, err := x.gw.PlaceOrder(ctx, params); err != nil {
		x.logger.Error("Emergency flatten failed, manual intervention required",
			zap.String("symbol", symbol), zap.Error(err))
		return
	}
	// 超时等场景下条件单可能已在交易所落地，平仓后一并清掉
	if err := x.gw.CancelAllOpenOrders(ctx, symbol); err != nil {
		x.logger.Error("Open order cleanup failed after flatten",
			zap.String("symbol", symbol), zap.Error(err))
	}
}

// Account 返回交易所账户资金状态。
func (x *LiveExecutor) Account(ctx context.Context) (model.AccountState, error) {
	return x.gw.FetchAccountState(ctx)
}

// Positions 返回交易所当前全部非零持仓。
func (x *LiveExecutor) Positions(ctx context.Context) ([]model.Position, error) {
	raw, err := x.gw.FetchPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Position, 0, len(raw))
	for _, p := range raw {
		side := model.SideBuy
		qty := p.PositionAmt
		if qty < 0 {
			side = model.SideSell
			qty = -qty
		}
		out = append(out, model.Position{
			Symbol:     p.Symbol,
			Side:       side,
			Quantity:   qty,
			EntryPrice: p.EntryPrice,
			UnrealPnL:  p.UnrealizedProfit,
		})
	}
	return out, nil
}

func sameDirection(positionAmt float64, side model.Side) bool {
	if positionAmt == 0 {
		return false
	}
	if side == model.SideBuy {
		return positionAmt > 0
	}
	return positionAmt < 0
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
