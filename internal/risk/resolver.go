// internal/risk/resolver.go
// 风控解析：把策略决策按账户资金和交易所约束收敛为具体下单指令。
// 核心不变量：到达止损价时的亏损 = 可用资金 * risk_pct%，误差不超过
// 一个数量步长对应的亏损。
package risk

import (
	"fmt"
	"math"

	"futures-script-trader/internal/model"
)

// DefaultMaintenanceMarginRate 是强平价估算用的固定维持保证金率。
// 真实交易所是分层费率，这里取常数做近似估算。
const DefaultMaintenanceMarginRate = 0.004

// Resolver 持有风控参数，Resolve 并发安全 (纯计算)。
type Resolver struct {
	mmr float64
}

// NewResolver 创建风控解析器，mmr <= 0 时取默认维持保证金率。
func NewResolver(maintenanceMarginRate float64) *Resolver {
	if maintenanceMarginRate <= 0 {
		maintenanceMarginRate = DefaultMaintenanceMarginRate
	}
	return &Resolver{mmr: maintenanceMarginRate}
}

// Resolve 把开仓决策转换为订单指令。
// entryPrice 取窗口最新收盘价，由调用方传入。
// 数量不满足交易所最小约束时返回 ErrBelowMinimum。
func (r *Resolver) Resolve(decision model.TradeDecision, constraints model.SymbolConstraints, account model.AccountState, entryPrice float64) (model.OrderInstruction, error) {
	action := decision.ChosenAction
	if !action.IsOpen() {
		return model.OrderInstruction{}, fmt.Errorf("action %q opens no position: %w", action.Kind, model.ErrRejected)
	}
	if entryPrice <= 0 || math.IsNaN(entryPrice) {
		return model.OrderInstruction{}, fmt.Errorf("invalid entry price %g: %w", entryPrice, model.ErrRejected)
	}
	if action.RiskPct <= 0 || action.RiskPct > 100 {
		return model.OrderInstruction{}, fmt.Errorf("risk percent %g out of range (0, 100]: %w", action.RiskPct, model.ErrRejected)
	}
	if action.StopLossPct <= 0 {
		return model.OrderInstruction{}, fmt.Errorf("stop loss percent %g must be positive: %w", action.StopLossPct, model.ErrRejected)
	}
	if action.RewardRatio <= 0 {
		return model.OrderInstruction{}, fmt.Errorf("reward ratio %g must be positive: %w", action.RewardRatio, model.ErrRejected)
	}
	if action.Leverage < 1 {
		return model.OrderInstruction{}, fmt.Errorf("leverage %g below 1: %w", action.Leverage, model.ErrRejected)
	}
	if constraints.MaxLeverage > 0 && action.Leverage > constraints.MaxLeverage {
		return model.OrderInstruction{}, fmt.Errorf("leverage %g exceeds maximum %gx for %s: %w",
			action.Leverage, constraints.MaxLeverage, decision.Symbol, model.ErrRejected)
	}
	if account.AvailableBalance <= 0 {
		return model.OrderInstruction{}, fmt.Errorf("available balance %g, nothing to risk: %w", account.AvailableBalance, model.ErrRejected)
	}

	riskAmount := account.AvailableBalance * action.RiskPct / 100
	stopDistance := entryPrice * action.StopLossPct / 100

	// 数量由风险金额决定：打到止损价正好亏掉 riskAmount
	quantity := riskAmount / stopDistance
	quantity = floorToStep(quantity, constraints.StepSize)
	if quantity < 0 {
		quantity = 0
	}

	if constraints.MinQty > 0 && quantity < constraints.MinQty {
		return model.OrderInstruction{}, fmt.Errorf("quantity %.10g below minimum %.10g for %s: %w",
			quantity, constraints.MinQty, decision.Symbol, model.ErrBelowMinimum)
	}
	if constraints.MinNotional > 0 && quantity*entryPrice < constraints.MinNotional {
		return model.OrderInstruction{}, fmt.Errorf("notional %.10g below minimum %.10g for %s: %w",
			quantity*entryPrice, constraints.MinNotional, decision.Symbol, model.ErrBelowMinimum)
	}

	side := model.SideBuy
	var stopPrice, takeProfit float64
	if action.Kind == model.ActionOpenLong {
		stopPrice = entryPrice - stopDistance
		takeProfit = entryPrice + stopDistance*action.RewardRatio
	} else {
		side = model.SideSell
		stopPrice = entryPrice + stopDistance
		takeProfit = entryPrice - stopDistance*action.RewardRatio
	}
	if stopPrice <= 0 {
		return model.OrderInstruction{}, fmt.Errorf("stop price %g not positive: %w", stopPrice, model.ErrRejected)
	}

	return model.OrderInstruction{
		Symbol:              decision.Symbol,
		Side:                side,
		Quantity:            roundToPrecision(quantity, constraints.QuantityPrecision),
		Leverage:            action.Leverage,
		EntryPrice:          entryPrice,
		StopPrice:           roundToPrecision(stopPrice, constraints.PricePrecision),
		TakeProfitPrice:     roundToPrecision(takeProfit, constraints.PricePrecision),
		EstLiquidationPrice: r.EstimateLiquidation(entryPrice, action.Leverage, side),
	}, nil
}

// EstimateLiquidation 按固定维持保证金率估算强平价。
// 只是近似值，不能替代交易所的分层计算。
func (r *Resolver) EstimateLiquidation(entryPrice, leverage float64, side model.Side) float64 {
	if leverage < 1 {
		return 0
	}
	if side == model.SideBuy {
		return entryPrice * (1 - 1/leverage + r.mmr)
	}
	return entryPrice * (1 + 1/leverage - r.mmr)
}

// floorToStep 把数量向下取整到步长的整数倍。step <= 0 时原样返回。
func floorToStep(quantity, step float64) float64 {
	if step <= 0 {
		return quantity
	}
	return math.Floor(quantity/step) * step
}

// roundToPrecision 按小数位数舍入，消除浮点步长取整的尾差。
func roundToPrecision(v float64, precision int) float64 {
	if precision <= 0 {
		return v
	}
	factor := math.Pow(10, float64(precision))
	return math.Round(v*factor) / factor
}
