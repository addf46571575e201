package model

import (
	"fmt"
	"time"
)

// ActionKind 定义了策略脚本可以选择的动作类型。
type ActionKind string

const (
	ActionDoNothing ActionKind = "donothing"
	ActionOpenLong  ActionKind = "long"
	ActionOpenShort ActionKind = "short"
)

// Action 是脚本动作表达式解析后的结构化结果。
// 只有 OpenLong/OpenShort 会携带风险参数，DoNothing 全部为零值。
type Action struct {
	Kind        ActionKind
	RiskPct     float64 // 愿意承担的可用资金百分比 (1 = 1%)
	Leverage    float64 // 请求的杠杆倍数
	StopLossPct float64 // 止损距离，入场价的百分比
	RewardRatio float64 // 盈亏比 (止盈距离 = 止损距离 x RewardRatio)
}

// IsOpen 返回该动作是否会产生开仓指令。
func (a Action) IsOpen() bool {
	return a.Kind == ActionOpenLong || a.Kind == ActionOpenShort
}

func (a Action) String() string {
	if !a.IsOpen() {
		return string(ActionDoNothing)
	}
	return fmt.Sprintf("%s(%.4g%%risk@%.4gx,sl=%.4g%%,rr=%.4g)",
		a.Kind, a.RiskPct, a.Leverage, a.StopLossPct, a.RewardRatio)
}

// TradeDecision 是沙箱一次评估的输出：条件结果 + 选中的动作。
type TradeDecision struct {
	Symbol          string
	Timeframe       string
	ConditionResult bool
	ChosenAction    Action
}

// Side 是订单方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderInstruction 是风控层产出的、已按交易所约束收敛过的下单指令。
// Quantity 已按 StepSize 向下取整，价格已按 PricePrecision 取整。
type OrderInstruction struct {
	Symbol          string
	Side            Side
	Quantity        float64
	Leverage        float64
	EntryPrice      float64 // 计算时参考的入场价 (最新收盘价)
	StopPrice       float64
	TakeProfitPrice float64

	// EstLiquidationPrice 基于固定维持保证金率的估算值，
	// 不是交易所分层计算出的真实强平价，仅供参考。
	EstLiquidationPrice float64
}

func (o OrderInstruction) String() string {
	return fmt.Sprintf("ORDER [%s %s] qty=%.8g @%.8g lev=%.4gx SL=%.8g TP=%.8g estLiq=%.8g",
		o.Side, o.Symbol, o.Quantity, o.EntryPrice, o.Leverage, o.StopPrice, o.TakeProfitPrice, o.EstLiquidationPrice)
}

// Position 是当前持仓信息 (用于执行器和策略状态同步)。
type Position struct {
	Symbol     string
	Side       Side
	Quantity   float64 // 0 表示空仓
	EntryPrice float64
	UnrealPnL  float64
	EntryTime  time.Time
}

// TradeRecord 记录一次完整的开仓和平仓 (回测报告使用)。
type TradeRecord struct {
	Symbol      string
	Side        Side
	Quantity    float64
	EntryTime   time.Time
	ExitTime    time.Time
	EntryPrice  float64
	ExitPrice   float64
	RealizedPnL float64
	ExitReason  string // "SL" | "TP" | "End"
}
