package model

import "time"

// Candle 代表一根固定周期的 K 线 (OHLCV)。
// IsFinal=true 表示该周期已收盘，K 线从此不可变；
// IsFinal=false 的 K 线允许被同一 OpenTime 的更新快照原地覆盖。
type Candle struct {
	OpenTime int64 // 周期起始的毫秒时间戳
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	IsFinal  bool
}

// OpenAt 返回 OpenTime 对应的 time.Time (主要用于日志和图表)。
func (c Candle) OpenAt() time.Time {
	return time.UnixMilli(c.OpenTime)
}

// SymbolConstraints 是交易所对某个合约的下单约束。
// 由 Gateway 按需拉取并缓存，对其他组件只读。
type SymbolConstraints struct {
	Symbol            string
	MinQty            float64 // 最小下单数量
	StepSize          float64 // 数量步长
	MinNotional       float64 // 最小名义价值 (数量 x 价格)
	MaxLeverage       float64 // 交易所允许的最大杠杆
	QuantityPrecision int     // 数量小数位
	PricePrecision    int     // 价格小数位
}

// AccountState 是账户的资金快照 (USDT 本位)。
type AccountState struct {
	AvailableBalance   float64 // 可用保证金
	TotalMarginBalance float64 // 总保证金余额
}

// SwingKind 区分 ZigZag 摆动点的类型。
type SwingKind string

const (
	SwingPeak   SwingKind = "peak"
	SwingTrough SwingKind = "trough"
)

// SwingPoint 是 ZigZag 算法识别出的局部极值点。
// 按 Index 升序排列，相邻两点的 Kind 必定交替。
type SwingPoint struct {
	Index int
	Value float64
	Kind  SwingKind
}

// DivergenceKind 区分背离的四种形态。
type DivergenceKind string

const (
	DivergenceBullish       DivergenceKind = "bullish"
	DivergenceBearish       DivergenceKind = "bearish"
	DivergenceHiddenBullish DivergenceKind = "hidden_bullish"
	DivergenceHiddenBearish DivergenceKind = "hidden_bearish"
)

// Divergence 描述价格与震荡指标之间的一次背离。
// 它只是相对于某个 K 线窗口的派生结果，不单独持久化。
type Divergence struct {
	Kind       DivergenceKind
	StartIndex int
	EndIndex   int
	StartPrice float64
	EndPrice   float64
	StartOsc   float64 // 起点处震荡指标的极值
	EndOsc     float64 // 终点处震荡指标的极值
}
