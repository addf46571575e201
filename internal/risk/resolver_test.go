package risk

import (
	"math"
	"testing"

	"futures-script-trader/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decision(kind model.ActionKind, risk, lev, sl, rr float64) model.TradeDecision {
	return model.TradeDecision{
		Symbol:          "BTCUSDT",
		Timeframe:       "1h",
		ConditionResult: true,
		ChosenAction: model.Action{
			Kind: kind, RiskPct: risk, Leverage: lev, StopLossPct: sl, RewardRatio: rr,
		},
	}
}

var btcConstraints = model.SymbolConstraints{
	Symbol:            "BTCUSDT",
	MinQty:            0.001,
	StepSize:          0.001,
	MinNotional:       100,
	MaxLeverage:       125,
	QuantityPrecision: 3,
	PricePrecision:    2,
}

// 打到止损价的亏损必须等于请求的风险金额, 误差不超过一个步长
func TestResolveLossAtStopEqualsRisk(t *testing.T) {
	r := NewResolver(0)
	account := model.AccountState{AvailableBalance: 10000}

	cases := []struct {
		risk, lev, sl, rr, entry float64
	}{
		{1, 10, 2, 3, 50000},
		{2.5, 5, 1.5, 2, 43210.99},
		{0.5, 20, 0.8, 4, 61999.13},
		{10, 3, 5, 1, 27123.45},
	}
	for _, c := range cases {
		instr, err := r.Resolve(decision(model.ActionOpenLong, c.risk, c.lev, c.sl, c.rr), btcConstraints, account, c.entry)
		require.NoError(t, err, "case %+v", c)

		riskAmount := account.AvailableBalance * c.risk / 100
		stopDistance := c.entry * c.sl / 100
		lossAtStop := instr.Quantity * stopDistance

		assert.InDelta(t, riskAmount, lossAtStop, stopDistance*btcConstraints.StepSize+1e-6,
			"case %+v: loss at stop %.6f vs risk %.6f", c, lossAtStop, riskAmount)
		assert.GreaterOrEqual(t, instr.Quantity, 0.0)
	}
}

func TestResolveLongPrices(t *testing.T) {
	r := NewResolver(0.004)
	instr, err := r.Resolve(decision(model.ActionOpenLong, 1, 10, 2, 3),
		btcConstraints, model.AccountState{AvailableBalance: 10000}, 50000)
	require.NoError(t, err)

	assert.Equal(t, model.SideBuy, instr.Side)
	// 止损在入场下方, 止盈按盈亏比在上方
	assert.InDelta(t, 49000, instr.StopPrice, 0.01)
	assert.InDelta(t, 53000, instr.TakeProfitPrice, 0.01)
	// 强平价估算: entry*(1 - 1/lev + mmr)
	assert.InDelta(t, 50000*(1-0.1+0.004), instr.EstLiquidationPrice, 0.01)
	assert.Equal(t, 10.0, instr.Leverage)
}

func TestResolveShortPrices(t *testing.T) {
	r := NewResolver(0.004)
	instr, err := r.Resolve(decision(model.ActionOpenShort, 1, 10, 2, 3),
		btcConstraints, model.AccountState{AvailableBalance: 10000}, 50000)
	require.NoError(t, err)

	assert.Equal(t, model.SideSell, instr.Side)
	assert.InDelta(t, 51000, instr.StopPrice, 0.01)
	assert.InDelta(t, 47000, instr.TakeProfitPrice, 0.01)
	assert.InDelta(t, 50000*(1+0.1-0.004), instr.EstLiquidationPrice, 0.01)
}

func TestResolveQuantityFlooredToStep(t *testing.T) {
	r := NewResolver(0)
	instr, err := r.Resolve(decision(model.ActionOpenLong, 1, 10, 2, 3),
		btcConstraints, model.AccountState{AvailableBalance: 12345}, 50000)
	require.NoError(t, err)

	// 数量是步长的整数倍
	steps := instr.Quantity / btcConstraints.StepSize
	assert.InDelta(t, math.Round(steps), steps, 1e-6)
}

func TestResolveBelowMinimumQty(t *testing.T) {
	r := NewResolver(0)
	// 资金太小, 算出的数量低于 minQty
	_, err := r.Resolve(decision(model.ActionOpenLong, 0.1, 10, 2, 3),
		btcConstraints, model.AccountState{AvailableBalance: 10}, 50000)
	assert.ErrorIs(t, err, model.ErrBelowMinimum)
	assert.ErrorIs(t, err, model.ErrRejected)
}

func TestResolveBelowMinNotional(t *testing.T) {
	r := NewResolver(0)
	constraints := btcConstraints
	constraints.MinQty = 0.000001
	constraints.StepSize = 0.000001
	constraints.MinNotional = 1000000
	_, err := r.Resolve(decision(model.ActionOpenLong, 1, 10, 2, 3),
		constraints, model.AccountState{AvailableBalance: 10000}, 50000)
	assert.ErrorIs(t, err, model.ErrBelowMinimum)
}

func TestResolveRejectsBadParameters(t *testing.T) {
	r := NewResolver(0)
	account := model.AccountState{AvailableBalance: 10000}

	cases := []model.TradeDecision{
		decision(model.ActionDoNothing, 0, 0, 0, 0),
		decision(model.ActionOpenLong, 0, 10, 2, 3),    // 风险为零
		decision(model.ActionOpenLong, 101, 10, 2, 3),  // 风险超 100
		decision(model.ActionOpenLong, 1, 0.5, 2, 3),   // 杠杆低于 1
		decision(model.ActionOpenLong, 1, 200, 2, 3),   // 超过交易所上限 125
		decision(model.ActionOpenLong, 1, 10, 0, 3),    // 止损为零
		decision(model.ActionOpenLong, 1, 10, 2, 0),    // 盈亏比为零
	}
	for i, d := range cases {
		_, err := r.Resolve(d, btcConstraints, account, 50000)
		assert.ErrorIs(t, err, model.ErrRejected, "case %d", i)
		assert.NotErrorIs(t, err, model.ErrBelowMinimum, "case %d", i)
	}

	// 资金为零
	_, err := r.Resolve(decision(model.ActionOpenLong, 1, 10, 2, 3),
		btcConstraints, model.AccountState{AvailableBalance: 0}, 50000)
	assert.ErrorIs(t, err, model.ErrRejected)

	// 入场价非法
	_, err = r.Resolve(decision(model.ActionOpenLong, 1, 10, 2, 3), btcConstraints, account, 0)
	assert.ErrorIs(t, err, model.ErrRejected)
}

func TestEstimateLiquidationSides(t *testing.T) {
	r := NewResolver(0.004)
	long := r.EstimateLiquidation(100, 10, model.SideBuy)
	short := r.EstimateLiquidation(100, 10, model.SideSell)
	assert.Less(t, long, 100.0)
	assert.Greater(t, short, 100.0)
	assert.InDelta(t, 90.4, long, 1e-9)
	assert.InDelta(t, 109.6, short, 1e-9)
}
