package script

import (
	"context"
	"errors"
	"testing"

	"futures-script-trader/internal/model"
	"futures-script-trader/pkg/ta"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testSandbox(t *testing.T) *Sandbox {
	t.Helper()
	engine := ta.NewEngine(2)
	t.Cleanup(engine.Close)
	return NewSandbox(engine, zap.NewNop())
}

func flatWindow(n int, closePrice float64) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		out[i] = model.Candle{
			OpenTime: int64(i) * 60000,
			Open:     closePrice, High: closePrice + 1, Low: closePrice - 1, Close: closePrice,
			Volume: 100, IsFinal: true,
		}
	}
	return out
}

// 收盘价单边下跌的窗口, RSI 恒为 0
func decliningWindow(n int) []model.Candle {
	out := make([]model.Candle, n)
	price := 1000.0
	for i := range out {
		price -= 2
		out[i] = model.Candle{
			OpenTime: int64(i) * 60000,
			Open:     price + 2, High: price + 3, Low: price - 1, Close: price,
			Volume: 100, IsFinal: true,
		}
	}
	return out
}

func TestParseDefinitionHeaders(t *testing.T) {
	src := `
timeframe = "4h"
coin = "ETHUSDT"
condition_true = true
`
	def, err := ParseDefinition("test", src, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", def.Symbol)
	assert.Equal(t, "4h", def.Timeframe)
}

func TestParseDefinitionDefaults(t *testing.T) {
	def, err := ParseDefinition("test", `condition_true = true`, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", def.Symbol)
	assert.Equal(t, "1h", def.Timeframe)
}

// 第一个正文语句之后出现的头部行按普通赋值处理
func TestParseDefinitionHeaderAfterBodyIgnored(t *testing.T) {
	src := "condition_true = true\ntimeframe = \"4h\"\n"
	def, err := ParseDefinition("test", src, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, "1h", def.Timeframe)
}

func TestParseDefinitionRejectsBadHeaders(t *testing.T) {
	_, err := ParseDefinition("test", "timeframe = \"7x\"\ncondition_true = true", "BTCUSDT", "1h")
	assert.ErrorIs(t, err, model.ErrConfiguration)

	_, err = ParseDefinition("test", "coin = \"btc\"\ncondition_true = true", "BTCUSDT", "1h")
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestParseDefinitionRejectsBadSyntax(t *testing.T) {
	cases := []string{
		"condition_true = ",
		"condition_true == true",
		"1 = 2",
		"condition_true = (1 + 2",
		"condition_true = true extra",
	}
	for _, src := range cases {
		_, err := ParseDefinition("test", src, "BTCUSDT", "1h")
		assert.Error(t, err, "source %q", src)
	}
}

func TestEvaluateArithmeticAndBooleans(t *testing.T) {
	src := `
a = 1 + 2 * 3
b = (1 + 2) * 3
c = -4 + 10 % 3
condition_true = a == 7 and b == 9 and c == -3 and not (a > b)
action_if_true = "donothing"
`
	def, err := ParseDefinition("test", src, "BTCUSDT", "1h")
	require.NoError(t, err)

	decision, err := testSandbox(t).Evaluate(context.Background(), def, flatWindow(30, 100), 1000)
	require.NoError(t, err)
	assert.True(t, decision.ConditionResult)
	assert.Equal(t, model.ActionDoNothing, decision.ChosenAction.Kind)
}

func TestEvaluateCandleVariables(t *testing.T) {
	window := flatWindow(30, 100)
	window[len(window)-1].Close = 105
	src := `
condition_true = lastclose == 105 and previousclose == 100 and volume == 100 and available_balance == 2500
`
	def, err := ParseDefinition("test", src, "BTCUSDT", "1h")
	require.NoError(t, err)

	decision, err := testSandbox(t).Evaluate(context.Background(), def, window, 2500)
	require.NoError(t, err)
	assert.True(t, decision.ConditionResult)
}

func TestEvaluateSeriesIndexing(t *testing.T) {
	src := `
s = sma(2)
last_sma = s[-1]
condition_true = last_sma == 100 and last(s) == 100 and prev(s) == 100
`
	def, err := ParseDefinition("test", src, "BTCUSDT", "1h")
	require.NoError(t, err)

	decision, err := testSandbox(t).Evaluate(context.Background(), def, flatWindow(30, 100), 1000)
	require.NoError(t, err)
	assert.True(t, decision.ConditionResult)
}

// RSI 超卖 + 背离条件为真时返回结构化 OpenLong 动作
func TestEvaluateOversoldOpensLong(t *testing.T) {
	src := `
r = rsi(14)
oversold = last(r) < 30
condition_true = oversold and lastclose < previousclose
action_if_true = "long(1%risk@10x,sl=2%,rr=3)"
action_if_false = "donothing"
`
	def, err := ParseDefinition("test", src, "BTCUSDT", "1h")
	require.NoError(t, err)

	decision, err := testSandbox(t).Evaluate(context.Background(), def, decliningWindow(60), 10000)
	require.NoError(t, err)
	assert.True(t, decision.ConditionResult)
	assert.Equal(t, model.Action{
		Kind:        model.ActionOpenLong,
		RiskPct:     1,
		Leverage:    10,
		StopLossPct: 2,
		RewardRatio: 3,
	}, decision.ChosenAction)
}

// 单边行情没有交替摆动点, 背离必然为假, 走 false 分支
func TestEvaluateDivergenceFalseBranch(t *testing.T) {
	src := `
condition_true = has_divergence("hidden_bullish", 20, 0)
action_if_true = "long(1%risk@10x,sl=2%,rr=3)"
action_if_false = "donothing"
`
	def, err := ParseDefinition("test", src, "BTCUSDT", "1h")
	require.NoError(t, err)

	decision, err := testSandbox(t).Evaluate(context.Background(), def, decliningWindow(60), 10000)
	require.NoError(t, err)
	assert.False(t, decision.ConditionResult)
	assert.Equal(t, model.ActionDoNothing, decision.ChosenAction.Kind)
}

func TestEvaluateMissingConditionIsStrategyError(t *testing.T) {
	def, err := ParseDefinition("test", `a = 1`, "BTCUSDT", "1h")
	require.NoError(t, err)

	window := flatWindow(30, 100)
	_, err = testSandbox(t).Evaluate(context.Background(), def, window, 1000)
	var serr *model.StrategyError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "test", serr.Strategy)
	assert.Equal(t, window[len(window)-1].OpenTime, serr.WindowEnd)
}

func TestEvaluateConditionMustBeBool(t *testing.T) {
	def, err := ParseDefinition("test", `condition_true = 1`, "BTCUSDT", "1h")
	require.NoError(t, err)

	_, err = testSandbox(t).Evaluate(context.Background(), def, flatWindow(30, 100), 1000)
	var serr *model.StrategyError
	assert.ErrorAs(t, err, &serr)
}

// 动作语法错误必须显式失败, 不允许静默当成 donothing
func TestEvaluateMalformedActionIsStrategyError(t *testing.T) {
	src := `
condition_true = true
action_if_true = "long(banana)"
`
	def, err := ParseDefinition("test", src, "BTCUSDT", "1h")
	require.NoError(t, err)

	_, err = testSandbox(t).Evaluate(context.Background(), def, flatWindow(30, 100), 1000)
	var serr *model.StrategyError
	require.ErrorAs(t, err, &serr)
}

func TestEvaluateUnknownNameIsStrategyError(t *testing.T) {
	def, err := ParseDefinition("test", `condition_true = os_exec("rm")`, "BTCUSDT", "1h")
	require.NoError(t, err)

	_, err = testSandbox(t).Evaluate(context.Background(), def, flatWindow(30, 100), 1000)
	var serr *model.StrategyError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Err.Error(), "unknown function")
}

// 一次评估失败不影响后续评估
func TestEvaluateFailureDoesNotPoisonSandbox(t *testing.T) {
	sb := testSandbox(t)
	window := flatWindow(30, 100)

	bad, err := ParseDefinition("bad", `condition_true = nosuchname`, "BTCUSDT", "1h")
	require.NoError(t, err)
	_, err = sb.Evaluate(context.Background(), bad, window, 1000)
	require.Error(t, err)

	good, err := ParseDefinition("good", `condition_true = true`, "BTCUSDT", "1h")
	require.NoError(t, err)
	decision, err := sb.Evaluate(context.Background(), good, window, 1000)
	require.NoError(t, err)
	assert.True(t, decision.ConditionResult)
}

// 求值拿到的是快照, 并发修改原窗口不影响结果
func TestEvaluateUsesImmutableSnapshot(t *testing.T) {
	window := flatWindow(30, 100)
	src := `condition_true = lastclose == 100`
	def, err := ParseDefinition("test", src, "BTCUSDT", "1h")
	require.NoError(t, err)

	sb := testSandbox(t)
	decision, err := sb.Evaluate(context.Background(), def, window, 1000)
	require.NoError(t, err)
	require.True(t, decision.ConditionResult)

	// 原切片被改写后再评估, 用的是新快照
	window[len(window)-1].Close = 50
	decision, err = sb.Evaluate(context.Background(), def, window, 1000)
	require.NoError(t, err)
	assert.False(t, decision.ConditionResult)
}

func TestEvaluateEmptyWindow(t *testing.T) {
	def, err := ParseDefinition("test", `condition_true = true`, "BTCUSDT", "1h")
	require.NoError(t, err)

	_, err = testSandbox(t).Evaluate(context.Background(), def, nil, 1000)
	var serr *model.StrategyError
	assert.ErrorAs(t, err, &serr)
}

func TestEvaluateIndicatorPeriodOutOfRange(t *testing.T) {
	def, err := ParseDefinition("test", `condition_true = last(rsi(500)) < 30`, "BTCUSDT", "1h")
	require.NoError(t, err)

	_, err = testSandbox(t).Evaluate(context.Background(), def, flatWindow(30, 100), 1000)
	var serr *model.StrategyError
	require.True(t, errors.As(err, &serr))
}
