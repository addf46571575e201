package ta

import (
	"math"
	"testing"

	"futures-script-trader/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candlesFromCloses(closes []float64) []model.Candle {
	out := make([]model.Candle, len(closes))
	for i, c := range closes {
		out[i] = model.Candle{OpenTime: int64(i) * 60000, Close: c}
	}
	return out
}

func TestExtremumInWindow(t *testing.T) {
	osc := []float64{5, 1, 3, 1, 4}

	// 平局取更靠后的 index
	v, idx := ExtremumInWindow(osc, 1, 0, 2, true)
	assert.Equal(t, 1.0, v)
	assert.Equal(t, 3, idx)

	// 找最大值
	v, idx = ExtremumInWindow(osc, 2, 2, 2, false)
	assert.Equal(t, 5.0, v)
	assert.Equal(t, 0, idx)

	// 窗口在边界处收缩
	v, idx = ExtremumInWindow(osc, 0, 10, 0, true)
	assert.Equal(t, 5.0, v)
	assert.Equal(t, 0, idx)

	// 中心是 NaN 时整个查询无效
	withNaN := []float64{math.NaN(), 1, 2}
	v, _ = ExtremumInWindow(withNaN, 0, 0, 2, true)
	assert.True(t, math.IsNaN(v))

	// 窗口内的 NaN 被跳过
	v, idx = ExtremumInWindow(withNaN, 2, 2, 0, true)
	assert.Equal(t, 1.0, v)
	assert.Equal(t, 1, idx)
}

func TestDetectDivergencesBullish(t *testing.T) {
	// 价格更低的低点, 指标更高的低点
	candles := candlesFromCloses([]float64{100, 98, 96, 99, 94, 97})
	osc := []float64{50, 40, 30, 45, 35, 50}
	swings := []model.SwingPoint{
		{Index: 2, Value: 96, Kind: model.SwingTrough},
		{Index: 4, Value: 94, Kind: model.SwingTrough},
	}

	divs := DetectDivergences(osc, swings, candles, 1, 1)
	require.Len(t, divs, 1)
	assert.Equal(t, model.DivergenceBullish, divs[0].Kind)
	assert.Equal(t, 2, divs[0].StartIndex)
	assert.Equal(t, 4, divs[0].EndIndex)
	assert.Equal(t, 96.0, divs[0].StartPrice)
	assert.Equal(t, 94.0, divs[0].EndPrice)
	assert.Equal(t, 30.0, divs[0].StartOsc)
	assert.Equal(t, 35.0, divs[0].EndOsc)
}

func TestDetectDivergencesHiddenBullish(t *testing.T) {
	// 价格更高的低点, 指标更低的低点
	candles := candlesFromCloses([]float64{100, 98, 94, 99, 96, 97})
	osc := []float64{50, 40, 35, 45, 30, 50}
	swings := []model.SwingPoint{
		{Index: 2, Value: 94, Kind: model.SwingTrough},
		{Index: 4, Value: 96, Kind: model.SwingTrough},
	}

	divs := DetectDivergences(osc, swings, candles, 1, 1)
	require.Len(t, divs, 1)
	assert.Equal(t, model.DivergenceHiddenBullish, divs[0].Kind)
}

func TestDetectDivergencesBearish(t *testing.T) {
	// 价格更高的高点, 指标更低的高点
	candles := candlesFromCloses([]float64{100, 102, 106, 103, 108, 105})
	osc := []float64{50, 60, 70, 55, 65, 50}
	swings := []model.SwingPoint{
		{Index: 2, Value: 106, Kind: model.SwingPeak},
		{Index: 4, Value: 108, Kind: model.SwingPeak},
	}

	divs := DetectDivergences(osc, swings, candles, 1, 1)
	require.Len(t, divs, 1)
	assert.Equal(t, model.DivergenceBearish, divs[0].Kind)
}

func TestDetectDivergencesHiddenBearish(t *testing.T) {
	// 价格更低的高点, 指标更高的高点
	candles := candlesFromCloses([]float64{100, 104, 108, 103, 106, 100})
	osc := []float64{50, 60, 65, 55, 70, 50}
	swings := []model.SwingPoint{
		{Index: 2, Value: 108, Kind: model.SwingPeak},
		{Index: 4, Value: 106, Kind: model.SwingPeak},
	}

	divs := DetectDivergences(osc, swings, candles, 1, 1)
	require.Len(t, divs, 1)
	assert.Equal(t, model.DivergenceHiddenBearish, divs[0].Kind)
}

// 间距超过 left+right 的摆动点不配对
func TestDetectDivergencesWindowBound(t *testing.T) {
	closes := make([]float64, 20)
	osc := make([]float64, 20)
	for i := range closes {
		closes[i] = 100
		osc[i] = 50
	}
	closes[2], osc[2] = 96, 30
	closes[12], osc[12] = 94, 35
	candles := candlesFromCloses(closes)
	swings := []model.SwingPoint{
		{Index: 2, Value: 96, Kind: model.SwingTrough},
		{Index: 12, Value: 94, Kind: model.SwingTrough},
	}

	for _, windows := range [][2]int{{1, 1}, {3, 0}, {4, 4}} {
		divs := DetectDivergences(osc, swings, candles, windows[0], windows[1])
		assert.Empty(t, divs, "left=%d right=%d must not pair swings 10 apart", windows[0], windows[1])
	}

	// 窗口放大到覆盖间距后恢复检出
	divs := DetectDivergences(osc, swings, candles, 0, 10)
	require.Len(t, divs, 1)
	assert.Equal(t, model.DivergenceBullish, divs[0].Kind)
}

// NaN 暖机区间内的摆动点被跳过而不是误报
func TestDetectDivergencesSkipsNaNOscillator(t *testing.T) {
	candles := candlesFromCloses([]float64{100, 98, 96, 99, 94, 97})
	osc := []float64{math.NaN(), math.NaN(), math.NaN(), 45, 35, 50}
	swings := []model.SwingPoint{
		{Index: 2, Value: 96, Kind: model.SwingTrough},
		{Index: 4, Value: 94, Kind: model.SwingTrough},
	}
	divs := DetectDivergences(osc, swings, candles, 1, 1)
	assert.Empty(t, divs)
}
