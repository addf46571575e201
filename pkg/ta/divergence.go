// pkg/ta/divergence.go
// 价格与振荡指标的背离检测。
// 只比较相邻的同类摆动点 (波谷配波谷, 波峰配波峰)，
// 且两点的 index 间距不超过 left+right 才视为可配对。
package ta

import (
	"math"

	"futures-script-trader/internal/model"
)

// ExtremumInWindow 在 [index-left, index+right] 内找振荡指标的极值。
// NaN 跳过；相等时取更靠后的 index。中心值为 NaN 时返回 (NaN, index)。
func ExtremumInWindow(osc []float64, index, left, right int, findMin bool) (float64, int) {
	if index < 0 || index >= len(osc) {
		return math.NaN(), index
	}
	if math.IsNaN(osc[index]) {
		return math.NaN(), index
	}
	start := index - left
	if start < 0 {
		start = 0
	}
	end := index + right
	if end > len(osc)-1 {
		end = len(osc) - 1
	}
	bestValue := osc[index]
	bestIndex := index
	for i := start; i <= end; i++ {
		if math.IsNaN(osc[i]) {
			continue
		}
		better := osc[i] < bestValue
		if !findMin {
			better = osc[i] > bestValue
		}
		// 相等且更靠后时也更新，保证平局取后者
		if better || (osc[i] == bestValue && i > bestIndex) {
			bestValue = osc[i]
			bestIndex = i
		}
	}
	return bestValue, bestIndex
}

// DetectDivergences 在摆动点序列上检测四类背离。
//
//	常规看涨: 价格更低的低点, 指标更高的低点 (波谷)
//	隐藏看涨: 价格更高的低点, 指标更低的低点 (波谷)
//	常规看跌: 价格更高的高点, 指标更低的高点 (波峰)
//	隐藏看跌: 价格更低的高点, 指标更高的高点 (波峰)
//
// left/right 同时限定极值搜索窗口和配对的最大 index 间距。
func DetectDivergences(osc []float64, swings []model.SwingPoint, candles []model.Candle, left, right int) []model.Divergence {
	var troughs, peaks []model.SwingPoint
	for _, p := range swings {
		if p.Index < 0 || p.Index >= len(candles) {
			continue
		}
		if p.Kind == model.SwingTrough {
			troughs = append(troughs, p)
		} else {
			peaks = append(peaks, p)
		}
	}
	maxGap := left + right

	var out []model.Divergence
	for i := 1; i < len(troughs); i++ {
		prev, curr := troughs[i-1], troughs[i]
		if curr.Index-prev.Index > maxGap {
			continue
		}
		prevPrice := candles[prev.Index].Close
		currPrice := candles[curr.Index].Close
		prevOsc, prevIdx := ExtremumInWindow(osc, prev.Index, left, right, true)
		currOsc, currIdx := ExtremumInWindow(osc, curr.Index, left, right, true)
		if math.IsNaN(prevOsc) || math.IsNaN(currOsc) {
			continue
		}
		if currPrice < prevPrice && currOsc > prevOsc {
			out = append(out, newDivergence(model.DivergenceBullish, prevIdx, currIdx, prevPrice, currPrice, prevOsc, currOsc))
		}
		if currPrice > prevPrice && currOsc < prevOsc {
			out = append(out, newDivergence(model.DivergenceHiddenBullish, prevIdx, currIdx, prevPrice, currPrice, prevOsc, currOsc))
		}
	}
	for i := 1; i < len(peaks); i++ {
		prev, curr := peaks[i-1], peaks[i]
		if curr.Index-prev.Index > maxGap {
			continue
		}
		prevPrice := candles[prev.Index].Close
		currPrice := candles[curr.Index].Close
		prevOsc, prevIdx := ExtremumInWindow(osc, prev.Index, left, right, false)
		currOsc, currIdx := ExtremumInWindow(osc, curr.Index, left, right, false)
		if math.IsNaN(prevOsc) || math.IsNaN(currOsc) {
			continue
		}
		if currPrice > prevPrice && currOsc < prevOsc {
			out = append(out, newDivergence(model.DivergenceBearish, prevIdx, currIdx, prevPrice, currPrice, prevOsc, currOsc))
		}
		if currPrice < prevPrice && currOsc > prevOsc {
			out = append(out, newDivergence(model.DivergenceHiddenBearish, prevIdx, currIdx, prevPrice, currPrice, prevOsc, currOsc))
		}
	}
	return out
}

func newDivergence(kind model.DivergenceKind, startIdx, endIdx int, startPrice, endPrice, startOsc, endOsc float64) model.Divergence {
	return model.Divergence{
		Kind:       kind,
		StartIndex: startIdx,
		EndIndex:   endIdx,
		StartPrice: startPrice,
		EndPrice:   endPrice,
		StartOsc:   startOsc,
		EndOsc:     endOsc,
	}
}
