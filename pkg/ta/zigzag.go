// pkg/ta/zigzag.go
// ZigZag 摆动点识别。输出按 index 升序且波峰/波谷严格交替，
// 同方向行情中只保留最极端的那个点。
package ta

import (
	"math"

	"futures-script-trader/internal/model"
)

// DefaultZigZagFactor 是动态阈值的放大系数。
const DefaultZigZagFactor = 2.2

// DynamicThreshold 根据近期波动自适应反转阈值：
// 平均相邻收盘价绝对百分比变化 * factor，返回小数形式 (0.01 = 1%)。
// 数据不足时退回 0.5% 的固定阈值。
func DynamicThreshold(closes []float64, factor float64) float64 {
	if len(closes) < 2 {
		return 0.005
	}
	sum := 0.0
	for i := 1; i < len(closes); i++ {
		sum += math.Abs((closes[i]-closes[i-1])/closes[i-1]) * 100
	}
	avg := sum / float64(len(closes)-1)
	return avg * factor / 100
}

// ZigZag 在收盘价序列上识别交替的摆动点。
// threshold 是反转所需的最小相对变化 (小数形式)，传 0 使用动态阈值。
// 不变量：相邻两点的 Kind 必然不同。
func ZigZag(closes []float64, threshold float64) []model.SwingPoint {
	if len(closes) < 2 {
		return nil
	}
	if threshold <= 0 {
		threshold = DynamicThreshold(closes, DefaultZigZagFactor)
	}

	points := make([]model.SwingPoint, 0, 8)

	// direction=1 表示正在追踪上行段，当前极值是潜在波峰
	direction := -1
	initial := model.SwingPeak
	if closes[1] > closes[0] {
		direction = 1
		initial = SwingOpposite(model.SwingPeak)
	}
	points = append(points, model.SwingPoint{Index: 0, Value: closes[0], Kind: initial})

	lastIndex := 0
	lastValue := closes[0]
	for i := 1; i < len(closes); i++ {
		change := (closes[i] - lastValue) / lastValue
		switch {
		case float64(direction)*change < -threshold:
			// 反向波动超过阈值，提交此前追踪的极值点
			kind := model.SwingTrough
			if direction == 1 {
				kind = model.SwingPeak
			}
			points = append(points, model.SwingPoint{Index: lastIndex, Value: lastValue, Kind: kind})
			direction = -direction
			lastIndex = i
			lastValue = closes[i]
		case float64(direction)*(closes[i]-lastValue) > 0:
			// 同方向刷新极值，推迟提交以保留整段中最极端的点
			lastIndex = i
			lastValue = closes[i]
		}
	}

	// 收尾：尚未提交的极值作为最后一个摆动点
	if lastIndex > points[len(points)-1].Index {
		kind := model.SwingTrough
		if direction == 1 {
			kind = model.SwingPeak
		}
		points = append(points, model.SwingPoint{Index: lastIndex, Value: lastValue, Kind: kind})
	}
	return points
}

// SwingOpposite 返回相反的摆动类型。
func SwingOpposite(k model.SwingKind) model.SwingKind {
	if k == model.SwingPeak {
		return model.SwingTrough
	}
	return model.SwingPeak
}

// SwingLabel 是摆动点的结构标签 (HH/LH/HL/LL，首个点为 H/L)。
type SwingLabel struct {
	model.SwingPoint
	Label string
}

// ClassifySwings 按与同类前一点的高低关系给摆动点打结构标签。
func ClassifySwings(points []model.SwingPoint, candles []model.Candle) []SwingLabel {
	out := make([]SwingLabel, 0, len(points))
	var prevPeak, prevTrough *model.SwingPoint
	for _, p := range points {
		if p.Index < 0 || p.Index >= len(candles) {
			continue
		}
		curr := candles[p.Index].Close
		label := ""
		switch p.Kind {
		case model.SwingPeak:
			label = "H"
			if prevPeak != nil {
				if curr > candles[prevPeak.Index].Close {
					label = "HH"
				} else {
					label = "LH"
				}
			}
			cp := p
			prevPeak = &cp
		case model.SwingTrough:
			label = "L"
			if prevTrough != nil {
				if curr > candles[prevTrough.Index].Close {
					label = "HL"
				} else {
					label = "LL"
				}
			}
			cp := p
			prevTrough = &cp
		}
		out = append(out, SwingLabel{SwingPoint: p, Label: label})
	}
	return out
}
