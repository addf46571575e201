// pkg/ta/calculator.go
// 技术指标计算，全部基于 go-talib，输入为收盘 K 线窗口。
// 所有函数返回与输入等长的序列，暖机区间用 NaN 填充，
// 调用方取值前需自己判断 NaN。
package ta

import (
	"math"

	"futures-script-trader/internal/model"

	"github.com/markcheno/go-talib"
)

// Closes 提取收盘价序列。
func Closes(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Highs 提取最高价序列。
func Highs(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

// Lows 提取最低价序列。
func Lows(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}

// Volumes 提取成交量序列。
func Volumes(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

// maskWarmup 把前 n 个值置为 NaN。
// talib 的暖机区间输出 0，直接参与比较会产生假信号。
func maskWarmup(values []float64, n int) []float64 {
	for i := 0; i < n && i < len(values); i++ {
		values[i] = math.NaN()
	}
	return values
}

// SMA 简单移动平均。
func SMA(closes []float64, period int) []float64 {
	if len(closes) < period || period <= 0 {
		return nanSeries(len(closes))
	}
	return maskWarmup(talib.Sma(closes, period), period-1)
}

// EMA 指数移动平均。
func EMA(closes []float64, period int) []float64 {
	if len(closes) < period || period <= 0 {
		return nanSeries(len(closes))
	}
	return maskWarmup(talib.Ema(closes, period), period-1)
}

// DEMA 双重指数移动平均，暖机长度为 2*(period-1)。
func DEMA(closes []float64, period int) []float64 {
	warmup := 2 * (period - 1)
	if len(closes) <= warmup || period <= 0 {
		return nanSeries(len(closes))
	}
	return maskWarmup(talib.Dema(closes, period), warmup)
}

// RSI 相对强弱指数。
func RSI(closes []float64, period int) []float64 {
	if len(closes) <= period || period <= 0 {
		return nanSeries(len(closes))
	}
	return maskWarmup(talib.Rsi(closes, period), period)
}

// MACD 返回 MACD 线和信号线两条序列 (12/26/9)。
func MACD(closes []float64) (line, signal []float64) {
	const fast, slow, signalPeriod = 12, 26, 9
	warmup := slow + signalPeriod - 2
	if len(closes) <= warmup {
		return nanSeries(len(closes)), nanSeries(len(closes))
	}
	line, signal, _ = talib.Macd(closes, fast, slow, signalPeriod)
	return maskWarmup(line, slow-1), maskWarmup(signal, warmup)
}

// ATR 平均真实波幅。
func ATR(highs, lows, closes []float64, period int) []float64 {
	if len(closes) <= period || period <= 0 {
		return nanSeries(len(closes))
	}
	return maskWarmup(talib.Atr(highs, lows, closes, period), period)
}

// OBV 能量潮，累积量无暖机区间。
func OBV(closes, volumes []float64) []float64 {
	if len(closes) == 0 {
		return nil
	}
	return talib.Obv(closes, volumes)
}

// Stochastic 快速随机指标，返回 %K 和 %D (14/3)。
// %D 是 %K 在非 NaN 区间上的 3 周期 SMA。
func Stochastic(highs, lows, closes []float64) (k, d []float64) {
	const kPeriod, dPeriod = 14, 3
	if len(closes) < kPeriod+dPeriod-1 {
		return nanSeries(len(closes)), nanSeries(len(closes))
	}
	k, d = talib.StochF(highs, lows, closes, kPeriod, dPeriod, talib.SMA)
	return maskWarmup(k, kPeriod-1), maskWarmup(d, kPeriod+dPeriod-2)
}

// AverageVolume 最近 period 根的平均成交量，不足时取全部。
func AverageVolume(volumes []float64, period int) float64 {
	if len(volumes) == 0 {
		return math.NaN()
	}
	if period <= 0 || period > len(volumes) {
		period = len(volumes)
	}
	sum := 0.0
	for _, v := range volumes[len(volumes)-period:] {
		sum += v
	}
	return sum / float64(period)
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
