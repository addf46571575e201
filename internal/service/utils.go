package service

import (
	"fmt"
	"strconv"
	"time"
)

func StringToFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

func StringToInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// ValidIntervals 是交易所支持的全部 K 线周期。
var ValidIntervals = []string{
	"1m", "3m", "5m", "15m", "30m",
	"1h", "2h", "4h", "6h", "8h", "12h",
	"1d", "3d", "1w",
}

// IsValidInterval 检查周期字符串是否被交易所支持。
func IsValidInterval(s string) bool {
	for _, v := range ValidIntervals {
		if v == s {
			return true
		}
	}
	return false
}

// ParseIntervalDuration 将 K 线周期字符串解析为 time.Duration
// 例如 "1m" -> 1*time.Minute
func ParseIntervalDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid interval format: %s", s)
	}

	unit := s[len(s)-1:]
	valueStr := s[:len(s)-1]

	var unitDuration time.Duration
	switch unit {
	case "m":
		unitDuration = time.Minute
	case "h":
		unitDuration = time.Hour
	case "d":
		unitDuration = 24 * time.Hour
	case "w":
		unitDuration = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unsupported interval unit: %s", unit)
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid interval value: %s", valueStr)
	}

	return time.Duration(value) * unitDuration, nil
}

// IntervalMs 返回周期的毫秒数，非法周期返回 0。
func IntervalMs(s string) int64 {
	d, err := ParseIntervalDuration(s)
	if err != nil {
		return 0
	}
	return d.Milliseconds()
}

// AlignOpenTime 把任意毫秒时间戳对齐到所属周期的起始时间。
func AlignOpenTime(ts int64, interval string) int64 {
	ms := IntervalMs(interval)
	if ms == 0 {
		return ts
	}
	return (ts / ms) * ms
}
